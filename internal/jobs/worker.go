package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aphrodite-server/aphrodite/internal/metrics"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/pipeline"
	"github.com/aphrodite-server/aphrodite/internal/repository"
)

const (
	defaultPosterConcurrency = 3
	defaultMaxAttempts       = 3
	defaultRetryDelay        = 2 * time.Second
)

// BatchHandler consumes workflow:process_batch tasks. One task is one job;
// posters run through the pipeline with bounded concurrency while the
// handler polls the job row so pause and cancel take effect between
// posters.
type BatchHandler struct {
	jobs    jobStore
	posters posterStore
	proc    PosterProcessor
	cleaner ArtifactCleaner
	bus     Publisher

	posterConcurrency int
	maxAttempts       int
	retryDelay        time.Duration
}

// BatchOptions carries the operator-tunable knobs for batch processing.
// Zero values fall back to the built-in defaults.
type BatchOptions struct {
	// PosterConcurrency bounds posters in flight within one job.
	PosterConcurrency int
	// MaxAttempts is the total pipeline attempts per poster, including
	// the first.
	MaxAttempts int
}

func NewBatchHandler(jobs jobStore, posters posterStore, proc PosterProcessor, cleaner ArtifactCleaner, bus Publisher, opts BatchOptions) *BatchHandler {
	if opts.PosterConcurrency < 1 {
		opts.PosterConcurrency = defaultPosterConcurrency
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &BatchHandler{
		jobs:              jobs,
		posters:           posters,
		proc:              proc,
		cleaner:           cleaner,
		bus:               bus,
		posterConcurrency: opts.PosterConcurrency,
		maxAttempts:       opts.MaxAttempts,
		retryDelay:        defaultRetryDelay,
	}
}

type posterOutcome struct {
	posterID string
	success  bool
}

func (h *BatchHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload BatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal batch payload: %w", err)
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		log.Printf("[worker] dropping task with bad job id %q: %v", payload.JobID, err)
		return nil
	}

	job, err := h.jobs.GetByID(jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Printf("[worker] job=%s no longer exists, dropping task", jobID)
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}

	switch job.Status {
	case models.JobQueued:
		if err := h.jobs.MarkRunning(jobID); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				log.Printf("[worker] job=%s no longer queued, dropping task", jobID)
				return nil
			}
			return fmt.Errorf("mark running: %w", err)
		}
		job.Status = models.JobRunning
	case models.JobRunning:
		// Re-delivered after an interrupted run; poster rows say what is
		// left to do.
		log.Printf("[worker] job=%s resuming interrupted run", jobID)
	case models.JobPaused:
		log.Printf("[worker] job=%s is paused, dropping task", jobID)
		return nil
	default:
		log.Printf("[worker] job=%s already %s, dropping task", jobID, job.Status)
		return nil
	}

	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	// Rows normally exist from job creation; this covers a crash between
	// the job insert and the row insert. Existing rows are untouched.
	if err := h.posters.CreatePending(jobID, job.SelectedPosterIDs); err != nil {
		return fmt.Errorf("ensure poster rows: %w", err)
	}
	rows, err := h.posters.ListByJob(jobID)
	if err != nil {
		return fmt.Errorf("list poster rows: %w", err)
	}
	byPoster := make(map[string]*models.PosterStatus, len(rows))
	for _, row := range rows {
		byPoster[row.PosterID] = row
	}

	// Work through the job's selection in submission order, skipping
	// posters that are already terminal. Failed posters come back into
	// play on a restart.
	var work []string
	completedCount, failedCount := 0, 0
	for _, pid := range job.SelectedPosterIDs {
		row := byPoster[pid]
		if row == nil {
			work = append(work, pid)
			continue
		}
		switch {
		case row.Status == models.PosterCompleted:
			completedCount++
		case row.Status == models.PosterFailed && !payload.RetryFailed:
			failedCount++
		default:
			work = append(work, pid)
		}
	}
	if err := h.jobs.SetCounters(jobID, completedCount, failedCount); err != nil {
		log.Printf("[worker] job=%s reconcile counters: %v", jobID, err)
	}

	log.Printf("[worker] job=%s starting: %d posters, %d already done, %d to process",
		jobID, job.TotalPosters, completedCount+failedCount, len(work))
	h.publish(ctx, job, models.JobRunning, completedCount, failedCount, nil, nil, nil)

	runStart := time.Now()
	doneThisRun := 0
	var currentETA *time.Time

	outcomes := make(chan posterOutcome, len(work))
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for o := range outcomes {
			if o.success {
				completedCount++
				metrics.PostersProcessed.WithLabelValues("completed").Inc()
				if err := h.jobs.IncrementCompleted(jobID); err != nil {
					log.Printf("[worker] job=%s increment completed: %v", jobID, err)
				}
			} else {
				failedCount++
				metrics.PostersProcessed.WithLabelValues("failed").Inc()
				if err := h.jobs.IncrementFailed(jobID); err != nil {
					log.Printf("[worker] job=%s increment failed: %v", jobID, err)
				}
			}
			doneThisRun++
			currentETA = h.updateETA(jobID, runStart, doneThisRun, len(work)-doneThisRun)
			pid := o.posterID
			h.publish(ctx, job, models.JobRunning, completedCount, failedCount, &pid, currentETA, nil)
		}
	}()

	sem := make(chan struct{}, h.posterConcurrency)
	var wg sync.WaitGroup
	interrupted := false

dispatch:
	for _, posterID := range work {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			interrupted = true
			break dispatch
		}
		// Poll after the slot frees, not before. A check done while all
		// slots were busy would be stale by the time this poster starts.
		if st, ok := h.pollStatus(jobID); ok && st != models.JobRunning {
			<-sem
			log.Printf("[worker] job=%s observed %s, stopping dispatch", jobID, st)
			break dispatch
		}
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes <- h.processPoster(ctx, job, pid)
		}(posterID)
	}
	wg.Wait()
	close(outcomes)
	<-collectorDone

	if interrupted || ctx.Err() != nil {
		// Server shutdown. Leave the job running; the re-delivered task
		// resumes from the poster rows.
		log.Printf("[worker] job=%s interrupted after %d posters", jobID, doneThisRun)
		return ctx.Err()
	}

	final, err := h.jobs.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	switch final.Status {
	case models.JobPaused:
		// Resume re-dispatches; rows and scratch files stay.
		h.publish(ctx, job, models.JobPaused, completedCount, failedCount, nil, nil, nil)
		log.Printf("[worker] job=%s paused after %d posters", jobID, doneThisRun)
		return nil
	case models.JobCancelled:
		h.cleanup(jobID)
		h.publish(ctx, job, models.JobCancelled, completedCount, failedCount, nil, nil, nil)
		log.Printf("[worker] job=%s cancelled after %d posters", jobID, doneThisRun)
		return nil
	case models.JobRunning:
		var summary *string
		if failedCount > 0 {
			if summary, err = h.posters.MostFrequentError(jobID); err != nil {
				log.Printf("[worker] job=%s error summary: %v", jobID, err)
			}
		}
		if err := h.jobs.MarkCompleted(jobID, summary); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				// Lost a race with cancel at the very end.
				h.cleanup(jobID)
				h.publish(ctx, job, models.JobCancelled, completedCount, failedCount, nil, nil, nil)
				return nil
			}
			return fmt.Errorf("mark completed: %w", err)
		}
		h.cleanup(jobID)
		metrics.JobsFinished.WithLabelValues(string(models.JobCompleted)).Inc()
		if final.StartedAt != nil {
			metrics.JobDuration.Observe(time.Since(*final.StartedAt).Seconds())
		}
		h.publish(ctx, job, models.JobCompleted, completedCount, failedCount, nil, nil, summary)
		log.Printf("[worker] job=%s completed: %d ok, %d failed in %s",
			jobID, completedCount, failedCount, time.Since(runStart).Round(time.Second))
		return nil
	default:
		log.Printf("[worker] job=%s finished in unexpected status %s", jobID, final.Status)
		return nil
	}
}

// processPoster runs the pipeline for one poster under the job's retry
// policy. Only retryable failures consume extra attempts.
func (h *BatchHandler) processPoster(ctx context.Context, job *models.Job, posterID string) posterOutcome {
	if err := h.posters.MarkProcessing(job.ID, posterID); err != nil {
		log.Printf("[worker] job=%s poster=%s mark processing: %v", job.ID, posterID, err)
	}
	req := pipeline.Request{
		JobID:      job.ID,
		PosterID:   posterID,
		BadgeTypes: job.BadgeTypes,
		Owner:      job.UserID,
		Source:     job.Source,
	}
	var res pipeline.Result
	for attempt := 1; ; attempt++ {
		res = h.proc.Process(ctx, req)
		metrics.PosterDuration.Observe(res.Elapsed.Seconds())
		if res.Success {
			var outputPath *string
			if res.OutputPath != "" {
				outputPath = &res.OutputPath
			}
			if err := h.posters.MarkCompleted(job.ID, posterID, outputPath); err != nil {
				log.Printf("[worker] job=%s poster=%s mark completed: %v", job.ID, posterID, err)
			}
			return posterOutcome{posterID: posterID, success: true}
		}
		if !res.Retryable || attempt >= h.maxAttempts || ctx.Err() != nil {
			break
		}
		metrics.PosterRetries.Inc()
		if err := h.posters.IncrementRetry(job.ID, posterID); err != nil {
			log.Printf("[worker] job=%s poster=%s increment retry: %v", job.ID, posterID, err)
		}
		log.Printf("[worker] job=%s poster=%s attempt %d/%d failed (%s), retrying",
			job.ID, posterID, attempt, h.maxAttempts, res.ErrorKind)
		select {
		case <-time.After(h.retryDelay * time.Duration(attempt)):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err := h.posters.MarkFailed(job.ID, posterID, string(res.ErrorKind), res.ErrorMessage); err != nil {
		log.Printf("[worker] job=%s poster=%s mark failed: %v", job.ID, posterID, err)
	}
	return posterOutcome{posterID: posterID, success: false}
}

// pollStatus reads the current job status. A read failure is reported as
// not-ok so a transient database blip does not stop a long run.
func (h *BatchHandler) pollStatus(jobID uuid.UUID) (models.JobStatus, bool) {
	job, err := h.jobs.GetByID(jobID)
	if err != nil {
		log.Printf("[worker] job=%s status poll: %v", jobID, err)
		return "", false
	}
	return job.Status, true
}

// updateETA projects completion from this run's average poster time. The
// projection ignores time spent paused because it starts from the current
// run, not the job's started_at.
func (h *BatchHandler) updateETA(jobID uuid.UUID, runStart time.Time, done, remaining int) *time.Time {
	if done == 0 || remaining <= 0 {
		return nil
	}
	avg := time.Since(runStart) / time.Duration(done)
	eta := time.Now().UTC().Add(avg * time.Duration(remaining))
	if err := h.jobs.SetEstimatedCompletion(jobID, &eta); err != nil {
		log.Printf("[worker] job=%s set eta: %v", jobID, err)
	}
	return &eta
}

func (h *BatchHandler) cleanup(jobID uuid.UUID) {
	if err := h.cleaner.CleanupJob(jobID.String()); err != nil {
		log.Printf("[worker] job=%s cleanup: %v", jobID, err)
	}
}

func (h *BatchHandler) publish(ctx context.Context, job *models.Job, status models.JobStatus, completed, failed int, current *string, eta *time.Time, summary *string) {
	p := models.JobProgress{
		JobID:            job.ID.String(),
		Status:           status,
		TotalPosters:     job.TotalPosters,
		CompletedPosters: completed,
		FailedPosters:    failed,
		Percentage:       100,
		CurrentPoster:    current,
		ETA:              eta,
		ErrorSummary:     summary,
		Timestamp:        time.Now().UTC(),
	}
	if job.TotalPosters > 0 {
		p.Percentage = float64(completed+failed) / float64(job.TotalPosters) * 100
	}
	if err := h.bus.Publish(ctx, p); err != nil {
		log.Printf("[worker] job=%s progress publish: %v", job.ID, err)
	}
}
