package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/pipeline"
)

func runBatch(t *testing.T, h *harness, jobID uuid.UUID, retryFailed bool) error {
	t.Helper()
	payload, err := json.Marshal(BatchPayload{JobID: jobID.String(), RetryFailed: retryFailed})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return h.handler.ProcessTask(context.Background(), asynq.NewTask(TaskProcessBatch, payload))
}

func transientFailure(posterID string) pipeline.Result {
	return pipeline.Result{
		PosterID:     posterID,
		ErrorKind:    models.ErrKindNetworkTransient,
		ErrorMessage: "network_transient: jellyfin returned 502",
		Retryable:    true,
	}
}

func TestBatchMixedOutcome(t *testing.T) {
	h := newHarness()
	h.proc.results["p-2"] = []pipeline.Result{{
		PosterID:     "p-2",
		ErrorKind:    models.ErrKindPosterMissing,
		ErrorMessage: "poster_missing: item p-2 has no primary image",
	}}
	job := h.mustCreateJob(t, []string{"p-1", "p-2", "p-3"})

	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	final := h.mustGetJob(t, job.ID)
	if final.Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.CompletedPosters != 2 || final.FailedPosters != 1 {
		t.Errorf("counters = %d/%d, want 2/1", final.CompletedPosters, final.FailedPosters)
	}
	if final.ErrorSummary == nil || !strings.Contains(*final.ErrorSummary, "poster_missing") {
		t.Errorf("summary = %v, want poster_missing mention", final.ErrorSummary)
	}
	if final.EstimatedCompletion != nil {
		t.Error("eta should be cleared on completion")
	}

	rows, _ := h.posters.ListByJob(job.ID)
	byID := map[string]*models.PosterStatus{}
	for _, r := range rows {
		byID[r.PosterID] = r
	}
	for _, pid := range []string{"p-1", "p-3"} {
		r := byID[pid]
		if r.Status != models.PosterCompleted {
			t.Errorf("%s status = %s, want completed", pid, r.Status)
		}
		if r.OutputPath == nil {
			t.Errorf("%s has no output path", pid)
		}
	}
	if r := byID["p-2"]; r.Status != models.PosterFailed || r.ErrorKind == nil || *r.ErrorKind != "poster_missing" {
		t.Errorf("p-2 row = %+v", r)
	}
	// Non-retryable failures get exactly one attempt.
	if n := h.proc.callsFor("p-2"); n != 1 {
		t.Errorf("p-2 attempts = %d, want 1", n)
	}

	if h.cleaner.count() != 1 {
		t.Errorf("cleanup calls = %d, want 1", h.cleaner.count())
	}

	events := h.bus.list()
	if len(events) < 5 {
		t.Fatalf("expected initial + per-poster + final events, got %d", len(events))
	}
	if events[0].Status != models.JobRunning {
		t.Errorf("first event status = %s, want running", events[0].Status)
	}
	last := events[len(events)-1]
	if last.Status != models.JobCompleted || last.Percentage != 100 {
		t.Errorf("last event = %+v", last)
	}
	if last.ErrorSummary == nil {
		t.Error("final event should carry the error summary")
	}
	// Counters never go backwards.
	prev := 0
	for _, e := range events {
		done := e.CompletedPosters + e.FailedPosters
		if done < prev {
			t.Fatalf("progress went backwards: %d after %d", done, prev)
		}
		prev = done
	}
}

func TestBatchProcessesInSubmissionOrder(t *testing.T) {
	h := newHarness()
	h.handler.posterConcurrency = 1
	job := h.mustCreateJob(t, []string{"b", "a", "c"})

	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	want := []string{"b", "a", "c"}
	got := h.proc.allCalls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}

	events := h.bus.list()
	// events[0] is the initial running snapshot, events[1] the first
	// per-poster update.
	if events[1].CurrentPoster == nil || *events[1].CurrentPoster != "b" {
		t.Errorf("first update poster = %v, want b", events[1].CurrentPoster)
	}
	if events[1].ETA == nil {
		t.Error("mid-run update should project an eta")
	}
	if last := events[len(events)-1]; last.ETA != nil {
		t.Error("final event should not carry an eta")
	}
}

func TestBatchRetriesTransientFailure(t *testing.T) {
	h := newHarness()
	h.proc.results["p-1"] = []pipeline.Result{
		transientFailure("p-1"),
		transientFailure("p-1"),
		// Third attempt falls through to the default success result.
		{PosterID: "p-1", Success: true, OutputPath: "/data/posters/modified/p-1.jpg"},
	}
	job := h.mustCreateJob(t, []string{"p-1"})

	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if n := h.proc.callsFor("p-1"); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	rows, _ := h.posters.ListByJob(job.ID)
	if rows[0].Status != models.PosterCompleted {
		t.Errorf("row status = %s, want completed", rows[0].Status)
	}
	if rows[0].RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", rows[0].RetryCount)
	}
	final := h.mustGetJob(t, job.ID)
	if final.Status != models.JobCompleted || final.CompletedPosters != 1 {
		t.Errorf("job = %s %d/%d", final.Status, final.CompletedPosters, final.FailedPosters)
	}
}

func TestBatchOptionsOverrideDefaults(t *testing.T) {
	h := newHarness()
	h.handler = NewBatchHandler(h.jobs, h.posters, h.proc, h.cleaner, h.bus, BatchOptions{
		PosterConcurrency: 1,
		MaxAttempts:       2,
	})
	h.handler.retryDelay = time.Millisecond

	h.proc.results["p-1"] = []pipeline.Result{transientFailure("p-1")}
	job := h.mustCreateJob(t, []string{"p-1"})

	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	// The configured budget of 2 replaces the built-in 3.
	if n := h.proc.callsFor("p-1"); n != 2 {
		t.Fatalf("attempts = %d, want configured budget of 2", n)
	}
	rows, _ := h.posters.ListByJob(job.ID)
	if rows[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", rows[0].RetryCount)
	}
}

func TestBatchOptionsZeroUsesDefaults(t *testing.T) {
	h := NewBatchHandler(nil, nil, nil, nil, nil, BatchOptions{})
	if h.posterConcurrency != defaultPosterConcurrency {
		t.Errorf("concurrency = %d, want %d", h.posterConcurrency, defaultPosterConcurrency)
	}
	if h.maxAttempts != defaultMaxAttempts {
		t.Errorf("max attempts = %d, want %d", h.maxAttempts, defaultMaxAttempts)
	}
}

func TestBatchRetryBudgetExhausted(t *testing.T) {
	h := newHarness()
	h.proc.results["p-1"] = []pipeline.Result{transientFailure("p-1")}
	job := h.mustCreateJob(t, []string{"p-1"})

	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if n := h.proc.callsFor("p-1"); n != h.handler.maxAttempts {
		t.Fatalf("attempts = %d, want %d", n, h.handler.maxAttempts)
	}
	rows, _ := h.posters.ListByJob(job.ID)
	if rows[0].Status != models.PosterFailed {
		t.Errorf("row status = %s, want failed", rows[0].Status)
	}
	if rows[0].ErrorKind == nil || *rows[0].ErrorKind != "network_transient" {
		t.Errorf("error kind = %v", rows[0].ErrorKind)
	}

	// Poster failures never fail the job.
	final := h.mustGetJob(t, job.ID)
	if final.Status != models.JobCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if final.ErrorSummary == nil || !strings.Contains(*final.ErrorSummary, "network_transient") {
		t.Errorf("summary = %v", final.ErrorSummary)
	}
}

func TestBatchCancelStopsBetweenPosters(t *testing.T) {
	h := newHarness()
	h.handler.posterConcurrency = 1
	job := h.mustCreateJob(t, []string{"p-1", "p-2", "p-3"})
	h.proc.onCall = func(posterID string) {
		if posterID == "p-1" {
			if err := h.manager.Cancel(job.ID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
	}

	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	final := h.mustGetJob(t, job.ID)
	if final.Status != models.JobCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.CompletedPosters != 1 {
		t.Errorf("completed = %d, want 1 (in-flight poster finishes)", final.CompletedPosters)
	}

	rows, _ := h.posters.ListByJob(job.ID)
	states := map[string]models.PosterState{}
	for _, r := range rows {
		states[r.PosterID] = r.Status
	}
	if states["p-1"] != models.PosterCompleted {
		t.Errorf("p-1 = %s, want completed", states["p-1"])
	}
	for _, pid := range []string{"p-2", "p-3"} {
		if states[pid] != models.PosterPending {
			t.Errorf("%s = %s, want pending", pid, states[pid])
		}
	}

	if h.cleaner.count() != 1 {
		t.Error("cancelled jobs should have scratch files cleaned")
	}
	events := h.bus.list()
	if last := events[len(events)-1]; last.Status != models.JobCancelled {
		t.Errorf("last event status = %s, want cancelled", last.Status)
	}
}

func TestBatchPauseAndResume(t *testing.T) {
	h := newHarness()
	h.handler.posterConcurrency = 1
	job := h.mustCreateJob(t, []string{"p-1", "p-2", "p-3"})
	h.proc.onCall = func(posterID string) {
		if posterID == "p-1" {
			if err := h.manager.Pause(job.ID); err != nil {
				t.Errorf("Pause: %v", err)
			}
		}
	}

	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	paused := h.mustGetJob(t, job.ID)
	if paused.Status != models.JobPaused {
		t.Fatalf("status = %s, want paused", paused.Status)
	}
	if h.cleaner.count() != 0 {
		t.Fatal("paused jobs keep their scratch files")
	}
	events := h.bus.list()
	if last := events[len(events)-1]; last.Status != models.JobPaused {
		t.Errorf("last event status = %s, want paused", last.Status)
	}

	h.proc.onCall = nil
	if _, err := h.manager.Resume(job.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask after resume: %v", err)
	}

	final := h.mustGetJob(t, job.ID)
	if final.Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.CompletedPosters != 3 || final.FailedPosters != 0 {
		t.Errorf("counters = %d/%d, want 3/0", final.CompletedPosters, final.FailedPosters)
	}

	// The completed poster from the first run is not reprocessed.
	want := []string{"p-1", "p-2", "p-3"}
	got := h.proc.allCalls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func seedJob(t *testing.T, h *harness, posterIDs []string) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:                uuid.New(),
		UserID:            "user-1",
		Name:              "seeded",
		Source:            models.SourceManual,
		Status:            models.JobQueued,
		Priority:          models.PriorityDefault,
		SelectedPosterIDs: posterIDs,
		BadgeTypes:        []string{"audio"},
		TotalPosters:      len(posterIDs),
	}
	if err := h.jobs.Create(job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := h.posters.CreatePending(job.ID, posterIDs); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	return job
}

func TestBatchSkipsFailedRowsWithoutRetryFlag(t *testing.T) {
	h := newHarness()
	h.handler.posterConcurrency = 1
	job := seedJob(t, h, []string{"p-1", "p-2", "p-3"})
	path := "/data/posters/modified/p-1.jpg"
	h.posters.MarkCompleted(job.ID, "p-1", &path)
	h.posters.MarkFailed(job.ID, "p-2", "network_transient", "network_transient: jellyfin returned 502")

	if err := runBatch(t, h, job.ID, false); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := h.proc.allCalls()
	if len(got) != 1 || got[0] != "p-3" {
		t.Fatalf("calls = %v, want [p-3]", got)
	}
	final := h.mustGetJob(t, job.ID)
	if final.Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.CompletedPosters != 2 || final.FailedPosters != 1 {
		t.Errorf("counters = %d/%d, want 2/1", final.CompletedPosters, final.FailedPosters)
	}
	if final.ErrorSummary == nil || !strings.Contains(*final.ErrorSummary, "502") {
		t.Errorf("summary = %v", final.ErrorSummary)
	}
}

func TestBatchRetryFlagReprocessesFailedRows(t *testing.T) {
	h := newHarness()
	h.handler.posterConcurrency = 1
	job := seedJob(t, h, []string{"p-1", "p-2", "p-3"})
	path := "/data/posters/modified/p-1.jpg"
	h.posters.MarkCompleted(job.ID, "p-1", &path)
	h.posters.MarkFailed(job.ID, "p-2", "network_transient", "network_transient: jellyfin returned 502")

	if err := runBatch(t, h, job.ID, true); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := h.proc.allCalls()
	if len(got) != 2 || got[0] != "p-2" || got[1] != "p-3" {
		t.Fatalf("calls = %v, want [p-2 p-3]", got)
	}
	final := h.mustGetJob(t, job.ID)
	if final.CompletedPosters != 3 || final.FailedPosters != 0 {
		t.Errorf("counters = %d/%d, want 3/0", final.CompletedPosters, final.FailedPosters)
	}
	if final.ErrorSummary != nil {
		t.Errorf("summary should be empty after clean retry, got %q", *final.ErrorSummary)
	}
	rows, _ := h.posters.ListByJob(job.ID)
	for _, r := range rows {
		if r.Status != models.PosterCompleted {
			t.Errorf("%s = %s, want completed", r.PosterID, r.Status)
		}
	}
}

func TestBatchDropsUnknownJob(t *testing.T) {
	h := newHarness()
	if err := runBatch(t, h, uuid.New(), false); err != nil {
		t.Fatalf("unknown job should be dropped, got %v", err)
	}
	if len(h.proc.allCalls()) != 0 {
		t.Error("no posters should be processed")
	}
	if len(h.bus.list()) != 0 {
		t.Error("no progress should be published")
	}
}

func TestBatchDropsTerminalAndPausedJobs(t *testing.T) {
	for _, status := range []models.JobStatus{models.JobCompleted, models.JobFailed, models.JobCancelled, models.JobPaused} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness()
			job := seedJob(t, h, []string{"p-1"})
			h.jobs.mu.Lock()
			h.jobs.jobs[job.ID].Status = status
			h.jobs.mu.Unlock()

			if err := runBatch(t, h, job.ID, false); err != nil {
				t.Fatalf("ProcessTask: %v", err)
			}
			if len(h.proc.allCalls()) != 0 {
				t.Error("no posters should be processed")
			}
		})
	}
}

func TestBatchRejectsMalformedPayload(t *testing.T) {
	h := newHarness()
	err := h.handler.ProcessTask(context.Background(), asynq.NewTask(TaskProcessBatch, []byte("{not json")))
	if err == nil {
		t.Fatal("malformed payload should error")
	}

	// A syntactically valid payload with a bad id is dropped, not retried.
	payload, _ := json.Marshal(BatchPayload{JobID: "not-a-uuid"})
	if err := h.handler.ProcessTask(context.Background(), asynq.NewTask(TaskProcessBatch, payload)); err != nil {
		t.Fatalf("bad job id should be dropped, got %v", err)
	}
}
