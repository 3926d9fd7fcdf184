package jobs

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aphrodite-server/aphrodite/internal/metrics"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/progress"
)

var (
	// ErrInvalidInput rejects a create request before any job is written.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDispatchFailed marks jobs that could not reach the queue; the job
	// row is already failed with an error summary when this is returned.
	ErrDispatchFailed = errors.New("dispatch failed")
)

// Manager owns the job lifecycle: create (with oversize splitting),
// control transitions, and dispatch. It never runs pipeline work itself;
// it writes the store and enqueues tasks.
type Manager struct {
	jobs    jobStore
	posters posterStore
	queue   dispatcher
	hub     *progress.Hub
}

func NewManager(jobs jobStore, posters posterStore, queue dispatcher, hub *progress.Hub) *Manager {
	return &Manager{jobs: jobs, posters: posters, queue: queue, hub: hub}
}

type CreateJobParams struct {
	UserID     string
	Name       string
	PosterIDs  []string
	BadgeTypes []string
	Priority   int
	Source     models.JobSource
}

// CreateResult reports the persisted jobs; Split is true when the request
// exceeded the per-job cap and was fanned into multiple batches.
type CreateResult struct {
	Jobs  []*models.Job
	Split bool
}

// CreateJob validates, persists and dispatches one or more jobs. Requests
// above MaxPostersPerJob split into contiguous batches named
// "{name} (Batch i/N)", preserving order.
func (m *Manager) CreateJob(p CreateJobParams) (*CreateResult, error) {
	posterIDs, err := validateCreate(&p)
	if err != nil {
		return nil, err
	}

	chunks := splitIDs(posterIDs, models.MaxPostersPerJob)
	result := &CreateResult{Split: len(chunks) > 1}
	var dispatchErr error

	for i, chunk := range chunks {
		name := p.Name
		if result.Split {
			name = fmt.Sprintf("%s (Batch %d/%d)", p.Name, i+1, len(chunks))
		}
		job := &models.Job{
			ID:                uuid.New(),
			UserID:            p.UserID,
			Name:              name,
			Source:            p.Source,
			Status:            models.JobQueued,
			Priority:          p.Priority,
			SelectedPosterIDs: chunk,
			BadgeTypes:        p.BadgeTypes,
			TotalPosters:      len(chunk),
		}
		if err := m.jobs.Create(job); err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		if err := m.posters.CreatePending(job.ID, chunk); err != nil {
			return nil, fmt.Errorf("create poster rows: %w", err)
		}
		result.Jobs = append(result.Jobs, job)

		if err := m.dispatch(job, false); err != nil {
			summary := fmt.Sprintf("%s: %v", models.ErrKindDispatchFailed, err)
			if markErr := m.jobs.MarkFailed(job.ID, summary); markErr != nil {
				log.Printf("[manager] job=%s mark failed after dispatch error: %v", job.ID, markErr)
			}
			metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
			job.Status = models.JobFailed
			job.ErrorSummary = &summary
			if dispatchErr == nil {
				dispatchErr = err
			}
		}
	}

	if dispatchErr != nil {
		return result, fmt.Errorf("%w: %v", ErrDispatchFailed, dispatchErr)
	}
	return result, nil
}

func validateCreate(p *CreateJobParams) ([]string, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if len(p.PosterIDs) == 0 {
		return nil, fmt.Errorf("%w: poster_ids is empty", ErrInvalidInput)
	}
	if len(p.BadgeTypes) == 0 {
		return nil, fmt.Errorf("%w: badge_types is empty", ErrInvalidInput)
	}
	for _, bt := range p.BadgeTypes {
		if !models.ValidBadgeType(bt) {
			return nil, fmt.Errorf("%w: unknown badge type %q", ErrInvalidInput, bt)
		}
	}

	// Dedup while preserving submission order.
	seen := make(map[string]bool, len(p.PosterIDs))
	ids := make([]string, 0, len(p.PosterIDs))
	for _, id := range p.PosterIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty poster id", ErrInvalidInput)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if p.Name == "" {
		p.Name = "Poster batch " + time.Now().UTC().Format("2006-01-02 15:04")
	}
	if p.Source == "" {
		p.Source = models.SourceManual
	}
	if p.Priority < models.PriorityHighest || p.Priority > models.PriorityLowest {
		p.Priority = models.PriorityDefault
	}
	return ids, nil
}

func splitIDs(ids []string, size int) [][]string {
	if len(ids) <= size {
		return [][]string{ids}
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// dispatch enqueues the batch task keyed by job id, so a job is never
// queued twice concurrently.
func (m *Manager) dispatch(job *models.Job, retryFailed bool) error {
	payload := BatchPayload{JobID: job.ID.String(), RetryFailed: retryFailed}
	_, err := m.queue.EnqueueUnique(TaskProcessBatch, payload, "batch:"+job.ID.String(),
		asynq.Queue(QueueForPriority(job.Priority)),
		asynq.MaxRetry(3),
		asynq.Timeout(24*time.Hour),
	)
	return err
}

func (m *Manager) GetJob(id uuid.UUID) (*models.Job, error) {
	return m.jobs.GetByID(id)
}

// JobProgressCounts reads the per-state poster counts for a job's
// progress block.
func (m *Manager) JobProgressCounts(id uuid.UUID) (map[models.PosterState]int, error) {
	return m.posters.CountByState(id)
}

func (m *Manager) ListJobs(userID string, status *models.JobStatus) ([]*models.Job, error) {
	return m.jobs.ListByUser(userID, status)
}

// Pause stops consumption after in-flight posters finish. Running only.
func (m *Manager) Pause(id uuid.UUID) error {
	return m.jobs.Transition(id, []models.JobStatus{models.JobRunning}, models.JobPaused)
}

// Resume re-queues a paused job and dispatches it; a future worker picks
// up from the first non-terminal poster.
func (m *Manager) Resume(id uuid.UUID) (*models.Job, error) {
	if err := m.jobs.Transition(id, []models.JobStatus{models.JobPaused}, models.JobQueued); err != nil {
		return nil, err
	}
	return m.redispatch(id, false)
}

// Cancel is cooperative: allowed from any non-terminal state; in-flight
// posters finish, the rest are never started.
func (m *Manager) Cancel(id uuid.UUID) error {
	err := m.jobs.Transition(id,
		[]models.JobStatus{models.JobQueued, models.JobRunning, models.JobPaused},
		models.JobCancelled)
	if err == nil {
		metrics.JobsFinished.WithLabelValues(string(models.JobCancelled)).Inc()
	}
	return err
}

// Restart clears the error summary on a stuck or failed job and
// re-dispatches it. Failed posters are re-attempted; completed ones keep
// their result.
func (m *Manager) Restart(id uuid.UUID) (*models.Job, error) {
	if err := m.jobs.ClearForRestart(id); err != nil {
		return nil, err
	}
	return m.redispatch(id, true)
}

func (m *Manager) redispatch(id uuid.UUID, retryFailed bool) (*models.Job, error) {
	job, err := m.jobs.GetByID(id)
	if err != nil {
		return nil, err
	}
	if err := m.dispatch(job, retryFailed); err != nil {
		summary := fmt.Sprintf("%s: %v", models.ErrKindDispatchFailed, err)
		if markErr := m.jobs.MarkFailed(job.ID, summary); markErr != nil {
			log.Printf("[manager] job=%s mark failed after dispatch error: %v", job.ID, markErr)
		}
		metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return job, nil
}

// BroadcastProgress forwards an out-of-process worker's snapshot to the
// local hub. In-process workers publish through the bus instead.
func (m *Manager) BroadcastProgress(p models.JobProgress) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	m.hub.Broadcast(p)
}
