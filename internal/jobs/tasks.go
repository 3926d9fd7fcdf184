package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/pipeline"
)

// ──────── Payloads ────────

// BatchPayload is the task body for one batch job dispatch. RetryFailed is
// set when a restart should re-attempt posters that already failed.
type BatchPayload struct {
	JobID       string `json:"job_id"`
	RetryFailed bool   `json:"retry_failed,omitempty"`
}

// ──────── Collaborator seams ────────

// jobStore is the job-row surface the manager and worker drive. Satisfied
// by *repository.JobRepository.
type jobStore interface {
	Create(job *models.Job) error
	GetByID(id uuid.UUID) (*models.Job, error)
	ListByUser(userID string, status *models.JobStatus) ([]*models.Job, error)
	QueuedJobs() ([]*models.Job, error)
	Transition(id uuid.UUID, from []models.JobStatus, to models.JobStatus) error
	MarkRunning(id uuid.UUID) error
	MarkCompleted(id uuid.UUID, errorSummary *string) error
	MarkFailed(id uuid.UUID, errorSummary string) error
	ClearForRestart(id uuid.UUID) error
	IncrementCompleted(id uuid.UUID) error
	IncrementFailed(id uuid.UUID) error
	SetCounters(id uuid.UUID, completed, failed int) error
	SetEstimatedCompletion(id uuid.UUID, eta *time.Time) error
}

// posterStore is the poster-row surface. Satisfied by
// *repository.PosterRepository.
type posterStore interface {
	CreatePending(jobID uuid.UUID, posterIDs []string) error
	ListByJob(jobID uuid.UUID) ([]*models.PosterStatus, error)
	MarkProcessing(jobID uuid.UUID, posterID string) error
	MarkCompleted(jobID uuid.UUID, posterID string, outputPath *string) error
	MarkFailed(jobID uuid.UUID, posterID, errorKind, errorMessage string) error
	IncrementRetry(jobID uuid.UUID, posterID string) error
	CountByState(jobID uuid.UUID) (map[models.PosterState]int, error)
	MostFrequentError(jobID uuid.UUID) (*string, error)
}

// dispatcher queues batch tasks. Satisfied by *Queue.
type dispatcher interface {
	EnqueueUnique(taskType string, payload interface{}, uniqueID string, opts ...asynq.Option) (string, error)
}

// Publisher fans progress out to subscribers. Satisfied by
// *progress.Publisher; lossy by contract.
type Publisher interface {
	Publish(ctx context.Context, p models.JobProgress) error
}

// PosterProcessor runs one poster attempt. Satisfied by
// *pipeline.Pipeline.
type PosterProcessor interface {
	Process(ctx context.Context, req pipeline.Request) pipeline.Result
}

// ArtifactCleaner drops a job's scratch artifacts on terminal. Satisfied
// by *posters.Store.
type ArtifactCleaner interface {
	CleanupJob(jobID string) error
}

// RegisterHandlers binds the batch handler to the queue mux.
func RegisterHandlers(q *Queue, batch *BatchHandler) {
	q.RegisterHandler(TaskProcessBatch, batch)
}
