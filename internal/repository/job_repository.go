package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when a guarded status transition matches no
	// row, meaning the current status was not what the caller assumed.
	ErrConflict = errors.New("repository: conflicting status transition")
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, user_id, name, source, status, priority, selected_poster_ids,
	badge_types, total_posters, completed_posters, failed_posters, error_summary,
	created_at, updated_at, started_at, completed_at, estimated_completion`

func scanJob(row interface{ Scan(dest ...interface{}) error }) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID, &job.UserID, &job.Name, &job.Source, &job.Status, &job.Priority,
		&job.SelectedPosterIDs, &job.BadgeTypes,
		&job.TotalPosters, &job.CompletedPosters, &job.FailedPosters, &job.ErrorSummary,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt, &job.EstimatedCompletion,
	)
	return job, err
}

func (r *JobRepository) Create(job *models.Job) error {
	query := `INSERT INTO jobs (id, user_id, name, source, status, priority,
			selected_poster_ids, badge_types, total_posters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(query, job.ID, job.UserID, job.Name, job.Source, job.Status,
		job.Priority, job.SelectedPosterIDs, job.BadgeTypes, job.TotalPosters).
		Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (r *JobRepository) GetByID(id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func (r *JobRepository) ListByUser(userID string, status *models.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []interface{}{userID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`
	return r.queryJobs(query, args...)
}

// NextQueuedJob returns the queued job that should start next: highest
// priority first (1 beats 10), oldest first within a priority.
func (r *JobRepository) NextQueuedJob() (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued'
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`
	job, err := scanJob(r.db.QueryRow(query))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// QueuedJobs returns all queued jobs in dispatch order, used by the startup
// recovery sweep to re-dispatch jobs whose task was lost.
func (r *JobRepository) QueuedJobs() ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued'
		ORDER BY priority ASC, created_at ASC`
	return r.queryJobs(query)
}

func (r *JobRepository) queryJobs(query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Transition moves a job between statuses, guarded by the set of statuses the
// caller believes it is in. Zero rows updated means someone else won the
// race; the caller gets ErrConflict.
func (r *JobRepository) Transition(id uuid.UUID, from []models.JobStatus, to models.JobStatus) error {
	query := `UPDATE jobs SET status = $1, updated_at = NOW()`
	if to.IsTerminal() {
		query += `, completed_at = NOW(), estimated_completion = NULL`
	}
	query += ` WHERE id = $2 AND status = ANY($3)`
	res, err := r.db.Exec(query, to, id, statusArray(from))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkRunning claims a queued job for execution.
func (r *JobRepository) MarkRunning(id uuid.UUID) error {
	query := `UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'`
	res, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkCompleted finishes a running or cancelled-while-running job. The error
// summary is the most frequent poster error, empty when every poster
// succeeded.
func (r *JobRepository) MarkCompleted(id uuid.UUID, errorSummary *string) error {
	query := `UPDATE jobs SET status = 'completed', error_summary = $2,
			completed_at = NOW(), estimated_completion = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`
	res, err := r.db.Exec(query, id, errorSummary)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkFailed moves a job to failed from any non-terminal status.
func (r *JobRepository) MarkFailed(id uuid.UUID, errorSummary string) error {
	query := `UPDATE jobs SET status = 'failed', error_summary = $2,
			completed_at = NOW(), estimated_completion = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running', 'paused')`
	res, err := r.db.Exec(query, id, errorSummary)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ClearForRestart resets a stuck or failed job back to queued.
func (r *JobRepository) ClearForRestart(id uuid.UUID) error {
	query := `UPDATE jobs SET status = 'queued', error_summary = NULL,
			completed_at = NULL, estimated_completion = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'failed')`
	res, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *JobRepository) IncrementCompleted(id uuid.UUID) error {
	_, err := r.db.Exec(`UPDATE jobs SET completed_posters = completed_posters + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *JobRepository) IncrementFailed(id uuid.UUID) error {
	_, err := r.db.Exec(`UPDATE jobs SET failed_posters = failed_posters + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

// SetCounters reconciles the job counters from poster rows when a run
// starts, so a resumed or restarted job reports progress consistent with
// what is already terminal.
func (r *JobRepository) SetCounters(id uuid.UUID, completed, failed int) error {
	_, err := r.db.Exec(`UPDATE jobs SET completed_posters = $2, failed_posters = $3, updated_at = NOW() WHERE id = $1`,
		id, completed, failed)
	return err
}

func (r *JobRepository) SetEstimatedCompletion(id uuid.UUID, eta *time.Time) error {
	_, err := r.db.Exec(`UPDATE jobs SET estimated_completion = $2, updated_at = NOW() WHERE id = $1`, id, eta)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func statusArray(statuses []models.JobStatus) pq.StringArray {
	out := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
