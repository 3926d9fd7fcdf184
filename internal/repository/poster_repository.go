package repository

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

// PosterRepository tracks the per-poster rows of a job.
type PosterRepository struct {
	db *sql.DB
}

func NewPosterRepository(db *sql.DB) *PosterRepository {
	return &PosterRepository{db: db}
}

const posterColumns = `id, job_id, poster_id, status, retry_count, output_path,
	error_kind, error_message, started_at, completed_at`

func scanPoster(row interface{ Scan(dest ...interface{}) error }) (*models.PosterStatus, error) {
	ps := &models.PosterStatus{}
	err := row.Scan(
		&ps.ID, &ps.JobID, &ps.PosterID, &ps.Status, &ps.RetryCount,
		&ps.OutputPath, &ps.ErrorKind, &ps.ErrorMessage, &ps.StartedAt, &ps.CompletedAt,
	)
	return ps, err
}

// CreatePending inserts one pending row per poster id. Existing rows are left
// untouched so a re-dispatched job does not lose terminal states.
func (r *PosterRepository) CreatePending(jobID uuid.UUID, posterIDs []string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO poster_status (id, job_id, poster_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, poster_id) DO NOTHING`)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, pid := range posterIDs {
		if _, err := stmt.Exec(uuid.New(), jobID, pid); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to insert poster row %s: %w", pid, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// MarkProcessing moves a row into processing. The first attempt stamps
// started_at; retries keep the original start and clear the previous
// completion.
func (r *PosterRepository) MarkProcessing(jobID uuid.UUID, posterID string) error {
	query := `UPDATE poster_status SET status = 'processing',
			started_at = COALESCE(started_at, NOW()),
			completed_at = NULL
		WHERE job_id = $1 AND poster_id = $2`
	_, err := r.db.Exec(query, jobID, posterID)
	return err
}

func (r *PosterRepository) IncrementRetry(jobID uuid.UUID, posterID string) error {
	_, err := r.db.Exec(`UPDATE poster_status SET retry_count = retry_count + 1
		WHERE job_id = $1 AND poster_id = $2`, jobID, posterID)
	return err
}

func (r *PosterRepository) MarkCompleted(jobID uuid.UUID, posterID string, outputPath *string) error {
	query := `UPDATE poster_status SET status = 'completed', output_path = $3,
			error_kind = NULL, error_message = NULL, completed_at = NOW()
		WHERE job_id = $1 AND poster_id = $2`
	_, err := r.db.Exec(query, jobID, posterID, outputPath)
	return err
}

func (r *PosterRepository) MarkFailed(jobID uuid.UUID, posterID, errorKind, errorMessage string) error {
	query := `UPDATE poster_status SET status = 'failed', error_kind = $3,
			error_message = $4, completed_at = NOW()
		WHERE job_id = $1 AND poster_id = $2`
	_, err := r.db.Exec(query, jobID, posterID, errorKind, errorMessage)
	return err
}

func (r *PosterRepository) ListByJob(jobID uuid.UUID) ([]*models.PosterStatus, error) {
	rows, err := r.db.Query(`SELECT `+posterColumns+` FROM poster_status WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PosterStatus
	for rows.Next() {
		ps, err := scanPoster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (r *PosterRepository) Get(jobID uuid.UUID, posterID string) (*models.PosterStatus, error) {
	ps, err := scanPoster(r.db.QueryRow(
		`SELECT `+posterColumns+` FROM poster_status WHERE job_id = $1 AND poster_id = $2`, jobID, posterID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ps, err
}

// CountByState returns the per-state row counts for a job.
func (r *PosterRepository) CountByState(jobID uuid.UUID) (map[models.PosterState]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM poster_status WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[models.PosterState]int{}
	for rows.Next() {
		var state models.PosterState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// MostFrequentError returns the modal error message among failed rows, nil
// when no row failed. Ties break arbitrarily.
func (r *PosterRepository) MostFrequentError(jobID uuid.UUID) (*string, error) {
	var msg string
	err := r.db.QueryRow(`SELECT error_message FROM poster_status
		WHERE job_id = $1 AND status = 'failed' AND error_message IS NOT NULL
		GROUP BY error_message ORDER BY COUNT(*) DESC LIMIT 1`, jobID).Scan(&msg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
