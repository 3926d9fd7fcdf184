package repository

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

type ScheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `id, name, cron_expression, timezone, target_libraries, badge_types,
	reprocess_all, enabled, created_at, updated_at, last_run_at, next_run_at`

func scanSchedule(row interface{ Scan(dest ...interface{}) error }) (*models.Schedule, error) {
	s := &models.Schedule{}
	err := row.Scan(
		&s.ID, &s.Name, &s.CronExpression, &s.Timezone, &s.TargetLibraries, &s.BadgeTypes,
		&s.ReprocessAll, &s.Enabled, &s.CreatedAt, &s.UpdatedAt, &s.LastRunAt, &s.NextRunAt,
	)
	return s, err
}

func (r *ScheduleRepository) Create(s *models.Schedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	query := `INSERT INTO schedules (id, name, cron_expression, timezone, target_libraries,
			badge_types, reprocess_all, enabled, next_run_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(query, s.ID, s.Name, s.CronExpression, s.Timezone, s.TargetLibraries,
		s.BadgeTypes, s.ReprocessAll, s.Enabled, s.NextRunAt).
		Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *ScheduleRepository) GetByID(id uuid.UUID) (*models.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *ScheduleRepository) List(enabledOnly bool) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY name`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ScheduleRepository) Update(s *models.Schedule) error {
	query := `UPDATE schedules SET name = $2, cron_expression = $3, timezone = $4,
			target_libraries = $5, badge_types = $6, reprocess_all = $7, enabled = $8,
			next_run_at = $9, updated_at = NOW()
		WHERE id = $1`
	res, err := r.db.Exec(query, s.ID, s.Name, s.CronExpression, s.Timezone,
		s.TargetLibraries, s.BadgeTypes, s.ReprocessAll, s.Enabled, s.NextRunAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *ScheduleRepository) Delete(id uuid.UUID) error {
	res, err := r.db.Exec(`DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *ScheduleRepository) SetRunTimes(id uuid.UUID, lastRun, nextRun *time.Time) error {
	_, err := r.db.Exec(`UPDATE schedules SET last_run_at = COALESCE($2, last_run_at),
			next_run_at = $3, updated_at = NOW()
		WHERE id = $1`, id, lastRun, nextRun)
	return err
}

// ──────────────────── Executions ────────────────────

const executionColumns = `id, schedule_id, status, items_processed, error_message,
	created_at, started_at, completed_at`

func scanExecution(row interface{ Scan(dest ...interface{}) error }) (*models.ScheduleExecution, error) {
	e := &models.ScheduleExecution{}
	var items []byte
	err := row.Scan(&e.ID, &e.ScheduleID, &e.Status, &items, &e.ErrorMessage,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt)
	e.ItemsProcessed = items
	return e, err
}

func (r *ScheduleRepository) CreateExecution(e *models.ScheduleExecution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = models.ExecutionPending
	}
	query := `INSERT INTO schedule_executions (id, schedule_id, status)
		VALUES ($1, $2, $3) RETURNING created_at`
	return r.db.QueryRow(query, e.ID, e.ScheduleID, e.Status).Scan(&e.CreatedAt)
}

func (r *ScheduleRepository) MarkExecutionProcessing(id uuid.UUID) error {
	res, err := r.db.Exec(`UPDATE schedule_executions SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *ScheduleRepository) CompleteExecution(id uuid.UUID, status models.ExecutionStatus, items json.RawMessage, errorMessage *string) error {
	res, err := r.db.Exec(`UPDATE schedule_executions SET status = $2, items_processed = $3,
			error_message = $4, completed_at = NOW()
		WHERE id = $1`, id, status, nullJSON(items), errorMessage)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *ScheduleRepository) GetExecution(id uuid.UUID) (*models.ScheduleExecution, error) {
	e, err := scanExecution(r.db.QueryRow(`SELECT `+executionColumns+` FROM schedule_executions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ExecutionInWindow reports whether any execution for the schedule was
// created inside [from, to]. The scheduler uses it to decide whether a cron
// window already fired.
func (r *ScheduleRepository) ExecutionInWindow(scheduleID uuid.UUID, from, to time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM schedule_executions
		WHERE schedule_id = $1 AND created_at >= $2 AND created_at <= $3)`,
		scheduleID, from, to).Scan(&exists)
	return exists, err
}

func (r *ScheduleRepository) ListExecutions(scheduleID *uuid.UUID, limit int) ([]*models.ScheduleExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM schedule_executions`
	args := []interface{}{}
	if scheduleID != nil {
		query += ` WHERE schedule_id = $1`
		args = append(args, *scheduleID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ScheduleExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
