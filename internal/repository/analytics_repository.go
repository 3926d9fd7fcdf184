package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

// AnalyticsRepository is the read side over media_activities and its detail
// tables. Heavier aggregation happens in the analytics service; this layer
// only filters and fetches.
type AnalyticsRepository struct {
	db *sql.DB
}

func NewAnalyticsRepository(db *sql.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// sortColumns whitelists sortable columns; anything else falls back to
// started_at descending.
var sortColumns = map[string]string{
	"started_at":             "started_at",
	"completed_at":           "completed_at",
	"activity_type":          "activity_type",
	"status":                 "status",
	"initiated_by":           "initiated_by",
	"user_id":                "user_id",
	"media_item_id":          "media_item_id",
	"processing_duration_ms": "processing_duration_ms",
}

// Search returns the filtered page of activities plus the unpaged total.
func (r *AnalyticsRepository) Search(f models.ActivityFilter) ([]*models.MediaActivity, int, error) {
	where, args := buildActivityWhere(f)

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM media_activities`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "started_at"
		f.SortDescending = true
	}
	dir := "ASC"
	if f.SortDescending {
		dir = "DESC"
	}
	limit := f.Limit
	if limit <= 0 || limit > models.MaxSearchLimit {
		limit = models.MaxSearchLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM media_activities%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		activityColumns, where, col, dir, limit, offset)
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.MediaActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func buildActivityWhere(f models.ActivityFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.ActivityTypes) > 0 {
		conds = append(conds, "activity_type = ANY("+arg(pq.StringArray(f.ActivityTypes))+")")
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status = ANY("+arg(pq.StringArray(f.Statuses))+")")
	}
	if f.Success != nil {
		conds = append(conds, "success = "+arg(*f.Success))
	}
	if len(f.InitiatedBy) > 0 {
		conds = append(conds, "initiated_by = ANY("+arg(pq.StringArray(f.InitiatedBy))+")")
	}
	if f.UserID != nil {
		conds = append(conds, "user_id = "+arg(*f.UserID))
	}
	if f.BatchJobID != nil {
		conds = append(conds, "batch_job_id = "+arg(*f.BatchJobID))
	}
	if f.MediaItemID != nil {
		conds = append(conds, "media_item_id = "+arg(*f.MediaItemID))
	}
	if f.StartDate != nil {
		conds = append(conds, "started_at >= "+arg(*f.StartDate))
	}
	if f.EndDate != nil {
		conds = append(conds, "started_at <= "+arg(*f.EndDate))
	}
	if f.ErrorContains != nil && *f.ErrorContains != "" {
		conds = append(conds, "error_message ILIKE "+arg("%"+*f.ErrorContains+"%"))
	}
	if f.MinDurationMs != nil {
		conds = append(conds, "processing_duration_ms >= "+arg(*f.MinDurationMs))
	}
	if f.MaxDurationMs != nil {
		conds = append(conds, "processing_duration_ms <= "+arg(*f.MaxDurationMs))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ActivitiesForJob returns every activity linked to one batch job.
func (r *AnalyticsRepository) ActivitiesForJob(batchJobID uuid.UUID) ([]*models.MediaActivity, error) {
	rows, err := r.db.Query(`SELECT `+activityColumns+` FROM media_activities
		WHERE batch_job_id = $1 ORDER BY started_at`, batchJobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.MediaActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MetricsForJob returns the performance metrics attached to a job's
// activities.
func (r *AnalyticsRepository) MetricsForJob(batchJobID uuid.UUID) ([]*models.PerformanceMetric, error) {
	rows, err := r.db.Query(`SELECT pm.id, pm.activity_id, pm.total_duration_ms, pm.stage_timings,
			pm.peak_cpu_percent, pm.peak_memory_mb, pm.disk_read_bytes, pm.disk_write_bytes,
			pm.network_bytes, pm.bottleneck_stage, pm.concurrent_operations, pm.created_at
		FROM performance_metrics pm
		JOIN media_activities a ON a.id = pm.activity_id
		WHERE a.batch_job_id = $1`, batchJobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PerformanceMetric
	for rows.Next() {
		pm := &models.PerformanceMetric{}
		var timings []byte
		if err := rows.Scan(&pm.ID, &pm.ActivityID, &pm.TotalDurationMs, &timings,
			&pm.PeakCPUPercent, &pm.PeakMemoryMB, &pm.DiskReadBytes, &pm.DiskWriteBytes,
			&pm.NetworkBytes, &pm.BottleneckStage, &pm.ConcurrentOperations, &pm.CreatedAt); err != nil {
			return nil, err
		}
		pm.StageTimings = timings
		out = append(out, pm)
	}
	return out, rows.Err()
}

// ActivitiesForUserSince returns a user's activities newer than the cutoff.
func (r *AnalyticsRepository) ActivitiesForUserSince(userID string, since time.Time) ([]*models.MediaActivity, error) {
	rows, err := r.db.Query(`SELECT `+activityColumns+` FROM media_activities
		WHERE user_id = $1 AND started_at >= $2 ORDER BY started_at DESC`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.MediaActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// suggestionColumns whitelists the columns the suggestions endpoint may
// enumerate.
var suggestionColumns = map[string]string{
	"activity_type": "activity_type",
	"status":        "status",
	"initiated_by":  "initiated_by",
	"user_id":       "user_id",
}

func (r *AnalyticsRepository) DistinctValues(column string, limit int) ([]string, error) {
	col, ok := suggestionColumns[column]
	if !ok {
		return nil, fmt.Errorf("column %q is not enumerable", column)
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM media_activities WHERE %s IS NOT NULL ORDER BY %s LIMIT %d`,
		col, col, col, limit)
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DateRange returns the earliest and latest activity start, nil when the
// table is empty.
func (r *AnalyticsRepository) DateRange() (*time.Time, *time.Time, error) {
	var min, max sql.NullTime
	if err := r.db.QueryRow(`SELECT MIN(started_at), MAX(started_at) FROM media_activities`).Scan(&min, &max); err != nil {
		return nil, nil, err
	}
	var lo, hi *time.Time
	if min.Valid {
		lo = &min.Time
	}
	if max.Valid {
		hi = &max.Time
	}
	return lo, hi, nil
}
