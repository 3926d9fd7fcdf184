package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

// ErrActivityMissing is returned by the detail writers when the parent
// activity row does not exist; it prevents orphan detail rows.
var ErrActivityMissing = errors.New("repository: parent activity does not exist")

type ActivityRepository struct {
	db *sql.DB
}

func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// ──────────────────── Activities ────────────────────

func (r *ActivityRepository) Start(a *models.MediaActivity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Status = models.ActivityProcessing
	query := `INSERT INTO media_activities (id, media_item_id, jellyfin_id, activity_type,
			activity_subtype, status, initiated_by, user_id, batch_job_id, parent_activity_id,
			input_parameters, additional_metadata, system_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING started_at`
	return r.db.QueryRow(query,
		a.ID, a.MediaItemID, a.JellyfinID, a.ActivityType,
		a.ActivitySubtype, a.Status, a.InitiatedBy, a.UserID, a.BatchJobID, a.ParentActivityID,
		nullJSON(a.InputParameters), nullJSON(a.AdditionalMetadata), a.SystemVersion).
		Scan(&a.StartedAt)
}

// Complete closes an activity exactly once: fills success, completed_at and
// the duration in one guarded update.
func (r *ActivityRepository) Complete(id uuid.UUID, success bool, resultData json.RawMessage, errorMessage *string) error {
	query := `UPDATE media_activities SET status = 'completed', success = $2,
			result_data = COALESCE($3, result_data), error_message = $4,
			completed_at = NOW(),
			processing_duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT
		WHERE id = $1 AND status = 'processing'`
	res, err := r.db.Exec(query, id, success, nullJSON(resultData), errorMessage)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *ActivityRepository) GetByID(id uuid.UUID) (*models.MediaActivity, error) {
	a, err := scanActivity(r.db.QueryRow(`SELECT `+activityColumns+` FROM media_activities WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

const activityColumns = `id, media_item_id, jellyfin_id, activity_type, activity_subtype,
	status, success, initiated_by, user_id, batch_job_id, parent_activity_id,
	input_parameters, result_data, additional_metadata, error_message,
	processing_duration_ms, system_version, started_at, completed_at`

func scanActivity(row interface{ Scan(dest ...interface{}) error }) (*models.MediaActivity, error) {
	a := &models.MediaActivity{}
	var input, result, meta []byte
	err := row.Scan(
		&a.ID, &a.MediaItemID, &a.JellyfinID, &a.ActivityType, &a.ActivitySubtype,
		&a.Status, &a.Success, &a.InitiatedBy, &a.UserID, &a.BatchJobID, &a.ParentActivityID,
		&input, &result, &meta, &a.ErrorMessage,
		&a.ProcessingDurationMs, &a.SystemVersion, &a.StartedAt, &a.CompletedAt,
	)
	a.InputParameters = input
	a.ResultData = result
	a.AdditionalMetadata = meta
	return a, err
}

// ──────────────────── Detail rows ────────────────────

func (r *ActivityRepository) LogBadgeApplication(ba *models.BadgeApplication) error {
	return r.withParentCheck(ba.ActivityID, func(tx *sql.Tx) error {
		if ba.ID == uuid.Nil {
			ba.ID = uuid.New()
		}
		query := `INSERT INTO badge_applications (id, activity_id, badge_types, badges_applied,
				badges_failed, settings_snapshot, input_path, output_path, intermediate_paths,
				final_width, final_height, final_size_bytes, stage_timings)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
		_, err := tx.Exec(query,
			ba.ID, ba.ActivityID, ba.BadgeTypes, ba.BadgesApplied,
			ba.BadgesFailed, nullJSON(ba.SettingsSnapshot), ba.InputPath, ba.OutputPath, ba.IntermediatePaths,
			ba.FinalWidth, ba.FinalHeight, ba.FinalSizeBytes, nullJSON(ba.StageTimings))
		return err
	})
}

func (r *ActivityRepository) LogPosterReplacement(pr *models.PosterReplacement) error {
	return r.withParentCheck(pr.ActivityID, func(tx *sql.Tx) error {
		if pr.ID == uuid.Nil {
			pr.ID = uuid.New()
		}
		query := `INSERT INTO poster_replacements (id, activity_id, source, source_id, source_url,
				search_query, search_result_count, original_hash, new_hash,
				original_width, original_height, original_size_bytes,
				new_width, new_height, new_size_bytes,
				download_duration_ms, upload_duration_ms, tags_added, tags_removed, quality_score)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
		_, err := tx.Exec(query,
			pr.ID, pr.ActivityID, pr.Source, pr.SourceID, pr.SourceURL,
			pr.SearchQuery, pr.SearchResultCount, pr.OriginalHash, pr.NewHash,
			pr.OriginalWidth, pr.OriginalHeight, pr.OriginalSizeBytes,
			pr.NewWidth, pr.NewHeight, pr.NewSizeBytes,
			pr.DownloadDurationMs, pr.UploadDurationMs, pr.TagsAdded, pr.TagsRemoved, pr.QualityScore)
		return err
	})
}

func (r *ActivityRepository) LogPerformanceMetric(pm *models.PerformanceMetric) error {
	return r.withParentCheck(pm.ActivityID, func(tx *sql.Tx) error {
		if pm.ID == uuid.Nil {
			pm.ID = uuid.New()
		}
		query := `INSERT INTO performance_metrics (id, activity_id, total_duration_ms, stage_timings,
				peak_cpu_percent, peak_memory_mb, disk_read_bytes, disk_write_bytes,
				network_bytes, bottleneck_stage, concurrent_operations)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
		_, err := tx.Exec(query,
			pm.ID, pm.ActivityID, pm.TotalDurationMs, nullJSON(pm.StageTimings),
			pm.PeakCPUPercent, pm.PeakMemoryMB, pm.DiskReadBytes, pm.DiskWriteBytes,
			pm.NetworkBytes, pm.BottleneckStage, pm.ConcurrentOperations)
		return err
	})
}

// withParentCheck runs the insert inside a transaction that first verifies
// the parent activity row, rolling back on any failure.
func (r *ActivityRepository) withParentCheck(activityID uuid.UUID, insert func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM media_activities WHERE id = $1)`, activityID).Scan(&exists); err != nil {
		tx.Rollback()
		return err
	}
	if !exists {
		tx.Rollback()
		return fmt.Errorf("%w: %s", ErrActivityMissing, activityID)
	}
	if err := insert(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ──────────────────── Queries used by detail views ────────────────────

func (r *ActivityRepository) GetBadgeApplication(activityID uuid.UUID) (*models.BadgeApplication, error) {
	ba := &models.BadgeApplication{}
	var snapshot, timings []byte
	err := r.db.QueryRow(`SELECT id, activity_id, badge_types, badges_applied, badges_failed,
			settings_snapshot, input_path, output_path, intermediate_paths,
			final_width, final_height, final_size_bytes, stage_timings, created_at
		FROM badge_applications WHERE activity_id = $1`, activityID).Scan(
		&ba.ID, &ba.ActivityID, &ba.BadgeTypes, &ba.BadgesApplied, &ba.BadgesFailed,
		&snapshot, &ba.InputPath, &ba.OutputPath, &ba.IntermediatePaths,
		&ba.FinalWidth, &ba.FinalHeight, &ba.FinalSizeBytes, &timings, &ba.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	ba.SettingsSnapshot = snapshot
	ba.StageTimings = timings
	return ba, err
}

func (r *ActivityRepository) GetPerformanceMetric(activityID uuid.UUID) (*models.PerformanceMetric, error) {
	pm := &models.PerformanceMetric{}
	var timings []byte
	err := r.db.QueryRow(`SELECT id, activity_id, total_duration_ms, stage_timings,
			peak_cpu_percent, peak_memory_mb, disk_read_bytes, disk_write_bytes,
			network_bytes, bottleneck_stage, concurrent_operations, created_at
		FROM performance_metrics WHERE activity_id = $1`, activityID).Scan(
		&pm.ID, &pm.ActivityID, &pm.TotalDurationMs, &timings,
		&pm.PeakCPUPercent, &pm.PeakMemoryMB, &pm.DiskReadBytes, &pm.DiskWriteBytes,
		&pm.NetworkBytes, &pm.BottleneckStage, &pm.ConcurrentOperations, &pm.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	pm.StageTimings = timings
	return pm, err
}

// StaleProcessing returns activities stuck in processing longer than the
// cutoff, used by the janitor to close abandoned rows.
func (r *ActivityRepository) StaleProcessing(olderThan time.Time) ([]*models.MediaActivity, error) {
	rows, err := r.db.Query(`SELECT `+activityColumns+` FROM media_activities
		WHERE status = 'processing' AND started_at < $1`, olderThan)
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

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
