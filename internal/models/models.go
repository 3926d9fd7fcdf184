package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ──────────────────── Enums ────────────────────

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type JobSource string

const (
	SourceManual    JobSource = "manual"
	SourceScheduled JobSource = "scheduled"
)

// SchedulerOwner is the owner recorded on jobs the scheduler creates.
const SchedulerOwner = "scheduler"

type PosterState string

const (
	PosterPending    PosterState = "pending"
	PosterProcessing PosterState = "processing"
	PosterCompleted  PosterState = "completed"
	PosterFailed     PosterState = "failed"
)

func (s PosterState) IsTerminal() bool {
	return s == PosterCompleted || s == PosterFailed
}

type BadgeType string

const (
	BadgeAudio      BadgeType = "audio"
	BadgeResolution BadgeType = "resolution"
	BadgeReview     BadgeType = "review"
	BadgeAwards     BadgeType = "awards"
)

// AllBadgeTypes is the full badge vocabulary in display order.
var AllBadgeTypes = []BadgeType{BadgeAudio, BadgeResolution, BadgeReview, BadgeAwards}

func ValidBadgeType(s string) bool {
	switch BadgeType(s) {
	case BadgeAudio, BadgeResolution, BadgeReview, BadgeAwards:
		return true
	}
	return false
}

type ExecutionStatus string

const (
	ExecutionPending             ExecutionStatus = "pending"
	ExecutionProcessing          ExecutionStatus = "processing"
	ExecutionCompleted           ExecutionStatus = "completed"
	ExecutionCompletedWithErrors ExecutionStatus = "completed_with_errors"
	ExecutionFailed              ExecutionStatus = "failed"
)

type ActivityType string

const (
	ActivityBadgeApplication  ActivityType = "badge_application"
	ActivityPosterReplacement ActivityType = "poster_replacement"
	ActivityCustomUpload      ActivityType = "custom_upload"
	ActivityRevert            ActivityType = "revert"
	ActivityTagManagement     ActivityType = "tag_management"
)

type ActivityStatus string

const (
	ActivityProcessing ActivityStatus = "processing"
	ActivityCompleted  ActivityStatus = "completed"
)

type InitiatorKind string

const (
	InitiatedByUser      InitiatorKind = "user"
	InitiatedBySchedule  InitiatorKind = "scheduled_job"
	InitiatedByBatch     InitiatorKind = "batch_operation"
	InitiatedByAPICall   InitiatorKind = "api_call"
	InitiatedBySystem    InitiatorKind = "system"
)

// ──────────────────── Error kinds ────────────────────

// ErrorKind is the stable failure vocabulary persisted in poster rows and
// job summaries. Messages change; kinds do not.
type ErrorKind string

const (
	ErrKindInvalidInput       ErrorKind = "invalid_input"
	ErrKindItemMissing        ErrorKind = "item_missing"
	ErrKindPosterMissing      ErrorKind = "poster_missing"
	ErrKindUploadVerification ErrorKind = "upload_verification_failed"
	ErrKindNetworkTransient   ErrorKind = "network_transient"
	ErrKindDispatchFailed     ErrorKind = "dispatch_failed"
	ErrKindTagUpdateFailed    ErrorKind = "tag_update_failed"
	ErrKindComposerFailed     ErrorKind = "composer_failed"
	ErrKindStoreConflict      ErrorKind = "store_conflict"
	ErrKindCatchUpSkipped     ErrorKind = "scheduler_catch_up_skipped"
)

// Retryable reports whether a poster failure of this kind may be re-attempted
// under the job retry budget. Upload verification has its own budget inside
// the upload stage and is terminal once that budget is spent.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindNetworkTransient
}

// ──────────────────── Job ────────────────────

type Job struct {
	ID                  uuid.UUID      `json:"id" db:"id"`
	UserID              string         `json:"user_id" db:"user_id"`
	Name                string         `json:"name" db:"name"`
	Source              JobSource      `json:"source" db:"source"`
	Status              JobStatus      `json:"status" db:"status"`
	Priority            int            `json:"priority" db:"priority"`
	SelectedPosterIDs   pq.StringArray `json:"selected_poster_ids" db:"selected_poster_ids"`
	BadgeTypes          pq.StringArray `json:"badge_types" db:"badge_types"`
	TotalPosters        int            `json:"total_posters" db:"total_posters"`
	CompletedPosters    int            `json:"completed_posters" db:"completed_posters"`
	FailedPosters       int            `json:"failed_posters" db:"failed_posters"`
	ErrorSummary        *string        `json:"error_summary,omitempty" db:"error_summary"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty" db:"estimated_completion"`
}

// RemainingPosters counts posters not yet terminal.
func (j *Job) RemainingPosters() int {
	return j.TotalPosters - j.CompletedPosters - j.FailedPosters
}

// ProgressPercent is 0–100 over terminal posters. Returns 100 for empty jobs.
func (j *Job) ProgressPercent() float64 {
	if j.TotalPosters == 0 {
		return 100
	}
	return float64(j.CompletedPosters+j.FailedPosters) / float64(j.TotalPosters) * 100
}

const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// MaxPostersPerJob is the split threshold for oversized batches.
const MaxPostersPerJob = 1000

// ──────────────────── PosterStatus ────────────────────

type PosterStatus struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	JobID        uuid.UUID   `json:"job_id" db:"job_id"`
	PosterID     string      `json:"poster_id" db:"poster_id"`
	Status       PosterState `json:"status" db:"status"`
	RetryCount   int         `json:"retry_count" db:"retry_count"`
	OutputPath   *string     `json:"output_path,omitempty" db:"output_path"`
	ErrorKind    *string     `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage *string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt    *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// ──────────────────── Schedule ────────────────────

type Schedule struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	Name            string         `json:"name" db:"name"`
	CronExpression  string         `json:"cron_expression" db:"cron_expression"`
	Timezone        string         `json:"timezone" db:"timezone"`
	TargetLibraries pq.StringArray `json:"target_libraries" db:"target_libraries"`
	BadgeTypes      pq.StringArray `json:"badge_types" db:"badge_types"`
	ReprocessAll    bool           `json:"reprocess_all" db:"reprocess_all"`
	Enabled         bool           `json:"enabled" db:"enabled"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty" db:"next_run_at"`
}

type ScheduleExecution struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	ScheduleID     uuid.UUID       `json:"schedule_id" db:"schedule_id"`
	Status         ExecutionStatus `json:"status" db:"status"`
	ItemsProcessed json.RawMessage `json:"items_processed,omitempty" db:"items_processed"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionItems is the structured shape of ScheduleExecution.ItemsProcessed.
type ExecutionItems struct {
	TotalSeen   int      `json:"total_seen"`
	Enqueued    int      `json:"enqueued"`
	Skipped     int      `json:"skipped"`
	CreatedJobs []string `json:"created_jobs"`
	Libraries   []string `json:"libraries,omitempty"`
}

// ──────────────────── Media Activity ────────────────────

type MediaActivity struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	MediaItemID          string          `json:"media_item_id" db:"media_item_id"`
	JellyfinID           *string         `json:"jellyfin_id,omitempty" db:"jellyfin_id"`
	ActivityType         ActivityType    `json:"activity_type" db:"activity_type"`
	ActivitySubtype      *string         `json:"activity_subtype,omitempty" db:"activity_subtype"`
	Status               ActivityStatus  `json:"status" db:"status"`
	Success              *bool           `json:"success,omitempty" db:"success"`
	InitiatedBy          InitiatorKind   `json:"initiated_by" db:"initiated_by"`
	UserID               *string         `json:"user_id,omitempty" db:"user_id"`
	BatchJobID           *uuid.UUID      `json:"batch_job_id,omitempty" db:"batch_job_id"`
	ParentActivityID     *uuid.UUID      `json:"parent_activity_id,omitempty" db:"parent_activity_id"`
	InputParameters      json.RawMessage `json:"input_parameters,omitempty" db:"input_parameters"`
	ResultData           json.RawMessage `json:"result_data,omitempty" db:"result_data"`
	AdditionalMetadata   json.RawMessage `json:"additional_metadata,omitempty" db:"additional_metadata"`
	ErrorMessage         *string         `json:"error_message,omitempty" db:"error_message"`
	ProcessingDurationMs *int64          `json:"processing_duration_ms,omitempty" db:"processing_duration_ms"`
	SystemVersion        string          `json:"system_version" db:"system_version"`
	StartedAt            time.Time       `json:"started_at" db:"started_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ──────────────────── Activity detail rows ────────────────────

type BadgeApplication struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	ActivityID       uuid.UUID       `json:"activity_id" db:"activity_id"`
	BadgeTypes       pq.StringArray  `json:"badge_types" db:"badge_types"`
	BadgesApplied    pq.StringArray  `json:"badges_applied" db:"badges_applied"`
	BadgesFailed     pq.StringArray  `json:"badges_failed" db:"badges_failed"`
	SettingsSnapshot json.RawMessage `json:"settings_snapshot,omitempty" db:"settings_snapshot"`
	InputPath        string          `json:"input_path" db:"input_path"`
	OutputPath       *string         `json:"output_path,omitempty" db:"output_path"`
	IntermediatePaths pq.StringArray `json:"intermediate_paths,omitempty" db:"intermediate_paths"`
	FinalWidth       *int            `json:"final_width,omitempty" db:"final_width"`
	FinalHeight      *int            `json:"final_height,omitempty" db:"final_height"`
	FinalSizeBytes   *int64          `json:"final_size_bytes,omitempty" db:"final_size_bytes"`
	StageTimings     json.RawMessage `json:"stage_timings,omitempty" db:"stage_timings"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

type ReplacementSource string

const (
	ReplacementTMDB    ReplacementSource = "tmdb"
	ReplacementFanart  ReplacementSource = "fanart_tv"
	ReplacementManual  ReplacementSource = "manual_upload"
	ReplacementLocal   ReplacementSource = "local_file"
)

type PosterReplacement struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	ActivityID        uuid.UUID         `json:"activity_id" db:"activity_id"`
	Source            ReplacementSource `json:"source" db:"source"`
	SourceID          *string           `json:"source_id,omitempty" db:"source_id"`
	SourceURL         *string           `json:"source_url,omitempty" db:"source_url"`
	SearchQuery       *string           `json:"search_query,omitempty" db:"search_query"`
	SearchResultCount *int              `json:"search_result_count,omitempty" db:"search_result_count"`
	OriginalHash      *string           `json:"original_hash,omitempty" db:"original_hash"`
	NewHash           *string           `json:"new_hash,omitempty" db:"new_hash"`
	OriginalWidth     *int              `json:"original_width,omitempty" db:"original_width"`
	OriginalHeight    *int              `json:"original_height,omitempty" db:"original_height"`
	OriginalSizeBytes *int64            `json:"original_size_bytes,omitempty" db:"original_size_bytes"`
	NewWidth          *int              `json:"new_width,omitempty" db:"new_width"`
	NewHeight         *int              `json:"new_height,omitempty" db:"new_height"`
	NewSizeBytes      *int64            `json:"new_size_bytes,omitempty" db:"new_size_bytes"`
	DownloadDurationMs *int64           `json:"download_duration_ms,omitempty" db:"download_duration_ms"`
	UploadDurationMs  *int64            `json:"upload_duration_ms,omitempty" db:"upload_duration_ms"`
	TagsAdded         pq.StringArray    `json:"tags_added,omitempty" db:"tags_added"`
	TagsRemoved       pq.StringArray    `json:"tags_removed,omitempty" db:"tags_removed"`
	QualityScore      *float64          `json:"quality_score,omitempty" db:"quality_score"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

type PerformanceMetric struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	ActivityID           uuid.UUID       `json:"activity_id" db:"activity_id"`
	TotalDurationMs      int64           `json:"total_duration_ms" db:"total_duration_ms"`
	StageTimings         json.RawMessage `json:"stage_timings,omitempty" db:"stage_timings"`
	PeakCPUPercent       *float64        `json:"peak_cpu_percent,omitempty" db:"peak_cpu_percent"`
	PeakMemoryMB         *float64        `json:"peak_memory_mb,omitempty" db:"peak_memory_mb"`
	DiskReadBytes        *int64          `json:"disk_read_bytes,omitempty" db:"disk_read_bytes"`
	DiskWriteBytes       *int64          `json:"disk_write_bytes,omitempty" db:"disk_write_bytes"`
	NetworkBytes         *int64          `json:"network_bytes,omitempty" db:"network_bytes"`
	BottleneckStage      *string         `json:"bottleneck_stage,omitempty" db:"bottleneck_stage"`
	ConcurrentOperations *int            `json:"concurrent_operations,omitempty" db:"concurrent_operations"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// ──────────────────── Progress events ────────────────────

// JobProgress is the payload fanned out to subscribers. Lossy; the job row
// is authoritative.
type JobProgress struct {
	JobID            string     `json:"job_id"`
	Status           JobStatus  `json:"status"`
	TotalPosters     int        `json:"total_posters"`
	CompletedPosters int        `json:"completed_posters"`
	FailedPosters    int        `json:"failed_posters"`
	Percentage       float64    `json:"percentage"`
	CurrentPoster    *string    `json:"current_poster,omitempty"`
	ETA              *time.Time `json:"estimated_completion,omitempty"`
	ErrorSummary     *string    `json:"error_summary,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// ProgressEvent is the wire envelope published on the cross-process bus.
type ProgressEvent struct {
	Type      string      `json:"type"`
	JobID     string      `json:"job_id"`
	Data      JobProgress `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

const ProgressEventType = "progress_update"

// ──────────────────── Activity search ────────────────────

// ActivityFilter narrows an analytics search. Zero values mean "no filter".
type ActivityFilter struct {
	ActivityTypes   []string   `json:"activity_types,omitempty"`
	Statuses        []string   `json:"statuses,omitempty"`
	Success         *bool      `json:"success,omitempty"`
	InitiatedBy     []string   `json:"initiated_by,omitempty"`
	UserID          *string    `json:"user_id,omitempty"`
	BatchJobID      *uuid.UUID `json:"batch_job_id,omitempty"`
	MediaItemID     *string    `json:"media_item_id,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	ErrorContains   *string    `json:"error_contains,omitempty"`
	MinDurationMs   *int64     `json:"min_duration_ms,omitempty"`
	MaxDurationMs   *int64     `json:"max_duration_ms,omitempty"`
	SortBy          string     `json:"sort_by,omitempty"`
	SortDescending  bool       `json:"sort_descending,omitempty"`
	Limit           int        `json:"limit,omitempty"`
	Offset          int        `json:"offset,omitempty"`
}

// MaxSearchLimit bounds analytics page sizes.
const MaxSearchLimit = 500

// ──────────────────── User ────────────────────

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	IsAdmin      bool      `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ──────────────────── Settings ────────────────────

// AppSetting is one JSON settings document, keyed by its legacy filename
// (badge_settings_audio, review_source_settings, settings.yaml, ...).
type AppSetting struct {
	Key       string          `json:"key" db:"key"`
	Value     json.RawMessage `json:"value" db:"value"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// OverlayTag marks items whose poster has been badged; schedules use it for
// skip-existing logic and revert removes it.
const OverlayTag = "aphrodite-overlay"
