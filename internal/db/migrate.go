package db

import (
	"fmt"
	"log"
)

type migration struct {
	version int
	name    string
	sql     string
}

// Migrate applies all pending schema migrations. Applied versions are
// tracked in schema_migrations so each runs exactly once.
func Migrate(db *DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Printf("db: applied migration %d (%s)", m.version, m.name)
	}
	return nil
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		sql: `
CREATE TABLE IF NOT EXISTS jobs (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'manual',
	status TEXT NOT NULL DEFAULT 'queued',
	priority INTEGER NOT NULL DEFAULT 5,
	selected_poster_ids TEXT[] NOT NULL,
	badge_types TEXT[] NOT NULL,
	total_posters INTEGER NOT NULL,
	completed_posters INTEGER NOT NULL DEFAULT 0,
	failed_posters INTEGER NOT NULL DEFAULT 0,
	error_summary TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	estimated_completion TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs (status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id);

CREATE TABLE IF NOT EXISTS poster_status (
	id UUID PRIMARY KEY,
	job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	poster_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	output_path TEXT,
	error_kind TEXT,
	error_message TEXT,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	UNIQUE (job_id, poster_id)
);
CREATE INDEX IF NOT EXISTS idx_poster_status_job ON poster_status (job_id, status);

CREATE TABLE IF NOT EXISTS schedules (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	target_libraries TEXT[] NOT NULL,
	badge_types TEXT[] NOT NULL,
	reprocess_all BOOLEAN NOT NULL DEFAULT FALSE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_run_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS schedule_executions (
	id UUID PRIMARY KEY,
	schedule_id UUID NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	items_processed JSONB,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_schedule_executions_schedule ON schedule_executions (schedule_id, created_at DESC);

CREATE TABLE IF NOT EXISTS media_activities (
	id UUID PRIMARY KEY,
	media_item_id TEXT NOT NULL,
	jellyfin_id TEXT,
	activity_type TEXT NOT NULL,
	activity_subtype TEXT,
	status TEXT NOT NULL DEFAULT 'processing',
	success BOOLEAN,
	initiated_by TEXT NOT NULL,
	user_id TEXT,
	batch_job_id UUID REFERENCES jobs(id) ON DELETE SET NULL,
	parent_activity_id UUID REFERENCES media_activities(id) ON DELETE SET NULL,
	input_parameters JSONB,
	result_data JSONB,
	additional_metadata JSONB,
	error_message TEXT,
	processing_duration_ms BIGINT,
	system_version TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_activities_batch_job ON media_activities (batch_job_id);
CREATE INDEX IF NOT EXISTS idx_activities_media ON media_activities (media_item_id);
CREATE INDEX IF NOT EXISTS idx_activities_type_time ON media_activities (activity_type, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_activities_user ON media_activities (user_id);

CREATE TABLE IF NOT EXISTS badge_applications (
	id UUID PRIMARY KEY,
	activity_id UUID NOT NULL UNIQUE REFERENCES media_activities(id) ON DELETE CASCADE,
	badge_types TEXT[] NOT NULL,
	badges_applied TEXT[] NOT NULL DEFAULT '{}',
	badges_failed TEXT[] NOT NULL DEFAULT '{}',
	settings_snapshot JSONB,
	input_path TEXT NOT NULL,
	output_path TEXT,
	intermediate_paths TEXT[],
	final_width INTEGER,
	final_height INTEGER,
	final_size_bytes BIGINT,
	stage_timings JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS poster_replacements (
	id UUID PRIMARY KEY,
	activity_id UUID NOT NULL UNIQUE REFERENCES media_activities(id) ON DELETE CASCADE,
	source TEXT NOT NULL,
	source_id TEXT,
	source_url TEXT,
	search_query TEXT,
	search_result_count INTEGER,
	original_hash TEXT,
	new_hash TEXT,
	original_width INTEGER,
	original_height INTEGER,
	original_size_bytes BIGINT,
	new_width INTEGER,
	new_height INTEGER,
	new_size_bytes BIGINT,
	download_duration_ms BIGINT,
	upload_duration_ms BIGINT,
	tags_added TEXT[],
	tags_removed TEXT[],
	quality_score DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS performance_metrics (
	id UUID PRIMARY KEY,
	activity_id UUID NOT NULL UNIQUE REFERENCES media_activities(id) ON DELETE CASCADE,
	total_duration_ms BIGINT NOT NULL,
	stage_timings JSONB,
	peak_cpu_percent DOUBLE PRECISION,
	peak_memory_mb DOUBLE PRECISION,
	disk_read_bytes BIGINT,
	disk_write_bytes BIGINT,
	network_bytes BIGINT,
	bottleneck_stage TEXT,
	concurrent_operations INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	},
}
