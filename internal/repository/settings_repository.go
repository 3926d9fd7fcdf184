package repository

import (
	"database/sql"
	"encoding/json"
)

// SettingsRepository stores the JSON settings documents, keyed by their
// legacy filenames (badge_settings_audio, review_source_settings,
// settings.yaml, ...).
type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get retrieves a settings document by key. Returns nil when absent.
func (r *SettingsRepository) Get(key string) (json.RawMessage, error) {
	var value []byte
	err := r.db.QueryRow(`SELECT value FROM app_settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

// Set upserts a settings document.
func (r *SettingsRepository) Set(key string, value json.RawMessage) error {
	query := `INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`
	_, err := r.db.Exec(query, key, []byte(value))
	return err
}

// Keys returns all stored document keys.
func (r *SettingsRepository) Keys() ([]string, error) {
	rows, err := r.db.Query(`SELECT key FROM app_settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes a settings document by key.
func (r *SettingsRepository) Delete(key string) error {
	_, err := r.db.Exec(`DELETE FROM app_settings WHERE key = $1`, key)
	return err
}
