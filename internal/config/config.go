package config

import (
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cast"
)

type Config struct {
	Port           int
	DatabaseURL    string
	RedisURL       string
	JWTSecret      string
	DataDir        string
	JellyfinURL    string
	JellyfinAPIKey string
	JellyfinUserID string
	MaxJobs        int
	PostersPerJob  int
	MaxRetries     int
	AdminUsername  string
	AdminPassword  string
}

func Load() *Config {
	return &Config{
		Port:           envInt("PORT", 8080),
		DatabaseURL:    env("DATABASE_URL", "postgres://aphrodite:aphrodite@db:5432/aphrodite?sslmode=disable"),
		RedisURL:       env("REDIS_URL", "redis:6379"),
		JWTSecret:      env("JWT_SECRET", "change-me-in-production"),
		DataDir:        env("DATA_DIR", "/data"),
		JellyfinURL:    env("JELLYFIN_URL", ""),
		JellyfinAPIKey: env("JELLYFIN_API_KEY", ""),
		JellyfinUserID: env("JELLYFIN_USER_ID", ""),
		MaxJobs:        envInt("MAX_CONCURRENT_JOBS", 3),
		PostersPerJob:  envInt("POSTERS_PER_JOB", 3),
		MaxRetries:     envInt("MAX_POSTER_RETRIES", 3),
		AdminUsername:  env("ADMIN_USERNAME", "admin"),
		AdminPassword:  env("ADMIN_PASSWORD", ""),
	}
}

// MergeFromDB applies store-held overrides. Jellyfin credentials saved in the
// settings document take precedence over the environment fallbacks.
func (c *Config) MergeFromDB(db *sql.DB) {
	var raw []byte
	err := db.QueryRow(`SELECT value FROM app_settings WHERE key = 'settings.yaml'`).Scan(&raw)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("config: skipping DB merge: %v", err)
		}
		return
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("config: malformed settings document: %v", err)
		return
	}

	jf, ok := doc["jellyfin"].(map[string]interface{})
	if !ok {
		return
	}
	if v := cast.ToString(jf["url"]); v != "" {
		c.JellyfinURL = v
	}
	if v := cast.ToString(jf["api_key"]); v != "" {
		c.JellyfinAPIKey = v
	}
	if v := cast.ToString(jf["user_id"]); v != "" {
		c.JellyfinUserID = v
	}
	if v := cast.ToInt(doc["max_concurrent_jobs"]); v > 0 {
		c.MaxJobs = v
	}
	if v := cast.ToInt(doc["posters_per_job"]); v > 0 {
		c.PostersPerJob = v
	}
	if v := cast.ToInt(doc["max_poster_retries"]); v > 0 {
		c.MaxRetries = v
	}
}

func (c *Config) JellyfinConfigured() bool {
	return c.JellyfinURL != "" && c.JellyfinAPIKey != ""
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
