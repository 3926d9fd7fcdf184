package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aphrodite-server/aphrodite/internal/activity"
	"github.com/aphrodite-server/aphrodite/internal/badges"
	"github.com/aphrodite-server/aphrodite/internal/config"
	"github.com/aphrodite-server/aphrodite/internal/db"
	"github.com/aphrodite-server/aphrodite/internal/detection"
	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/jobs"
	"github.com/aphrodite-server/aphrodite/internal/pipeline"
	"github.com/aphrodite-server/aphrodite/internal/posters"
	"github.com/aphrodite-server/aphrodite/internal/progress"
	"github.com/aphrodite-server/aphrodite/internal/repository"
	"github.com/aphrodite-server/aphrodite/internal/settings"
	"github.com/aphrodite-server/aphrodite/internal/version"
)

// The worker binary runs batch processing only: it consumes queued jobs,
// publishes progress over Redis and leaves the HTTP API, migrations and
// scheduling to the server process.
func main() {
	ver := version.Load()
	log.Printf("Aphrodite worker %s starting...", ver.Version)

	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close()
	cfg.MergeFromDB(database.DB)

	if !cfg.JellyfinConfigured() {
		log.Fatal("jellyfin is not configured; a worker cannot process posters without it")
	}
	client := jellyfin.NewClient(cfg.JellyfinURL, cfg.JellyfinAPIKey, cfg.JellyfinUserID)
	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if info, err := client.TestConnection(probeCtx); err != nil {
		log.Printf("jellyfin probe failed (continuing): %v", err)
	} else {
		log.Printf("connected to jellyfin %q (version %s)", info.ServerName, info.Version)
	}
	cancel()

	store, err := posters.NewStore(filepath.Join(cfg.DataDir, "posters"))
	if err != nil {
		log.Fatalf("poster store init failed: %v", err)
	}

	settingsSvc := settings.NewService(repository.NewSettingsRepository(database.DB))
	jobRepo := repository.NewJobRepository(database.DB)
	posterRepo := repository.NewPosterRepository(database.DB)
	activityRepo := repository.NewActivityRepository(database.DB)

	tracker := activity.NewTracker(activityRepo, ver.Version)
	detector := detection.New(client, settingsSvc)
	composer := badges.NewComposer(settingsSvc, filepath.Join(cfg.DataDir, "images"))
	pipe := pipeline.New(client, detector, composer, store, tracker)

	publisher := progress.NewPublisher(cfg.RedisURL)
	defer publisher.Close()

	queue := jobs.NewQueue(cfg.RedisURL, cfg.MaxJobs)
	queue.RegisterHandler(jobs.TaskProcessBatch, jobs.NewBatchHandler(jobRepo, posterRepo, pipe, store, publisher, jobs.BatchOptions{
		PosterConcurrency: cfg.PostersPerJob,
		MaxAttempts:       cfg.MaxRetries,
	}))
	if err := queue.Start(context.Background()); err != nil {
		log.Fatalf("batch worker start failed: %v", err)
	}

	// Re-dispatch jobs whose tasks were lost and close audit rows from
	// crashed runs. Enqueue is keyed by job id, so a surviving task wins.
	manager := jobs.NewManager(jobRepo, posterRepo, queue, progress.NewHub())
	if _, err := manager.RecoverQueued(); err != nil {
		log.Printf("[recovery] queued job re-dispatch: %v", err)
	}
	if _, err := jobs.CloseStaleActivities(activityRepo, time.Hour); err != nil {
		log.Printf("[recovery] stale activity sweep: %v", err)
	}

	// Health and scrape endpoints only; everything else lives on the API.
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Ping(); err != nil {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("worker endpoints on :%d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	httpServer.Shutdown(ctx)
	// Asynq re-queues interrupted batches; they resume on next start.
	queue.Stop()
}
