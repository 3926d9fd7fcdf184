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

	"github.com/aphrodite-server/aphrodite/internal/activity"
	"github.com/aphrodite-server/aphrodite/internal/api"
	"github.com/aphrodite-server/aphrodite/internal/auth"
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
	"github.com/aphrodite-server/aphrodite/internal/scheduler"
	"github.com/aphrodite-server/aphrodite/internal/settings"
	"github.com/aphrodite-server/aphrodite/internal/version"
)

func main() {
	ver := version.Load()
	log.Printf("Aphrodite %s starting...", ver.Version)

	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	cfg.MergeFromDB(database.DB)

	settingsSvc := settings.NewService(repository.NewSettingsRepository(database.DB))
	if err := settingsSvc.SeedDefaults(); err != nil {
		log.Fatalf("settings seed failed: %v", err)
	}

	authSvc, err := auth.NewAuth(cfg.JWTSecret, 0)
	if err != nil {
		log.Fatalf("auth init failed: %v", err)
	}
	if _, err := authSvc.EnsureAdmin(repository.NewUserRepository(database.DB), cfg.AdminUsername, cfg.AdminPassword); err != nil {
		log.Fatalf("admin bootstrap failed: %v", err)
	}

	// The Jellyfin client stays nil until credentials are saved; the API
	// rejects poster and browse calls with 503 in that state.
	var client *jellyfin.Client
	if cfg.JellyfinConfigured() {
		client = jellyfin.NewClient(cfg.JellyfinURL, cfg.JellyfinAPIKey, cfg.JellyfinUserID)
		probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if info, err := client.TestConnection(probeCtx); err != nil {
			log.Printf("jellyfin probe failed (continuing): %v", err)
		} else {
			log.Printf("connected to jellyfin %q (version %s)", info.ServerName, info.Version)
		}
		cancel()
	} else {
		log.Println("jellyfin is not configured; save credentials through the settings API")
	}

	hub := progress.NewHub()
	queue := jobs.NewQueue(cfg.RedisURL, cfg.MaxJobs)

	jobRepo := repository.NewJobRepository(database.DB)
	posterRepo := repository.NewPosterRepository(database.DB)
	activityRepo := repository.NewActivityRepository(database.DB)
	manager := jobs.NewManager(jobRepo, posterRepo, queue, hub)

	var itemSource scheduler.ItemSource
	if client != nil {
		itemSource = client
	}
	sched := scheduler.New(repository.NewScheduleRepository(database.DB), itemSource, manager)

	// Out-of-process workers publish over Redis; the forwarder feeds those
	// events into the local hub for WebSocket subscribers.
	forwarder := progress.NewForwarder(cfg.RedisURL, hub)
	forwarder.Start()

	// The embedded batch worker needs the full pipeline, which needs a
	// media server. Without one, jobs queue up until a restart with
	// credentials or until a standalone worker picks them up.
	var publisher *progress.Publisher
	if client != nil {
		store, err := posters.NewStore(filepath.Join(cfg.DataDir, "posters"))
		if err != nil {
			log.Fatalf("poster store init failed: %v", err)
		}
		tracker := activity.NewTracker(activityRepo, ver.Version)
		detector := detection.New(client, settingsSvc)
		composer := badges.NewComposer(settingsSvc, filepath.Join(cfg.DataDir, "images"))
		pipe := pipeline.New(client, detector, composer, store, tracker)
		publisher = progress.NewPublisher(cfg.RedisURL)

		queue.RegisterHandler(jobs.TaskProcessBatch, jobs.NewBatchHandler(jobRepo, posterRepo, pipe, store, publisher, jobs.BatchOptions{
			PosterConcurrency: cfg.PostersPerJob,
			MaxAttempts:       cfg.MaxRetries,
		}))
		if err := queue.Start(context.Background()); err != nil {
			log.Fatalf("batch worker start failed: %v", err)
		}

		if _, err := manager.RecoverQueued(); err != nil {
			log.Printf("[recovery] queued job re-dispatch: %v", err)
		}
		if _, err := jobs.CloseStaleActivities(activityRepo, time.Hour); err != nil {
			log.Printf("[recovery] stale activity sweep: %v", err)
		}
	} else {
		log.Println("batch worker disabled until jellyfin is configured")
	}

	sched.Start()

	srv, err := api.NewServer(cfg, database, manager, sched, hub, client, ver.Version)
	if err != nil {
		log.Fatalf("api init failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on :%d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)

	sched.Stop()
	// Asynq re-queues interrupted batches; they resume on next start.
	queue.Stop()
	forwarder.Stop()
	if publisher != nil {
		publisher.Close()
	}
}
