package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aphrodite-server/aphrodite/internal/activity"
	"github.com/aphrodite-server/aphrodite/internal/analytics"
	"github.com/aphrodite-server/aphrodite/internal/auth"
	"github.com/aphrodite-server/aphrodite/internal/config"
	"github.com/aphrodite-server/aphrodite/internal/db"
	"github.com/aphrodite-server/aphrodite/internal/httputil"
	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/jobs"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/posters"
	"github.com/aphrodite-server/aphrodite/internal/progress"
	"github.com/aphrodite-server/aphrodite/internal/repository"
	"github.com/aphrodite-server/aphrodite/internal/scheduler"
	"github.com/aphrodite-server/aphrodite/internal/settings"
)

// jobService is the manager surface the handlers call.
type jobService interface {
	CreateJob(p jobs.CreateJobParams) (*jobs.CreateResult, error)
	GetJob(id uuid.UUID) (*models.Job, error)
	JobProgressCounts(id uuid.UUID) (map[models.PosterState]int, error)
	ListJobs(userID string, status *models.JobStatus) ([]*models.Job, error)
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID) (*models.Job, error)
	Cancel(id uuid.UUID) error
	Restart(id uuid.UUID) (*models.Job, error)
	BroadcastProgress(p models.JobProgress)
}

// schedulerService triggers and re-plans schedules outside the tick loop.
type schedulerService interface {
	ExecuteNow(id uuid.UUID) (uuid.UUID, error)
	RefreshNextRun(sched *models.Schedule) error
}

type scheduleStore interface {
	Create(s *models.Schedule) error
	GetByID(id uuid.UUID) (*models.Schedule, error)
	List(enabledOnly bool) ([]*models.Schedule, error)
	Update(s *models.Schedule) error
	Delete(id uuid.UUID) error
	ListExecutions(scheduleID *uuid.UUID, limit int) ([]*models.ScheduleExecution, error)
}

type analyticsService interface {
	Search(f models.ActivityFilter) (*analytics.SearchResult, error)
	Summary(f models.ActivityFilter) (*analytics.Summary, error)
	BatchSummary(jobID uuid.UUID) (*analytics.BatchSummary, error)
	UserSummary(userID string, days int) (*analytics.UserSummary, error)
	Suggestions() (*analytics.Suggestions, error)
}

type userStore interface {
	GetByID(id uuid.UUID) (*models.User, error)
	GetByUsername(username string) (*models.User, error)
}

type settingsService interface {
	Document(key string) (settings.Doc, error)
	Put(key string, doc settings.Doc) error
}

// mediaServer is the Jellyfin surface the browse and settings handlers
// need. Nil when no server is configured yet.
type mediaServer interface {
	TestConnection(ctx context.Context) (*jellyfin.SystemInfo, error)
	ListLibraries(ctx context.Context) ([]jellyfin.Library, error)
	ListLibraryItems(ctx context.Context, libraryID string) ([]jellyfin.Item, error)
}

type posterOps interface {
	Revert(ctx context.Context, itemID, userID string) (*posters.RevertResult, error)
	CustomUpload(ctx context.Context, itemID, userID string, data []byte, contentType string) (*posters.UploadResult, error)
}

type Server struct {
	config    *config.Config
	auth      *auth.Auth
	users     userStore
	manager   jobService
	scheduler schedulerService
	schedules scheduleStore
	analytics analyticsService
	settings  settingsService
	jellyfin  mediaServer
	posterOps posterOps
	hub       *progress.Hub
	db        *db.DB
	version   string
	router    *http.ServeMux
	handler   http.Handler
	rlLogin   *ipLimiter
	rlGeneral *ipLimiter
}

// NewServer wires the HTTP surface. The manager, scheduler, hub and
// Jellyfin client are shared with the rest of the process; repositories
// and services only the API needs are built here. client may be nil when
// Jellyfin is not configured yet.
func NewServer(cfg *config.Config, database *db.DB, manager *jobs.Manager, sched *scheduler.Scheduler, hub *progress.Hub, client *jellyfin.Client, appVersion string) (*Server, error) {
	authService, err := auth.NewAuth(cfg.JWTSecret, 0)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		auth:      authService,
		users:     repository.NewUserRepository(database.DB),
		manager:   manager,
		scheduler: sched,
		schedules: repository.NewScheduleRepository(database.DB),
		analytics: analytics.NewService(repository.NewAnalyticsRepository(database.DB)),
		settings:  settings.NewService(repository.NewSettingsRepository(database.DB)),
		hub:       hub,
		db:        database,
		version:   appVersion,
		router:    http.NewServeMux(),
		rlLogin:   newIPLimiter(1, 5),
		rlGeneral: newIPLimiter(50, 100),
	}

	if client != nil {
		s.jellyfin = client
		store, err := posters.NewStore(filepath.Join(cfg.DataDir, "posters"))
		if err != nil {
			return nil, err
		}
		tracker := activity.NewTracker(repository.NewActivityRepository(database.DB), appVersion)
		s.posterOps = posters.NewOperations(client, store, tracker)
	}

	s.setupRoutes()
	s.handler = s.withMetrics(s.router)
	return s, nil
}

// ServeHTTP serves the router behind the request metrics middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	// Public
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())
	s.router.HandleFunc("POST /api/v1/auth/login", s.rlAuth(s.handleLogin))
	s.router.HandleFunc("GET /api/v1/auth/me", s.authMiddleware(s.handleMe, false))

	// Jobs
	s.router.HandleFunc("POST /api/v1/workflow/jobs/batch", s.authMiddleware(s.handleCreateBatch, false))
	s.router.HandleFunc("GET /api/v1/workflow/jobs", s.authMiddleware(s.handleListJobs, false))
	s.router.HandleFunc("GET /api/v1/workflow/jobs/{id}", s.authMiddleware(s.handleGetJob, false))
	s.router.HandleFunc("POST /api/v1/workflow/jobs/broadcast-progress/{id}", s.handleBroadcastProgress)
	s.router.HandleFunc("POST /api/v1/workflow/control/{id}/{action}", s.authMiddleware(s.handleJobControl, false))

	// Progress stream (token checked in the handler; browsers cannot set
	// headers on WebSocket upgrades)
	s.router.HandleFunc("GET /api/v1/workflow/progress/{job_id}", s.handleProgressSocket)

	// Schedules
	s.router.HandleFunc("GET /api/v1/schedules", s.authMiddleware(s.handleListSchedules, false))
	s.router.HandleFunc("POST /api/v1/schedules", s.authMiddleware(s.handleCreateSchedule, true))
	s.router.HandleFunc("GET /api/v1/schedules/{id}", s.authMiddleware(s.handleGetSchedule, false))
	s.router.HandleFunc("PUT /api/v1/schedules/{id}", s.authMiddleware(s.handleUpdateSchedule, true))
	s.router.HandleFunc("DELETE /api/v1/schedules/{id}", s.authMiddleware(s.handleDeleteSchedule, true))
	s.router.HandleFunc("POST /api/v1/schedules/{id}/execute", s.authMiddleware(s.handleExecuteSchedule, true))
	s.router.HandleFunc("GET /api/v1/schedules/executions/history", s.authMiddleware(s.handleExecutionHistory, false))
	s.router.HandleFunc("GET /api/v1/schedules/config/{key}", s.authMiddleware(s.handleScheduleConfig, false))

	// Analytics
	s.router.HandleFunc("GET /api/v1/analytics/search", s.rlRead(s.authMiddleware(s.handleAnalyticsSearch, false)))
	s.router.HandleFunc("POST /api/v1/analytics/search", s.rlRead(s.authMiddleware(s.handleAnalyticsSearch, false)))
	s.router.HandleFunc("GET /api/v1/analytics/summary", s.rlRead(s.authMiddleware(s.handleAnalyticsSummary, false)))
	s.router.HandleFunc("GET /api/v1/analytics/batch/{job_id}", s.authMiddleware(s.handleAnalyticsBatch, false))
	s.router.HandleFunc("GET /api/v1/analytics/users/{user_id}", s.authMiddleware(s.handleAnalyticsUser, false))
	s.router.HandleFunc("GET /api/v1/analytics/suggestions", s.authMiddleware(s.handleAnalyticsSuggestions, false))

	// Library browse
	s.router.HandleFunc("GET /api/v1/libraries", s.authMiddleware(s.handleListLibraries, false))
	s.router.HandleFunc("GET /api/v1/libraries/{id}/items", s.authMiddleware(s.handleListLibraryItems, false))

	// Settings
	s.router.HandleFunc("GET /api/v1/settings/{name}", s.authMiddleware(s.handleGetSettings, false))
	s.router.HandleFunc("PUT /api/v1/settings/{name}", s.authMiddleware(s.handlePutSettings, true))
	s.router.HandleFunc("POST /api/v1/settings/jellyfin/test", s.authMiddleware(s.handleTestJellyfin, true))

	// Poster operations
	s.router.HandleFunc("POST /api/v1/items/{id}/poster", s.authMiddleware(s.handleCustomUpload, true))
	s.router.HandleFunc("POST /api/v1/items/{id}/revert", s.authMiddleware(s.handleRevertPoster, true))
}

// authMiddleware validates the bearer token (header or ?token= for
// clients that cannot set headers) and stamps the caller onto the request.
func (s *Server) authMiddleware(next http.HandlerFunc, adminOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else if t := r.URL.Query().Get("token"); t != "" {
			tokenString = t
		} else {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing authorization")
			return
		}

		claims, err := s.auth.ValidateToken(tokenString)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if adminOnly && !claims.IsAdmin {
			httputil.WriteError(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}

		r.Header.Set("X-User-ID", claims.UserID)
		r.Header.Set("X-Username", claims.Username)
		next(w, r)
	}
}

// ──────────────────── Helpers ────────────────────

func (s *Server) userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// respondDomainError maps domain sentinels onto the HTTP error contract:
// validation 400, not found 404, timeout 408, conflict 409, rest 500.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), err.Error())
	case errors.Is(err, analytics.ErrInvalidQuery):
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), err.Error())
	case errors.Is(err, posters.ErrInvalidImage):
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), err.Error())
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, posters.ErrOriginalMissing):
		httputil.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteError(w, http.StatusRequestTimeout, string(models.ErrKindNetworkTransient), err.Error())
	case errors.Is(err, repository.ErrConflict):
		httputil.WriteError(w, http.StatusConflict, string(models.ErrKindStoreConflict), err.Error())
	case errors.Is(err, jobs.ErrDispatchFailed):
		httputil.WriteError(w, http.StatusInternalServerError, string(models.ErrKindDispatchFailed), err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]string{
		"status":  status,
		"version": s.version,
	})
}
