package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/httputil"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/scheduler"
)

type ScheduleRequest struct {
	Name            string   `json:"name"`
	CronExpression  string   `json:"cron_expression"`
	Timezone        string   `json:"timezone"`
	TargetLibraries []string `json:"target_libraries"`
	BadgeTypes      []string `json:"badge_types"`
	ReprocessAll    bool     `json:"reprocess_all"`
	Enabled         bool     `json:"enabled"`
}

func (req *ScheduleRequest) validate() error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := scheduler.ParseSpec(req.CronExpression, req.Timezone); err != nil {
		return err
	}
	if len(req.TargetLibraries) == 0 {
		return fmt.Errorf("target_libraries is empty")
	}
	if len(req.BadgeTypes) == 0 {
		return fmt.Errorf("badge_types is empty")
	}
	for _, bt := range req.BadgeTypes {
		if !models.ValidBadgeType(bt) {
			return fmt.Errorf("unknown badge type %q", bt)
		}
	}
	return nil
}

func (req *ScheduleRequest) apply(sched *models.Schedule) {
	sched.Name = req.Name
	sched.CronExpression = req.CronExpression
	sched.Timezone = req.Timezone
	sched.TargetLibraries = req.TargetLibraries
	sched.BadgeTypes = req.BadgeTypes
	sched.ReprocessAll = req.ReprocessAll
	sched.Enabled = req.Enabled
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	list, err := s.schedules.List(enabledOnly)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if list == nil {
		list = []*models.Schedule{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), err.Error())
		return
	}

	sched := &models.Schedule{}
	req.apply(sched)
	if err := s.schedules.Create(sched); err != nil {
		s.respondDomainError(w, err)
		return
	}
	if err := s.scheduler.RefreshNextRun(sched); err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid schedule id")
		return
	}
	sched, err := s.schedules.GetByID(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid schedule id")
		return
	}

	var req ScheduleRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), err.Error())
		return
	}

	sched, err := s.schedules.GetByID(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	req.apply(sched)
	if err := s.schedules.Update(sched); err != nil {
		s.respondDomainError(w, err)
		return
	}
	// The cron expression may have changed; re-plan from now.
	if err := s.scheduler.RefreshNextRun(sched); err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid schedule id")
		return
	}
	if err := s.schedules.Delete(id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid schedule id")
		return
	}
	execID, err := s.scheduler.ExecuteNow(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID.String()})
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	var scheduleID *uuid.UUID
	if v := r.URL.Query().Get("schedule_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid schedule id")
			return
		}
		scheduleID = &id
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid limit")
			return
		}
		limit = n
	}

	execs, err := s.schedules.ListExecutions(scheduleID, limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if execs == nil {
		execs = []*models.ScheduleExecution{}
	}
	httputil.WriteJSON(w, http.StatusOK, execs)
}

// handleScheduleConfig serves the vocabularies the schedule editor offers:
// valid badge types, canned cron expressions, and the server's libraries.
func (s *Server) handleScheduleConfig(w http.ResponseWriter, r *http.Request) {
	switch key := r.PathValue("key"); key {
	case "badge-types":
		httputil.WriteJSON(w, http.StatusOK, models.AllBadgeTypes)
	case "cron-presets":
		httputil.WriteJSON(w, http.StatusOK, scheduler.CronPresets)
	case "libraries":
		if s.jellyfin == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "jellyfin is not configured")
			return
		}
		libs, err := s.jellyfin.ListLibraries(r.Context())
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, libs)
	default:
		httputil.WriteError(w, http.StatusNotFound, "not_found", "unknown config key "+key)
	}
}
