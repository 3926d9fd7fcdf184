package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/httputil"
	"github.com/aphrodite-server/aphrodite/internal/jobs"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

type CreateBatchRequest struct {
	UserID     string   `json:"user_id"`
	Name       string   `json:"name"`
	PosterIDs  []string `json:"poster_ids"`
	BadgeTypes []string `json:"badge_types"`
	Priority   int      `json:"priority,omitempty"`
}

type JobCreated struct {
	JobID        uuid.UUID        `json:"job_id"`
	Name         string           `json:"name"`
	Status       models.JobStatus `json:"status"`
	TotalPosters int              `json:"total_posters"`
	CreatedAt    time.Time        `json:"created_at"`
}

type BatchSplit struct {
	SplitIntoMultipleJobs bool         `json:"split_into_multiple_jobs"`
	TotalJobsCreated      int          `json:"total_jobs_created"`
	TotalPosters          int          `json:"total_posters"`
	Jobs                  []JobCreated `json:"jobs"`
}

func jobCreated(job *models.Job) JobCreated {
	return JobCreated{
		JobID:        job.ID,
		Name:         job.Name,
		Status:       job.Status,
		TotalPosters: job.TotalPosters,
		CreatedAt:    job.CreatedAt,
	}
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = s.userID(r)
	}

	res, err := s.manager.CreateJob(jobs.CreateJobParams{
		UserID:     req.UserID,
		Name:       req.Name,
		PosterIDs:  req.PosterIDs,
		BadgeTypes: req.BadgeTypes,
		Priority:   req.Priority,
		Source:     models.SourceManual,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	if res.Split {
		body := BatchSplit{
			SplitIntoMultipleJobs: true,
			TotalJobsCreated:      len(res.Jobs),
		}
		for _, job := range res.Jobs {
			body.TotalPosters += job.TotalPosters
			body.Jobs = append(body.Jobs, jobCreated(job))
		}
		httputil.WriteJSON(w, http.StatusCreated, body)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, jobCreated(res.Jobs[0]))
}

// JobDetail is a job row plus its live per-poster progress block.
type JobDetail struct {
	*models.Job
	Progress JobProgressBlock `json:"progress"`
}

type JobProgressBlock struct {
	Percentage float64 `json:"percentage"`
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid job id")
		return
	}

	job, err := s.manager.GetJob(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	counts, err := s.manager.JobProgressCounts(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, JobDetail{
		Job: job,
		Progress: JobProgressBlock{
			Percentage: job.ProgressPercent(),
			Pending:    counts[models.PosterPending],
			Processing: counts[models.PosterProcessing],
			Completed:  counts[models.PosterCompleted],
			Failed:     counts[models.PosterFailed],
		},
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	var status *models.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.JobStatus(v)
		switch st {
		case models.JobQueued, models.JobRunning, models.JobPaused,
			models.JobCompleted, models.JobFailed, models.JobCancelled:
			status = &st
		default:
			httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "unknown status "+v)
			return
		}
	}

	list, err := s.manager.ListJobs(userID, status)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

// handleBroadcastProgress lets out-of-process workers push a progress
// snapshot into the local fan-out plane. No stored state is touched.
func (s *Server) handleBroadcastProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid job id")
		return
	}

	var prog models.JobProgress
	if err := httputil.ReadJSON(r, &prog); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid progress payload")
		return
	}
	prog.JobID = id.String()
	if prog.Timestamp.IsZero() {
		prog.Timestamp = time.Now().UTC()
	}

	s.manager.BroadcastProgress(prog)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"forwarded": true})
}

func (s *Server) handleJobControl(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid job id")
		return
	}

	var job *models.Job
	switch action := r.PathValue("action"); action {
	case "pause":
		err = s.manager.Pause(id)
	case "resume":
		job, err = s.manager.Resume(id)
	case "cancel":
		err = s.manager.Cancel(id)
	case "restart":
		job, err = s.manager.Restart(id)
	default:
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "unknown action "+action)
		return
	}
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	if job == nil {
		job, err = s.manager.GetJob(id)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}
