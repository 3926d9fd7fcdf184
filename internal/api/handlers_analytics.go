package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/httputil"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

// handleAnalyticsSearch accepts the filter as a JSON body on POST or as
// query parameters on GET; both decode into the same filter shape.
func (s *Server) handleAnalyticsSearch(w http.ResponseWriter, r *http.Request) {
	var f models.ActivityFilter
	if r.Method == http.MethodPost {
		if err := httputil.ReadJSON(r, &f); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid filter body")
			return
		}
	} else {
		parsed, err := filterFromQuery(r)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), err.Error())
			return
		}
		f = parsed
	}

	res, err := s.analytics.Search(f)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), err.Error())
		return
	}
	summary, err := s.analytics.Summary(f)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAnalyticsBatch(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid job id")
		return
	}
	summary, err := s.analytics.BatchSummary(jobID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAnalyticsUser(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid days")
			return
		}
		days = n
	}
	summary, err := s.analytics.UserSummary(r.PathValue("user_id"), days)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAnalyticsSuggestions(w http.ResponseWriter, r *http.Request) {
	sugg, err := s.analytics.Suggestions()
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sugg)
}

// filterFromQuery maps URL parameters onto the activity filter. List
// parameters are comma separated; timestamps are RFC 3339.
func filterFromQuery(r *http.Request) (models.ActivityFilter, error) {
	q := r.URL.Query()
	f := models.ActivityFilter{
		ActivityTypes: splitParam(q.Get("activity_types")),
		Statuses:      splitParam(q.Get("statuses")),
		InitiatedBy:   splitParam(q.Get("initiated_by")),
		SortBy:        q.Get("sort_by"),
	}

	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errParam("success", v)
		}
		f.Success = &b
	}
	if v := q.Get("user_id"); v != "" {
		f.UserID = &v
	}
	if v := q.Get("media_item_id"); v != "" {
		f.MediaItemID = &v
	}
	if v := q.Get("batch_job_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errParam("batch_job_id", v)
		}
		f.BatchJobID = &id
	}
	if v := q.Get("error_contains"); v != "" {
		f.ErrorContains = &v
	}

	var err error
	if f.StartDate, err = timeParam(q.Get("start_date")); err != nil {
		return f, err
	}
	if f.EndDate, err = timeParam(q.Get("end_date")); err != nil {
		return f, err
	}
	if f.MinDurationMs, err = int64Param(q.Get("min_duration_ms")); err != nil {
		return f, err
	}
	if f.MaxDurationMs, err = int64Param(q.Get("max_duration_ms")); err != nil {
		return f, err
	}

	if v := q.Get("sort_descending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errParam("sort_descending", v)
		}
		f.SortDescending = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errParam("limit", v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errParam("offset", v)
		}
		f.Offset = n
	}
	return f, nil
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func timeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errParam("date", v)
	}
	return &t, nil
}

func int64Param(v string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, errParam("duration", v)
	}
	return &n, nil
}

type paramError struct {
	name, value string
}

func (e *paramError) Error() string {
	return "invalid " + e.name + " parameter: " + e.value
}

func errParam(name, value string) error {
	return &paramError{name: name, value: value}
}
