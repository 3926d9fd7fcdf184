package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

// ErrInvalidQuery marks caller mistakes in a search or summary request.
var ErrInvalidQuery = errors.New("invalid query")

const (
	defaultSearchLimit = 50
	userWindowDefault  = 30
	userWindowMax      = 365
	patternDays        = 7
	topErrorCount      = 5
)

// activitySource is the read surface the service needs from the repository
// layer. Satisfied by *repository.AnalyticsRepository.
type activitySource interface {
	Search(f models.ActivityFilter) ([]*models.MediaActivity, int, error)
	ActivitiesForJob(batchJobID uuid.UUID) ([]*models.MediaActivity, error)
	MetricsForJob(batchJobID uuid.UUID) ([]*models.PerformanceMetric, error)
	ActivitiesForUserSince(userID string, since time.Time) ([]*models.MediaActivity, error)
	DistinctValues(column string, limit int) ([]string, error)
	DateRange() (*time.Time, *time.Time, error)
}

// Service computes read-only aggregates over the activity store. All
// aggregation happens in Go; the repository only filters and fetches.
type Service struct {
	repo activitySource
	now  func() time.Time
}

func NewService(repo activitySource) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SearchResult is one page of activities plus the unpaged total.
type SearchResult struct {
	Activities []*models.MediaActivity `json:"activities"`
	TotalCount int                     `json:"total_count"`
	Limit      int                     `json:"limit"`
	Offset     int                     `json:"offset"`
	HasMore    bool                    `json:"has_more"`
}

func (s *Service) Search(f models.ActivityFilter) (*SearchResult, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = defaultSearchLimit
	}
	if f.Limit > models.MaxSearchLimit {
		f.Limit = models.MaxSearchLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	rows, total, err := s.repo.Search(f)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*models.MediaActivity{}
	}
	return &SearchResult{
		Activities: rows,
		TotalCount: total,
		Limit:      f.Limit,
		Offset:     f.Offset,
		HasMore:    f.Offset+len(rows) < total,
	}, nil
}

func validateFilter(f models.ActivityFilter) error {
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return fmt.Errorf("%w: end_date is before start_date", ErrInvalidQuery)
	}
	if f.MinDurationMs != nil && f.MaxDurationMs != nil && *f.MaxDurationMs < *f.MinDurationMs {
		return fmt.Errorf("%w: max_duration_ms is below min_duration_ms", ErrInvalidQuery)
	}
	return nil
}

// Summary holds whole-set statistics for one filter.
type Summary struct {
	TotalActivities int            `json:"total_activities"`
	ByStatus        map[string]int `json:"by_status"`
	ByType          map[string]int `json:"by_type"`
	SuccessCount    int            `json:"success_count"`
	FailureCount    int            `json:"failure_count"`
	AvgDurationMs   *float64       `json:"avg_duration_ms,omitempty"`
	UniqueUsers     int            `json:"unique_users"`
	UniqueMedia     int            `json:"unique_media"`
	EarliestStart   *time.Time     `json:"earliest_started_at,omitempty"`
	LatestStart     *time.Time     `json:"latest_started_at,omitempty"`
}

func (s *Service) Summary(f models.ActivityFilter) (*Summary, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	rows, err := s.collectAll(f)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		TotalActivities: len(rows),
		ByStatus:        map[string]int{},
		ByType:          map[string]int{},
	}
	users := map[string]struct{}{}
	media := map[string]struct{}{}
	var durTotal int64
	var durCount int
	for _, a := range rows {
		sum.ByStatus[string(a.Status)]++
		sum.ByType[string(a.ActivityType)]++
		if a.Success != nil {
			if *a.Success {
				sum.SuccessCount++
			} else {
				sum.FailureCount++
			}
		}
		if a.UserID != nil {
			users[*a.UserID] = struct{}{}
		}
		media[a.MediaItemID] = struct{}{}
		if a.ProcessingDurationMs != nil {
			durTotal += *a.ProcessingDurationMs
			durCount++
		}
		if sum.EarliestStart == nil || a.StartedAt.Before(*sum.EarliestStart) {
			t := a.StartedAt
			sum.EarliestStart = &t
		}
		if sum.LatestStart == nil || a.StartedAt.After(*sum.LatestStart) {
			t := a.StartedAt
			sum.LatestStart = &t
		}
	}
	sum.UniqueUsers = len(users)
	sum.UniqueMedia = len(media)
	if durCount > 0 {
		avg := float64(durTotal) / float64(durCount)
		sum.AvgDurationMs = &avg
	}
	return sum, nil
}

// collectAll pages through every row matching the filter. The total from
// the first page bounds the walk; an empty page ends it early if rows were
// deleted mid-iteration.
func (s *Service) collectAll(f models.ActivityFilter) ([]*models.MediaActivity, error) {
	f.Limit = models.MaxSearchLimit
	f.Offset = 0
	var all []*models.MediaActivity
	for {
		page, total, err := s.repo.Search(f)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || len(all) >= total {
			return all, nil
		}
		f.Offset = len(all)
	}
}

// BatchSummary is the rollup for one batch job's activities.
type BatchSummary struct {
	BatchJobID      uuid.UUID          `json:"batch_job_id"`
	TotalActivities int                `json:"total_activities"`
	Succeeded       int                `json:"succeeded"`
	Failed          int                `json:"failed"`
	InFlight        int                `json:"in_flight"`
	AvgDurationMs   *float64           `json:"avg_duration_ms,omitempty"`
	ErrorHistogram  map[string]int     `json:"error_histogram,omitempty"`
	StageAverageMs  map[string]float64 `json:"stage_average_ms,omitempty"`
	FirstStartedAt  *time.Time         `json:"first_started_at,omitempty"`
	LastCompletedAt *time.Time         `json:"last_completed_at,omitempty"`
}

func (s *Service) BatchSummary(jobID uuid.UUID) (*BatchSummary, error) {
	acts, err := s.repo.ActivitiesForJob(jobID)
	if err != nil {
		return nil, err
	}

	out := &BatchSummary{BatchJobID: jobID, TotalActivities: len(acts)}
	hist := map[string]int{}
	var durTotal int64
	var durCount int
	for _, a := range acts {
		switch {
		case a.Status == models.ActivityProcessing:
			out.InFlight++
		case a.Success != nil && *a.Success:
			out.Succeeded++
		case a.Success != nil:
			out.Failed++
			if a.ErrorMessage != nil && *a.ErrorMessage != "" {
				hist[*a.ErrorMessage]++
			}
		}
		if a.ProcessingDurationMs != nil {
			durTotal += *a.ProcessingDurationMs
			durCount++
		}
		if out.FirstStartedAt == nil || a.StartedAt.Before(*out.FirstStartedAt) {
			t := a.StartedAt
			out.FirstStartedAt = &t
		}
		if a.CompletedAt != nil && (out.LastCompletedAt == nil || a.CompletedAt.After(*out.LastCompletedAt)) {
			t := *a.CompletedAt
			out.LastCompletedAt = &t
		}
	}
	if len(hist) > 0 {
		out.ErrorHistogram = hist
	}
	if durCount > 0 {
		avg := float64(durTotal) / float64(durCount)
		out.AvgDurationMs = &avg
	}

	metrics, err := s.repo.MetricsForJob(jobID)
	if err != nil {
		return nil, err
	}
	out.StageAverageMs = stageAverages(metrics)
	return out, nil
}

// stageAverages merges the stage timing blobs of every metric row into
// per-stage mean milliseconds. Blobs that fail to decode are skipped.
func stageAverages(metrics []*models.PerformanceMetric) map[string]float64 {
	totals := map[string]int64{}
	counts := map[string]int{}
	for _, m := range metrics {
		if len(m.StageTimings) == 0 {
			continue
		}
		var timings map[string]int64
		if err := json.Unmarshal(m.StageTimings, &timings); err != nil {
			continue
		}
		for stage, ms := range timings {
			totals[stage] += ms
			counts[stage]++
		}
	}
	if len(totals) == 0 {
		return nil
	}
	out := make(map[string]float64, len(totals))
	for stage, total := range totals {
		out[stage] = float64(total) / float64(counts[stage])
	}
	return out
}

type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// UserSummary describes one user's activity over a day window.
type UserSummary struct {
	UserID          string         `json:"user_id"`
	WindowDays      int            `json:"window_days"`
	TotalActivities int            `json:"total_activities"`
	ByType          map[string]int `json:"by_type"`
	SuccessRate     float64        `json:"success_rate"`
	DailyPattern    []DayCount     `json:"daily_pattern"`
	TopErrors       []ErrorCount   `json:"top_errors,omitempty"`
}

// UserSummary computes the window [now - days, now]. The success rate is
// taken over activities with a decided outcome; the daily pattern always
// covers the last seven days, zeroes included.
func (s *Service) UserSummary(userID string, days int) (*UserSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidQuery)
	}
	if days <= 0 {
		days = userWindowDefault
	}
	if days > userWindowMax {
		days = userWindowMax
	}
	now := s.now().UTC()
	rows, err := s.repo.ActivitiesForUserSince(userID, now.AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}

	out := &UserSummary{
		UserID:          userID,
		WindowDays:      days,
		TotalActivities: len(rows),
		ByType:          map[string]int{},
	}
	var succeeded, decided int
	errCounts := map[string]int{}
	dayCounts := map[string]int{}
	for _, a := range rows {
		out.ByType[string(a.ActivityType)]++
		if a.Success != nil {
			decided++
			if *a.Success {
				succeeded++
			} else if a.ErrorMessage != nil && *a.ErrorMessage != "" {
				errCounts[*a.ErrorMessage]++
			}
		}
		dayCounts[a.StartedAt.UTC().Format("2006-01-02")]++
	}
	if decided > 0 {
		out.SuccessRate = float64(succeeded) / float64(decided)
	}
	for i := patternDays - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		out.DailyPattern = append(out.DailyPattern, DayCount{Date: day, Count: dayCounts[day]})
	}
	out.TopErrors = topErrors(errCounts, topErrorCount)
	return out, nil
}

func topErrors(counts map[string]int, n int) []ErrorCount {
	if len(counts) == 0 {
		return nil
	}
	out := make([]ErrorCount, 0, len(counts))
	for msg, c := range counts {
		out = append(out, ErrorCount{Message: msg, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Suggestions feeds the search UI: the distinct values currently present
// plus the overall date range.
type Suggestions struct {
	ActivityTypes     []string   `json:"activity_types"`
	Statuses          []string   `json:"statuses"`
	Initiators        []string   `json:"initiated_by"`
	Users             []string   `json:"users"`
	EarliestStartedAt *time.Time `json:"earliest_started_at,omitempty"`
	LatestStartedAt   *time.Time `json:"latest_started_at,omitempty"`
}

func (s *Service) Suggestions() (*Suggestions, error) {
	out := &Suggestions{}
	var err error
	if out.ActivityTypes, err = s.repo.DistinctValues("activity_type", 50); err != nil {
		return nil, err
	}
	if out.Statuses, err = s.repo.DistinctValues("status", 20); err != nil {
		return nil, err
	}
	if out.Initiators, err = s.repo.DistinctValues("initiated_by", 20); err != nil {
		return nil, err
	}
	if out.Users, err = s.repo.DistinctValues("user_id", 100); err != nil {
		return nil, err
	}
	if out.EarliestStartedAt, out.LatestStartedAt, err = s.repo.DateRange(); err != nil {
		return nil, err
	}
	return out, nil
}
