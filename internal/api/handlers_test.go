package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/analytics"
	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/jobs"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/repository"
	"github.com/aphrodite-server/aphrodite/internal/settings"
)

func testJob(total, completed, failed int) *models.Job {
	return &models.Job{
		ID:               uuid.New(),
		UserID:           "user-1",
		Name:             "Badge 2025-08 Movies",
		Source:           models.SourceManual,
		Status:           models.JobRunning,
		TotalPosters:     total,
		CompletedPosters: completed,
		FailedPosters:    failed,
		CreatedAt:        time.Now().UTC(),
	}
}

// ──────────────────── Jobs ────────────────────

func TestCreateBatchSingleJob(t *testing.T) {
	env := newTestEnv(t)
	job := testJob(3, 0, 0)
	job.Status = models.JobQueued
	env.manager.createRes = &jobs.CreateResult{Jobs: []*models.Job{job}}

	token := env.token(t, env.admin)
	rec, e := env.do(t, http.MethodPost, "/api/v1/workflow/jobs/batch", token, CreateBatchRequest{
		Name:       "Badge 2025-08 Movies",
		PosterIDs:  []string{"a", "b", "c"},
		BadgeTypes: []string{"audio", "resolution"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var created JobCreated
	decodeData(t, e, &created)
	if created.JobID != job.ID {
		t.Errorf("job_id = %s, want %s", created.JobID, job.ID)
	}
	if created.TotalPosters != 3 {
		t.Errorf("total_posters = %d, want 3", created.TotalPosters)
	}

	if len(env.manager.created) != 1 {
		t.Fatalf("manager calls = %d, want 1", len(env.manager.created))
	}
	params := env.manager.created[0]
	if params.Source != models.SourceManual {
		t.Errorf("source = %s, want manual", params.Source)
	}
	// No user_id in the body; the caller's token identity is used.
	if params.UserID != env.admin.ID.String() {
		t.Errorf("user id = %q, want token subject %q", params.UserID, env.admin.ID)
	}
}

func TestCreateBatchSplitResponse(t *testing.T) {
	env := newTestEnv(t)
	env.manager.createRes = &jobs.CreateResult{
		Jobs:  []*models.Job{testJob(1000, 0, 0), testJob(1000, 0, 0), testJob(500, 0, 0)},
		Split: true,
	}

	rec, e := env.do(t, http.MethodPost, "/api/v1/workflow/jobs/batch", env.token(t, env.admin), CreateBatchRequest{
		Name:       "big batch",
		PosterIDs:  []string{"x"},
		BadgeTypes: []string{"audio"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	var split BatchSplit
	decodeData(t, e, &split)
	if !split.SplitIntoMultipleJobs {
		t.Error("split_into_multiple_jobs = false, want true")
	}
	if split.TotalJobsCreated != 3 {
		t.Errorf("total_jobs_created = %d, want 3", split.TotalJobsCreated)
	}
	if split.TotalPosters != 2500 {
		t.Errorf("total_posters = %d, want 2500", split.TotalPosters)
	}
	if len(split.Jobs) != 3 {
		t.Errorf("jobs len = %d, want 3", len(split.Jobs))
	}
}

func TestCreateBatchInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	env.manager.createErr = fmt.Errorf("%w: poster_ids is empty", jobs.ErrInvalidInput)

	rec, e := env.do(t, http.MethodPost, "/api/v1/workflow/jobs/batch", env.token(t, env.admin), CreateBatchRequest{Name: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e.Error == nil || e.Error.Kind != "invalid_input" {
		t.Errorf("error = %+v, want invalid_input kind", e.Error)
	}
}

func TestGetJobIncludesProgressBlock(t *testing.T) {
	env := newTestEnv(t)
	job := testJob(10, 4, 1)
	env.manager.jobs[job.ID] = job
	env.manager.counts = map[models.PosterState]int{
		models.PosterPending:    4,
		models.PosterProcessing: 1,
		models.PosterCompleted:  4,
		models.PosterFailed:     1,
	}

	rec, e := env.do(t, http.MethodGet, "/api/v1/workflow/jobs/"+job.ID.String(), env.token(t, env.viewer), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var detail struct {
		ID       uuid.UUID        `json:"id"`
		Progress JobProgressBlock `json:"progress"`
	}
	decodeData(t, e, &detail)
	if detail.ID != job.ID {
		t.Errorf("id = %s, want %s", detail.ID, job.ID)
	}
	if detail.Progress.Percentage != 50 {
		t.Errorf("percentage = %v, want 50", detail.Progress.Percentage)
	}
	if detail.Progress.Pending != 4 || detail.Progress.Failed != 1 {
		t.Errorf("progress = %+v, want pending 4 failed 1", detail.Progress)
	}
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec, e := env.do(t, http.MethodGet, "/api/v1/workflow/jobs/"+uuid.NewString(), env.token(t, env.viewer), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if e.Error == nil || e.Error.Kind != "not_found" {
		t.Errorf("error = %+v, want not_found kind", e.Error)
	}
}

func TestListJobsStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	env.manager.listed = []*models.Job{testJob(1, 0, 0)}
	token := env.token(t, env.viewer)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/workflow/jobs?user_id=u1&status=running", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if env.manager.listUser != "u1" {
		t.Errorf("user filter = %q, want u1", env.manager.listUser)
	}
	if env.manager.listStatus == nil || *env.manager.listStatus != models.JobRunning {
		t.Errorf("status filter = %v, want running", env.manager.listStatus)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/workflow/jobs?status=bogus", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status with bogus filter = %d, want 400", rec.Code)
	}
}

func TestJobControlActions(t *testing.T) {
	env := newTestEnv(t)
	job := testJob(5, 2, 0)
	env.manager.jobs[job.ID] = job
	token := env.token(t, env.admin)
	base := "/api/v1/workflow/control/" + job.ID.String()

	rec, _ := env.do(t, http.MethodPost, base+"/pause", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200", rec.Code)
	}
	if len(env.manager.paused) != 1 || env.manager.paused[0] != job.ID {
		t.Errorf("paused = %v, want [%s]", env.manager.paused, job.ID)
	}

	rec, e := env.do(t, http.MethodPost, base+"/resume", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rec.Code)
	}
	var resumed models.Job
	decodeData(t, e, &resumed)
	if resumed.ID != job.ID {
		t.Errorf("resume returned job %s, want %s", resumed.ID, job.ID)
	}

	rec, _ = env.do(t, http.MethodPost, base+"/cancel", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPost, base+"/restart", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("restart status = %d, want 200", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, base+"/defenestrate", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action status = %d, want 400", rec.Code)
	}
}

func TestJobControlConflict(t *testing.T) {
	env := newTestEnv(t)
	job := testJob(5, 5, 0)
	env.manager.jobs[job.ID] = job
	env.manager.controlErr = fmt.Errorf("%w: job is completed", repository.ErrConflict)

	rec, e := env.do(t, http.MethodPost, "/api/v1/workflow/control/"+job.ID.String()+"/pause", env.token(t, env.admin), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if e.Error == nil || e.Error.Kind != "store_conflict" {
		t.Errorf("error = %+v, want store_conflict kind", e.Error)
	}
}

func TestBroadcastProgressForwards(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	rec, e := env.do(t, http.MethodPost, "/api/v1/workflow/jobs/broadcast-progress/"+id.String(), "", models.JobProgress{
		Status:           models.JobRunning,
		TotalPosters:     10,
		CompletedPosters: 7,
		Percentage:       70,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var body map[string]bool
	decodeData(t, e, &body)
	if !body["forwarded"] {
		t.Error("forwarded = false, want true")
	}

	if len(env.manager.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(env.manager.broadcasts))
	}
	got := env.manager.broadcasts[0]
	if got.JobID != id.String() {
		t.Errorf("job id = %q, want path id %q", got.JobID, id)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp was not defaulted")
	}
}

// ──────────────────── Schedules ────────────────────

func validScheduleRequest() ScheduleRequest {
	return ScheduleRequest{
		Name:            "nightly movies",
		CronExpression:  "0 2 * * *",
		Timezone:        "UTC",
		TargetLibraries: []string{"lib-1"},
		BadgeTypes:      []string{"audio", "resolution"},
		Enabled:         true,
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, env.admin)

	tests := []struct {
		name   string
		mutate func(*ScheduleRequest)
	}{
		{"missing name", func(r *ScheduleRequest) { r.Name = "" }},
		{"bad cron", func(r *ScheduleRequest) { r.CronExpression = "every tuesday" }},
		{"no libraries", func(r *ScheduleRequest) { r.TargetLibraries = nil }},
		{"unknown badge type", func(r *ScheduleRequest) { r.BadgeTypes = []string{"sparkles"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validScheduleRequest()
			tt.mutate(&req)
			rec, _ := env.do(t, http.MethodPost, "/api/v1/schedules", token, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if len(env.schedules.schedules) != 0 {
				t.Error("invalid schedule reached the store")
			}
		})
	}
}

func TestCreateSchedulePlansNextRun(t *testing.T) {
	env := newTestEnv(t)
	rec, e := env.do(t, http.MethodPost, "/api/v1/schedules", env.token(t, env.admin), validScheduleRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var sched models.Schedule
	decodeData(t, e, &sched)
	if sched.ID == uuid.Nil {
		t.Error("schedule id was not assigned")
	}
	if sched.NextRunAt == nil || !sched.NextRunAt.Equal(env.scheduler.nextRun) {
		t.Errorf("next_run_at = %v, want %v", sched.NextRunAt, env.scheduler.nextRun)
	}
	if env.scheduler.refreshed != 1 {
		t.Errorf("refresh calls = %d, want 1", env.scheduler.refreshed)
	}
}

func TestUpdateScheduleNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPut, "/api/v1/schedules/"+uuid.NewString(), env.token(t, env.admin), validScheduleRequest())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteSchedule(t *testing.T) {
	env := newTestEnv(t)
	sched := &models.Schedule{}
	if err := env.schedules.Create(sched); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	rec, e := env.do(t, http.MethodDelete, "/api/v1/schedules/"+sched.ID.String(), env.token(t, env.admin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]bool
	decodeData(t, e, &body)
	if !body["deleted"] {
		t.Error("deleted = false, want true")
	}
	if len(env.schedules.schedules) != 0 {
		t.Error("schedule still in store after delete")
	}
}

func TestExecuteScheduleNow(t *testing.T) {
	env := newTestEnv(t)
	sched := &models.Schedule{}
	env.schedules.Create(sched)

	rec, e := env.do(t, http.MethodPost, "/api/v1/schedules/"+sched.ID.String()+"/execute", env.token(t, env.admin), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var body map[string]string
	decodeData(t, e, &body)
	if body["execution_id"] != env.scheduler.execID.String() {
		t.Errorf("execution_id = %q, want %q", body["execution_id"], env.scheduler.execID)
	}
	if len(env.scheduler.executed) != 1 || env.scheduler.executed[0] != sched.ID {
		t.Errorf("executed = %v, want [%s]", env.scheduler.executed, sched.ID)
	}
}

func TestScheduleConfigVocabularies(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, env.viewer)

	rec, e := env.do(t, http.MethodGet, "/api/v1/schedules/config/badge-types", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("badge-types status = %d, want 200", rec.Code)
	}
	var types []string
	decodeData(t, e, &types)
	if len(types) != len(models.AllBadgeTypes) {
		t.Errorf("badge types = %v, want %d entries", types, len(models.AllBadgeTypes))
	}

	rec, e = env.do(t, http.MethodGet, "/api/v1/schedules/config/cron-presets", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cron-presets status = %d, want 200", rec.Code)
	}
	var presets []struct {
		Label      string `json:"label"`
		Expression string `json:"expression"`
	}
	decodeData(t, e, &presets)
	if len(presets) == 0 || presets[0].Expression == "" {
		t.Errorf("presets = %v, want non-empty expressions", presets)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/schedules/config/wallpaper", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown key status = %d, want 404", rec.Code)
	}
}

// ──────────────────── Analytics ────────────────────

func TestAnalyticsSearchFromQuery(t *testing.T) {
	env := newTestEnv(t)
	env.analytics.searchRes = &analytics.SearchResult{TotalCount: 2}

	rec, e := env.do(t, http.MethodGet,
		"/api/v1/analytics/search?activity_types=badge_application,revert&success=true&limit=25&sort_descending=true",
		env.token(t, env.viewer), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	f := env.analytics.lastFilter
	if len(f.ActivityTypes) != 2 || f.ActivityTypes[0] != "badge_application" {
		t.Errorf("activity_types = %v, want [badge_application revert]", f.ActivityTypes)
	}
	if f.Success == nil || !*f.Success {
		t.Errorf("success = %v, want true", f.Success)
	}
	if f.Limit != 25 || !f.SortDescending {
		t.Errorf("limit/sort = %d/%v, want 25/true", f.Limit, f.SortDescending)
	}

	var res analytics.SearchResult
	decodeData(t, e, &res)
	if res.TotalCount != 2 {
		t.Errorf("total_count = %d, want 2", res.TotalCount)
	}
}

func TestAnalyticsSearchFromBody(t *testing.T) {
	env := newTestEnv(t)
	env.analytics.searchRes = &analytics.SearchResult{}
	uid := "jelly-user"

	rec, _ := env.do(t, http.MethodPost, "/api/v1/analytics/search", env.token(t, env.viewer), models.ActivityFilter{
		UserID:   &uid,
		Statuses: []string{"failure"},
		Limit:    10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	f := env.analytics.lastFilter
	if f.UserID == nil || *f.UserID != uid {
		t.Errorf("user_id = %v, want %q", f.UserID, uid)
	}
	if len(f.Statuses) != 1 || f.Statuses[0] != "failure" {
		t.Errorf("statuses = %v, want [failure]", f.Statuses)
	}
}

func TestAnalyticsSearchBadParam(t *testing.T) {
	env := newTestEnv(t)
	rec, e := env.do(t, http.MethodGet, "/api/v1/analytics/search?success=maybe", env.token(t, env.viewer), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e.Error == nil || e.Error.Kind != "invalid_input" {
		t.Errorf("error = %+v, want invalid_input kind", e.Error)
	}
}

func TestAnalyticsUserWindow(t *testing.T) {
	env := newTestEnv(t)
	env.analytics.user = &analytics.UserSummary{UserID: "u1", WindowDays: 7}

	rec, _ := env.do(t, http.MethodGet, "/api/v1/analytics/users/u1?days=7", env.token(t, env.viewer), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if env.analytics.userDays != 7 {
		t.Errorf("days = %d, want 7", env.analytics.userDays)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/analytics/users/u1?days=soon", env.token(t, env.viewer), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad days status = %d, want 400", rec.Code)
	}
}

// ──────────────────── Settings ────────────────────

func TestSettingsKeyWhitelist(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, env.admin)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/settings/secret_internal_doc", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown key status = %d, want 404", rec.Code)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/settings/badge_settings_audio", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("known key status = %d, want 200", rec.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, env.admin)
	doc := settings.Doc{
		"General": map[string]interface{}{"badge_position": "top-left", "badge_size": 90},
	}

	rec, _ := env.do(t, http.MethodPut, "/api/v1/settings/badge_settings_audio", token, doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec, e := env.do(t, http.MethodGet, "/api/v1/settings/badge_settings_audio", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var got settings.Doc
	decodeData(t, e, &got)
	if got.Section("General").String("badge_position", "") != "top-left" {
		t.Errorf("round-tripped doc = %v, want badge_position top-left", got)
	}
}

func TestPutSettingsRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPut, "/api/v1/settings/badge_settings_audio", env.token(t, env.viewer), settings.Doc{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestJellyfinConnectionTest(t *testing.T) {
	env := newTestEnv(t)
	rec, e := env.do(t, http.MethodPost, "/api/v1/settings/jellyfin/test", env.token(t, env.admin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.media.tested != 1 {
		t.Errorf("tested = %d, want 1", env.media.tested)
	}
	var info jellyfin.SystemInfo
	decodeData(t, e, &info)
	if info.ServerName != "test" {
		t.Errorf("server name = %q, want test", info.ServerName)
	}
}

func TestJellyfinTestUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	env.server.jellyfin = nil

	rec, _ := env.do(t, http.MethodPost, "/api/v1/settings/jellyfin/test", env.token(t, env.admin), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

// ──────────────────── Library browse ────────────────────

func TestListLibraryItemsOverlayFlag(t *testing.T) {
	env := newTestEnv(t)
	env.media.items = []jellyfin.Item{
		{ID: "m1", Name: "Dune", Type: "Movie", Tags: []string{models.OverlayTag}},
		{ID: "m2", Name: "Heat", Type: "Movie"},
	}

	rec, e := env.do(t, http.MethodGet, "/api/v1/libraries/lib-1/items", env.token(t, env.viewer), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var rows []LibraryItem
	decodeData(t, e, &rows)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if !rows[0].HasOverlay || rows[1].HasOverlay {
		t.Errorf("overlay flags = %v/%v, want true/false", rows[0].HasOverlay, rows[1].HasOverlay)
	}
}

// ──────────────────── Poster operations ────────────────────

func TestCustomUploadEndpoint(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0, 'd', 'a', 't', 'a'}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/items/item-9/poster", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+env.token(t, env.admin))
	req.Header.Set("Content-Type", "image/jpeg")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(env.ops.uploads) != 1 || env.ops.uploads[0] != "item-9" {
		t.Errorf("uploads = %v, want [item-9]", env.ops.uploads)
	}
}

func TestRevertEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec, e := env.do(t, http.MethodPost, "/api/v1/items/item-9/revert", env.token(t, env.admin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(env.ops.reverted) != 1 || env.ops.reverted[0] != "item-9" {
		t.Errorf("reverted = %v, want [item-9]", env.ops.reverted)
	}
	var res struct {
		TagRemoved bool `json:"tag_removed"`
	}
	decodeData(t, e, &res)
	if !res.TagRemoved {
		t.Error("tag_removed = false, want true")
	}
}

func TestPosterEndpointsUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	env.server.posterOps = nil
	token := env.token(t, env.admin)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/items/item-9/revert", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("revert status = %d, want 503", rec.Code)
	}
}
