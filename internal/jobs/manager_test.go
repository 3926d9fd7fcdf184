package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/pipeline"
	"github.com/aphrodite-server/aphrodite/internal/progress"
	"github.com/aphrodite-server/aphrodite/internal/repository"
)

// ──────── In-memory stores ────────

type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[uuid.UUID]*models.Job{}} }

func (m *memJobs) Create(job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) GetByID(id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) ListByUser(userID string, status *models.JobStatus) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.UserID != userID {
			continue
		}
		if status != nil && j.Status != *status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (m *memJobs) QueuedJobs() ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status != models.JobQueued {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority < out[b].Priority
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (m *memJobs) Transition(id uuid.UUID, from []models.JobStatus, to models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return repository.ErrConflict
	}
	matched := false
	for _, f := range from {
		if j.Status == f {
			matched = true
		}
	}
	if !matched {
		return repository.ErrConflict
	}
	j.Status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.EstimatedCompletion = nil
	}
	return nil
}

func (m *memJobs) MarkRunning(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobQueued {
		return repository.ErrConflict
	}
	j.Status = models.JobRunning
	if j.StartedAt == nil {
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	return nil
}

func (m *memJobs) MarkCompleted(id uuid.UUID, errorSummary *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobRunning {
		return repository.ErrConflict
	}
	j.Status = models.JobCompleted
	j.ErrorSummary = errorSummary
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.EstimatedCompletion = nil
	return nil
}

func (m *memJobs) MarkFailed(id uuid.UUID, errorSummary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return repository.ErrConflict
	}
	j.Status = models.JobFailed
	j.ErrorSummary = &errorSummary
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.EstimatedCompletion = nil
	return nil
}

func (m *memJobs) ClearForRestart(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != models.JobQueued && j.Status != models.JobFailed) {
		return repository.ErrConflict
	}
	j.Status = models.JobQueued
	j.ErrorSummary = nil
	j.CompletedAt = nil
	j.EstimatedCompletion = nil
	return nil
}

func (m *memJobs) IncrementCompleted(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.CompletedPosters++
	}
	return nil
}

func (m *memJobs) IncrementFailed(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.FailedPosters++
	}
	return nil
}

func (m *memJobs) SetCounters(id uuid.UUID, completed, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.CompletedPosters = completed
		j.FailedPosters = failed
	}
	return nil
}

func (m *memJobs) SetEstimatedCompletion(id uuid.UUID, eta *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.EstimatedCompletion = eta
	}
	return nil
}

type memPosters struct {
	mu   sync.Mutex
	rows map[uuid.UUID][]*models.PosterStatus
}

func newMemPosters() *memPosters {
	return &memPosters{rows: map[uuid.UUID][]*models.PosterStatus{}}
}

func (m *memPosters) find(jobID uuid.UUID, posterID string) *models.PosterStatus {
	for _, r := range m.rows[jobID] {
		if r.PosterID == posterID {
			return r
		}
	}
	return nil
}

func (m *memPosters) CreatePending(jobID uuid.UUID, posterIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pid := range posterIDs {
		if m.find(jobID, pid) != nil {
			continue
		}
		m.rows[jobID] = append(m.rows[jobID], &models.PosterStatus{
			ID:       uuid.New(),
			JobID:    jobID,
			PosterID: pid,
			Status:   models.PosterPending,
		})
	}
	return nil
}

func (m *memPosters) ListByJob(jobID uuid.UUID) ([]*models.PosterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.PosterStatus, 0, len(m.rows[jobID]))
	for _, r := range m.rows[jobID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memPosters) MarkProcessing(jobID uuid.UUID, posterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(jobID, posterID); r != nil {
		r.Status = models.PosterProcessing
		if r.StartedAt == nil {
			now := time.Now().UTC()
			r.StartedAt = &now
		}
		r.CompletedAt = nil
	}
	return nil
}

func (m *memPosters) MarkCompleted(jobID uuid.UUID, posterID string, outputPath *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(jobID, posterID); r != nil {
		r.Status = models.PosterCompleted
		r.OutputPath = outputPath
		r.ErrorKind = nil
		r.ErrorMessage = nil
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}

func (m *memPosters) MarkFailed(jobID uuid.UUID, posterID, errorKind, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(jobID, posterID); r != nil {
		r.Status = models.PosterFailed
		r.ErrorKind = &errorKind
		r.ErrorMessage = &errorMessage
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}

func (m *memPosters) IncrementRetry(jobID uuid.UUID, posterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(jobID, posterID); r != nil {
		r.RetryCount++
	}
	return nil
}

func (m *memPosters) CountByState(jobID uuid.UUID) (map[models.PosterState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.PosterState]int{}
	for _, r := range m.rows[jobID] {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *memPosters) MostFrequentError(jobID uuid.UUID) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tally := map[string]int{}
	for _, r := range m.rows[jobID] {
		if r.Status == models.PosterFailed && r.ErrorMessage != nil {
			tally[*r.ErrorMessage]++
		}
	}
	var best string
	bestCount := 0
	for msg, n := range tally {
		if n > bestCount || (n == bestCount && msg < best) {
			best, bestCount = msg, n
		}
	}
	if bestCount == 0 {
		return nil, nil
	}
	return &best, nil
}

// ──────── Queue, bus, pipeline fakes ────────

type enqueueCall struct {
	taskType string
	payload  BatchPayload
	uniqueID string
	opts     []asynq.Option
}

type fakeQueue struct {
	mu       sync.Mutex
	attempts int
	calls    []enqueueCall
	failOn   func(attempt int) error
}

func (q *fakeQueue) EnqueueUnique(taskType string, payload interface{}, uniqueID string, opts ...asynq.Option) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts++
	if q.failOn != nil {
		if err := q.failOn(q.attempts); err != nil {
			return "", err
		}
	}
	bp, _ := payload.(BatchPayload)
	q.calls = append(q.calls, enqueueCall{taskType: taskType, payload: bp, uniqueID: uniqueID, opts: opts})
	return uniqueID, nil
}

func (q *fakeQueue) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

func (q *fakeQueue) lastCall() enqueueCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[len(q.calls)-1]
}

type fakeBus struct {
	mu     sync.Mutex
	events []models.JobProgress
}

func (b *fakeBus) Publish(_ context.Context, p models.JobProgress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, p)
	return nil
}

func (b *fakeBus) list() []models.JobProgress {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.JobProgress, len(b.events))
	copy(out, b.events)
	return out
}

// fakeProc pops one result per call from the poster's script; the final
// entry repeats, and an empty script means success.
type fakeProc struct {
	mu      sync.Mutex
	results map[string][]pipeline.Result
	calls   []string
	onCall  func(posterID string)
}

func (p *fakeProc) Process(_ context.Context, req pipeline.Request) pipeline.Result {
	p.mu.Lock()
	p.calls = append(p.calls, req.PosterID)
	script := p.results[req.PosterID]
	var res pipeline.Result
	if len(script) == 0 {
		res = pipeline.Result{
			PosterID:   req.PosterID,
			Success:    true,
			OutputPath: "/data/posters/modified/" + req.PosterID + ".jpg",
			ActivityID: uuid.New(),
		}
	} else {
		res = script[0]
		if len(script) > 1 {
			p.results[req.PosterID] = script[1:]
		}
	}
	hook := p.onCall
	p.mu.Unlock()
	if hook != nil {
		hook(req.PosterID)
	}
	return res
}

func (p *fakeProc) callsFor(posterID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == posterID {
			n++
		}
	}
	return n
}

func (p *fakeProc) allCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

type fakeCleaner struct {
	mu      sync.Mutex
	cleaned []string
}

func (c *fakeCleaner) CleanupJob(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, jobID)
	return nil
}

func (c *fakeCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cleaned)
}

// ──────── Harness ────────

type harness struct {
	jobs    *memJobs
	posters *memPosters
	queue   *fakeQueue
	bus     *fakeBus
	proc    *fakeProc
	cleaner *fakeCleaner
	hub     *progress.Hub
	manager *Manager
	handler *BatchHandler
}

func newHarness() *harness {
	h := &harness{
		jobs:    newMemJobs(),
		posters: newMemPosters(),
		queue:   &fakeQueue{},
		bus:     &fakeBus{},
		proc:    &fakeProc{results: map[string][]pipeline.Result{}},
		cleaner: &fakeCleaner{},
		hub:     progress.NewHub(),
	}
	h.manager = NewManager(h.jobs, h.posters, h.queue, h.hub)
	h.handler = NewBatchHandler(h.jobs, h.posters, h.proc, h.cleaner, h.bus, BatchOptions{})
	h.handler.retryDelay = time.Millisecond
	return h
}

func (h *harness) mustCreateJob(t *testing.T, posterIDs []string) *models.Job {
	t.Helper()
	res, err := h.manager.CreateJob(CreateJobParams{
		UserID:     "user-1",
		Name:       "test batch",
		PosterIDs:  posterIDs,
		BadgeTypes: []string{"audio", "resolution"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if len(res.Jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(res.Jobs))
	}
	return res.Jobs[0]
}

func (h *harness) mustGetJob(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := h.jobs.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return job
}

// ──────── Manager tests ────────

func TestCreateJobValidation(t *testing.T) {
	h := newHarness()
	cases := []struct {
		name   string
		params CreateJobParams
	}{
		{"missing user", CreateJobParams{PosterIDs: []string{"a"}, BadgeTypes: []string{"audio"}}},
		{"no posters", CreateJobParams{UserID: "u", BadgeTypes: []string{"audio"}}},
		{"no badge types", CreateJobParams{UserID: "u", PosterIDs: []string{"a"}}},
		{"unknown badge type", CreateJobParams{UserID: "u", PosterIDs: []string{"a"}, BadgeTypes: []string{"holograms"}}},
		{"empty poster id", CreateJobParams{UserID: "u", PosterIDs: []string{"a", ""}, BadgeTypes: []string{"audio"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.manager.CreateJob(tc.params); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if h.queue.callCount() != 0 {
		t.Fatalf("invalid requests must not enqueue, got %d calls", h.queue.callCount())
	}
}

func TestCreateJobDefaultsAndDedup(t *testing.T) {
	h := newHarness()
	res, err := h.manager.CreateJob(CreateJobParams{
		UserID:     "user-1",
		PosterIDs:  []string{"p2", "p1", "p2", "p3"},
		BadgeTypes: []string{"audio"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job := res.Jobs[0]

	if job.Status != models.JobQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if job.Priority != models.PriorityDefault {
		t.Errorf("priority = %d, want %d", job.Priority, models.PriorityDefault)
	}
	if job.Source != models.SourceManual {
		t.Errorf("source = %s, want manual", job.Source)
	}
	if job.Name == "" {
		t.Error("expected a generated name")
	}
	want := []string{"p2", "p1", "p3"}
	if len(job.SelectedPosterIDs) != len(want) {
		t.Fatalf("poster ids = %v, want %v", job.SelectedPosterIDs, want)
	}
	for i, id := range want {
		if job.SelectedPosterIDs[i] != id {
			t.Fatalf("poster ids = %v, want %v", job.SelectedPosterIDs, want)
		}
	}
	if job.TotalPosters != 3 {
		t.Errorf("total = %d, want 3", job.TotalPosters)
	}

	rows, _ := h.posters.ListByJob(job.ID)
	if len(rows) != 3 {
		t.Fatalf("expected 3 pending rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Status != models.PosterPending {
			t.Errorf("row %s status = %s, want pending", r.PosterID, r.Status)
		}
	}

	if h.queue.callCount() != 1 {
		t.Fatalf("expected one enqueue, got %d", h.queue.callCount())
	}
	call := h.queue.lastCall()
	if call.taskType != TaskProcessBatch {
		t.Errorf("task type = %s, want %s", call.taskType, TaskProcessBatch)
	}
	if call.uniqueID != "batch:"+job.ID.String() {
		t.Errorf("unique id = %s", call.uniqueID)
	}
	if call.payload.JobID != job.ID.String() || call.payload.RetryFailed {
		t.Errorf("payload = %+v", call.payload)
	}
}

func TestCreateJobSplitsOversizedBatch(t *testing.T) {
	h := newHarness()
	ids := make([]string, 0, 2500)
	for i := 0; i < 2500; i++ {
		ids = append(ids, fmt.Sprintf("poster-%04d", i))
	}
	res, err := h.manager.CreateJob(CreateJobParams{
		UserID:     "user-1",
		Name:       "Nightly run",
		PosterIDs:  ids,
		BadgeTypes: []string{"resolution"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !res.Split {
		t.Fatal("expected split result")
	}
	if len(res.Jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(res.Jobs))
	}
	wantSizes := []int{1000, 1000, 500}
	for i, job := range res.Jobs {
		wantName := fmt.Sprintf("Nightly run (Batch %d/3)", i+1)
		if job.Name != wantName {
			t.Errorf("job %d name = %q, want %q", i, job.Name, wantName)
		}
		if job.TotalPosters != wantSizes[i] {
			t.Errorf("job %d total = %d, want %d", i, job.TotalPosters, wantSizes[i])
		}
	}
	// Chunks are contiguous and ordered.
	if res.Jobs[1].SelectedPosterIDs[0] != "poster-1000" {
		t.Errorf("second batch starts at %s", res.Jobs[1].SelectedPosterIDs[0])
	}
	if res.Jobs[2].SelectedPosterIDs[499] != "poster-2499" {
		t.Errorf("last batch ends at %s", res.Jobs[2].SelectedPosterIDs[499])
	}
	if h.queue.callCount() != 3 {
		t.Fatalf("expected 3 enqueues, got %d", h.queue.callCount())
	}
}

func TestCreateJobDispatchFailureMarksJobFailed(t *testing.T) {
	h := newHarness()
	h.queue.failOn = func(attempt int) error {
		if attempt == 2 {
			return errors.New("redis connection refused")
		}
		return nil
	}
	ids := make([]string, 0, 2200)
	for i := 0; i < 2200; i++ {
		ids = append(ids, fmt.Sprintf("poster-%04d", i))
	}
	res, err := h.manager.CreateJob(CreateJobParams{
		UserID:     "user-1",
		Name:       "flaky",
		PosterIDs:  ids,
		BadgeTypes: []string{"audio"},
	})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	if len(res.Jobs) != 3 {
		t.Fatalf("all chunks should be persisted, got %d", len(res.Jobs))
	}

	stored := h.mustGetJob(t, res.Jobs[1].ID)
	if stored.Status != models.JobFailed {
		t.Errorf("chunk 2 status = %s, want failed", stored.Status)
	}
	if stored.ErrorSummary == nil || !strings.HasPrefix(*stored.ErrorSummary, "dispatch_failed:") {
		t.Errorf("chunk 2 summary = %v", stored.ErrorSummary)
	}
	for _, i := range []int{0, 2} {
		if got := h.mustGetJob(t, res.Jobs[i].ID).Status; got != models.JobQueued {
			t.Errorf("chunk %d status = %s, want queued", i+1, got)
		}
	}
}

func TestJobControlTransitions(t *testing.T) {
	h := newHarness()
	job := h.mustCreateJob(t, []string{"p-1"})

	if err := h.manager.Pause(job.ID); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("pause of queued job should conflict, got %v", err)
	}

	if err := h.jobs.MarkRunning(job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := h.manager.Pause(job.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := h.mustGetJob(t, job.ID).Status; got != models.JobPaused {
		t.Fatalf("status = %s, want paused", got)
	}

	before := h.queue.callCount()
	resumed, err := h.manager.Resume(job.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != models.JobQueued {
		t.Fatalf("resumed status = %s, want queued", resumed.Status)
	}
	if h.queue.callCount() != before+1 {
		t.Fatal("resume should re-dispatch")
	}
	if call := h.queue.lastCall(); call.payload.RetryFailed {
		t.Error("resume must not set retry_failed")
	}

	if err := h.manager.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := h.mustGetJob(t, job.ID)
	if got.Status != models.JobCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("cancel should stamp completed_at")
	}
	if err := h.manager.Cancel(job.ID); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("cancel of terminal job should conflict, got %v", err)
	}
}

func TestRestartClearsFailureAndRedispatches(t *testing.T) {
	h := newHarness()
	job := h.mustCreateJob(t, []string{"p-1", "p-2"})
	if err := h.jobs.MarkRunning(job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := h.jobs.MarkFailed(job.ID, "network_transient: upstream unreachable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	restarted, err := h.manager.Restart(job.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.Status != models.JobQueued {
		t.Errorf("status = %s, want queued", restarted.Status)
	}
	if restarted.ErrorSummary != nil {
		t.Errorf("summary should be cleared, got %q", *restarted.ErrorSummary)
	}
	if call := h.queue.lastCall(); !call.payload.RetryFailed {
		t.Error("restart should set retry_failed")
	}

	// Running jobs cannot be restarted.
	if err := h.jobs.MarkRunning(job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if _, err := h.manager.Restart(job.ID); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRestartDispatchFailure(t *testing.T) {
	h := newHarness()
	job := h.mustCreateJob(t, []string{"p-1"})
	if err := h.jobs.MarkRunning(job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := h.jobs.MarkFailed(job.ID, "composer_failed: bad image"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	h.queue.failOn = func(int) error { return errors.New("redis gone") }
	if _, err := h.manager.Restart(job.ID); !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	got := h.mustGetJob(t, job.ID)
	if got.Status != models.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorSummary == nil || !strings.HasPrefix(*got.ErrorSummary, "dispatch_failed:") {
		t.Errorf("summary = %v", got.ErrorSummary)
	}
}

func TestBroadcastProgressReachesHubSubscribers(t *testing.T) {
	h := newHarness()
	jobID := uuid.New().String()
	sub := h.hub.Subscribe(jobID)
	defer h.hub.Unsubscribe(sub)

	h.manager.BroadcastProgress(models.JobProgress{
		JobID:            jobID,
		Status:           models.JobRunning,
		TotalPosters:     10,
		CompletedPosters: 4,
		Percentage:       40,
	})

	select {
	case got := <-sub.Events():
		if got.JobID != jobID || got.CompletedPosters != 4 {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("timestamp should be stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestServerConfigStrictPriority(t *testing.T) {
	cfg := serverConfig(4)
	if !cfg.StrictPriority {
		t.Fatal("strict priority disabled; a lower-priority job could dequeue before a higher-priority one")
	}
	if cfg.Queues["critical"] <= cfg.Queues["default"] || cfg.Queues["default"] <= cfg.Queues["low"] {
		t.Errorf("queue weights %v do not rank critical > default > low", cfg.Queues)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Concurrency)
	}
	if got := serverConfig(0); got.Concurrency != 1 {
		t.Errorf("concurrency floor = %d, want 1", got.Concurrency)
	}
}

func TestQueueForPriority(t *testing.T) {
	cases := []struct {
		priority int
		want     string
	}{
		{1, "critical"},
		{3, "critical"},
		{4, "default"},
		{7, "default"},
		{8, "low"},
		{10, "low"},
	}
	for _, tc := range cases {
		if got := QueueForPriority(tc.priority); got != tc.want {
			t.Errorf("QueueForPriority(%d) = %s, want %s", tc.priority, got, tc.want)
		}
	}
}
