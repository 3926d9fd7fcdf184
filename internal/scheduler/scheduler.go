package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/jobs"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

// executionTimeout bounds one execution's library fetches and job
// creation. It does not cover the jobs themselves; those run in the
// batch worker.
const executionTimeout = 30 * time.Minute

// ItemSource is the slice of the Jellyfin client the executor needs.
type ItemSource interface {
	ListLibraryItems(ctx context.Context, libraryID string) ([]jellyfin.Item, error)
}

// JobCreator is satisfied by *jobs.Manager.
type JobCreator interface {
	CreateJob(p jobs.CreateJobParams) (*jobs.CreateResult, error)
}

// scheduleStore is the schedule surface of the repository layer.
// Satisfied by *repository.ScheduleRepository.
type scheduleStore interface {
	List(enabledOnly bool) ([]*models.Schedule, error)
	GetByID(id uuid.UUID) (*models.Schedule, error)
	SetRunTimes(id uuid.UUID, lastRun, nextRun *time.Time) error
	CreateExecution(e *models.ScheduleExecution) error
	MarkExecutionProcessing(id uuid.UUID) error
	CompleteExecution(id uuid.UUID, status models.ExecutionStatus, items json.RawMessage, errorMessage *string) error
	ExecutionInWindow(scheduleID uuid.UUID, from, to time.Time) (bool, error)
}

// Scheduler wakes once a minute and fires enabled schedules whose cron
// window is due. Executions fetch library items, filter them and hand the
// survivors to the job manager; the heavy work happens in the batch
// worker, never here.
type Scheduler struct {
	store    scheduleStore
	server   ItemSource
	manager  JobCreator
	interval time.Duration
	stop     chan struct{}
	now      func() time.Time

	mu      sync.Mutex
	skipped map[uuid.UUID]time.Time
}

func New(store scheduleStore, server ItemSource, manager JobCreator) *Scheduler {
	return &Scheduler{
		store:    store,
		server:   server,
		manager:  manager,
		interval: time.Minute,
		stop:     make(chan struct{}),
		now:      time.Now,
		skipped:  map[uuid.UUID]time.Time{},
	}
}

func (s *Scheduler) Start() {
	go s.run()
	log.Printf("[scheduler] started (interval=%s, grace=%s)", s.interval, graceWindow)
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) run() {
	// Short delay so a restart does not race the rest of startup.
	select {
	case <-time.After(10 * time.Second):
	case <-s.stop:
		return
	}
	s.tick()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			log.Println("[scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick() {
	schedules, err := s.store.List(true)
	if err != nil {
		log.Printf("[scheduler] list schedules: %v", err)
		return
	}
	for _, sched := range schedules {
		s.evaluate(sched)
	}
}

// evaluate decides whether one schedule's current cron window should fire
// and, if so, creates the execution row and starts the run. The row
// creation is the dedup point for the window.
func (s *Scheduler) evaluate(sched *models.Schedule) {
	now := s.now().UTC()
	spec, err := ParseSpec(sched.CronExpression, sched.Timezone)
	if err != nil {
		log.Printf("[scheduler] schedule %q: %v", sched.Name, err)
		return
	}
	prev, ok := prevFire(spec, now)
	if !ok {
		return
	}

	done, err := s.store.ExecutionInWindow(sched.ID, prev.Add(-graceWindow), now)
	if err != nil {
		log.Printf("[scheduler] schedule %q: window check: %v", sched.Name, err)
		return
	}
	if done {
		return
	}

	if now.Sub(prev) > graceWindow {
		// Too old to fire. Log the miss once per window, not once per
		// tick.
		s.mu.Lock()
		seen := s.skipped[sched.ID].Equal(prev)
		if !seen {
			s.skipped[sched.ID] = prev
		}
		s.mu.Unlock()
		if !seen {
			log.Printf("[scheduler] %s: schedule %q window at %s missed beyond grace",
				models.ErrKindCatchUpSkipped, sched.Name, prev.UTC().Format(time.RFC3339))
		}
		return
	}

	exec := &models.ScheduleExecution{ScheduleID: sched.ID}
	if err := s.store.CreateExecution(exec); err != nil {
		log.Printf("[scheduler] schedule %q: create execution: %v", sched.Name, err)
		return
	}
	next := spec.Next(now)
	if err := s.store.SetRunTimes(sched.ID, &now, &next); err != nil {
		log.Printf("[scheduler] schedule %q: set run times: %v", sched.Name, err)
	}
	log.Printf("[scheduler] schedule %q fired for window %s (execution %s)",
		sched.Name, prev.UTC().Format(time.RFC3339), exec.ID)
	go s.runExecution(exec.ID, sched)
}

// ExecuteNow runs a schedule immediately, regardless of its cron window or
// enabled flag, and returns the new execution id. The execution itself is
// asynchronous.
func (s *Scheduler) ExecuteNow(id uuid.UUID) (uuid.UUID, error) {
	sched, err := s.store.GetByID(id)
	if err != nil {
		return uuid.Nil, err
	}
	exec := &models.ScheduleExecution{ScheduleID: sched.ID}
	if err := s.store.CreateExecution(exec); err != nil {
		return uuid.Nil, fmt.Errorf("create execution: %w", err)
	}
	log.Printf("[scheduler] schedule %q executed manually (execution %s)", sched.Name, exec.ID)
	go s.runExecution(exec.ID, sched)
	return exec.ID, nil
}

// RefreshNextRun recomputes next_run_at after a schedule is created or
// edited through the API.
func (s *Scheduler) RefreshNextRun(sched *models.Schedule) error {
	next, err := NextFire(sched.CronExpression, sched.Timezone, s.now().UTC())
	if err != nil {
		return err
	}
	sched.NextRunAt = &next
	return s.store.SetRunTimes(sched.ID, nil, &next)
}

func (s *Scheduler) runExecution(execID uuid.UUID, sched *models.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), executionTimeout)
	defer cancel()

	if err := s.store.MarkExecutionProcessing(execID); err != nil {
		log.Printf("[scheduler] execution %s: mark processing: %v", execID, err)
	}

	items := models.ExecutionItems{Libraries: sched.TargetLibraries}
	var posterIDs []string
	var problems []string

	if s.server == nil {
		s.finishExecution(execID, sched, models.ExecutionFailed, items, []string{"media server is not configured"})
		return
	}

	for _, libID := range sched.TargetLibraries {
		libItems, err := s.server.ListLibraryItems(ctx, libID)
		if err != nil {
			problems = append(problems, fmt.Sprintf("library %s: %v", libID, err))
			continue
		}
		for _, it := range libItems {
			if it.Type != "Movie" && it.Type != "Series" {
				continue
			}
			items.TotalSeen++
			if !sched.ReprocessAll && hasTag(it.Tags, models.OverlayTag) {
				items.Skipped++
				continue
			}
			posterIDs = append(posterIDs, it.ID)
		}
	}

	allLibsFailed := len(sched.TargetLibraries) > 0 && len(problems) == len(sched.TargetLibraries)

	if len(posterIDs) > 0 {
		res, err := s.manager.CreateJob(jobs.CreateJobParams{
			UserID:     models.SchedulerOwner,
			Name:       sched.Name,
			PosterIDs:  posterIDs,
			BadgeTypes: sched.BadgeTypes,
			Priority:   models.PriorityDefault,
			Source:     models.SourceScheduled,
		})
		if err != nil && res == nil {
			problems = append(problems, fmt.Sprintf("create jobs: %v", err))
			s.finishExecution(execID, sched, models.ExecutionFailed, items, problems)
			return
		}
		if err != nil {
			// Jobs were persisted but at least one dispatch failed; the
			// failed job rows carry their own summaries.
			problems = append(problems, fmt.Sprintf("create jobs: %v", err))
		}
		items.Enqueued = len(posterIDs)
		for _, job := range res.Jobs {
			items.CreatedJobs = append(items.CreatedJobs, job.ID.String())
		}
	}

	status := models.ExecutionCompleted
	switch {
	case allLibsFailed:
		status = models.ExecutionFailed
	case len(problems) > 0:
		status = models.ExecutionCompletedWithErrors
	}
	s.finishExecution(execID, sched, status, items, problems)
}

func (s *Scheduler) finishExecution(execID uuid.UUID, sched *models.Schedule, status models.ExecutionStatus, items models.ExecutionItems, problems []string) {
	var errMsg *string
	if len(problems) > 0 {
		joined := strings.Join(problems, "; ")
		errMsg = &joined
	}
	blob, err := json.Marshal(items)
	if err != nil {
		log.Printf("[scheduler] execution %s: marshal items: %v", execID, err)
		blob = nil
	}
	if err := s.store.CompleteExecution(execID, status, blob, errMsg); err != nil {
		log.Printf("[scheduler] execution %s: complete: %v", execID, err)
		return
	}
	log.Printf("[scheduler] schedule %q execution %s finished %s: %d seen, %d enqueued, %d skipped, %d job(s)",
		sched.Name, execID, status, items.TotalSeen, items.Enqueued, items.Skipped, len(items.CreatedJobs))
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
