package jobs

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

// RecoverQueued re-dispatches every queued job. A job can sit queued with
// no task after a crash between the row insert and the enqueue, or after
// Redis lost its state. Dispatch is keyed by job id, so jobs whose task
// survived dedup to a no-op. Runs once at startup.
func (m *Manager) RecoverQueued() (int, error) {
	queued, err := m.jobs.QueuedJobs()
	if err != nil {
		return 0, err
	}
	dispatched := 0
	var firstErr error
	for _, job := range queued {
		// RetryFailed is set so a restarted job whose task was lost keeps
		// its retry intent. Fresh jobs have no failed rows, so it is a
		// no-op for them.
		if err := m.dispatch(job, true); err != nil {
			log.Printf("[recovery] job=%s re-dispatch: %v", job.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		log.Printf("[recovery] re-dispatched %d queued job(s)", dispatched)
	}
	return dispatched, firstErr
}

// staleActivitySource is the slice of the activity store the janitor
// needs. Satisfied by *repository.ActivityRepository.
type staleActivitySource interface {
	StaleProcessing(olderThan time.Time) ([]*models.MediaActivity, error)
	Complete(id uuid.UUID, success bool, resultData json.RawMessage, errorMessage *string) error
}

// CloseStaleActivities fails per-poster activity rows a crashed worker
// left in processing. The poster rows themselves recover through task
// re-delivery; this only closes the audit trail.
func CloseStaleActivities(src staleActivitySource, olderThan time.Duration) (int, error) {
	stale, err := src.StaleProcessing(time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	msg := "worker terminated before the operation finished"
	closed := 0
	for _, a := range stale {
		if err := src.Complete(a.ID, false, nil, &msg); err != nil {
			log.Printf("[recovery] activity=%s close stale: %v", a.ID, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		log.Printf("[recovery] closed %d stale activity row(s)", closed)
	}
	return closed, nil
}
