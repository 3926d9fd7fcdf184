package progress

import (
	"sync"

	"github.com/aphrodite-server/aphrodite/internal/metrics"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

// Subscriber receives the progress stream of one job. The channel is closed
// when the subscriber is pruned or unsubscribed.
type Subscriber struct {
	jobID string
	ch    chan models.JobProgress
}

func (s *Subscriber) Events() <-chan models.JobProgress {
	return s.ch
}

// Hub is the in-process fan-out plane: a registry of job id → subscribers.
// Delivery is best-effort; a subscriber that cannot keep up is dropped
// rather than backpressuring workers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]bool)}
}

func (h *Hub) Subscribe(jobID string) *Subscriber {
	sub := &Subscriber{jobID: jobID, ch: make(chan models.JobProgress, 64)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscriber]bool)
	}
	h.subs[jobID][sub] = true
	metrics.ProgressSubscribers.Inc()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(sub)
}

// remove must be called with the write lock held.
func (h *Hub) remove(sub *Subscriber) {
	set, ok := h.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	close(sub.ch)
	delete(set, sub)
	metrics.ProgressSubscribers.Dec()
	if len(set) == 0 {
		delete(h.subs, sub.jobID)
	}
}

// Broadcast delivers a progress payload to every subscriber of its job.
// A full buffer counts as a send failure and prunes the subscriber.
func (h *Hub) Broadcast(p models.JobProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var dead []*Subscriber
	for sub := range h.subs[p.JobID] {
		select {
		case sub.ch <- p:
		default:
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		h.remove(sub)
	}
}

func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
