package progress

import (
	"testing"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

func TestBroadcastReachesOnlyJobSubscribers(t *testing.T) {
	hub := NewHub()
	subA := hub.Subscribe("job-a")
	subB := hub.Subscribe("job-b")
	defer hub.Unsubscribe(subA)
	defer hub.Unsubscribe(subB)

	hub.Broadcast(models.JobProgress{JobID: "job-a", CompletedPosters: 1})

	select {
	case p := <-subA.Events():
		if p.JobID != "job-a" || p.CompletedPosters != 1 {
			t.Errorf("unexpected payload: %+v", p)
		}
	default:
		t.Fatal("job-a subscriber received nothing")
	}

	select {
	case p := <-subB.Events():
		t.Errorf("job-b subscriber received job-a event: %+v", p)
	default:
	}
}

func TestSlowSubscriberIsPruned(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("job-a")

	// fill the buffer without draining, then one more to trigger the prune
	for i := 0; i < 65; i++ {
		hub.Broadcast(models.JobProgress{JobID: "job-a", CompletedPosters: i})
	}

	if n := hub.SubscriberCount("job-a"); n != 0 {
		t.Errorf("subscriber count = %d, want 0 after prune", n)
	}

	// channel must be closed so the consumer loop terminates
	drained := 0
	for range sub.Events() {
		drained++
	}
	if drained != 64 {
		t.Errorf("drained %d buffered events, want 64", drained)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("job-a")
	hub.Unsubscribe(sub)
	// double unsubscribe must not panic
	hub.Unsubscribe(sub)

	hub.Broadcast(models.JobProgress{JobID: "job-a"})
	if _, ok := <-sub.Events(); ok {
		t.Error("closed subscriber received an event")
	}
	if n := hub.SubscriberCount("job-a"); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	hub := NewHub()
	// must not panic or block
	hub.Broadcast(models.JobProgress{JobID: "nobody-home"})
}
