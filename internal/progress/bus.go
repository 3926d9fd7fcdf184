package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aphrodite-server/aphrodite/internal/metrics"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

const channelPrefix = "job_progress:"

func channelFor(jobID string) string {
	return channelPrefix + jobID
}

// Publisher pushes progress events onto the cross-process bus. Workers hold
// one regardless of whether an API process is listening.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(redisAddr string) *Publisher {
	return &Publisher{rdb: redis.NewClient(&redis.Options{Addr: redisAddr})}
}

func (p *Publisher) Publish(ctx context.Context, prog models.JobProgress) error {
	ev := models.ProgressEvent{
		Type:      models.ProgressEventType,
		JobID:     prog.JobID,
		Data:      prog,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: failed to marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, channelFor(prog.JobID), payload).Err(); err != nil {
		return fmt.Errorf("progress: publish failed: %w", err)
	}
	metrics.ProgressEvents.Inc()
	return nil
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}

// Forwarder pattern-subscribes to every job's channel and re-broadcasts into
// the local hub, so the API process sees updates from out-of-process workers
// without per-job registration.
type Forwarder struct {
	rdb    *redis.Client
	hub    *Hub
	pubsub *redis.PubSub
}

func NewForwarder(redisAddr string, hub *Hub) *Forwarder {
	return &Forwarder{
		rdb: redis.NewClient(&redis.Options{Addr: redisAddr}),
		hub: hub,
	}
}

func (f *Forwarder) Start() {
	f.pubsub = f.rdb.PSubscribe(context.Background(), channelPrefix+"*")
	go f.run()
	log.Printf("[progress] forwarder subscribed to %s*", channelPrefix)
}

func (f *Forwarder) run() {
	for msg := range f.pubsub.Channel() {
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("[progress] dropping malformed event on %s: %v", msg.Channel, err)
			continue
		}
		if ev.Type != models.ProgressEventType {
			continue
		}
		f.hub.Broadcast(ev.Data)
	}
}

func (f *Forwarder) Stop() {
	if f.pubsub != nil {
		f.pubsub.Close()
	}
	f.rdb.Close()
}
