// Package verify enqueues cost-verification jobs for reservations settled
// against a provisional provider cost. An external worker drains the queue,
// fetches the provider's authoritative generation cost, and applies the final
// correction.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the Redis list verification jobs are pushed to.
const DefaultQueueKey = "goledger:verify"

// enqueueTimeout bounds the queue push so a stalled Redis cannot hold up a
// settlement response.
const enqueueTimeout = 2 * time.Second

var enqueueFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "goledger_verify_enqueue_failures_total",
	Help: "Total number of cost-verification jobs that could not be enqueued",
})

// Job is one pending final-cost verification.
type Job struct {
	ReservationID        string    `json:"reservation_id"`
	WorkspaceID          string    `json:"workspace_id"`
	Provider             string    `json:"provider"`
	ProviderGenerationID string    `json:"provider_generation_id"`
	ProvisionalNanoUSD   int64     `json:"provisional_nano_usd"`
	AgentID              string    `json:"agent_id,omitempty"`
	ConversationID       string    `json:"conversation_id,omitempty"`
	EnqueuedAt           time.Time `json:"enqueued_at"`
}

// queuePusher is the slice of the Redis client the producer needs.
type queuePusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Producer pushes verification jobs onto a Redis list.
type Producer struct {
	client queuePusher
	key    string
	closer func() error
}

// NewProducer connects to Redis and returns a queue producer.
func NewProducer(url, key string) (*Producer, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if key == "" {
		key = DefaultQueueKey
	}

	slog.Info("verification queue connected", "key", key)

	return &Producer{client: client, key: key, closer: client.Close}, nil
}

// newProducerWithPusher is a test seam.
func newProducerWithPusher(p queuePusher, key string) *Producer {
	if key == "" {
		key = DefaultQueueKey
	}
	return &Producer{client: p, key: key}
}

// Enqueue pushes a verification job. The settlement it follows is already
// final on the ledger, so failures are swallowed: they are logged, counted,
// and the reservation stays in awaiting-verification for a later re-enqueue.
func (p *Producer) Enqueue(ctx context.Context, job Job) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		enqueueFailures.Inc()
		slog.Error("failed to marshal verification job",
			"reservation_id", job.ReservationID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()

	if err := p.client.LPush(ctx, p.key, payload).Err(); err != nil {
		enqueueFailures.Inc()
		slog.Warn("failed to enqueue verification job",
			"reservation_id", job.ReservationID,
			"generation_id", job.ProviderGenerationID,
			"error", err,
		)
		return
	}

	slog.Debug("enqueued verification job",
		"reservation_id", job.ReservationID,
		"generation_id", job.ProviderGenerationID,
	)
}

// Close closes the Redis connection.
func (p *Producer) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}
