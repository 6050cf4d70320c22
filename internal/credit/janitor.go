package credit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultSweepInterval is how often the janitor looks for expired
// reservations when the configuration does not say otherwise.
const DefaultSweepInterval = time.Minute

// DefaultSweepBatchSize caps how many reservations one sweep refunds.
const DefaultSweepBatchSize = 100

var janitorRefunds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "goledger_janitor_refunds_total",
	Help: "Total number of expired reservations refunded by the janitor",
})

// Janitor refunds reservations whose TTL passed without a settlement,
// releasing holds left behind by crashed or abandoned callers.
type Janitor struct {
	manager      *Manager
	reservations ReservationStore
	interval     time.Duration
	batchSize    int
	now          func() time.Time
}

// NewJanitor creates a janitor. Non-positive interval or batch size select
// the defaults.
func NewJanitor(manager *Manager, reservations ReservationStore, interval time.Duration, batchSize int) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &Janitor{
		manager:      manager,
		reservations: reservations,
		interval:     interval,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

// Run sweeps immediately, then at the configured interval until the context
// is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep refunds up to the batch size of expired open reservations and
// returns how many were refunded. Individual refund failures are logged and
// left for the next sweep; Refund is idempotent so a retry cannot
// double-credit.
func (j *Janitor) Sweep(ctx context.Context) int {
	expired, err := j.reservations.ListExpired(ctx, j.now(), j.batchSize)
	if err != nil {
		slog.Error("janitor failed to list expired reservations", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	refunded := 0
	for _, res := range expired {
		if ctx.Err() != nil {
			break
		}
		result := j.manager.Refund(ctx, res.ID, DefaultMaxRetries)
		if result.Workspace == nil && res.ReservedNanoUSD != 0 {
			// Refund logged its own failure; the record is still there
			// for the next sweep.
			continue
		}
		refunded++
		janitorRefunds.Inc()
		slog.Info("janitor refunded expired reservation",
			"reservation_id", res.ID,
			"workspace_id", res.WorkspaceID,
			"expired_at", res.ExpiresAt,
		)
	}
	return refunded
}
