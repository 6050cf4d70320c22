package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"goledger/internal/core"
	"goledger/internal/nanousd"
	"goledger/internal/pricing"
)

const (
	// DefaultMaxRetries is the compare-and-swap retry budget when the
	// caller does not specify one.
	DefaultMaxRetries = 3

	// ReservationTTL is how long a reservation may stay open before the
	// janitor refunds it. The manager only stamps the expiry; it runs no
	// timers of its own.
	ReservationTTL = 15 * time.Minute
)

var (
	casConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goledger_balance_cas_conflicts_total",
		Help: "Total number of balance compare-and-swap attempts lost to a concurrent writer",
	})
	casExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goledger_balance_cas_retries_exhausted_total",
		Help: "Total number of balance mutations that gave up after exhausting their retry budget",
	})
	lateSettlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goledger_late_settlements_total",
		Help: "Total number of adjustments performed against a missing reservation record",
	})
)

// Manager owns the reservation lifecycle: reserve, adjust-to-actual, refund.
type Manager struct {
	balances     BalanceStore
	reservations ReservationStore
	ledger       Ledger
	calc         *pricing.Calculator

	now   func() time.Time
	newID func() string

	// onAwaitingVerification, when set, is called after a reservation is
	// parked in the awaiting-verification state. Used to hand the
	// reservation to the async final-cost verification queue.
	onAwaitingVerification func(ctx context.Context, v VerificationRequest)
}

// VerificationRequest carries everything the async final-cost worker needs
// to reconcile a provisionally settled reservation.
type VerificationRequest struct {
	ReservationID        string
	WorkspaceID          string
	Provider             string
	ProviderGenerationID string
	ProvisionalNanoUSD   int64
	AgentID              string
	ConversationID       string
}

// SetVerificationHook installs the callback invoked when a settlement leaves
// a reservation awaiting verification. Must be called before the manager is
// shared between goroutines.
func (m *Manager) SetVerificationHook(fn func(ctx context.Context, v VerificationRequest)) {
	m.onAwaitingVerification = fn
}

// NewManager creates a reservation manager over the given stores.
func NewManager(balances BalanceStore, reservations ReservationStore, ledger Ledger, calc *pricing.Calculator) *Manager {
	return &Manager{
		balances:     balances,
		reservations: reservations,
		ledger:       ledger,
		calc:         calc,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Reserve debits estimatedNanoUSD from the workspace balance and records a
// reservation with a 15-minute expiry.
//
// With usesByok set, the ledger is bypassed entirely: the workspace must
// exist, but nothing is debited and the returned reservation carries the
// "byok" sentinel id with a zero reserved amount.
//
// Errors the caller must handle: insufficient credits (terminal), workspace
// not found, and conflict exhaustion after maxRetries compare-and-swap
// attempts (retryable later). maxRetries <= 0 selects DefaultMaxRetries.
func (m *Manager) Reserve(ctx context.Context, workspaceID string, estimatedNanoUSD int64, maxRetries int, usesByok bool) (*core.Reservation, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if estimatedNanoUSD < 0 {
		estimatedNanoUSD = 0
	}
	now := m.now()

	if usesByok {
		if _, err := m.getWorkspace(ctx, workspaceID); err != nil {
			return nil, err
		}
		return &core.Reservation{
			ID:               core.ByokReservationID,
			WorkspaceID:      workspaceID,
			EstimatedNanoUSD: estimatedNanoUSD,
			Currency:         core.CurrencyUSD,
			State:            core.StateOpen,
			CreatedAt:        now,
		}, nil
	}

	ws, err := m.mutateBalance(ctx, workspaceID, maxRetries, debitWithCheck(workspaceID, estimatedNanoUSD))
	if err != nil {
		return nil, err
	}

	res := &core.Reservation{
		ID:               m.newID(),
		WorkspaceID:      workspaceID,
		ReservedNanoUSD:  estimatedNanoUSD,
		EstimatedNanoUSD: estimatedNanoUSD,
		Currency:         core.CurrencyUSD,
		State:            core.StateOpen,
		ExpiresAt:        now.Add(ReservationTTL),
		Version:          1,
		CreatedAt:        now,
	}
	if err := m.reservations.CreateReservation(ctx, res); err != nil {
		// The hold exists but its record does not; release it so the
		// balance is not stranded until a human notices.
		if _, cerr := m.mutateBalance(ctx, workspaceID, maxRetries, shiftBy(estimatedNanoUSD)); cerr != nil {
			slog.Error("failed to release hold after reservation create failure",
				"workspace_id", workspaceID,
				"amount_nano_usd", estimatedNanoUSD,
				"error", cerr,
			)
		}
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	m.appendTransaction(ctx, transaction{
		workspaceID: workspaceID,
		amount:      -estimatedNanoUSD,
		description: "credit reservation " + res.ID,
	})

	slog.Info("reserved credits",
		"workspace_id", workspaceID,
		"reservation_id", res.ID,
		"reserved_usd", nanousd.FormatUSD(estimatedNanoUSD),
		"balance_usd", nanousd.FormatUSD(ws.CreditBalanceNanoUSD),
	)
	return res, nil
}

// AdjustParams describes a settlement request once the metered operation has
// completed.
type AdjustParams struct {
	ReservationID string
	WorkspaceID   string
	Provider      string
	Model         string

	// Usage is the real token breakdown when the provider reported one.
	Usage *core.TokenUsage

	// ProvisionalCostUSD is a caller-supplied provider cost in dollars,
	// used when token usage is unavailable. The provider markup is applied
	// during conversion.
	ProvisionalCostUSD *float64

	// ProviderGenerationID, when set, marks that the provider will report
	// an authoritative final cost later: the reservation is kept in the
	// awaiting-verification state instead of being deleted.
	ProviderGenerationID string

	ToolCall       string
	AgentID        string
	ConversationID string

	MaxRetries int
}

// SettleResult reports what a settlement actually did. Settlement is
// authoritative once the balance mutation succeeds; record cleanup is a
// non-authoritative side effect whose failure is surfaced in CleanupErr
// rather than as an operation error.
type SettleResult struct {
	// Workspace is the post-settlement workspace, nil when it could not be
	// read back.
	Workspace *core.Workspace

	ReservationID     string
	ActualNanoUSD     int64
	DifferenceNanoUSD int64
	State             core.ReservationState

	// CleanupErr records a failed reservation-record delete or update.
	CleanupErr error
}

// Adjust reconciles a reservation against the operation's actual cost.
//
// By the time Adjust runs the metered operation has already executed, so it
// never returns an error: every failure is logged and reported through the
// SettleResult instead. Adjusting the "byok" sentinel or an already-closed
// reservation is an idempotent no-op.
func (m *Manager) Adjust(ctx context.Context, p AdjustParams) *SettleResult {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}

	if p.ReservationID == core.ByokReservationID {
		ws, _ := m.balances.Get(ctx, p.WorkspaceID)
		return &SettleResult{Workspace: ws, ReservationID: p.ReservationID, State: core.StateClosed}
	}

	res, err := m.reservations.GetReservation(ctx, p.ReservationID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("failed to load reservation for adjustment",
				"reservation_id", p.ReservationID,
				"error", err,
			)
		}
		return m.adjustMissing(ctx, p)
	}

	actual, source := m.actualCost(p, res.ReservedNanoUSD)
	diff := actual - res.ReservedNanoUSD
	result := &SettleResult{
		ReservationID:     res.ID,
		ActualNanoUSD:     actual,
		DifferenceNanoUSD: diff,
	}

	if diff != 0 {
		ws, err := m.mutateBalance(ctx, res.WorkspaceID, p.MaxRetries, shiftBy(-diff))
		if err != nil {
			slog.Error("failed to apply settlement difference",
				"workspace_id", res.WorkspaceID,
				"reservation_id", res.ID,
				"difference_usd", nanousd.FormatUSD(diff),
				"error", err,
			)
		} else {
			result.Workspace = ws
			m.appendTransaction(ctx, transaction{
				workspaceID:    res.WorkspaceID,
				amount:         -diff,
				description:    settlementDescription(diff, res.ID),
				supplier:       p.Provider,
				toolCall:       p.ToolCall,
				agentID:        p.AgentID,
				conversationID: p.ConversationID,
			})
		}
	} else if ws, err := m.balances.Get(ctx, res.WorkspaceID); err == nil {
		result.Workspace = ws
	}

	if p.ProviderGenerationID != "" {
		res.State = core.StateAwaitingVerification
		res.ProviderGenerationID = p.ProviderGenerationID
		res.ProvisionalNanoUSD = actual
		res.Version++
		if err := m.reservations.UpdateReservation(ctx, res); err != nil {
			result.CleanupErr = err
			slog.Warn("failed to mark reservation awaiting verification",
				"reservation_id", res.ID, "error", err)
		} else if m.onAwaitingVerification != nil {
			m.onAwaitingVerification(ctx, VerificationRequest{
				ReservationID:        res.ID,
				WorkspaceID:          res.WorkspaceID,
				Provider:             p.Provider,
				ProviderGenerationID: res.ProviderGenerationID,
				ProvisionalNanoUSD:   res.ProvisionalNanoUSD,
				AgentID:              p.AgentID,
				ConversationID:       p.ConversationID,
			})
		}
		result.State = core.StateAwaitingVerification
	} else {
		if err := m.reservations.DeleteReservation(ctx, res.ID); err != nil && !errors.Is(err, ErrNotFound) {
			result.CleanupErr = err
			slog.Warn("failed to delete settled reservation",
				"reservation_id", res.ID, "error", err)
		}
		result.State = core.StateClosed
	}

	slog.Info("adjusted reservation",
		"workspace_id", res.WorkspaceID,
		"reservation_id", res.ID,
		"provider", p.Provider,
		"model", p.Model,
		"cost_source", source,
		"actual_usd", nanousd.FormatUSD(actual),
		"difference_usd", nanousd.FormatUSD(diff),
		"state", result.State,
	)
	return result
}

// Refund releases a reservation in full, crediting the held amount back.
// Refunding the "byok" sentinel or an unknown reservation is an idempotent
// no-op; callers retry on transient failures and must never double-credit.
func (m *Manager) Refund(ctx context.Context, reservationID string, maxRetries int) *SettleResult {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	result := &SettleResult{ReservationID: reservationID, State: core.StateClosed}

	if reservationID == core.ByokReservationID || reservationID == "" {
		return result
	}

	res, err := m.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Likely already settled or refunded by a racing caller.
			slog.Info("refund for unknown reservation", "reservation_id", reservationID)
		} else {
			slog.Error("failed to load reservation for refund",
				"reservation_id", reservationID, "error", err)
		}
		return result
	}

	if res.ReservedNanoUSD != 0 {
		ws, err := m.mutateBalance(ctx, res.WorkspaceID, maxRetries, shiftBy(res.ReservedNanoUSD))
		if err != nil {
			// Keep the record so the janitor can retry the refund.
			slog.Error("failed to refund reservation",
				"workspace_id", res.WorkspaceID,
				"reservation_id", res.ID,
				"amount_usd", nanousd.FormatUSD(res.ReservedNanoUSD),
				"error", err,
			)
			return result
		}
		result.Workspace = ws
		result.DifferenceNanoUSD = -res.ReservedNanoUSD
		m.appendTransaction(ctx, transaction{
			workspaceID: res.WorkspaceID,
			amount:      res.ReservedNanoUSD,
			description: "refund reservation " + res.ID,
		})
	}

	if err := m.reservations.DeleteReservation(ctx, res.ID); err != nil && !errors.Is(err, ErrNotFound) {
		result.CleanupErr = err
		slog.Warn("failed to delete refunded reservation",
			"reservation_id", res.ID, "error", err)
	}

	slog.Info("refunded reservation",
		"workspace_id", res.WorkspaceID,
		"reservation_id", res.ID,
		"amount_usd", nanousd.FormatUSD(res.ReservedNanoUSD),
	)
	return result
}

// adjustMissing settles a cost for which no reservation record exists
// (already settled, expired, or lost). The caller cannot undo the completed
// operation, so this never fails: with a provisional cost available the
// workspace is still debited best-effort, and the inconsistency is reported.
func (m *Manager) adjustMissing(ctx context.Context, p AdjustParams) *SettleResult {
	result := &SettleResult{ReservationID: p.ReservationID, State: core.StateClosed}

	if p.ProvisionalCostUSD == nil {
		slog.Warn("adjustment for unknown reservation with no provisional cost",
			"reservation_id", p.ReservationID,
			"workspace_id", p.WorkspaceID,
		)
		return result
	}

	cost := pricing.ApplyProviderMarkup(p.Provider, nanousd.FromUSD(*p.ProvisionalCostUSD))
	if cost <= 0 {
		return result
	}

	lateSettlements.Inc()
	slog.Error("settling provisional cost against missing reservation",
		"reservation_id", p.ReservationID,
		"workspace_id", p.WorkspaceID,
		"provider", p.Provider,
		"model", p.Model,
		"cost_usd", nanousd.FormatUSD(cost),
	)

	ws, err := m.mutateBalance(ctx, p.WorkspaceID, p.MaxRetries, shiftBy(-cost))
	if err != nil {
		slog.Error("failed to debit late settlement",
			"workspace_id", p.WorkspaceID, "error", err)
		return result
	}
	result.Workspace = ws
	result.ActualNanoUSD = cost
	result.DifferenceNanoUSD = cost
	m.appendTransaction(ctx, transaction{
		workspaceID:    p.WorkspaceID,
		amount:         -cost,
		description:    "late settlement for reservation " + p.ReservationID,
		supplier:       p.Provider,
		toolCall:       p.ToolCall,
		agentID:        p.AgentID,
		conversationID: p.ConversationID,
	})
	return result
}

// actualCost picks the best available cost for a settlement, in preference
// order: real token usage, provisional provider cost, configured per-request
// fee, and finally the reserved amount itself.
func (m *Manager) actualCost(p AdjustParams, reserved int64) (int64, string) {
	if p.Usage != nil && !p.Usage.IsZero() {
		if cost := m.calc.Cost(p.Provider, p.Model, *p.Usage); cost > 0 {
			return cost, "token_usage"
		}
	}
	if p.ProvisionalCostUSD != nil {
		if cost := pricing.ApplyProviderMarkup(p.Provider, nanousd.FromUSD(*p.ProvisionalCostUSD)); cost > 0 {
			return cost, "provisional"
		}
	}
	if fee, ok := m.calc.PerRequestCost(p.Provider, p.Model); ok {
		return fee, "per_request"
	}
	return reserved, "reserved_amount"
}

// mutateBalance runs the compare-and-swap retry loop: read the workspace,
// compute the new balance with apply, submit conditioned on the version read,
// and retry on conflict up to maxRetries times.
func (m *Manager) mutateBalance(ctx context.Context, workspaceID string, maxRetries int, apply func(balance int64) (int64, error)) (*core.Workspace, error) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		ws, err := m.getWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, err
		}

		newBalance, err := apply(ws.CreditBalanceNanoUSD)
		if err != nil {
			return nil, err
		}

		updated, err := m.balances.CompareAndSwap(ctx, workspaceID, ws.Version, newBalance)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, core.ErrVersionConflict) {
			casConflicts.Inc()
			slog.Debug("balance version conflict, retrying",
				"workspace_id", workspaceID,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return nil, core.NewNotFoundError("workspace", workspaceID)
		}
		return nil, fmt.Errorf("compare-and-swap workspace %s: %w", workspaceID, err)
	}

	casExhausted.Inc()
	return nil, core.NewConflictExhaustedError(workspaceID, maxRetries)
}

func (m *Manager) getWorkspace(ctx context.Context, workspaceID string) (*core.Workspace, error) {
	ws, err := m.balances.Get(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, core.NewNotFoundError("workspace", workspaceID)
		}
		return nil, fmt.Errorf("get workspace %s: %w", workspaceID, err)
	}
	return ws, nil
}

// debitWithCheck is the pure check-then-debit applied inside the CAS loop.
// The insufficient-balance check and the subtraction are one step, so two
// concurrent reservations can never both pass the check against the same
// version.
func debitWithCheck(workspaceID string, amount int64) func(int64) (int64, error) {
	return func(balance int64) (int64, error) {
		if balance < amount {
			return 0, core.NewInsufficientCreditsError(workspaceID, balance, amount)
		}
		return balance - amount, nil
	}
}

// shiftBy applies an unconditional signed delta. Used for settlement
// differences and refunds, which must succeed even if the balance dips
// negative: the operation already ran.
func shiftBy(delta int64) func(int64) (int64, error) {
	return func(balance int64) (int64, error) {
		return balance + delta, nil
	}
}

type transaction struct {
	workspaceID    string
	amount         int64
	description    string
	supplier       string
	toolCall       string
	agentID        string
	conversationID string
}

// appendTransaction records a signed ledger entry for a non-zero balance
// mutation. Best-effort: the balance mutation is the source of truth and an
// append failure must not fail the settlement.
func (m *Manager) appendTransaction(ctx context.Context, t transaction) {
	if t.amount == 0 || m.ledger == nil {
		return
	}
	tx := &core.Transaction{
		ID:             m.newID(),
		WorkspaceID:    t.workspaceID,
		AmountNanoUSD:  t.amount,
		Description:    t.description,
		Supplier:       t.supplier,
		ToolCall:       t.toolCall,
		AgentID:        t.agentID,
		ConversationID: t.conversationID,
		CreatedAt:      m.now(),
	}
	if err := m.ledger.Append(ctx, tx); err != nil {
		slog.Error("failed to append ledger transaction",
			"workspace_id", t.workspaceID,
			"amount_usd", nanousd.FormatUSD(t.amount),
			"error", err,
		)
	}
}

func settlementDescription(diff int64, reservationID string) string {
	if diff > 0 {
		return "additional charge for reservation " + reservationID
	}
	return "refund of over-reservation " + reservationID
}
