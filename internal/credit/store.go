// Package credit implements the prepaid credit ledger: reservations against
// workspace balances, settlement against actual cost, refunds, and the
// append-only transaction ledger behind them.
//
// The workspace balance is the single shared mutable resource. Every mutation
// goes through BalanceStore.CompareAndSwap keyed on the record version; there
// are no unconditional balance writes and no in-process locks, because the
// store is the authority across all concurrent handler instances.
package credit

import (
	"context"
	"errors"
	"time"

	"goledger/internal/core"
)

// ErrNotFound indicates a requested workspace or reservation was not found.
var ErrNotFound = errors.New("record not found")

// BalanceStore persists workspace balances with optimistic concurrency.
// Implementations must be safe for concurrent use.
type BalanceStore interface {
	// Get returns the workspace, or ErrNotFound.
	Get(ctx context.Context, workspaceID string) (*core.Workspace, error)

	// Create inserts a new workspace record at version 1.
	Create(ctx context.Context, ws *core.Workspace) error

	// CompareAndSwap sets the balance to newBalance if and only if the
	// stored version equals expectedVersion, incrementing the version.
	// Returns the updated workspace, core.ErrVersionConflict when a
	// concurrent writer advanced the version, or ErrNotFound.
	CompareAndSwap(ctx context.Context, workspaceID string, expectedVersion, newBalance int64) (*core.Workspace, error)
}

// ReservationStore persists credit reservations.
// Implementations must be safe for concurrent use.
type ReservationStore interface {
	CreateReservation(ctx context.Context, res *core.Reservation) error

	// GetReservation returns the reservation, or ErrNotFound.
	GetReservation(ctx context.Context, id string) (*core.Reservation, error)

	// UpdateReservation replaces an existing record, or ErrNotFound.
	UpdateReservation(ctx context.Context, res *core.Reservation) error

	// DeleteReservation removes the record. Deleting an absent record is
	// not an error: settlement cleanup is best-effort and may race with
	// itself.
	DeleteReservation(ctx context.Context, id string) error

	// ListExpired returns up to limit open reservations whose TTL passed
	// before now, oldest first. Used by the janitor.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*core.Reservation, error)
}

// Ledger is the append-only transaction log. The manager records a signed
// transaction for every non-zero balance mutation it performs.
type Ledger interface {
	Append(ctx context.Context, tx *core.Transaction) error
}

// Store bundles the three persistence concerns a backend implements.
type Store interface {
	BalanceStore
	ReservationStore
	Ledger

	// Close releases backend resources.
	Close() error
}
