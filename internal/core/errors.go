package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ledger errors for callers.
type ErrorKind string

const (
	// KindInsufficientCredits means the workspace balance was too low at
	// reservation time. Caller-visible and terminal for the request.
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	// KindNotFound means the workspace or reservation does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindConflictExhausted means the optimistic-lock retry budget ran out.
	// The operation may succeed if retried later.
	KindConflictExhausted ErrorKind = "conflict_exhausted"
)

// ErrVersionConflict is returned by balance stores when a compare-and-swap
// loses to a concurrent writer. The reservation manager retries on it.
var ErrVersionConflict = errors.New("workspace version conflict")

// CreditError is the error type for all caller-visible ledger failures.
type CreditError struct {
	Kind        ErrorKind
	Message     string
	WorkspaceID string

	// BalanceNanoUSD and RequiredNanoUSD are set for insufficient-credit
	// errors so the API boundary can render a payment-required response.
	BalanceNanoUSD  int64
	RequiredNanoUSD int64

	// Attempts is set for conflict-exhausted errors.
	Attempts int

	// Original error for debugging (not exposed to clients)
	Err error
}

// Error implements the error interface.
func (e *CreditError) Error() string {
	if e.WorkspaceID != "" {
		return fmt.Sprintf("%s: %s (workspace %s)", e.Kind, e.Message, e.WorkspaceID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface.
func (e *CreditError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the operation as-is.
func (e *CreditError) Retryable() bool {
	return e.Kind == KindConflictExhausted
}

// NewInsufficientCreditsError creates the terminal error for a reservation
// that would overdraw the workspace balance.
func NewInsufficientCreditsError(workspaceID string, balance, required int64) *CreditError {
	return &CreditError{
		Kind:            KindInsufficientCredits,
		Message:         fmt.Sprintf("balance %d nano-USD below required %d nano-USD", balance, required),
		WorkspaceID:     workspaceID,
		BalanceNanoUSD:  balance,
		RequiredNanoUSD: required,
	}
}

// NewNotFoundError creates a not-found error for a workspace or reservation.
func NewNotFoundError(resource, id string) *CreditError {
	return &CreditError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
	}
}

// NewConflictExhaustedError creates the error returned when every
// compare-and-swap attempt lost to a concurrent writer.
func NewConflictExhaustedError(workspaceID string, attempts int) *CreditError {
	return &CreditError{
		Kind:        KindConflictExhausted,
		Message:     fmt.Sprintf("optimistic lock conflict after %d attempts", attempts),
		WorkspaceID: workspaceID,
		Attempts:    attempts,
		Err:         ErrVersionConflict,
	}
}

// IsInsufficientCredits reports whether err is an insufficient-credits error.
func IsInsufficientCredits(err error) bool {
	return kindOf(err) == KindInsufficientCredits
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return kindOf(err) == KindNotFound
}

// IsConflictExhausted reports whether err is a retry-exhaustion error.
func IsConflictExhausted(err error) bool {
	return kindOf(err) == KindConflictExhausted
}

func kindOf(err error) ErrorKind {
	var ce *CreditError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
