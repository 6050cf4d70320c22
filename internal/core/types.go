// Package core provides shared domain types and error taxonomy for the
// credit ledger.
package core

import "time"

// ByokReservationID is the sentinel reservation id returned for
// bring-your-own-key calls. BYOK callers pay the provider directly, so no
// balance is held and Adjust/Refund against this id are no-ops.
const ByokReservationID = "byok"

// CurrencyUSD is the only currency currently supported by the ledger.
const CurrencyUSD = "USD"

// Workspace is a tenant account holding prepaid credit.
//
// CreditBalanceNanoUSD is only ever mutated through a compare-and-swap keyed
// on Version; a successful mutation increments Version by one.
type Workspace struct {
	ID                   string `json:"id" bson:"_id"`
	CreditBalanceNanoUSD int64  `json:"credit_balance_nano_usd" bson:"credit_balance_nano_usd"`
	Version              int64  `json:"version" bson:"version"`
}

// ReservationState describes where a reservation is in its lifecycle.
// A deleted record is the implicit terminal "closed" state.
type ReservationState string

const (
	// StateOpen means credit is held and the reservation awaits adjustment.
	StateOpen ReservationState = "open"

	// StateAwaitingVerification means the reservation was settled against a
	// provisional cost and is retained until an async worker fetches the
	// provider's authoritative final cost.
	StateAwaitingVerification ReservationState = "awaiting_verification"

	// StateClosed means the reservation was fully settled and its record
	// deleted. Only ever seen in settlement results, never in storage.
	StateClosed ReservationState = "closed"
)

// Reservation is a provisional hold against a workspace's prepaid balance,
// created before a metered operation's exact cost is known.
type Reservation struct {
	ID               string           `json:"id" bson:"_id"`
	WorkspaceID      string           `json:"workspace_id" bson:"workspace_id"`
	ReservedNanoUSD  int64            `json:"reserved_nano_usd" bson:"reserved_nano_usd"`
	EstimatedNanoUSD int64            `json:"estimated_nano_usd" bson:"estimated_nano_usd"`
	Currency         string           `json:"currency" bson:"currency"`
	State            ReservationState `json:"state" bson:"state"`
	ExpiresAt        time.Time        `json:"expires_at" bson:"expires_at"`
	Version          int64            `json:"version" bson:"version"`
	CreatedAt        time.Time        `json:"created_at" bson:"created_at"`

	// Set once provisional settlement occurs, consumed by the async
	// final-cost verification worker.
	ProviderGenerationID string `json:"provider_generation_id,omitempty" bson:"provider_generation_id,omitempty"`
	ProvisionalNanoUSD   int64  `json:"provisional_nano_usd,omitempty" bson:"provisional_nano_usd,omitempty"`
}

// IsByok reports whether this reservation is the BYOK sentinel.
func (r *Reservation) IsByok() bool {
	return r.ID == ByokReservationID
}

// Expired reports whether the reservation's TTL has passed at the given time.
func (r *Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// TokenUsage is the token breakdown reported by the caller after a metered
// operation completes. Ephemeral; never persisted by the ledger.
type TokenUsage struct {
	PromptTokens       int `json:"prompt_tokens"`
	CompletionTokens   int `json:"completion_tokens"`
	ReasoningTokens    int `json:"reasoning_tokens,omitempty"`
	CachedPromptTokens int `json:"cached_prompt_tokens,omitempty"`
}

// TotalTokens returns the sum of all token classes.
func (u TokenUsage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens + u.ReasoningTokens + u.CachedPromptTokens
}

// IsZero reports whether no tokens were recorded at all.
func (u TokenUsage) IsZero() bool {
	return u.TotalTokens() == 0
}

// Transaction is one signed entry in the append-only ledger. Every non-zero
// balance mutation records exactly one transaction: negative amounts are
// debits, positive amounts are credits.
type Transaction struct {
	ID             string    `json:"id" bson:"_id"`
	WorkspaceID    string    `json:"workspace_id" bson:"workspace_id"`
	AmountNanoUSD  int64     `json:"amount_nano_usd" bson:"amount_nano_usd"`
	Description    string    `json:"description" bson:"description"`
	Supplier       string    `json:"supplier,omitempty" bson:"supplier,omitempty"`
	ToolCall       string    `json:"tool_call,omitempty" bson:"tool_call,omitempty"`
	AgentID        string    `json:"agent_id,omitempty" bson:"agent_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}
