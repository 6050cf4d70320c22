package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"goledger/internal/core"
	"goledger/internal/nanousd"
	"goledger/internal/pricing"
)

func testManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m := NewManager(store, store, store, testPricingCalculator(t))
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("id-%04d", seq)
	}
	return m, store
}

func testPricingCalculator(t *testing.T) *pricing.Calculator {
	t.Helper()
	table, err := pricing.Catalog{
		"openai": {
			"gpt-4o": {CatalogRate: pricing.CatalogRate{
				InputPerMtok:  usd(2.50),
				OutputPerMtok: usd(10.0),
			}},
		},
		"openrouter": {
			"gpt-4o": {CatalogRate: pricing.CatalogRate{
				InputPerMtok:  usd(2.50),
				OutputPerMtok: usd(10.0),
			}},
		},
	}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return pricing.NewCalculator(table)
}

func usd(v float64) *float64 { return &v }

func mustCreateWorkspace(t *testing.T, store *MemoryStore, id string, balanceUSD float64) {
	t.Helper()
	err := store.Create(context.Background(), &core.Workspace{
		ID:                   id,
		CreditBalanceNanoUSD: nanousd.FromUSD(balanceUSD),
	})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
}

func balanceUSD(t *testing.T, store *MemoryStore, id string) int64 {
	t.Helper()
	ws, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	return ws.CreditBalanceNanoUSD
}

func TestReserveDebitsBalance(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(30.00), 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.ReservedNanoUSD != nanousd.FromUSD(30.00) {
		t.Fatalf("reserved = %d", res.ReservedNanoUSD)
	}
	if res.State != core.StateOpen {
		t.Fatalf("state = %s", res.State)
	}
	if want := m.now().Add(ReservationTTL); !res.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", res.ExpiresAt, want)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(70.00) {
		t.Fatalf("balance = %d, want %d", got, nanousd.FromUSD(70.00))
	}

	stored, err := store.GetReservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if stored.WorkspaceID != "ws1" || stored.ReservedNanoUSD != res.ReservedNanoUSD {
		t.Fatalf("stored reservation mismatch: %+v", stored)
	}
}

func TestReserveInsufficientCredits(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	for i := 0; i < 3; i++ {
		if _, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(30.00), 0, false); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	_, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(30.00), 0, false)
	if !core.IsInsufficientCredits(err) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	var cerr *core.CreditError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *core.CreditError, got %T", err)
	}
	if cerr.BalanceNanoUSD != nanousd.FromUSD(10.00) || cerr.RequiredNanoUSD != nanousd.FromUSD(30.00) {
		t.Fatalf("error detail mismatch: %+v", cerr)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(10.00) {
		t.Fatalf("balance after failed reserve = %d, want %d", got, nanousd.FromUSD(10.00))
	}
}

func TestReserveUnknownWorkspace(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.Reserve(context.Background(), "ghost", nanousd.FromUSD(1), 0, false)
	if !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReserveByok(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(30.00), 0, true)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.IsByok() {
		t.Fatalf("reservation id = %q, want byok sentinel", res.ID)
	}
	if res.ReservedNanoUSD != 0 {
		t.Fatalf("byok reservation held %d", res.ReservedNanoUSD)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(100.00) {
		t.Fatalf("byok reserve mutated balance: %d", got)
	}
	if _, err := store.GetReservation(ctx, core.ByokReservationID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("byok reservation was persisted: %v", err)
	}

	// Settlement and refund against the sentinel leave the balance alone.
	m.Adjust(ctx, AdjustParams{ReservationID: core.ByokReservationID, WorkspaceID: "ws1"})
	m.Refund(ctx, core.ByokReservationID, 0)
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(100.00) {
		t.Fatalf("byok settle mutated balance: %d", got)
	}
}

func TestReserveByokUnknownWorkspace(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.Reserve(context.Background(), "ghost", 0, 0, true)
	if !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// conflictStore wraps a BalanceStore and fails the first n CompareAndSwap
// calls with a version conflict.
type conflictStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
	casCalls  int
}

func (s *conflictStore) CompareAndSwap(ctx context.Context, workspaceID string, expectedVersion, newBalance int64) (*core.Workspace, error) {
	s.mu.Lock()
	s.casCalls++
	fail := s.conflicts > 0
	if fail {
		s.conflicts--
	}
	s.mu.Unlock()
	if fail {
		return nil, core.ErrVersionConflict
	}
	return s.MemoryStore.CompareAndSwap(ctx, workspaceID, expectedVersion, newBalance)
}

func TestReserveRetriesOnConflict(t *testing.T) {
	mem := NewMemoryStore()
	store := &conflictStore{MemoryStore: mem, conflicts: 2}
	m := NewManager(store, mem, mem, testPricingCalculator(t))
	ctx := context.Background()
	mustCreateWorkspace(t, mem, "ws1", 50.00)

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(10.00), 3, false)
	if err != nil {
		t.Fatalf("Reserve under conflicts: %v", err)
	}
	if res == nil || store.casCalls != 3 {
		t.Fatalf("cas calls = %d, want 3", store.casCalls)
	}
	if got := balanceUSD(t, mem, "ws1"); got != nanousd.FromUSD(40.00) {
		t.Fatalf("balance = %d", got)
	}
}

func TestReserveConflictExhaustion(t *testing.T) {
	mem := NewMemoryStore()
	store := &conflictStore{MemoryStore: mem, conflicts: 5}
	m := NewManager(store, mem, mem, testPricingCalculator(t))
	ctx := context.Background()
	mustCreateWorkspace(t, mem, "ws1", 50.00)

	_, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(10.00), 3, false)
	if !core.IsConflictExhausted(err) {
		t.Fatalf("expected conflict exhaustion, got %v", err)
	}
	if store.casCalls != 3 {
		t.Fatalf("cas calls = %d, want exactly maxRetries", store.casCalls)
	}
	if got := balanceUSD(t, mem, "ws1"); got != nanousd.FromUSD(50.00) {
		t.Fatalf("balance changed after exhaustion: %d", got)
	}
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, store, store, testPricingCalculator(t))
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Generous retry budget so losers of a race retry rather
			// than report exhaustion.
			if _, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(30.00), 100, false); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("%d reserves succeeded, want 3", succeeded)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(10.00) {
		t.Fatalf("balance = %d, want %d", got, nanousd.FromUSD(10.00))
	}
}

func TestAdjustRefundsOverReservation(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(30.00), 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	usage := core.TokenUsage{PromptTokens: 1000, CompletionTokens: 500}
	actual := m.calc.Cost("openai", "gpt-4o", usage)
	result := m.Adjust(ctx, AdjustParams{
		ReservationID: res.ID,
		WorkspaceID:   "ws1",
		Provider:      "openai",
		Model:         "gpt-4o",
		Usage:         &usage,
	})

	if result.ActualNanoUSD != actual {
		t.Fatalf("actual = %d, want %d", result.ActualNanoUSD, actual)
	}
	if result.DifferenceNanoUSD != actual-nanousd.FromUSD(30.00) {
		t.Fatalf("difference = %d", result.DifferenceNanoUSD)
	}
	if result.State != core.StateClosed {
		t.Fatalf("state = %s", result.State)
	}
	if result.CleanupErr != nil {
		t.Fatalf("cleanup error: %v", result.CleanupErr)
	}
	if want := nanousd.FromUSD(100.00) - actual; balanceUSD(t, store, "ws1") != want {
		t.Fatalf("balance = %d, want %d", balanceUSD(t, store, "ws1"), want)
	}
	if _, err := store.GetReservation(ctx, res.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reservation still present after settlement: %v", err)
	}
}

func TestAdjustZeroDifference(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	usage := core.TokenUsage{PromptTokens: 1000, CompletionTokens: 500}
	actual := m.calc.Cost("openai", "gpt-4o", usage)

	res, err := m.Reserve(ctx, "ws1", actual, 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	before := balanceUSD(t, store, "ws1")
	txBefore := len(store.Transactions())

	result := m.Adjust(ctx, AdjustParams{
		ReservationID: res.ID,
		WorkspaceID:   "ws1",
		Provider:      "openai",
		Model:         "gpt-4o",
		Usage:         &usage,
	})
	if result.DifferenceNanoUSD != 0 {
		t.Fatalf("difference = %d, want 0", result.DifferenceNanoUSD)
	}
	if got := balanceUSD(t, store, "ws1"); got != before {
		t.Fatalf("zero-diff adjust moved balance from %d to %d", before, got)
	}
	if got := len(store.Transactions()); got != txBefore {
		t.Fatalf("zero-diff adjust appended a ledger entry")
	}
}

func TestAdjustAwaitingVerification(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(5.00), 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	provisional := 1.00
	result := m.Adjust(ctx, AdjustParams{
		ReservationID:        res.ID,
		WorkspaceID:          "ws1",
		Provider:             "openrouter",
		Model:                "gpt-4o",
		ProvisionalCostUSD:   &provisional,
		ProviderGenerationID: "gen-abc",
	})
	if result.State != core.StateAwaitingVerification {
		t.Fatalf("state = %s", result.State)
	}
	want := nanousd.ApplyMarkupBasisPoints(nanousd.FromUSD(1.00), pricing.OpenRouterMarkupBps)
	if result.ActualNanoUSD != want {
		t.Fatalf("actual = %d, want marked-up provisional %d", result.ActualNanoUSD, want)
	}

	kept, err := store.GetReservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("reservation should be retained: %v", err)
	}
	if kept.State != core.StateAwaitingVerification || kept.ProviderGenerationID != "gen-abc" {
		t.Fatalf("retained reservation mismatch: %+v", kept)
	}
	if kept.ProvisionalNanoUSD != want {
		t.Fatalf("provisional = %d, want %d", kept.ProvisionalNanoUSD, want)
	}
}

func TestAdjustInvokesVerificationHook(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	var hooked *VerificationRequest
	m.SetVerificationHook(func(_ context.Context, v VerificationRequest) {
		hooked = &v
	})

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(2.00), 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Plain settlements never reach the hook.
	m.Adjust(ctx, AdjustParams{ReservationID: res.ID, WorkspaceID: "ws1", Provider: "openai", Model: "gpt-4o"})
	if hooked != nil {
		t.Fatal("hook fired for a closed settlement")
	}

	res, err = m.Reserve(ctx, "ws1", nanousd.FromUSD(2.00), 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	provisional := 0.50
	m.Adjust(ctx, AdjustParams{
		ReservationID:        res.ID,
		WorkspaceID:          "ws1",
		Provider:             "openai",
		Model:                "gpt-4o",
		ProvisionalCostUSD:   &provisional,
		ProviderGenerationID: "gen-42",
	})
	if hooked == nil {
		t.Fatal("hook not invoked for awaiting-verification settlement")
	}
	if hooked.ReservationID != res.ID || hooked.ProviderGenerationID != "gen-42" {
		t.Fatalf("hook saw %+v", hooked)
	}
	if hooked.ProvisionalNanoUSD != nanousd.FromUSD(0.50) {
		t.Fatalf("hook provisional = %d", hooked.ProvisionalNanoUSD)
	}
}

func TestAdjustMissingReservation(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	provisional := 2.00
	result := m.Adjust(ctx, AdjustParams{
		ReservationID:      "vanished",
		WorkspaceID:        "ws1",
		Provider:           "openai",
		Model:              "gpt-4o",
		ProvisionalCostUSD: &provisional,
	})
	if result.ActualNanoUSD != nanousd.FromUSD(2.00) {
		t.Fatalf("actual = %d", result.ActualNanoUSD)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(98.00) {
		t.Fatalf("balance = %d, want %d", got, nanousd.FromUSD(98.00))
	}

	// Without a provisional cost there is nothing safe to charge.
	before := balanceUSD(t, store, "ws1")
	result = m.Adjust(ctx, AdjustParams{ReservationID: "vanished-2", WorkspaceID: "ws1"})
	if result.ActualNanoUSD != 0 || balanceUSD(t, store, "ws1") != before {
		t.Fatalf("no-cost missing adjust mutated state: %+v", result)
	}
}

func TestAdjustFallsBackToReservedAmount(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(4.00), 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// No usage, no provisional cost, no per-request fee: the hold stands.
	result := m.Adjust(ctx, AdjustParams{
		ReservationID: res.ID,
		WorkspaceID:   "ws1",
		Provider:      "openai",
		Model:         "gpt-4o",
	})
	if result.ActualNanoUSD != nanousd.FromUSD(4.00) || result.DifferenceNanoUSD != 0 {
		t.Fatalf("fallback settlement = %+v", result)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(96.00) {
		t.Fatalf("balance = %d", got)
	}
}

func TestRefundRoundTrip(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(25.00), 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(75.00) {
		t.Fatalf("balance after reserve = %d", got)
	}

	result := m.Refund(ctx, res.ID, 0)
	if result.Workspace == nil || result.Workspace.CreditBalanceNanoUSD != nanousd.FromUSD(100.00) {
		t.Fatalf("refund result = %+v", result)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(100.00) {
		t.Fatalf("balance after refund = %d", got)
	}

	// A second refund of the same id finds nothing and credits nothing.
	again := m.Refund(ctx, res.ID, 0)
	if again.Workspace != nil {
		t.Fatalf("double refund credited again: %+v", again)
	}
	if got := balanceUSD(t, store, "ws1"); got != nanousd.FromUSD(100.00) {
		t.Fatalf("balance after double refund = %d", got)
	}
}

func TestLedgerRecordsSignedEntries(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	mustCreateWorkspace(t, store, "ws1", 100.00)

	res, err := m.Reserve(ctx, "ws1", nanousd.FromUSD(30.00), 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	m.Refund(ctx, res.ID, 0)

	txs := store.Transactions()
	if len(txs) != 2 {
		t.Fatalf("ledger has %d entries, want 2", len(txs))
	}
	if txs[0].AmountNanoUSD != -nanousd.FromUSD(30.00) {
		t.Fatalf("reserve entry amount = %d", txs[0].AmountNanoUSD)
	}
	if txs[1].AmountNanoUSD != nanousd.FromUSD(30.00) {
		t.Fatalf("refund entry amount = %d", txs[1].AmountNanoUSD)
	}
	var sum int64
	for _, tx := range txs {
		sum += tx.AmountNanoUSD
	}
	if sum != 0 {
		t.Fatalf("round-trip ledger sum = %d, want 0", sum)
	}
}
