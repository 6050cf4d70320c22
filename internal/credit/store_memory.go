package credit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goledger/internal/core"
)

// MemoryStore is an in-memory Store used for tests and single-process
// deployments. Records are cloned on the way in and out so callers can
// never mutate stored state through a shared pointer.
type MemoryStore struct {
	mu           sync.Mutex
	workspaces   map[string]*core.Workspace
	reservations map[string]*core.Reservation
	transactions []*core.Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:   make(map[string]*core.Workspace),
		reservations: make(map[string]*core.Reservation),
	}
}

func (s *MemoryStore) Get(ctx context.Context, workspaceID string) (*core.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkspace(ws), nil
}

func (s *MemoryStore) Create(ctx context.Context, ws *core.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; ok {
		return fmt.Errorf("workspace %s already exists", ws.ID)
	}
	c := cloneWorkspace(ws)
	if c.Version == 0 {
		c.Version = 1
	}
	s.workspaces[ws.ID] = c
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, workspaceID string, expectedVersion, newBalance int64) (*core.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	if ws.Version != expectedVersion {
		return nil, core.ErrVersionConflict
	}
	ws.CreditBalanceNanoUSD = newBalance
	ws.Version++
	return cloneWorkspace(ws), nil
}

func (s *MemoryStore) CreateReservation(ctx context.Context, res *core.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[res.ID]; ok {
		return fmt.Errorf("reservation %s already exists", res.ID)
	}
	s.reservations[res.ID] = cloneReservation(res)
	return nil
}

func (s *MemoryStore) GetReservation(ctx context.Context, id string) (*core.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReservation(res), nil
}

func (s *MemoryStore) UpdateReservation(ctx context.Context, res *core.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[res.ID]; !ok {
		return ErrNotFound
	}
	s.reservations[res.ID] = cloneReservation(res)
	return nil
}

func (s *MemoryStore) DeleteReservation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, id)
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*core.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Reservation
	for _, res := range s.reservations {
		if res.State == core.StateOpen && res.Expired(now) {
			out = append(out, cloneReservation(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, tx *core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *tx
	s.transactions = append(s.transactions, &c)
	return nil
}

// Transactions returns a snapshot of the ledger in append order.
func (s *MemoryStore) Transactions() []*core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Transaction, len(s.transactions))
	for i, tx := range s.transactions {
		c := *tx
		out[i] = &c
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }

func cloneWorkspace(ws *core.Workspace) *core.Workspace {
	c := *ws
	return &c
}

func cloneReservation(res *core.Reservation) *core.Reservation {
	c := *res
	return &c
}
