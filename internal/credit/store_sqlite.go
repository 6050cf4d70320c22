package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"goledger/internal/core"
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite credit store.
// It creates the ledger tables and indexes if they don't exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			credit_balance_nanos INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			reserved_nanos INTEGER NOT NULL DEFAULT 0,
			estimated_nanos INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			state TEXT NOT NULL DEFAULT 'open',
			expires_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			provider_generation_id TEXT NOT NULL DEFAULT '',
			provisional_nanos INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			amount_nanos INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			supplier TEXT NOT NULL DEFAULT '',
			tool_call TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create credit schema: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_reservations_workspace ON reservations(workspace_id)",
		"CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations(state, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_workspace ON transactions(workspace_id, created_at)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, workspaceID string) (*core.Workspace, error) {
	ws := &core.Workspace{ID: workspaceID}
	err := s.db.QueryRowContext(ctx,
		"SELECT credit_balance_nanos, version FROM workspaces WHERE id = ?",
		workspaceID,
	).Scan(&ws.CreditBalanceNanoUSD, &ws.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace: %w", err)
	}
	return ws, nil
}

func (s *SQLiteStore) Create(ctx context.Context, ws *core.Workspace) error {
	version := ws.Version
	if version == 0 {
		version = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workspaces (id, credit_balance_nanos, version) VALUES (?, ?, ?)",
		ws.ID, ws.CreditBalanceNanoUSD, version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workspace: %w", err)
	}
	return nil
}

// CompareAndSwap performs the version-guarded balance write. When the guarded
// UPDATE touches zero rows, a follow-up existence check distinguishes a
// version conflict from a missing workspace.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, workspaceID string, expectedVersion, newBalance int64) (*core.Workspace, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE workspaces SET credit_balance_nanos = ?, version = version + 1 WHERE id = ? AND version = ?",
		newBalance, workspaceID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update workspace balance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, gerr := s.Get(ctx, workspaceID); gerr != nil {
			return nil, gerr
		}
		return nil, core.ErrVersionConflict
	}
	return &core.Workspace{
		ID:                   workspaceID,
		CreditBalanceNanoUSD: newBalance,
		Version:              expectedVersion + 1,
	}, nil
}

func (s *SQLiteStore) CreateReservation(ctx context.Context, res *core.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (id, workspace_id, reserved_nanos, estimated_nanos, currency,
			state, expires_at, version, created_at, provider_generation_id, provisional_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, res.ID, res.WorkspaceID, res.ReservedNanoUSD, res.EstimatedNanoUSD, res.Currency,
		string(res.State), res.ExpiresAt.UTC().Format(time.RFC3339Nano), res.Version,
		res.CreatedAt.UTC().Format(time.RFC3339Nano), res.ProviderGenerationID, res.ProvisionalNanoUSD)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReservation(ctx context.Context, id string) (*core.Reservation, error) {
	res := &core.Reservation{ID: id}
	var state, expiresAt, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, reserved_nanos, estimated_nanos, currency, state,
			expires_at, version, created_at, provider_generation_id, provisional_nanos
		FROM reservations WHERE id = ?
	`, id).Scan(&res.WorkspaceID, &res.ReservedNanoUSD, &res.EstimatedNanoUSD, &res.Currency,
		&state, &expiresAt, &res.Version, &createdAt, &res.ProviderGenerationID, &res.ProvisionalNanoUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reservation: %w", err)
	}
	res.State = core.ReservationState(state)
	if res.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse reservation expiry: %w", err)
	}
	if res.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse reservation created_at: %w", err)
	}
	return res, nil
}

func (s *SQLiteStore) UpdateReservation(ctx context.Context, res *core.Reservation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET state = ?, version = ?, provider_generation_id = ?, provisional_nanos = ?
		WHERE id = ?
	`, string(res.State), res.Version, res.ProviderGenerationID, res.ProvisionalNanoUSD, res.ID)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteReservation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM reservations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*core.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM reservations
		WHERE state = ? AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, string(core.StateOpen), now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired reservations: %w", err)
	}

	out := make([]*core.Reservation, 0, len(ids))
	for _, id := range ids {
		res, err := s.GetReservation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *SQLiteStore) Append(ctx context.Context, tx *core.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, workspace_id, amount_nanos, description, supplier,
			tool_call, agent_id, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.WorkspaceID, tx.AmountNanoUSD, tx.Description, tx.Supplier,
		tx.ToolCall, tx.AgentID, tx.ConversationID, tx.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// Close is a no-op: the DB handle is managed by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}
