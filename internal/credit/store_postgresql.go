package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"goledger/internal/core"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates a new PostgreSQL credit store.
// It creates the ledger tables and indexes if they don't exist.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			credit_balance_nanos BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			reserved_nanos BIGINT NOT NULL DEFAULT 0,
			estimated_nanos BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			state TEXT NOT NULL DEFAULT 'open',
			expires_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			provider_generation_id TEXT NOT NULL DEFAULT '',
			provisional_nanos BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			amount_nanos BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			supplier TEXT NOT NULL DEFAULT '',
			tool_call TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create credit schema: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_reservations_workspace ON reservations(workspace_id)",
		"CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations(state, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_workspace ON transactions(workspace_id, created_at)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func (s *PostgreSQLStore) Get(ctx context.Context, workspaceID string) (*core.Workspace, error) {
	ws := &core.Workspace{ID: workspaceID}
	err := s.pool.QueryRow(ctx,
		"SELECT credit_balance_nanos, version FROM workspaces WHERE id = $1",
		workspaceID,
	).Scan(&ws.CreditBalanceNanoUSD, &ws.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace: %w", err)
	}
	return ws, nil
}

func (s *PostgreSQLStore) Create(ctx context.Context, ws *core.Workspace) error {
	version := ws.Version
	if version == 0 {
		version = 1
	}
	_, err := s.pool.Exec(ctx,
		"INSERT INTO workspaces (id, credit_balance_nanos, version) VALUES ($1, $2, $3)",
		ws.ID, ws.CreditBalanceNanoUSD, version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workspace: %w", err)
	}
	return nil
}

// CompareAndSwap performs the version-guarded balance write in a single
// round trip using RETURNING. No rows back means either a conflict or a
// missing workspace; an existence check tells them apart.
func (s *PostgreSQLStore) CompareAndSwap(ctx context.Context, workspaceID string, expectedVersion, newBalance int64) (*core.Workspace, error) {
	ws := &core.Workspace{ID: workspaceID}
	err := s.pool.QueryRow(ctx, `
		UPDATE workspaces SET credit_balance_nanos = $1, version = version + 1
		WHERE id = $2 AND version = $3
		RETURNING credit_balance_nanos, version
	`, newBalance, workspaceID, expectedVersion).Scan(&ws.CreditBalanceNanoUSD, &ws.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, workspaceID); gerr != nil {
			return nil, gerr
		}
		return nil, core.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update workspace balance: %w", err)
	}
	return ws, nil
}

func (s *PostgreSQLStore) CreateReservation(ctx context.Context, res *core.Reservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reservations (id, workspace_id, reserved_nanos, estimated_nanos, currency,
			state, expires_at, version, created_at, provider_generation_id, provisional_nanos)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, res.ID, res.WorkspaceID, res.ReservedNanoUSD, res.EstimatedNanoUSD, res.Currency,
		string(res.State), res.ExpiresAt, res.Version, res.CreatedAt,
		res.ProviderGenerationID, res.ProvisionalNanoUSD)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) GetReservation(ctx context.Context, id string) (*core.Reservation, error) {
	res := &core.Reservation{ID: id}
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT workspace_id, reserved_nanos, estimated_nanos, currency, state,
			expires_at, version, created_at, provider_generation_id, provisional_nanos
		FROM reservations WHERE id = $1
	`, id).Scan(&res.WorkspaceID, &res.ReservedNanoUSD, &res.EstimatedNanoUSD, &res.Currency,
		&state, &res.ExpiresAt, &res.Version, &res.CreatedAt,
		&res.ProviderGenerationID, &res.ProvisionalNanoUSD)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reservation: %w", err)
	}
	res.State = core.ReservationState(state)
	return res, nil
}

func (s *PostgreSQLStore) UpdateReservation(ctx context.Context, res *core.Reservation) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE reservations SET state = $1, version = $2, provider_generation_id = $3, provisional_nanos = $4
		WHERE id = $5
	`, string(res.State), res.Version, res.ProviderGenerationID, res.ProvisionalNanoUSD, res.ID)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgreSQLStore) DeleteReservation(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM reservations WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*core.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, reserved_nanos, estimated_nanos, currency, state,
			expires_at, version, created_at, provider_generation_id, provisional_nanos
		FROM reservations
		WHERE state = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, string(core.StateOpen), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired reservations: %w", err)
	}
	defer rows.Close()

	var out []*core.Reservation
	for rows.Next() {
		res := &core.Reservation{}
		var state string
		if err := rows.Scan(&res.ID, &res.WorkspaceID, &res.ReservedNanoUSD, &res.EstimatedNanoUSD,
			&res.Currency, &state, &res.ExpiresAt, &res.Version, &res.CreatedAt,
			&res.ProviderGenerationID, &res.ProvisionalNanoUSD); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		res.State = core.ReservationState(state)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired reservations: %w", err)
	}
	return out, nil
}

func (s *PostgreSQLStore) Append(ctx context.Context, tx *core.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, workspace_id, amount_nanos, description, supplier,
			tool_call, agent_id, conversation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tx.ID, tx.WorkspaceID, tx.AmountNanoUSD, tx.Description, tx.Supplier,
		tx.ToolCall, tx.AgentID, tx.ConversationID, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// Close is a no-op: the pool is managed by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
