// Package pgstore implements the store contracts on Postgres via pgx.
// Documents are rows with JSONB columns; the lock acquire path runs inside
// a transaction under a scope-keyed advisory lock so concurrent
// acquisitions linearize even before the row exists.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"workbridge/internal/logging"
	"workbridge/internal/store"
)

const (
	lockTable      = "consumer_locks"
	workspaceTable = "workspaces"
	regTable       = "exec_regs"
	statusTable    = "exec_statuses"
	linkTable      = "exec_links"
)

// Stores creates the full Postgres store bundle on a shared pool.
func Stores(pool *pgxpool.Pool) store.Stores {
	return store.Stores{
		Locks:      NewLockStore(pool),
		Workspaces: NewWorkspaceStore(pool),
		Execs:      NewExecStore(pool),
	}
}

// EnsureSchema creates every bridge table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    user_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    consumer_id TEXT NOT NULL,
    consumer_type TEXT NOT NULL,
    lease_ms BIGINT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL,
    runtime JSONB NOT NULL DEFAULT '{}'::jsonb,
    PRIMARY KEY (user_id, project_id)
);
CREATE TABLE IF NOT EXISTS %[2]s (
    user_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    live_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, project_id, workspace_id)
);
CREATE INDEX IF NOT EXISTS idx_workspaces_session ON %[2]s (user_id, project_id, session_id, created_at DESC);
CREATE TABLE IF NOT EXISTS %[3]s (
    user_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    exec_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    ended BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ,
    PRIMARY KEY (user_id, project_id, exec_id)
);
CREATE INDEX IF NOT EXISTS idx_exec_regs_session ON %[3]s (user_id, project_id, session_id, created_at DESC);
CREATE TABLE IF NOT EXISTS %[4]s (
    user_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    exec_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    result JSONB,
    error JSONB,
    ended BOOLEAN,
    workflow JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, project_id, exec_id)
);
CREATE TABLE IF NOT EXISTS %[5]s (
    user_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    calling_exec TEXT NOT NULL,
    triggered_exec TEXT NOT NULL,
    session_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, project_id, calling_exec, triggered_exec)
);
CREATE INDEX IF NOT EXISTS idx_exec_links_session ON %[5]s (user_id, project_id, session_id, created_at ASC);
`, lockTable, workspaceTable, regTable, statusTable, linkTable)

	_, err := pool.Exec(ctx, query)
	return err
}

// Connect opens a pool and ensures the schema.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	logger := logging.NewComponentLogger("PGStore")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Info("Postgres metadata store ready")
	return pool, nil
}
