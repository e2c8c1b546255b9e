package pgstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
	"workbridge/internal/store"
)

// WorkspaceStore implements the workspace registry on Postgres.
type WorkspaceStore struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewWorkspaceStore constructs a Postgres-backed workspace store.
func NewWorkspaceStore(pool *pgxpool.Pool) *WorkspaceStore {
	return &WorkspaceStore{
		pool:   pool,
		logger: logging.NewComponentLogger("WorkspacePGStore"),
	}
}

// Create registers a workspace; an existing id is a conflict.
func (s *WorkspaceStore) Create(ctx context.Context, ws store.Workspace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("workspace store not initialized")
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (user_id, project_id, workspace_id, session_id, created_at, live_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, workspaceTable), ws.UserID, ws.ProjectID, ws.WorkspaceID, ws.SessionID, ws.CreatedAt, ws.LiveAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &errors.ConflictError{Message: fmt.Sprintf("workspace already exists: %s", ws.WorkspaceID)}
		}
		return errors.NewTransientError(err, "")
	}
	return nil
}

// Get returns a workspace by id.
func (s *WorkspaceStore) Get(ctx context.Context, userID, projectID, workspaceID string) (*store.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("workspace store not initialized")
	}

	var ws store.Workspace
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT user_id, project_id, workspace_id, session_id, created_at, live_at
FROM %s
WHERE user_id = $1 AND project_id = $2 AND workspace_id = $3
`, workspaceTable), userID, projectID, workspaceID).Scan(
		&ws.UserID, &ws.ProjectID, &ws.WorkspaceID, &ws.SessionID, &ws.CreatedAt, &ws.LiveAt)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "workspace", Key: workspaceID}
		}
		return nil, errors.NewTransientError(err, "")
	}
	return &ws, nil
}

// FindForSession returns the newest workspace registered for the session.
func (s *WorkspaceStore) FindForSession(ctx context.Context, userID, projectID, sessionID string) (*store.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("workspace store not initialized")
	}

	var ws store.Workspace
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT user_id, project_id, workspace_id, session_id, created_at, live_at
FROM %s
WHERE user_id = $1 AND project_id = $2 AND session_id = $3
ORDER BY created_at DESC
LIMIT 1
`, workspaceTable), userID, projectID, sessionID).Scan(
		&ws.UserID, &ws.ProjectID, &ws.WorkspaceID, &ws.SessionID, &ws.CreatedAt, &ws.LiveAt)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "workspace", Key: sessionID}
		}
		return nil, errors.NewTransientError(err, "")
	}
	return &ws, nil
}

// Heartbeat advances liveAt; GREATEST keeps it monotonic.
func (s *WorkspaceStore) Heartbeat(ctx context.Context, userID, projectID, workspaceID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("workspace store not initialized")
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET live_at = GREATEST(live_at, $4)
WHERE user_id = $1 AND project_id = $2 AND workspace_id = $3
`, workspaceTable), userID, projectID, workspaceID, now)
	if err != nil {
		return errors.NewTransientError(err, "")
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "workspace", Key: workspaceID}
	}
	return nil
}
