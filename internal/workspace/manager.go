// Package workspace resolves the per-session workspace: a durable id that
// names the working tree a session's tools and sync operate on.
package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
	"workbridge/internal/store"
)

// Manager resolves or creates workspaces and keeps their liveness fresh.
type Manager struct {
	workspaces store.WorkspaceStore
	ttl        time.Duration
	retry      errors.RetryConfig
	logger     *logging.Logger
	now        func() time.Time
}

// NewManager creates a workspace manager. ttl bounds how stale a
// workspace's liveAt may be before Resolve stops reusing it.
func NewManager(workspaces store.WorkspaceStore, ttl time.Duration) *Manager {
	return &Manager{
		workspaces: workspaces,
		ttl:        ttl,
		retry:      errors.DefaultRetryConfig(),
		logger:     logging.NewComponentLogger("WorkspaceManager"),
		now:        time.Now,
	}
}

// Resolve returns the session's live workspace, creating a fresh one when
// none exists or the latest has gone stale. Repeated calls for the same
// live session return the same workspace id. An empty sessionId resolves
// the project-wide workspace.
func (m *Manager) Resolve(ctx context.Context, userID, projectID, sessionID string) (*store.Workspace, error) {
	existing, err := m.workspaces.FindForSession(ctx, userID, projectID, sessionID)
	if err == nil && existing.Live(m.now(), m.ttl) {
		return existing, nil
	}
	if err != nil {
		if !errors.IsNotFound(err) {
			return nil, fmt.Errorf("resolve workspace for session %s: %w", sessionID, err)
		}
	} else {
		m.logger.Info("Workspace %s stale for session %s, creating a new one", existing.WorkspaceID, sessionID)
	}

	now := m.now()
	ws := store.Workspace{
		UserID:      userID,
		ProjectID:   projectID,
		WorkspaceID: uuid.NewString(),
		SessionID:   sessionID,
		CreatedAt:   now,
		LiveAt:      now,
	}
	err = errors.RetryWithLog(ctx, m.retry, func(ctx context.Context) error {
		return m.workspaces.Create(ctx, ws)
	}, m.logger)
	if err != nil {
		if errors.IsConflict(err) {
			// A concurrent resolver won the create; use its row.
			return m.workspaces.FindForSession(ctx, userID, projectID, sessionID)
		}
		return nil, fmt.Errorf("create workspace for session %s: %w", sessionID, err)
	}

	m.logger.Info("Workspace %s created for session %s", ws.WorkspaceID, sessionID)
	return &ws, nil
}

// Get returns a workspace by id without liveness checks.
func (m *Manager) Get(ctx context.Context, userID, projectID, workspaceID string) (*store.Workspace, error) {
	return m.workspaces.Get(ctx, userID, projectID, workspaceID)
}

// Heartbeat marks a workspace live. Best-effort: an unknown workspace is
// logged and swallowed so heartbeats never tear down a running session.
func (m *Manager) Heartbeat(ctx context.Context, userID, projectID, workspaceID string) {
	err := errors.RetryWithLog(ctx, m.retry, func(ctx context.Context) error {
		return m.workspaces.Heartbeat(ctx, userID, projectID, workspaceID, m.now())
	}, m.logger)
	if err != nil {
		m.logger.Warn("Heartbeat for workspace %s failed: %v", workspaceID, err)
	}
}
