// Package store defines the metadata entities persisted by the bridge and
// the storage contracts they live behind. Two implementations exist:
// pgstore (Postgres, production) and memstore (in-memory, tests and
// single-node development).
package store

import (
	"context"
	"time"
)

// ConsumerType distinguishes where an executor runs.
type ConsumerType string

const (
	ConsumerTypeCloud ConsumerType = "CLOUD"
	ConsumerTypeLocal ConsumerType = "LOCAL"
)

// Lock is the leased mutual-exclusion document for one (userId, projectId).
type Lock struct {
	UserID       string         `json:"userId"`
	ProjectID    string         `json:"projectId"`
	ConsumerID   string         `json:"consumerId"`
	ConsumerType ConsumerType   `json:"consumerType"`
	Lease        time.Duration  `json:"leaseMs"`
	AcquiredAt   time.Time      `json:"acquiredAt"`
	Runtime      map[string]any `json:"runtime,omitempty"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.AcquiredAt.Add(l.Lease))
}

// Workspace scopes a sandbox working directory to a project and,
// optionally, a session.
type Workspace struct {
	UserID      string    `json:"userId"`
	ProjectID   string    `json:"projectId"`
	WorkspaceID string    `json:"workspaceId"`
	SessionID   string    `json:"sessionId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LiveAt      time.Time `json:"liveAt"`
}

// Live reports whether the workspace heartbeat is within ttl of now.
func (w *Workspace) Live(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.LiveAt) <= ttl
}

// ExecReg records that a workflow execution started in a session.
type ExecReg struct {
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	ExecID    string    `json:"execId"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`

	// Mirrored from the latest status report, best effort.
	Status    string    `json:"status,omitempty"`
	Ended     bool      `json:"ended,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// ExecStatus is the upserted status document for one execution. Status is
// an open string set; no enum is enforced. Ended is a tri-state: nil means
// never reported, so partial updates cannot clear it.
type ExecStatus struct {
	UserID    string         `json:"userId"`
	ProjectID string         `json:"projectId"`
	ExecID    string         `json:"execId"`
	Status    string         `json:"status,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     any            `json:"error,omitempty"`
	Ended     *bool          `json:"ended,omitempty"`
	Workflow  map[string]any `json:"workflow,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ExecLink records that one execution triggered another.
type ExecLink struct {
	UserID        string    `json:"userId"`
	ProjectID     string    `json:"projectId"`
	CallingExec   string    `json:"callingExec"`
	TriggeredExec string    `json:"triggeredExec"`
	SessionID     string    `json:"sessionId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// LockStore provides the transactional lock primitives. Acquire wins only
// when the current document is absent or expired; on contention it returns
// the current holder and acquired=false.
type LockStore interface {
	Acquire(ctx context.Context, lock Lock) (acquired bool, holder *Lock, err error)
	Get(ctx context.Context, userID, projectID string) (*Lock, error)
	MergeRuntime(ctx context.Context, userID, projectID, consumerID string, runtime map[string]any) error
	Renew(ctx context.Context, userID, projectID, consumerID string, now time.Time) error
	// Release deletes the lock. With force=false the delete only happens
	// when the stored consumerId matches; either way a missing document is
	// not an error.
	Release(ctx context.Context, userID, projectID, consumerID string, force bool) error
}

// WorkspaceStore persists workspace registrations and heartbeats.
type WorkspaceStore interface {
	Create(ctx context.Context, ws Workspace) error
	Get(ctx context.Context, userID, projectID, workspaceID string) (*Workspace, error)
	// FindForSession returns the newest workspace registered for the
	// session (empty sessionID matches project-wide workspaces).
	FindForSession(ctx context.Context, userID, projectID, sessionID string) (*Workspace, error)
	// Heartbeat advances liveAt; it never moves liveAt backwards.
	Heartbeat(ctx context.Context, userID, projectID, workspaceID string, now time.Time) error
}

// ExecStore persists exec registrations, statuses and lineage links.
type ExecStore interface {
	CreateReg(ctx context.Context, reg ExecReg) error
	GetReg(ctx context.Context, userID, projectID, execID string) (*ExecReg, error)
	RegsBySession(ctx context.Context, userID, projectID, sessionID string) ([]ExecReg, error)
	// MirrorReg best-effort copies status fields onto the registration.
	MirrorReg(ctx context.Context, userID, projectID, execID, status string, ended *bool, updatedAt time.Time) error

	UpsertStatus(ctx context.Context, status ExecStatus) (*ExecStatus, error)
	GetStatus(ctx context.Context, userID, projectID, execID string) (*ExecStatus, error)

	UpsertLink(ctx context.Context, link ExecLink) error
	LinksByCalling(ctx context.Context, userID, projectID, callingExecID string) ([]ExecLink, error)
	LinksByTriggered(ctx context.Context, userID, projectID, triggeredExecID string) ([]ExecLink, error)
	LinksBySession(ctx context.Context, userID, projectID, sessionID string) ([]ExecLink, error)
}

// Stores bundles the three contracts for dependency injection.
type Stores struct {
	Locks      LockStore
	Workspaces WorkspaceStore
	Execs      ExecStore
}
