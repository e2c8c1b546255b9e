// Package memstore is a mutex-guarded in-memory implementation of the
// store contracts. It backs tests and single-node development runs where
// no DATABASE_URL is configured; its read-modify-write operations hold the
// store mutex, giving the same linearizable acquire semantics the Postgres
// implementation gets from transactions.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"workbridge/internal/errors"
	"workbridge/internal/store"
)

// Stores creates the full in-memory store bundle.
func Stores() store.Stores {
	return store.Stores{
		Locks:      NewLockStore(),
		Workspaces: NewWorkspaceStore(),
		Execs:      NewExecStore(),
	}
}

func scopeKey(userID, projectID string) string {
	return userID + "/" + projectID
}

// LockStore is the in-memory lock document store.
type LockStore struct {
	mu    sync.Mutex
	locks map[string]*store.Lock
	now   func() time.Time
}

// NewLockStore creates an empty lock store.
func NewLockStore() *LockStore {
	return &LockStore{locks: make(map[string]*store.Lock), now: time.Now}
}

// SetClock overrides the clock. Test hook.
func (s *LockStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Acquire claims the lock when absent or expired.
func (s *LockStore) Acquire(ctx context.Context, lock store.Lock) (bool, *store.Lock, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey(lock.UserID, lock.ProjectID)
	now := s.now()
	if current, ok := s.locks[key]; ok && !current.Expired(now) {
		holder := *current
		return false, &holder, nil
	}

	claimed := lock
	if claimed.AcquiredAt.IsZero() {
		claimed.AcquiredAt = now
	}
	if claimed.Runtime == nil {
		claimed.Runtime = map[string]any{}
	}
	s.locks[key] = &claimed

	granted := claimed
	return true, &granted, nil
}

// Get returns the current lock document.
func (s *LockStore) Get(ctx context.Context, userID, projectID string) (*store.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locks[scopeKey(userID, projectID)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "lock", Key: scopeKey(userID, projectID)}
	}
	copied := *current
	return &copied, nil
}

// MergeRuntime merges runtime fields when the caller owns the lock.
func (s *LockStore) MergeRuntime(ctx context.Context, userID, projectID, consumerID string, runtime map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locks[scopeKey(userID, projectID)]
	if !ok || current.ConsumerID != consumerID {
		return nil
	}
	if current.Runtime == nil {
		current.Runtime = map[string]any{}
	}
	for k, v := range runtime {
		current.Runtime[k] = v
	}
	return nil
}

// Renew refreshes acquiredAt when the caller owns the lock.
func (s *LockStore) Renew(ctx context.Context, userID, projectID, consumerID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locks[scopeKey(userID, projectID)]
	if !ok {
		return &errors.NotFoundError{Resource: "lock", Key: scopeKey(userID, projectID)}
	}
	if current.ConsumerID != consumerID {
		return nil
	}
	current.AcquiredAt = now
	return nil
}

// Release deletes the lock, owner-scoped unless force.
func (s *LockStore) Release(ctx context.Context, userID, projectID, consumerID string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey(userID, projectID)
	current, ok := s.locks[key]
	if !ok {
		return nil
	}
	if force || current.ConsumerID == consumerID {
		delete(s.locks, key)
	}
	return nil
}

// WorkspaceStore is the in-memory workspace registry.
type WorkspaceStore struct {
	mu         sync.Mutex
	workspaces map[string]*store.Workspace
}

// NewWorkspaceStore creates an empty workspace store.
func NewWorkspaceStore() *WorkspaceStore {
	return &WorkspaceStore{workspaces: make(map[string]*store.Workspace)}
}

func workspaceKey(userID, projectID, workspaceID string) string {
	return scopeKey(userID, projectID) + "/" + workspaceID
}

// Create registers a workspace; an existing id is a conflict.
func (s *WorkspaceStore) Create(ctx context.Context, ws store.Workspace) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := workspaceKey(ws.UserID, ws.ProjectID, ws.WorkspaceID)
	if _, ok := s.workspaces[key]; ok {
		return &errors.ConflictError{Message: fmt.Sprintf("workspace already exists: %s", ws.WorkspaceID)}
	}
	copied := ws
	s.workspaces[key] = &copied
	return nil
}

// Get returns a workspace by id.
func (s *WorkspaceStore) Get(ctx context.Context, userID, projectID, workspaceID string) (*store.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceKey(userID, projectID, workspaceID)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workspace", Key: workspaceID}
	}
	copied := *ws
	return &copied, nil
}

// FindForSession returns the newest workspace matching the session scope.
func (s *WorkspaceStore) FindForSession(ctx context.Context, userID, projectID, sessionID string) (*store.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *store.Workspace
	for _, ws := range s.workspaces {
		if ws.UserID != userID || ws.ProjectID != projectID || ws.SessionID != sessionID {
			continue
		}
		if newest == nil || ws.CreatedAt.After(newest.CreatedAt) {
			newest = ws
		}
	}
	if newest == nil {
		return nil, &errors.NotFoundError{Resource: "workspace", Key: sessionID}
	}
	copied := *newest
	return &copied, nil
}

// Heartbeat advances liveAt monotonically.
func (s *WorkspaceStore) Heartbeat(ctx context.Context, userID, projectID, workspaceID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceKey(userID, projectID, workspaceID)]
	if !ok {
		return &errors.NotFoundError{Resource: "workspace", Key: workspaceID}
	}
	if now.After(ws.LiveAt) {
		ws.LiveAt = now
	}
	return nil
}

// ExecStore is the in-memory exec lineage store.
type ExecStore struct {
	mu       sync.Mutex
	regs     map[string]*store.ExecReg
	statuses map[string]*store.ExecStatus
	links    map[string]*store.ExecLink
}

// NewExecStore creates an empty exec store.
func NewExecStore() *ExecStore {
	return &ExecStore{
		regs:     make(map[string]*store.ExecReg),
		statuses: make(map[string]*store.ExecStatus),
		links:    make(map[string]*store.ExecLink),
	}
}

func execKey(userID, projectID, execID string) string {
	return scopeKey(userID, projectID) + "/" + execID
}

func linkKey(userID, projectID, calling, triggered string) string {
	return scopeKey(userID, projectID) + "/" + calling + ":" + triggered
}

// CreateReg registers an execution; duplicates are idempotent.
func (s *ExecStore) CreateReg(ctx context.Context, reg store.ExecReg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := execKey(reg.UserID, reg.ProjectID, reg.ExecID)
	if _, ok := s.regs[key]; ok {
		return nil
	}
	copied := reg
	s.regs[key] = &copied
	return nil
}

// GetReg returns a registration by exec id.
func (s *ExecStore) GetReg(ctx context.Context, userID, projectID, execID string) (*store.ExecReg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.regs[execKey(userID, projectID, execID)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "exec", Key: execID}
	}
	copied := *reg
	return &copied, nil
}

// RegsBySession lists registrations for a session, newest first.
func (s *ExecStore) RegsBySession(ctx context.Context, userID, projectID, sessionID string) ([]store.ExecReg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var regs []store.ExecReg
	for _, reg := range s.regs {
		if reg.UserID == userID && reg.ProjectID == projectID && reg.SessionID == sessionID {
			regs = append(regs, *reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].CreatedAt.After(regs[j].CreatedAt)
	})
	return regs, nil
}

// MirrorReg copies status fields onto the registration when present.
func (s *ExecStore) MirrorReg(ctx context.Context, userID, projectID, execID, status string, ended *bool, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.regs[execKey(userID, projectID, execID)]
	if !ok {
		return &errors.NotFoundError{Resource: "exec", Key: execID}
	}
	if status != "" {
		reg.Status = status
	}
	if ended != nil {
		reg.Ended = *ended
	}
	reg.UpdatedAt = updatedAt
	return nil
}

// UpsertStatus writes the status document, preserving createdAt.
func (s *ExecStore) UpsertStatus(ctx context.Context, status store.ExecStatus) (*store.ExecStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := execKey(status.UserID, status.ProjectID, status.ExecID)
	if existing, ok := s.statuses[key]; ok {
		status.CreatedAt = existing.CreatedAt
		if status.Status == "" {
			status.Status = existing.Status
		}
		if status.Ended == nil {
			status.Ended = existing.Ended
		}
		if status.Result == nil {
			status.Result = existing.Result
		}
		if status.Error == nil {
			status.Error = existing.Error
		}
		if status.Workflow == nil {
			status.Workflow = existing.Workflow
		}
	}
	copied := status
	s.statuses[key] = &copied
	result := copied
	return &result, nil
}

// GetStatus returns the status document for an exec.
func (s *ExecStore) GetStatus(ctx context.Context, userID, projectID, execID string) (*store.ExecStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.statuses[execKey(userID, projectID, execID)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "exec status", Key: execID}
	}
	copied := *status
	return &copied, nil
}

// UpsertLink writes the link document idempotently.
func (s *ExecStore) UpsertLink(ctx context.Context, link store.ExecLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(link.UserID, link.ProjectID, link.CallingExec, link.TriggeredExec)
	if existing, ok := s.links[key]; ok {
		// Stable after first write; only the session may be backfilled.
		if existing.SessionID == "" {
			existing.SessionID = link.SessionID
		}
		return nil
	}
	copied := link
	s.links[key] = &copied
	return nil
}

func (s *ExecStore) filterLinks(userID, projectID string, match func(*store.ExecLink) bool) []store.ExecLink {
	var links []store.ExecLink
	for _, link := range s.links {
		if link.UserID == userID && link.ProjectID == projectID && match(link) {
			links = append(links, *link)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})
	return links
}

// LinksByCalling lists links whose callingExec matches.
func (s *ExecStore) LinksByCalling(ctx context.Context, userID, projectID, callingExecID string) ([]store.ExecLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLinks(userID, projectID, func(l *store.ExecLink) bool {
		return l.CallingExec == callingExecID
	}), nil
}

// LinksByTriggered lists links whose triggeredExec matches.
func (s *ExecStore) LinksByTriggered(ctx context.Context, userID, projectID, triggeredExecID string) ([]store.ExecLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLinks(userID, projectID, func(l *store.ExecLink) bool {
		return l.TriggeredExec == triggeredExecID
	}), nil
}

// LinksBySession lists links for a session.
func (s *ExecStore) LinksBySession(ctx context.Context, userID, projectID, sessionID string) ([]store.ExecLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLinks(userID, projectID, func(l *store.ExecLink) bool {
		return l.SessionID == sessionID
	}), nil
}
