// Package execreg persists the lineage of workflow executions: which exec
// triggered which, what state each one reached, and the derived tree for a
// session.
package execreg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
	"workbridge/internal/store"
)

const (
	statusUnknown      = "UNKNOWN"
	defaultStatusLimit = 5
	maxStatusLimit     = 50
)

// StatusUpdate carries the partial fields of a status report. Nil or empty
// fields are left untouched on the stored document.
type StatusUpdate struct {
	Status   string         `json:"status,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    any            `json:"error,omitempty"`
	Ended    *bool          `json:"ended,omitempty"`
	Updated  *time.Time     `json:"updated,omitempty"`
	Workflow map[string]any `json:"workflow,omitempty"`
}

func (u StatusUpdate) empty() bool {
	return u.Status == "" && u.Result == nil && u.Error == nil &&
		u.Ended == nil && u.Updated == nil && u.Workflow == nil
}

// MergedStatus is the session-facing view of one execution: the
// registration joined with its status document, or UNKNOWN when no status
// was ever reported.
type MergedStatus struct {
	ExecID    string         `json:"execId"`
	SessionID string         `json:"sessionId"`
	Status    string         `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     any            `json:"error,omitempty"`
	Ended     bool           `json:"ended"`
	Workflow  map[string]any `json:"workflow,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt,omitempty"`
}

// TreeNode is one execution in the derived lineage tree.
type TreeNode struct {
	ExecID    string      `json:"execId"`
	Status    string      `json:"status,omitempty"`
	Ended     bool        `json:"ended"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt,omitempty"`
	Children  []*TreeNode `json:"children,omitempty"`
}

// Registry is the exec lineage service over an ExecStore.
type Registry struct {
	execs  store.ExecStore
	retry  errors.RetryConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewRegistry creates an exec registry.
func NewRegistry(execs store.ExecStore) *Registry {
	return &Registry{
		execs:  execs,
		retry:  errors.DefaultRetryConfig(),
		logger: logging.NewComponentLogger("ExecRegistry"),
		now:    time.Now,
	}
}

// Register records that an execution started. Idempotent.
func (r *Registry) Register(ctx context.Context, userID, projectID, execID, sessionID string, createdAt time.Time) error {
	if strings.TrimSpace(execID) == "" {
		return fmt.Errorf("execId is required")
	}
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	return errors.RetryWithLog(ctx, r.retry, func(ctx context.Context) error {
		return r.execs.CreateReg(ctx, store.ExecReg{
			UserID:    userID,
			ProjectID: projectID,
			ExecID:    execID,
			SessionID: sessionID,
			CreatedAt: createdAt,
		})
	}, r.logger)
}

// LinkRegister records that callingExec triggered triggeredExec. Idempotent
// upsert keyed on the pair; stable after first write.
func (r *Registry) LinkRegister(ctx context.Context, userID, projectID, callingExecID, triggeredExecID, sessionID string, createdAt time.Time) error {
	if strings.TrimSpace(callingExecID) == "" || strings.TrimSpace(triggeredExecID) == "" {
		return fmt.Errorf("callingExecId and triggeredExecId are required")
	}
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	return errors.RetryWithLog(ctx, r.retry, func(ctx context.Context) error {
		return r.execs.UpsertLink(ctx, store.ExecLink{
			UserID:        userID,
			ProjectID:     projectID,
			CallingExec:   callingExecID,
			TriggeredExec: triggeredExecID,
			SessionID:     sessionID,
			CreatedAt:     createdAt,
		})
	}, r.logger)
}

// LinksByCalling lists the links a given exec triggered.
func (r *Registry) LinksByCalling(ctx context.Context, userID, projectID, callingExecID string) ([]store.ExecLink, error) {
	return r.execs.LinksByCalling(ctx, userID, projectID, callingExecID)
}

// LinkByTriggered returns the newest link whose triggeredExec matches, or
// NotFound when no parent registered the exec.
func (r *Registry) LinkByTriggered(ctx context.Context, userID, projectID, triggeredExecID string) (*store.ExecLink, error) {
	links, err := r.execs.LinksByTriggered(ctx, userID, projectID, triggeredExecID)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, &errors.NotFoundError{Resource: "exec link", Key: triggeredExecID}
	}
	// Links come back in createdAt asc order; the newest is last.
	newest := links[len(links)-1]
	return &newest, nil
}

// StatusUpdate upserts the status document for an exec. All-absent updates
// are rejected; createdAt is preserved on rewrite; updatedAt defaults to
// now. The matching registration is mirrored best-effort.
func (r *Registry) StatusUpdate(ctx context.Context, userID, projectID, execID string, update StatusUpdate) (*store.ExecStatus, error) {
	if strings.TrimSpace(execID) == "" {
		return nil, fmt.Errorf("execId is required")
	}
	if update.empty() {
		return nil, fmt.Errorf("status update for %s carries no fields", execID)
	}

	updatedAt := r.now()
	if update.Updated != nil {
		updatedAt = *update.Updated
	}

	doc := store.ExecStatus{
		UserID:    userID,
		ProjectID: projectID,
		ExecID:    execID,
		Status:    update.Status,
		Result:    update.Result,
		Error:     update.Error,
		Ended:     update.Ended,
		Workflow:  update.Workflow,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}

	stored, err := errors.RetryWithResultAndLog(ctx, r.retry, func(ctx context.Context) (*store.ExecStatus, error) {
		return r.execs.UpsertStatus(ctx, doc)
	}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("upsert status for %s: %w", execID, err)
	}

	if mirrorErr := r.execs.MirrorReg(ctx, userID, projectID, execID, update.Status, update.Ended, updatedAt); mirrorErr != nil {
		r.logger.Warn("Mirror onto exec %s skipped: %v", execID, mirrorErr)
	}
	return stored, nil
}

// Status returns the status document for one exec.
func (r *Registry) Status(ctx context.Context, userID, projectID, execID string) (*store.ExecStatus, error) {
	return r.execs.GetStatus(ctx, userID, projectID, execID)
}

// LatestStatuses returns the merged status view of the newest executions in
// a session. An exec whose status fetch fails is reported as UNKNOWN with
// the failure attached, never dropped.
func (r *Registry) LatestStatuses(ctx context.Context, userID, projectID, sessionID string, limit int) ([]MergedStatus, error) {
	if limit <= 0 {
		limit = defaultStatusLimit
	}
	if limit > maxStatusLimit {
		limit = maxStatusLimit
	}

	regs, err := r.execs.RegsBySession(ctx, userID, projectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list execs for session %s: %w", sessionID, err)
	}
	if len(regs) > limit {
		regs = regs[:limit]
	}

	merged := make([]MergedStatus, 0, len(regs))
	for _, reg := range regs {
		entry := MergedStatus{
			ExecID:    reg.ExecID,
			SessionID: reg.SessionID,
			Status:    statusUnknown,
			CreatedAt: reg.CreatedAt,
		}
		status, err := r.execs.GetStatus(ctx, userID, projectID, reg.ExecID)
		switch {
		case err == nil:
			if status.Status != "" {
				entry.Status = status.Status
			}
			entry.Result = status.Result
			entry.Error = status.Error
			if status.Ended != nil {
				entry.Ended = *status.Ended
			}
			entry.Workflow = status.Workflow
			entry.UpdatedAt = status.UpdatedAt
		case errors.IsNotFound(err):
			// No status reported yet; UNKNOWN stands.
		default:
			r.logger.Warn("Status fetch for exec %s failed: %v", reg.ExecID, err)
			entry.Error = err.Error()
		}
		merged = append(merged, entry)
	}
	return merged, nil
}

// Tree derives the execution forest for a session. Roots are execs no link
// triggered; when every exec is someone's child (a cycle), the newest
// registration is taken as the root. With latestOnly the single tree rooted
// at the newest registration is returned.
func (r *Registry) Tree(ctx context.Context, userID, projectID, sessionID string, latestOnly bool) ([]*TreeNode, error) {
	regs, err := r.execs.RegsBySession(ctx, userID, projectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list execs for session %s: %w", sessionID, err)
	}
	if len(regs) == 0 {
		return nil, nil
	}
	links, err := r.execs.LinksBySession(ctx, userID, projectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list links for session %s: %w", sessionID, err)
	}

	known := make(map[string]store.ExecReg, len(regs))
	for _, reg := range regs {
		known[reg.ExecID] = reg
	}

	// Links arrive in createdAt asc order, which fixes child ordering.
	children := make(map[string][]store.ExecLink)
	triggered := make(map[string]bool)
	for _, link := range links {
		children[link.CallingExec] = append(children[link.CallingExec], link)
		triggered[link.TriggeredExec] = true
	}

	var build func(execID string, visited map[string]bool) *TreeNode
	build = func(execID string, visited map[string]bool) *TreeNode {
		reg, ok := known[execID]
		if !ok || visited[execID] {
			return nil
		}
		visited[execID] = true
		node := &TreeNode{
			ExecID:    reg.ExecID,
			Status:    reg.Status,
			Ended:     reg.Ended,
			CreatedAt: reg.CreatedAt,
			UpdatedAt: reg.UpdatedAt,
		}
		for _, link := range children[execID] {
			if child := build(link.TriggeredExec, visited); child != nil {
				node.Children = append(node.Children, child)
			}
		}
		return node
	}

	if latestOnly {
		// regs are newest-first.
		root := build(regs[0].ExecID, make(map[string]bool))
		if root == nil {
			return nil, nil
		}
		return []*TreeNode{root}, nil
	}

	var roots []store.ExecReg
	for _, reg := range regs {
		if !triggered[reg.ExecID] {
			roots = append(roots, reg)
		}
	}
	if len(roots) == 0 {
		roots = regs[:1]
	}

	// regs come newest-first, so the forest is already sorted by root
	// createdAt desc.
	forest := make([]*TreeNode, 0, len(roots))
	visited := make(map[string]bool)
	for _, reg := range roots {
		if node := build(reg.ExecID, visited); node != nil {
			forest = append(forest, node)
		}
	}
	return forest, nil
}
