package pgstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
	"workbridge/internal/store"
)

// ExecStore implements the exec lineage store on Postgres.
type ExecStore struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewExecStore constructs a Postgres-backed exec store.
func NewExecStore(pool *pgxpool.Pool) *ExecStore {
	return &ExecStore{
		pool:   pool,
		logger: logging.NewComponentLogger("ExecPGStore"),
	}
}

// CreateReg registers an execution; duplicates are idempotent.
func (s *ExecStore) CreateReg(ctx context.Context, reg store.ExecReg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("exec store not initialized")
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (user_id, project_id, exec_id, session_id, created_at, status, ended, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id, project_id, exec_id) DO NOTHING
`, regTable), reg.UserID, reg.ProjectID, reg.ExecID, reg.SessionID, reg.CreatedAt,
		reg.Status, reg.Ended, nullableTime(reg.UpdatedAt))
	if err != nil {
		return errors.NewTransientError(err, "")
	}
	return nil
}

// GetReg returns a registration by exec id.
func (s *ExecStore) GetReg(ctx context.Context, userID, projectID, execID string) (*store.ExecReg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("exec store not initialized")
	}

	reg, err := scanReg(s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT user_id, project_id, exec_id, session_id, created_at, status, ended, updated_at
FROM %s
WHERE user_id = $1 AND project_id = $2 AND exec_id = $3
`, regTable), userID, projectID, execID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "exec", Key: execID}
		}
		return nil, errors.NewTransientError(err, "")
	}
	return reg, nil
}

// RegsBySession lists registrations for a session, newest first.
func (s *ExecStore) RegsBySession(ctx context.Context, userID, projectID, sessionID string) ([]store.ExecReg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("exec store not initialized")
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT user_id, project_id, exec_id, session_id, created_at, status, ended, updated_at
FROM %s
WHERE user_id = $1 AND project_id = $2 AND session_id = $3
ORDER BY created_at DESC
`, regTable), userID, projectID, sessionID)
	if err != nil {
		return nil, errors.NewTransientError(err, "")
	}
	defer rows.Close()

	var regs []store.ExecReg
	for rows.Next() {
		reg, err := scanReg(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientError(err, "")
	}
	return regs, nil
}

// MirrorReg copies status fields onto the registration.
func (s *ExecStore) MirrorReg(ctx context.Context, userID, projectID, execID, status string, ended *bool, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("exec store not initialized")
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET
    status = CASE WHEN $4 = '' THEN status ELSE $4 END,
    ended = COALESCE($5::boolean, ended),
    updated_at = $6
WHERE user_id = $1 AND project_id = $2 AND exec_id = $3
`, regTable), userID, projectID, execID, status, ended, updatedAt)
	if err != nil {
		return errors.NewTransientError(err, "")
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "exec", Key: execID}
	}
	return nil
}

// UpsertStatus writes the status document, preserving createdAt and any
// previously reported fields the update leaves unset.
func (s *ExecStore) UpsertStatus(ctx context.Context, status store.ExecStatus) (*store.ExecStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("exec store not initialized")
	}

	resultJSON, err := nullableJSON(status.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	errorJSON, err := nullableJSON(status.Error)
	if err != nil {
		return nil, fmt.Errorf("encode error: %w", err)
	}
	workflowJSON, err := nullableJSON(status.Workflow)
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
INSERT INTO %s (user_id, project_id, exec_id, status, result, error, ended, workflow, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id, project_id, exec_id) DO UPDATE SET
    status = CASE WHEN EXCLUDED.status = '' THEN %[1]s.status ELSE EXCLUDED.status END,
    result = COALESCE(EXCLUDED.result, %[1]s.result),
    error = COALESCE(EXCLUDED.error, %[1]s.error),
    ended = COALESCE(EXCLUDED.ended, %[1]s.ended),
    workflow = COALESCE(EXCLUDED.workflow, %[1]s.workflow),
    updated_at = EXCLUDED.updated_at
RETURNING user_id, project_id, exec_id, status, result, error, ended, workflow, created_at, updated_at
`, statusTable), status.UserID, status.ProjectID, status.ExecID, status.Status,
		resultJSON, errorJSON, status.Ended, workflowJSON, status.CreatedAt, status.UpdatedAt)

	stored, err := scanStatus(row)
	if err != nil {
		return nil, errors.NewTransientError(err, "")
	}
	return stored, nil
}

// GetStatus returns the status document for an exec.
func (s *ExecStore) GetStatus(ctx context.Context, userID, projectID, execID string) (*store.ExecStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("exec store not initialized")
	}

	status, err := scanStatus(s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT user_id, project_id, exec_id, status, result, error, ended, workflow, created_at, updated_at
FROM %s
WHERE user_id = $1 AND project_id = $2 AND exec_id = $3
`, statusTable), userID, projectID, execID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "exec status", Key: execID}
		}
		return nil, errors.NewTransientError(err, "")
	}
	return status, nil
}

// UpsertLink writes the link document idempotently.
func (s *ExecStore) UpsertLink(ctx context.Context, link store.ExecLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("exec store not initialized")
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (user_id, project_id, calling_exec, triggered_exec, session_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, project_id, calling_exec, triggered_exec) DO UPDATE SET
    session_id = CASE WHEN %[1]s.session_id = '' THEN EXCLUDED.session_id ELSE %[1]s.session_id END
`, linkTable), link.UserID, link.ProjectID, link.CallingExec, link.TriggeredExec,
		link.SessionID, link.CreatedAt)
	if err != nil {
		return errors.NewTransientError(err, "")
	}
	return nil
}

func (s *ExecStore) queryLinks(ctx context.Context, where string, args ...any) ([]store.ExecLink, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT user_id, project_id, calling_exec, triggered_exec, session_id, created_at
FROM %s
WHERE %s
ORDER BY created_at ASC
`, linkTable, where), args...)
	if err != nil {
		return nil, errors.NewTransientError(err, "")
	}
	defer rows.Close()

	var links []store.ExecLink
	for rows.Next() {
		var link store.ExecLink
		if err := rows.Scan(&link.UserID, &link.ProjectID, &link.CallingExec,
			&link.TriggeredExec, &link.SessionID, &link.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientError(err, "")
	}
	return links, nil
}

// LinksByCalling lists links whose callingExec matches.
func (s *ExecStore) LinksByCalling(ctx context.Context, userID, projectID, callingExecID string) ([]store.ExecLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("exec store not initialized")
	}
	return s.queryLinks(ctx, "user_id = $1 AND project_id = $2 AND calling_exec = $3",
		userID, projectID, callingExecID)
}

// LinksByTriggered lists links whose triggeredExec matches.
func (s *ExecStore) LinksByTriggered(ctx context.Context, userID, projectID, triggeredExecID string) ([]store.ExecLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("exec store not initialized")
	}
	return s.queryLinks(ctx, "user_id = $1 AND project_id = $2 AND triggered_exec = $3",
		userID, projectID, triggeredExecID)
}

// LinksBySession lists links for a session.
func (s *ExecStore) LinksBySession(ctx context.Context, userID, projectID, sessionID string) ([]store.ExecLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("exec store not initialized")
	}
	return s.queryLinks(ctx, "user_id = $1 AND project_id = $2 AND session_id = $3",
		userID, projectID, sessionID)
}

func scanReg(row pgx.Row) (*store.ExecReg, error) {
	var (
		reg       store.ExecReg
		updatedAt *time.Time
	)
	err := row.Scan(&reg.UserID, &reg.ProjectID, &reg.ExecID, &reg.SessionID,
		&reg.CreatedAt, &reg.Status, &reg.Ended, &updatedAt)
	if err != nil {
		return nil, err
	}
	if updatedAt != nil {
		reg.UpdatedAt = *updatedAt
	}
	return &reg, nil
}

func scanStatus(row pgx.Row) (*store.ExecStatus, error) {
	var (
		status       store.ExecStatus
		resultJSON   []byte
		errorJSON    []byte
		workflowJSON []byte
	)
	err := row.Scan(&status.UserID, &status.ProjectID, &status.ExecID, &status.Status,
		&resultJSON, &errorJSON, &status.Ended, &workflowJSON, &status.CreatedAt, &status.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &status.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		if err := json.Unmarshal(errorJSON, &status.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	if len(workflowJSON) > 0 {
		if err := json.Unmarshal(workflowJSON, &status.Workflow); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
	}
	return &status, nil
}

func nullableJSON(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
