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

// LockStore implements the consumer-lock document store on Postgres.
type LockStore struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewLockStore constructs a Postgres-backed lock store.
func NewLockStore(pool *pgxpool.Pool) *LockStore {
	return &LockStore{
		pool:   pool,
		logger: logging.NewComponentLogger("LockPGStore"),
	}
}

// Acquire transactionally claims the lock when the row is absent or the
// lease has expired. The advisory lock serializes racing acquisitions even
// when no row exists yet for FOR UPDATE to pin; exactly one wins per
// expiry window.
func (s *LockStore) Acquire(ctx context.Context, lock store.Lock) (bool, *store.Lock, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if s == nil || s.pool == nil {
		return false, nil, fmt.Errorf("lock store not initialized")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, nil, errors.NewTransientError(err, "")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`,
		lock.UserID, lock.ProjectID); err != nil {
		return false, nil, errors.NewTransientError(err, "")
	}

	current, err := scanLock(tx.QueryRow(ctx, fmt.Sprintf(`
SELECT user_id, project_id, consumer_id, consumer_type, lease_ms, acquired_at, runtime
FROM %s
WHERE user_id = $1 AND project_id = $2
FOR UPDATE
`, lockTable), lock.UserID, lock.ProjectID))
	if err != nil && !stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil, errors.NewTransientError(err, "")
	}

	now := time.Now()
	if current != nil && !current.Expired(now) {
		return false, current, nil
	}

	if lock.AcquiredAt.IsZero() {
		lock.AcquiredAt = now
	}
	if lock.Runtime == nil {
		lock.Runtime = map[string]any{}
	}
	runtimeJSON, err := json.Marshal(lock.Runtime)
	if err != nil {
		return false, nil, fmt.Errorf("encode runtime: %w", err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (user_id, project_id, consumer_id, consumer_type, lease_ms, acquired_at, runtime)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, project_id) DO UPDATE SET
    consumer_id = EXCLUDED.consumer_id,
    consumer_type = EXCLUDED.consumer_type,
    lease_ms = EXCLUDED.lease_ms,
    acquired_at = EXCLUDED.acquired_at,
    runtime = EXCLUDED.runtime
`, lockTable), lock.UserID, lock.ProjectID, lock.ConsumerID, string(lock.ConsumerType),
		lock.Lease.Milliseconds(), lock.AcquiredAt, runtimeJSON)
	if err != nil {
		return false, nil, errors.NewTransientError(err, "")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, errors.NewTransientError(err, "")
	}

	granted := lock
	return true, &granted, nil
}

// Get returns the current lock document.
func (s *LockStore) Get(ctx context.Context, userID, projectID string) (*store.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("lock store not initialized")
	}

	lock, err := scanLock(s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT user_id, project_id, consumer_id, consumer_type, lease_ms, acquired_at, runtime
FROM %s
WHERE user_id = $1 AND project_id = $2
`, lockTable), userID, projectID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "lock", Key: userID + "/" + projectID}
		}
		return nil, errors.NewTransientError(err, "")
	}
	return lock, nil
}

// MergeRuntime merges runtime fields into the lock document, owner-scoped.
func (s *LockStore) MergeRuntime(ctx context.Context, userID, projectID, consumerID string, runtime map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("lock store not initialized")
	}

	patch, err := json.Marshal(runtime)
	if err != nil {
		return fmt.Errorf("encode runtime patch: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET runtime = runtime || $4::jsonb
WHERE user_id = $1 AND project_id = $2 AND consumer_id = $3
`, lockTable), userID, projectID, consumerID, patch)
	if err != nil {
		return errors.NewTransientError(err, "")
	}
	return nil
}

// Renew refreshes acquiredAt, owner-scoped.
func (s *LockStore) Renew(ctx context.Context, userID, projectID, consumerID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("lock store not initialized")
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET acquired_at = $4
WHERE user_id = $1 AND project_id = $2 AND consumer_id = $3
`, lockTable), userID, projectID, consumerID, now)
	if err != nil {
		return errors.NewTransientError(err, "")
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("Renew skipped; lock not owned by %s", consumerID)
	}
	return nil
}

// Release deletes the lock, owner-scoped unless force. Missing rows are
// not an error.
func (s *LockStore) Release(ctx context.Context, userID, projectID, consumerID string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("lock store not initialized")
	}

	var err error
	if force {
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`
DELETE FROM %s WHERE user_id = $1 AND project_id = $2
`, lockTable), userID, projectID)
	} else {
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`
DELETE FROM %s WHERE user_id = $1 AND project_id = $2 AND consumer_id = $3
`, lockTable), userID, projectID, consumerID)
	}
	if err != nil {
		return errors.NewTransientError(err, "")
	}
	return nil
}

func scanLock(row pgx.Row) (*store.Lock, error) {
	var (
		lock         store.Lock
		consumerType string
		leaseMs      int64
		runtimeJSON  []byte
	)
	err := row.Scan(&lock.UserID, &lock.ProjectID, &lock.ConsumerID, &consumerType,
		&leaseMs, &lock.AcquiredAt, &runtimeJSON)
	if err != nil {
		return nil, err
	}
	lock.ConsumerType = store.ConsumerType(consumerType)
	lock.Lease = time.Duration(leaseMs) * time.Millisecond
	if len(runtimeJSON) > 0 {
		if err := json.Unmarshal(runtimeJSON, &lock.Runtime); err != nil {
			return nil, fmt.Errorf("decode runtime: %w", err)
		}
	}
	return &lock, nil
}
