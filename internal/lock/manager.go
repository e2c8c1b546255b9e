// Package lock implements the per-project consumer lock: a leased
// mutual-exclusion document with TTL expiry, owner-scoped release and an
// attached runtime descriptor.
package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
	"workbridge/internal/store"
)

// Conflict describes the current holder when an acquisition loses.
type Conflict struct {
	CurrentConsumerID string        `json:"currentConsumerId"`
	AcquiredAt        time.Time     `json:"acquiredAt"`
	Lease             time.Duration `json:"leaseMs"`
}

// AcquireResult is the outcome of an acquisition attempt.
type AcquireResult struct {
	OK       bool
	Lock     *store.Lock
	Conflict *Conflict
}

// Manager wraps the lock store with validation and bounded retries.
type Manager struct {
	locks  store.LockStore
	retry  errors.RetryConfig
	logger *logging.Logger
}

// NewManager creates a lock manager over the given store.
func NewManager(locks store.LockStore) *Manager {
	return &Manager{
		locks:  locks,
		retry:  errors.DefaultRetryConfig(),
		logger: logging.NewComponentLogger("LockManager"),
	}
}

// Acquire attempts to claim the project lock. Exactly one caller wins per
// expiry window; losers get the current holder back. Transient storage
// errors are retried; exhausting retries is a fatal acquire error.
func (m *Manager) Acquire(ctx context.Context, userID, projectID, consumerID string, lease time.Duration, consumerType store.ConsumerType) (*AcquireResult, error) {
	if err := validateScope(userID, projectID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(consumerID) == "" {
		return nil, fmt.Errorf("consumerId is required")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("leaseMs must be positive")
	}

	type outcome struct {
		acquired bool
		holder   *store.Lock
	}

	result, err := errors.RetryWithResultAndLog(ctx, m.retry, func(ctx context.Context) (outcome, error) {
		acquired, holder, err := m.locks.Acquire(ctx, store.Lock{
			UserID:       userID,
			ProjectID:    projectID,
			ConsumerID:   consumerID,
			ConsumerType: consumerType,
			Lease:        lease,
			Runtime:      map[string]any{},
		})
		if err != nil {
			return outcome{}, err
		}
		return outcome{acquired: acquired, holder: holder}, nil
	}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s/%s: %w", userID, projectID, err)
	}

	if !result.acquired {
		m.logger.Info("Lock %s/%s held by %s", userID, projectID, result.holder.ConsumerID)
		return &AcquireResult{
			OK: false,
			Conflict: &Conflict{
				CurrentConsumerID: result.holder.ConsumerID,
				AcquiredAt:        result.holder.AcquiredAt,
				Lease:             result.holder.Lease,
			},
		}, nil
	}

	m.logger.Info("Lock %s/%s acquired by %s (lease %s)", userID, projectID, consumerID, lease)
	return &AcquireResult{OK: true, Lock: result.holder}, nil
}

// SetRuntime merges runtime fields into the lock document. A caller that
// no longer owns the lock is a silent no-op.
func (m *Manager) SetRuntime(ctx context.Context, userID, projectID, consumerID string, runtime map[string]any) error {
	if err := validateScope(userID, projectID); err != nil {
		return err
	}
	return errors.RetryWithLog(ctx, m.retry, func(ctx context.Context) error {
		return m.locks.MergeRuntime(ctx, userID, projectID, consumerID, runtime)
	}, m.logger)
}

// Get returns the current lock document, or NotFound.
func (m *Manager) Get(ctx context.Context, userID, projectID string) (*store.Lock, error) {
	if err := validateScope(userID, projectID); err != nil {
		return nil, err
	}
	return m.locks.Get(ctx, userID, projectID)
}

// Release deletes the lock. Owner-scoped unless force; idempotent and
// best-effort: failures are logged, never fatal.
func (m *Manager) Release(ctx context.Context, userID, projectID, consumerID string, force bool) {
	if err := validateScope(userID, projectID); err != nil {
		m.logger.Warn("Release skipped: %v", err)
		return
	}
	if err := m.locks.Release(ctx, userID, projectID, consumerID, force); err != nil {
		m.logger.Warn("Release %s/%s failed: %v", userID, projectID, err)
		return
	}
	m.logger.Info("Lock %s/%s released (force=%v)", userID, projectID, force)
}

// Renew refreshes the lease from the owner's heartbeat.
func (m *Manager) Renew(ctx context.Context, userID, projectID, consumerID string) error {
	if err := validateScope(userID, projectID); err != nil {
		return err
	}
	return errors.RetryWithLog(ctx, m.retry, func(ctx context.Context) error {
		return m.locks.Renew(ctx, userID, projectID, consumerID, time.Now())
	}, m.logger)
}

func validateScope(userID, projectID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("userId is required")
	}
	if strings.TrimSpace(projectID) == "" {
		return fmt.Errorf("projectId is required")
	}
	return nil
}
