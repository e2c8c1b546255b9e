package pgstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbridge/internal/store"
)

// testPool connects to the database named by TEST_DATABASE_URL; without
// it the integration tests are skipped.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(context.Background(), pool))
	return pool
}

func TestAcquire_ConcurrentFirstClaimHasOneWinner(t *testing.T) {
	pool := testPool(t)
	locks := NewLockStore(pool)
	ctx := context.Background()

	userID := "u-" + uuid.NewString()
	projectID := "p-" + uuid.NewString()

	const racers = 8
	var wg sync.WaitGroup
	winners := make([]string, 0, racers)
	var mu sync.Mutex

	for i := 0; i < racers; i++ {
		consumerID := "producer-" + uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired, _, err := locks.Acquire(ctx, store.Lock{
				UserID:       userID,
				ProjectID:    projectID,
				ConsumerID:   consumerID,
				ConsumerType: store.ConsumerTypeLocal,
				Lease:        time.Minute,
			})
			if !assert.NoError(t, err) {
				return
			}
			if acquired {
				mu.Lock()
				winners = append(winners, consumerID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1, "racing first-time acquires must produce exactly one winner")

	current, err := locks.Get(ctx, userID, projectID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], current.ConsumerID)

	require.NoError(t, locks.Release(ctx, userID, projectID, winners[0], false))
}

func TestAcquire_ExpiredLeaseIsTakenOver(t *testing.T) {
	pool := testPool(t)
	locks := NewLockStore(pool)
	ctx := context.Background()

	userID := "u-" + uuid.NewString()
	projectID := "p-" + uuid.NewString()

	acquired, _, err := locks.Acquire(ctx, store.Lock{
		UserID:       userID,
		ProjectID:    projectID,
		ConsumerID:   "first",
		ConsumerType: store.ConsumerTypeLocal,
		Lease:        time.Millisecond,
		AcquiredAt:   time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, holder, err := locks.Acquire(ctx, store.Lock{
		UserID:       userID,
		ProjectID:    projectID,
		ConsumerID:   "second",
		ConsumerType: store.ConsumerTypeCloud,
		Lease:        time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, acquired, "an expired lease is free for the taking")
	assert.Equal(t, "second", holder.ConsumerID)

	require.NoError(t, locks.Release(ctx, userID, projectID, "second", false))
}
