package launcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbridge/internal/errors"
	"workbridge/internal/lock"
	"workbridge/internal/store"
	"workbridge/internal/store/memstore"
	"workbridge/internal/workspace"
)

// fakeContainers implements containerRunner in memory. Wait blocks until
// the test signals the container's exit.
type fakeContainers struct {
	mu        sync.Mutex
	running   map[string]bool
	exits     map[string]chan int
	failStart map[string]bool
	starts    []string
	stops     []string
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{
		running:   make(map[string]bool),
		exits:     make(map[string]chan int),
		failStart: make(map[string]bool),
	}
}

func (f *fakeContainers) Available() bool { return true }

func (f *fakeContainers) Start(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart[prefixOf(spec.Name)] {
		return "", fmt.Errorf("image pull failed for %s", spec.Image)
	}
	f.running[spec.Name] = true
	f.exits[spec.Name] = make(chan int, 1)
	f.starts = append(f.starts, spec.Name)
	return "cid-" + spec.Name, nil
}

func (f *fakeContainers) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = false
	f.stops = append(f.stops, name)
	return nil
}

func (f *fakeContainers) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeContainers) Wait(ctx context.Context, name string) (int, error) {
	f.mu.Lock()
	ch, ok := f.exits[name]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no such container %s", name)
	}
	select {
	case code := <-ch:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeContainers) exit(name string, code int) {
	f.mu.Lock()
	ch := f.exits[name]
	f.mu.Unlock()
	ch <- code
}

func (f *fakeContainers) stopped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stops {
		if s == name {
			return true
		}
	}
	return false
}

func prefixOf(name string) string {
	if i := strings.Index(name, "-"); i > 0 {
		return name[:i]
	}
	return name
}

type fakeJobs struct {
	mu         sync.Mutex
	submitted  []JobSpec
	failSubmit bool
}

func (f *fakeJobs) Submit(_ context.Context, spec JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmit {
		return "", fmt.Errorf("remote execution unavailable")
	}
	f.submitted = append(f.submitted, spec)
	return "operations/run-42", nil
}

func testLauncher(t *testing.T) (*Launcher, *fakeContainers, *fakeJobs, *lock.Manager) {
	t.Helper()
	locks := lock.NewManager(memstore.NewLockStore())
	workspaces := workspace.NewManager(memstore.NewWorkspaceStore(), 5*time.Minute)
	containers := newFakeContainers()
	jobs := &fakeJobs{}
	l := NewLauncher(locks, workspaces, containers, jobs, Config{
		UpstreamBaseURL: "https://upstream.example.com",
		ProducerImage:   "registry.example.com/producer:latest",
		ConsumerImage:   "registry.example.com/consumer:latest",
		ConsumerPort:    8080,
		DefaultLease:    time.Minute,
		MaxLease:        10 * time.Minute,
	})
	t.Cleanup(l.Shutdown)
	return l, containers, jobs, locks
}

func TestStart_LocalSandboxWithSidecar(t *testing.T) {
	l, containers, _, locks := testLauncher(t)
	ctx := context.Background()

	result, err := l.Start(ctx, StartOptions{
		UserID: "u1", ProjectID: "p1", SessionID: "s1",
		Mode: ModeLocalSandbox, ConsumerSidecar: true,
	})
	require.NoError(t, err)
	require.True(t, result.OK)
	assert.True(t, strings.HasPrefix(result.ConsumerID, "producer-"))
	assert.NotEmpty(t, result.WorkspaceID)

	containers.mu.Lock()
	starts := append([]string(nil), containers.starts...)
	containers.mu.Unlock()
	require.Len(t, starts, 2)
	assert.True(t, strings.HasPrefix(starts[0], "sse-consumer-"), "sidecar starts before the producer")
	assert.True(t, strings.HasPrefix(starts[1], "producer-"))
	assert.LessOrEqual(t, len(starts[0]), 63)
	assert.LessOrEqual(t, len(starts[1]), 63)

	held, err := locks.Get(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, result.ConsumerID, held.ConsumerID)
	assert.Equal(t, "local-sandbox", held.Runtime["mode"])
	assert.Equal(t, starts[1], held.Runtime["producerContainer"])
}

func TestStart_ConflictStartsNothing(t *testing.T) {
	l, containers, _, _ := testLauncher(t)
	ctx := context.Background()

	first, err := l.Start(ctx, StartOptions{UserID: "u1", ProjectID: "p1", Mode: ModeLocalSandbox})
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := l.Start(ctx, StartOptions{UserID: "u1", ProjectID: "p1", Mode: ModeLocalSandbox})
	require.NoError(t, err)
	assert.False(t, second.OK)
	require.NotNil(t, second.Conflict)
	assert.Equal(t, first.ConsumerID, second.Conflict.CurrentConsumerID)

	containers.mu.Lock()
	defer containers.mu.Unlock()
	assert.Len(t, containers.starts, 1, "the losing start launches nothing")
}

func TestStart_ProducerFailureReleasesLock(t *testing.T) {
	l, containers, _, locks := testLauncher(t)
	ctx := context.Background()

	containers.failStart["producer"] = true
	_, err := l.Start(ctx, StartOptions{
		UserID: "u1", ProjectID: "p1",
		Mode: ModeLocalSandbox, ConsumerSidecar: true,
	})
	require.Error(t, err)

	// The lock must not be orphaned by the failed start.
	_, err = locks.Get(ctx, "u1", "p1")
	require.Error(t, err)

	result, err := l.Start(ctx, StartOptions{UserID: "u1", ProjectID: "p1", Mode: ModeRemoteJob})
	require.NoError(t, err)
	assert.True(t, result.OK, "project is immediately startable again")
}

func TestStart_RemoteJob(t *testing.T) {
	l, _, jobs, locks := testLauncher(t)
	ctx := context.Background()

	result, err := l.Start(ctx, StartOptions{
		UserID: "u1", ProjectID: "p1",
		Mode: ModeRemoteJob, ConsumerSidecar: true,
		Lease: time.Hour, // clamped to MaxLease
	})
	require.NoError(t, err)
	require.True(t, result.OK)
	assert.Equal(t, "operations/run-42", result.Runtime["operation"])

	jobs.mu.Lock()
	require.Len(t, jobs.submitted, 1)
	spec := jobs.submitted[0]
	jobs.mu.Unlock()
	assert.Equal(t, result.ConsumerID, spec.ConsumerID)
	assert.Equal(t, "http://localhost:8080", spec.Env["CONSUMER_BASE_URL"])
	assert.Equal(t, fmt.Sprintf("%d", (10*time.Minute).Milliseconds()), spec.Env["LEASE_MS"])

	held, err := locks.Get(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, held.Lease)
}

func TestExitMonitor_StopsSidecarAndReleasesLock(t *testing.T) {
	l, containers, _, locks := testLauncher(t)
	ctx := context.Background()

	result, err := l.Start(ctx, StartOptions{
		UserID: "u1", ProjectID: "p1",
		Mode: ModeLocalSandbox, ConsumerSidecar: true,
	})
	require.NoError(t, err)
	producer := result.Runtime["producerContainer"].(string)
	sidecar := result.Runtime["consumerContainer"].(string)

	containers.exit(producer, 0)

	require.Eventually(t, func() bool {
		_, err := locks.Get(ctx, "u1", "p1")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "lock released after producer exit")
	assert.True(t, containers.stopped(sidecar))
}

func TestStop_LocalStopsContainersAndReleases(t *testing.T) {
	l, containers, _, locks := testLauncher(t)
	ctx := context.Background()

	result, err := l.Start(ctx, StartOptions{
		UserID: "u1", ProjectID: "p1",
		Mode: ModeLocalSandbox, ConsumerSidecar: true,
	})
	require.NoError(t, err)
	producer := result.Runtime["producerContainer"].(string)
	sidecar := result.Runtime["consumerContainer"].(string)

	stop, err := l.Stop(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, stop.OK)
	assert.Equal(t, "local-sandbox", stop.Mode)
	assert.Equal(t, []string{"producer stopped", "sidecar stopped", "lock released"}, stop.Results)
	assert.True(t, containers.stopped(producer))
	assert.True(t, containers.stopped(sidecar))

	_, err = locks.Get(ctx, "u1", "p1")
	require.Error(t, err)

	// Second stop is an idempotent no-op.
	stop, err = l.Stop(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, stop.OK)
	assert.Equal(t, "no active lock", stop.Detail)
}

func TestStop_RemoteMarksStopRequestedAndReleases(t *testing.T) {
	l, _, _, locks := testLauncher(t)
	ctx := context.Background()

	_, err := l.Start(ctx, StartOptions{UserID: "u1", ProjectID: "p1", Mode: ModeRemoteJob})
	require.NoError(t, err)

	stop, err := l.Stop(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, stop.OK)
	assert.Equal(t, "remote-job", stop.Mode)
	assert.Contains(t, stop.Results, "stopRequested recorded")

	_, err = locks.Get(ctx, "u1", "p1")
	require.Error(t, err, "remote stop force-releases without waiting for the job")
}

func TestStop_NoLockIsOK(t *testing.T) {
	l, _, _, _ := testLauncher(t)
	stop, err := l.Stop(context.Background(), "u1", "p-idle")
	require.NoError(t, err)
	assert.True(t, stop.OK)
	assert.Equal(t, "no active lock", stop.Detail)
}

// failingLockStore breaks lock reads; the rest of the contract is unused.
type failingLockStore struct{ store.LockStore }

func (failingLockStore) Get(context.Context, string, string) (*store.Lock, error) {
	return nil, errors.NewTransientError(fmt.Errorf("connection reset"), "")
}

func TestStop_StorageFailureIsAnError(t *testing.T) {
	locks := lock.NewManager(failingLockStore{})
	workspaces := workspace.NewManager(memstore.NewWorkspaceStore(), 5*time.Minute)
	containers := newFakeContainers()
	l := NewLauncher(locks, workspaces, containers, nil, Config{DefaultLease: time.Minute, MaxLease: time.Hour})
	t.Cleanup(l.Shutdown)

	// A broken store must not report a clean "nothing running" stop.
	_, err := l.Stop(context.Background(), "u1", "p1")
	require.Error(t, err)

	containers.mu.Lock()
	defer containers.mu.Unlock()
	assert.Empty(t, containers.stops)
}

func TestTruncateName(t *testing.T) {
	long := "sse-consumer-" + strings.Repeat("x", 80)
	assert.Len(t, TruncateName(long), 63)
	assert.Equal(t, "short", TruncateName("short"))
}
