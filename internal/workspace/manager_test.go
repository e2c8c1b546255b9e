package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbridge/internal/store/memstore"
)

func TestResolve_CreatesThenReuses(t *testing.T) {
	m := NewManager(memstore.NewWorkspaceStore(), 5*time.Minute)
	ctx := context.Background()

	first, err := m.Resolve(ctx, "u1", "p1", "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, first.WorkspaceID)

	second, err := m.Resolve(ctx, "u1", "p1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.WorkspaceID, second.WorkspaceID)
}

func TestResolve_DistinctSessionsGetDistinctWorkspaces(t *testing.T) {
	m := NewManager(memstore.NewWorkspaceStore(), 5*time.Minute)
	ctx := context.Background()

	a, err := m.Resolve(ctx, "u1", "p1", "sess-a")
	require.NoError(t, err)
	b, err := m.Resolve(ctx, "u1", "p1", "sess-b")
	require.NoError(t, err)
	assert.NotEqual(t, a.WorkspaceID, b.WorkspaceID)
}

func TestResolve_StaleWorkspaceReplaced(t *testing.T) {
	m := NewManager(memstore.NewWorkspaceStore(), 5*time.Minute)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	first, err := m.Resolve(ctx, "u1", "p1", "sess-1")
	require.NoError(t, err)

	// Past the TTL with no heartbeat, the old workspace is abandoned.
	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	second, err := m.Resolve(ctx, "u1", "p1", "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.WorkspaceID, second.WorkspaceID)
}

func TestHeartbeat_KeepsWorkspaceLive(t *testing.T) {
	m := NewManager(memstore.NewWorkspaceStore(), 5*time.Minute)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	first, err := m.Resolve(ctx, "u1", "p1", "sess-1")
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(4 * time.Minute) }
	m.Heartbeat(ctx, "u1", "p1", first.WorkspaceID)

	m.now = func() time.Time { return base.Add(7 * time.Minute) }
	second, err := m.Resolve(ctx, "u1", "p1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.WorkspaceID, second.WorkspaceID)
}

func TestHeartbeat_UnknownWorkspaceIsSwallowed(t *testing.T) {
	m := NewManager(memstore.NewWorkspaceStore(), 5*time.Minute)
	m.Heartbeat(context.Background(), "u1", "p1", "no-such-workspace")
}

func TestResolve_EmptySessionIsProjectWide(t *testing.T) {
	m := NewManager(memstore.NewWorkspaceStore(), 5*time.Minute)
	ctx := context.Background()

	first, err := m.Resolve(ctx, "u1", "p1", "")
	require.NoError(t, err)
	require.NotEmpty(t, first.WorkspaceID)

	second, err := m.Resolve(ctx, "u1", "p1", "")
	require.NoError(t, err)
	assert.Equal(t, first.WorkspaceID, second.WorkspaceID)

	// Session-scoped workspaces stay distinct from the project-wide one.
	scoped, err := m.Resolve(ctx, "u1", "p1", "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.WorkspaceID, scoped.WorkspaceID)
}
