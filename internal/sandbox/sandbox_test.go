package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbridge/internal/errors"
)

func testSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	base := t.TempDir()
	s := New(base, "{projectId}/{workspaceId}", Limits{
		ReadFileMaxBytes:  64,
		OutputMaxBytes:    32,
		RunCommandTimeout: 2 * time.Second,
	})
	root, err := s.WorkRoot(Scope{UserID: "u1", ProjectID: "p1", WorkspaceID: "w1", SessionID: "s1"})
	require.NoError(t, err)
	return s, root
}

func TestRenderPrefix(t *testing.T) {
	scope := Scope{UserID: "u1", ProjectID: "p1", WorkspaceID: "w1", SessionID: "s1"}

	assert.Equal(t, "p1/w1", RenderPrefix("{projectId}/{workspaceId}", scope))
	assert.Equal(t, "u1-s1", RenderPrefix("{userId}-{sessionId}", scope))
	// Unknown tokens render empty rather than erroring.
	assert.Equal(t, "p1/", RenderPrefix("{projectId}/{bogus}", scope))
	assert.Equal(t, "static", RenderPrefix("static", scope))
}

func TestWorkRoot_CreatesDirectory(t *testing.T) {
	_, root := testSandbox(t)
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, strings.HasSuffix(filepath.ToSlash(root), "p1/w1"))
}

func TestResolveWithin_RejectsEscapes(t *testing.T) {
	_, root := testSandbox(t)

	for _, rel := range []string{
		"/etc/passwd",
		"../outside.txt",
		"a/../../outside.txt",
		"",
	} {
		_, err := ResolveWithin(root, rel)
		require.Error(t, err, "path %q must be rejected", rel)
		assert.Equal(t, "path_escape", errors.ToolCode(err))
	}

	// Dot segments that stay inside are fine.
	path, err := ResolveWithin(root, "a/b/../c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "c.txt"), path)
}

func TestResolveWithin_RejectsSymlinkEscapes(t *testing.T) {
	s, root := testSandbox(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))

	// A command could plant these; neither may smuggle reads or writes out.
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linkdir")))

	for _, rel := range []string{"link.txt", "linkdir/secret.txt", "linkdir/new.txt"} {
		_, err := ResolveWithin(root, rel)
		require.Error(t, err, "path %q must be rejected", rel)
		assert.Equal(t, "path_escape", errors.ToolCode(err))
	}

	_, err := s.ReadFile(root, "link.txt")
	require.Error(t, err)
	assert.Equal(t, "path_escape", errors.ToolCode(err))

	// A symlink pointing back inside the root stays usable.
	require.NoError(t, os.WriteFile(filepath.Join(root, "inside.txt"), []byte("ok"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "inside.txt"), filepath.Join(root, "alias.txt")))
	result, err := s.ReadFile(root, "alias.txt")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
}

func TestReadFile_NotFound(t *testing.T) {
	s, root := testSandbox(t)
	_, err := s.ReadFile(root, "missing.txt")
	require.Error(t, err)
	assert.Equal(t, "not_found", errors.ToolCode(err))
}

func TestReadFile_CapAndTruncation(t *testing.T) {
	s, root := testSandbox(t)

	exact := strings.Repeat("x", 64)
	require.NoError(t, os.WriteFile(filepath.Join(root, "exact.txt"), []byte(exact), 0o644))
	result, err := s.ReadFile(root, "exact.txt")
	require.NoError(t, err)
	assert.Equal(t, exact, result.Content)
	assert.False(t, result.Truncated, "a file exactly at the cap is not truncated")

	over := strings.Repeat("y", 65)
	require.NoError(t, os.WriteFile(filepath.Join(root, "over.txt"), []byte(over), 0o644))
	result, err = s.ReadFile(root, "over.txt")
	require.NoError(t, err)
	assert.Len(t, result.Content, 64)
	assert.True(t, result.Truncated)
}

func TestUpdateFile_CreatesParentsAtomically(t *testing.T) {
	s, root := testSandbox(t)

	result, err := s.UpdateFile(root, "deep/nested/file.txt", "hello")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 5, result.Bytes)
	assert.Greater(t, result.MtimeMs, int64(0))

	data, err := os.ReadFile(filepath.Join(root, "deep", "nested", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(root, "deep", "nested", "file.txt.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestUpdateFile_ReplacesExisting(t *testing.T) {
	s, root := testSandbox(t)

	_, err := s.UpdateFile(root, "file.txt", "old content")
	require.NoError(t, err)
	result, err := s.UpdateFile(root, "file.txt", "new")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Bytes)

	data, err := os.ReadFile(filepath.Join(root, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRunCommand_ExitCodesAndCwd(t *testing.T) {
	s, root := testSandbox(t)
	ctx := context.Background()

	result, err := s.RunCommand(ctx, root, "pwd")
	require.NoError(t, err)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	resolved, _ := filepath.EvalSymlinks(root)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(result.Output), filepath.Base(resolved)))

	result, err = s.RunCommand(ctx, root, "exit 7")
	require.NoError(t, err)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 7, *result.ExitCode)
}

func TestRunCommand_TimeoutNullsExitCode(t *testing.T) {
	s, root := testSandbox(t)
	s.limits.RunCommandTimeout = 200 * time.Millisecond

	result, err := s.RunCommand(context.Background(), root, "sleep 5")
	require.NoError(t, err)
	assert.Nil(t, result.ExitCode)
	assert.Equal(t, "timeout", result.Error)
}

func TestRunCommand_OutputCapDropsOldest(t *testing.T) {
	s, root := testSandbox(t)

	// 40 chars of output against a 32-byte cap: the head is dropped.
	result, err := s.RunCommand(context.Background(), root, "printf '0123456789%.0s' 1 2 3 4")
	require.NoError(t, err)
	assert.Len(t, result.Output, 32)
	assert.True(t, strings.HasSuffix(result.Output, "0123456789"))
}

func TestTailBuffer(t *testing.T) {
	buf := newTailBuffer(8)
	buf.Write([]byte("abcd"))
	assert.Equal(t, "abcd", buf.String())
	buf.Write([]byte("efghij"))
	assert.Equal(t, "cdefghij", buf.String())
	buf.Write([]byte("0123456789ABCDEF"))
	assert.Equal(t, "89ABCDEF", buf.String())
}
