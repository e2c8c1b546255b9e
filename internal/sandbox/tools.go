package sandbox

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"workbridge/internal/errors"
)

// ReadFileResult is the READ_FILE payload.
type ReadFileResult struct {
	OK        bool   `json:"ok"`
	Filepath  string `json:"filepath"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// UpdateFileResult is the UPDATE_FILE payload.
type UpdateFileResult struct {
	OK       bool   `json:"ok"`
	Filepath string `json:"filepath"`
	Bytes    int    `json:"bytes"`
	MtimeMs  int64  `json:"mtimeMs"`
}

// RunCommandResult is the RUN_COMMAND payload. ExitCode is null on
// timeout.
type RunCommandResult struct {
	ExitCode  *int   `json:"exitCode"`
	Output    string `json:"output"`
	Error     string `json:"error,omitempty"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// ReadFile reads a file within workRoot, capping content at the configured
// byte limit. A missing file is the not_found tool error.
func (s *Sandbox) ReadFile(workRoot, rel string) (*ReadFileResult, error) {
	path, err := ResolveWithin(workRoot, rel)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, errors.NewToolError("not_found", err)
		}
		return nil, errors.NewToolError("read_failed", err)
	}
	defer f.Close()

	// Read one byte past the cap to learn whether the file was larger.
	limit := s.limits.ReadFileMaxBytes
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, errors.NewToolError("read_failed", err)
	}

	truncated := len(data) > limit
	if truncated {
		data = data[:limit]
	}
	return &ReadFileResult{
		OK:        true,
		Filepath:  rel,
		Content:   string(data),
		Truncated: truncated,
	}, nil
}

// UpdateFile writes content to a file within workRoot, creating parent
// directories and replacing any existing file atomically via a temp file
// and rename.
func (s *Sandbox) UpdateFile(workRoot, rel, content string) (*UpdateFileResult, error) {
	path, err := ResolveWithin(workRoot, rel)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewToolError("write_failed", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return nil, errors.NewToolError("write_failed", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, errors.NewToolError("write_failed", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewToolError("write_failed", err)
	}
	return &UpdateFileResult{
		OK:       true,
		Filepath: rel,
		Bytes:    len(content),
		MtimeMs:  info.ModTime().UnixMilli(),
	}, nil
}

// RunCommand executes a shell command with workRoot as its working
// directory. On timeout the process group gets SIGTERM, then SIGKILL two
// seconds later; the result reports a null exit code and error "timeout".
// Combined output is capped, dropping the oldest bytes.
func (s *Sandbox) RunCommand(ctx context.Context, workRoot, command string) (*RunCommandResult, error) {
	timeout := s.limits.RunCommandTimeout
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-lc", command)
	cmd.Dir = workRoot
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * time.Second

	output := newTailBuffer(s.limits.OutputMaxBytes)
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()

	result := &RunCommandResult{
		Output:    output.String(),
		TimeoutMs: timeout.Milliseconds(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		s.logger.Warn("Command timed out after %s: %.80s", timeout, command)
		result.Error = "timeout"
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			result.ExitCode = &code
			return result, nil
		}
		return nil, errors.NewToolError("spawn_failed", fmt.Errorf("run command: %w", err))
	}

	zero := 0
	result.ExitCode = &zero
	return result, nil
}

// tailBuffer keeps the newest max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.max:])
		return len(p), nil
	}
	t.buf.Write(p)
	if overflow := t.buf.Len() - t.max; overflow > 0 {
		trimmed := make([]byte, t.max)
		copy(trimmed, t.buf.Bytes()[overflow:])
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
