// Package sandbox confines tool execution to a per-request work root under
// the configured mount. Every path a tool touches must resolve inside that
// root; commands run with it as their working directory.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
)

// Scope identifies whose work root a request operates on.
type Scope struct {
	UserID      string
	ProjectID   string
	WorkspaceID string
	SessionID   string
}

// Limits bounds what the tools may read, emit and run.
type Limits struct {
	ReadFileMaxBytes  int
	OutputMaxBytes    int
	RunCommandTimeout time.Duration
}

// Sandbox renders work roots under a base mount and executes tools inside
// them.
type Sandbox struct {
	baseRoot       string
	prefixTemplate string
	limits         Limits
	logger         *logging.Logger
}

// New creates a sandbox rooted at baseRoot. prefixTemplate positions each
// scope's work root below it, e.g. "{projectId}/{workspaceId}".
func New(baseRoot, prefixTemplate string, limits Limits) *Sandbox {
	return &Sandbox{
		baseRoot:       baseRoot,
		prefixTemplate: prefixTemplate,
		limits:         limits,
		logger:         logging.NewComponentLogger("Sandbox"),
	}
}

var templateToken = regexp.MustCompile(`\{([a-zA-Z]+)\}`)

// RenderPrefix substitutes the recognized scope tokens into the template.
// Unknown tokens render empty.
func RenderPrefix(template string, scope Scope) string {
	return templateToken.ReplaceAllStringFunc(template, func(match string) string {
		switch templateToken.FindStringSubmatch(match)[1] {
		case "userId":
			return scope.UserID
		case "projectId":
			return scope.ProjectID
		case "workspaceId":
			return scope.WorkspaceID
		case "sessionId":
			return scope.SessionID
		default:
			return ""
		}
	})
}

// WorkRoot returns the scope's work root path, creating it if absent.
// Creation failure is the workroot_unavailable tool error.
func (s *Sandbox) WorkRoot(scope Scope) (string, error) {
	prefix := RenderPrefix(s.prefixTemplate, scope)
	root := filepath.Join(s.baseRoot, filepath.FromSlash(prefix))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errors.NewToolError("workroot_unavailable", err)
	}
	return root, nil
}

// ResolveWithin joins rel onto workRoot and rejects anything that escapes
// it: absolute paths, .. traversal, or any component — symlinks included —
// resolving outside.
func ResolveWithin(workRoot, rel string) (string, error) {
	if rel == "" {
		return "", errors.NewToolError("path_escape", fmt.Errorf("empty path"))
	}
	if filepath.IsAbs(rel) || filepath.IsAbs(filepath.FromSlash(rel)) {
		return "", errors.NewToolError("path_escape", fmt.Errorf("absolute path %q", rel))
	}

	resolved := filepath.Join(workRoot, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(workRoot)
	if !within(resolved, cleanRoot) {
		return "", errors.NewToolError("path_escape", fmt.Errorf("path %q escapes work root", rel))
	}

	// The lexical check cannot see symlinks a command may have planted
	// inside the root; compare canonical forms too.
	canonicalRoot, err := filepath.EvalSymlinks(cleanRoot)
	if err != nil {
		canonicalRoot = cleanRoot
	}
	canonical, err := canonicalize(resolved)
	if err != nil {
		return "", errors.NewToolError("path_escape", err)
	}
	if !within(canonical, canonicalRoot) {
		return "", errors.NewToolError("path_escape", fmt.Errorf("path %q resolves outside work root", rel))
	}
	return resolved, nil
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// canonicalize resolves symlinks along the deepest existing ancestor of
// path, so not-yet-created files still canonicalize through their parents.
func canonicalize(path string) (string, error) {
	suffix := ""
	current := path
	for {
		eval, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(eval, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}
