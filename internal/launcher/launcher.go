package launcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"workbridge/internal/errors"
	"workbridge/internal/lock"
	"workbridge/internal/logging"
	"workbridge/internal/store"
	"workbridge/internal/workspace"
)

// Mode selects where the runner pair executes.
type Mode string

const (
	ModeLocalSandbox Mode = "local-sandbox"
	ModeRemoteJob    Mode = "remote-job"
)

// containerRunner is the slice of DockerRunner the launcher needs.
type containerRunner interface {
	Available() bool
	Start(ctx context.Context, spec ContainerSpec) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Wait(ctx context.Context, name string) (int, error)
}

// Config carries the static launcher settings.
type Config struct {
	UpstreamBaseURL  string
	UpstreamAudience string
	UpstreamToken    string
	ProducerImage    string
	ConsumerImage    string
	ConsumerPort     int
	DefaultLease     time.Duration
	MaxLease         time.Duration
	DockerNetwork    string
}

// StartOptions is the start contract input.
type StartOptions struct {
	UserID          string
	ProjectID       string
	SessionID       string
	WorkspaceID     string
	SinceID         string
	SinceTime       string
	Lease           time.Duration
	Mode            Mode
	ConsumerImage   string
	ConsumerSidecar bool
	Env             map[string]string
}

// StartResult reports the start outcome: either a running consumer or the
// holder that blocked it.
type StartResult struct {
	OK          bool           `json:"ok"`
	ConsumerID  string         `json:"consumerId,omitempty"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Runtime     map[string]any `json:"runtime,omitempty"`
	Conflict    *lock.Conflict `json:"lockHeldBy,omitempty"`
}

// StopResult reports the stop outcome: the mode torn down and what each
// teardown step did.
type StopResult struct {
	OK      bool     `json:"ok"`
	Mode    string   `json:"mode,omitempty"`
	Results []string `json:"results,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// Launcher starts and stops runner pairs, keeping the consumer lock's
// lifecycle welded to the producer's.
type Launcher struct {
	locks      *lock.Manager
	workspaces *workspace.Manager
	containers containerRunner
	jobs       JobRunner
	cfg        Config
	logger     *logging.Logger

	mu       sync.Mutex
	monitors map[string]context.CancelFunc
}

// NewLauncher wires a launcher from its collaborators. jobs may be nil
// when remote-job mode is not configured.
func NewLauncher(locks *lock.Manager, workspaces *workspace.Manager, containers containerRunner, jobs JobRunner, cfg Config) *Launcher {
	return &Launcher{
		locks:      locks,
		workspaces: workspaces,
		containers: containers,
		jobs:       jobs,
		cfg:        cfg,
		logger:     logging.NewComponentLogger("Launcher"),
		monitors:   make(map[string]context.CancelFunc),
	}
}

// Start brings up a producer (and optional consumer sidecar) for the
// project. Exactly one consumer may run per project: a held lock returns
// a conflict outcome without starting anything.
func (l *Launcher) Start(ctx context.Context, opts StartOptions) (*StartResult, error) {
	if strings.TrimSpace(opts.UserID) == "" || strings.TrimSpace(opts.ProjectID) == "" {
		return nil, fmt.Errorf("userId and projectId are required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeLocalSandbox
	}
	if opts.Mode != ModeLocalSandbox && opts.Mode != ModeRemoteJob {
		return nil, fmt.Errorf("unsupported mode %q", opts.Mode)
	}
	if opts.Mode == ModeRemoteJob && l.jobs == nil {
		return nil, fmt.Errorf("remote-job mode is not configured")
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = l.cfg.DefaultLease
	}
	if lease > l.cfg.MaxLease {
		lease = l.cfg.MaxLease
	}

	workspaceID := opts.WorkspaceID
	if workspaceID == "" {
		ws, err := l.workspaces.Resolve(ctx, opts.UserID, opts.ProjectID, opts.SessionID)
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
		workspaceID = ws.WorkspaceID
	}

	suffix := uuid.NewString()
	consumerID := "producer-" + suffix

	consumerType := store.ConsumerTypeLocal
	if opts.Mode == ModeRemoteJob {
		consumerType = store.ConsumerTypeCloud
	}

	acquired, err := l.locks.Acquire(ctx, opts.UserID, opts.ProjectID, consumerID, lease, consumerType)
	if err != nil {
		return nil, err
	}
	if !acquired.OK {
		return &StartResult{OK: false, Conflict: acquired.Conflict}, nil
	}

	result, err := l.launch(ctx, opts, consumerID, suffix, workspaceID, lease)
	if err != nil {
		// Nothing between acquire and a successful producer start may
		// orphan the lock.
		l.cleanupPartial(ctx, opts, consumerID, suffix)
		return nil, err
	}
	return result, nil
}

func (l *Launcher) launch(ctx context.Context, opts StartOptions, consumerID, suffix, workspaceID string, lease time.Duration) (*StartResult, error) {
	env := l.composeEnv(opts, consumerID, workspaceID, lease)

	runtime := map[string]any{
		"mode":          string(opts.Mode),
		"sidecar":       opts.ConsumerSidecar,
		"stopRequested": false,
		"startedAt":     time.Now().UTC().Format(time.RFC3339),
	}

	consumerName := TruncateName("sse-consumer-" + suffix)
	if opts.ConsumerSidecar {
		switch opts.Mode {
		case ModeLocalSandbox:
			env["CONSUMER_BASE_URL"] = fmt.Sprintf("http://%s:%d", consumerName, l.cfg.ConsumerPort)
		case ModeRemoteJob:
			env["CONSUMER_BASE_URL"] = fmt.Sprintf("http://localhost:%d", l.cfg.ConsumerPort)
		}
	}

	switch opts.Mode {
	case ModeLocalSandbox:
		if !l.containers.Available() {
			return nil, fmt.Errorf("docker is not available for local-sandbox mode")
		}

		if opts.ConsumerSidecar {
			image := opts.ConsumerImage
			if image == "" {
				image = l.cfg.ConsumerImage
			}
			id, err := l.containers.Start(ctx, ContainerSpec{
				Name:    consumerName,
				Image:   image,
				Env:     env,
				Network: l.cfg.DockerNetwork,
			})
			if err != nil {
				return nil, fmt.Errorf("start consumer sidecar: %w", err)
			}
			runtime["consumerContainer"] = consumerName
			runtime["consumerContainerId"] = id
		}

		producerName := TruncateName(consumerID)
		id, err := l.containers.Start(ctx, ContainerSpec{
			Name:    producerName,
			Image:   l.cfg.ProducerImage,
			Env:     env,
			Network: l.cfg.DockerNetwork,
		})
		if err != nil {
			return nil, fmt.Errorf("start producer: %w", err)
		}
		runtime["producerContainer"] = producerName
		runtime["producerContainerId"] = id

		l.installExitMonitor(opts.UserID, opts.ProjectID, consumerID, producerName, consumerName, opts.ConsumerSidecar)

	case ModeRemoteJob:
		operation, err := l.jobs.Submit(ctx, JobSpec{
			ConsumerID: consumerID,
			Image:      l.cfg.ProducerImage,
			Sidecar:    opts.ConsumerSidecar,
			Env:        env,
		})
		if err != nil {
			return nil, fmt.Errorf("submit remote job: %w", err)
		}
		runtime["operation"] = operation
	}

	if err := l.locks.SetRuntime(ctx, opts.UserID, opts.ProjectID, consumerID, runtime); err != nil {
		l.logger.Warn("Runtime descriptor for %s not persisted: %v", consumerID, err)
	}

	return &StartResult{
		OK:          true,
		ConsumerID:  consumerID,
		WorkspaceID: workspaceID,
		Runtime:     runtime,
	}, nil
}

// installExitMonitor watches the producer container and tears the pair
// down when it exits, releasing the lock owner-scoped.
func (l *Launcher) installExitMonitor(userID, projectID, consumerID, producerName, consumerName string, sidecar bool) {
	monitorCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.monitors[consumerID] = cancel
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.monitors, consumerID)
			l.mu.Unlock()
		}()

		code, err := l.containers.Wait(monitorCtx, producerName)
		if monitorCtx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Warn("Producer %s wait failed: %v", producerName, err)
		} else {
			l.logger.Info("Producer %s exited with code %d", producerName, code)
		}

		cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), dockerStopTimeout)
		defer cancelCleanup()
		if sidecar {
			if err := l.containers.Stop(cleanupCtx, consumerName); err != nil {
				l.logger.Warn("Sidecar %s stop failed: %v", consumerName, err)
			}
		}
		l.locks.Release(cleanupCtx, userID, projectID, consumerID, false)
	}()
}

// Stop tears down whatever the current lock describes. Missing lock is a
// successful no-op; stop is idempotent. Storage failures while inspecting
// the lock are errors, not a clean stop.
func (l *Launcher) Stop(ctx context.Context, userID, projectID string) (*StopResult, error) {
	current, err := l.locks.Get(ctx, userID, projectID)
	if err != nil {
		if errors.IsNotFound(err) {
			return &StopResult{OK: true, Detail: "no active lock"}, nil
		}
		return nil, fmt.Errorf("inspect lock %s/%s: %w", userID, projectID, err)
	}

	l.cancelMonitor(current.ConsumerID)

	var results []string
	mode, _ := current.Runtime["mode"].(string)
	switch Mode(mode) {
	case ModeRemoteJob:
		// The remote job observes stopRequested on its next heartbeat; the
		// lock is released immediately so the project is not wedged.
		if err := l.locks.SetRuntime(ctx, userID, projectID, current.ConsumerID, map[string]any{
			"stopRequested": true,
			"stopAt":        time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			l.logger.Warn("stopRequested for %s not persisted: %v", current.ConsumerID, err)
			results = append(results, "stopRequested not persisted")
		} else {
			results = append(results, "stopRequested recorded")
		}
	default:
		if producer, ok := current.Runtime["producerContainer"].(string); ok && producer != "" {
			if err := l.containers.Stop(ctx, producer); err != nil {
				l.logger.Warn("Producer %s stop failed: %v", producer, err)
				results = append(results, "producer stop failed")
			} else {
				results = append(results, "producer stopped")
			}
		}
		if consumer, ok := current.Runtime["consumerContainer"].(string); ok && consumer != "" {
			if err := l.containers.Stop(ctx, consumer); err != nil {
				l.logger.Warn("Sidecar %s stop failed: %v", consumer, err)
				results = append(results, "sidecar stop failed")
			} else {
				results = append(results, "sidecar stopped")
			}
		}
	}

	l.locks.Release(ctx, userID, projectID, "", true)
	results = append(results, "lock released")
	return &StopResult{OK: true, Mode: mode, Results: results}, nil
}

// Shutdown cancels every exit monitor. Containers keep running; a
// restarted service re-attaches through Stop.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, cancel := range l.monitors {
		cancel()
		delete(l.monitors, id)
	}
}

func (l *Launcher) cancelMonitor(consumerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.monitors[consumerID]; ok {
		cancel()
		delete(l.monitors, consumerID)
	}
}

// cleanupPartial removes any containers a failed launch left behind and
// releases the lock so a clean error path never orphans it.
func (l *Launcher) cleanupPartial(ctx context.Context, opts StartOptions, consumerID, suffix string) {
	l.cancelMonitor(consumerID)
	if opts.Mode == ModeLocalSandbox {
		_ = l.containers.Remove(ctx, TruncateName(consumerID))
		if opts.ConsumerSidecar {
			_ = l.containers.Remove(ctx, TruncateName("sse-consumer-"+suffix))
		}
	}
	l.locks.Release(ctx, opts.UserID, opts.ProjectID, consumerID, false)
}

func (l *Launcher) composeEnv(opts StartOptions, consumerID, workspaceID string, lease time.Duration) map[string]string {
	env := map[string]string{
		"UPSTREAM_BASE_URL": l.cfg.UpstreamBaseURL,
		"UPSTREAM_AUDIENCE": l.cfg.UpstreamAudience,
		"UPSTREAM_TOKEN":    l.cfg.UpstreamToken,
		"CONSUMER_ID":       consumerID,
		"LEASE_MS":          fmt.Sprintf("%d", lease.Milliseconds()),
		"WORKSPACE_ID":      workspaceID,
	}
	if opts.SessionID != "" {
		env["SESSION_ID"] = opts.SessionID
	}
	if opts.SinceID != "" {
		env["SINCE_ID"] = opts.SinceID
	}
	if opts.SinceTime != "" {
		env["SINCE_TIME"] = opts.SinceTime
	}
	for key, value := range opts.Env {
		env[key] = value
	}
	return env
}
