// Package launcher brings up the producer/consumer runner pair for a
// project, either as local docker containers or as a remote job, and
// guarantees the consumer lock is released when the producer exits.
package launcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"workbridge/internal/logging"
)

const (
	managedLabel      = "workbridge.runner.managed=true"
	dockerListTimeout = 5 * time.Second
	dockerStopTimeout = 30 * time.Second
	dockerRunTimeout  = 45 * time.Second
	maxContainerName  = 63
)

// dockerCLI abstracts the docker binary so tests can fake it.
type dockerCLI interface {
	LookPath(file string) (string, error)
	Run(ctx context.Context, args ...string) (string, error)
}

type execDockerCLI struct{}

func (execDockerCLI) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (execDockerCLI) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", stderrors.New("docker command requires arguments")
	}
	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// ContainerSpec describes one container to run.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Ports   map[int]int // host -> container
	Network string
}

// DockerRunner drives local containers through the docker CLI.
type DockerRunner struct {
	cli    dockerCLI
	logger *logging.Logger
}

// NewDockerRunner creates a CLI-backed docker runner.
func NewDockerRunner() *DockerRunner {
	return &DockerRunner{
		cli:    execDockerCLI{},
		logger: logging.NewComponentLogger("DockerRunner"),
	}
}

// Available reports whether the docker binary is on PATH.
func (r *DockerRunner) Available() bool {
	_, err := r.cli.LookPath("docker")
	return err == nil
}

// Start runs a detached container. The name is truncated to the docker
// limit; an existing container with the same name is removed first so
// retries of a failed start do not collide.
func (r *DockerRunner) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	if _, err := r.cli.LookPath("docker"); err != nil {
		return "", fmt.Errorf("docker CLI not found: %w", err)
	}

	name := TruncateName(spec.Name)
	_ = r.Remove(ctx, name)

	args := []string{
		"run",
		"--pull=missing",
		"-d",
		"--name", name,
		"--label", managedLabel,
	}
	for key, value := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}
	for host, container := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", host, container))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	args = append(args, spec.Image)

	runCtx, cancel := context.WithTimeout(ctx, dockerRunTimeout)
	defer cancel()
	output, err := r.cli.Run(runCtx, args...)
	if err != nil {
		if strings.TrimSpace(output) != "" {
			return "", fmt.Errorf("start container %s: %s", name, strings.TrimSpace(output))
		}
		return "", fmt.Errorf("start container %s: %w", name, err)
	}

	containerID := strings.TrimSpace(output)
	r.logger.Info("Container %s started (%s, image %s)", name, shortID(containerID), spec.Image)
	return containerID, nil
}

// Stop stops a container, tolerating its absence.
func (r *DockerRunner) Stop(ctx context.Context, name string) error {
	stopCtx, cancel := context.WithTimeout(ctx, dockerStopTimeout)
	defer cancel()
	output, err := r.cli.Run(stopCtx, "stop", TruncateName(name))
	if err != nil && !isNoSuchContainer(output) {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

// Remove force-removes a container, tolerating its absence.
func (r *DockerRunner) Remove(ctx context.Context, name string) error {
	rmCtx, cancel := context.WithTimeout(ctx, dockerListTimeout)
	defer cancel()
	output, err := r.cli.Run(rmCtx, "rm", "-f", TruncateName(name))
	if err != nil && !isNoSuchContainer(output) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// Wait blocks until the container exits and returns its exit code. The
// call has no timeout of its own; cancel ctx to abandon it.
func (r *DockerRunner) Wait(ctx context.Context, name string) (int, error) {
	output, err := r.cli.Run(ctx, "wait", TruncateName(name))
	if err != nil {
		return 0, fmt.Errorf("wait for container %s: %w", name, err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("parse exit code %q for %s: %w", strings.TrimSpace(output), name, err)
	}
	return code, nil
}

// TruncateName clamps a container name to docker's 63-character limit.
func TruncateName(name string) string {
	if len(name) <= maxContainerName {
		return name
	}
	return name[:maxContainerName]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func isNoSuchContainer(output string) bool {
	return strings.Contains(strings.ToLower(output), "no such container")
}
