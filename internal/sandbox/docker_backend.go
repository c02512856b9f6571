package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
)

// keepAliveCmd keeps the container running until it is stopped.
var keepAliveCmd = []string{"/bin/sh", "-c", "while true; do sleep 3600; done"}

// DockerBackend manages Docker container operations for sandboxes.
type DockerBackend struct {
	client  *client.Client
	breaker circuitbreaker.CircuitBreaker[string]
	pull    retry.Retry[struct{}]
}

// NewDockerBackend creates a new Docker backend.
func NewDockerBackend() (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	// Verify Docker is reachable
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}

	return newDockerBackend(cli), nil
}

func newDockerBackend(cli *client.Client) *DockerBackend {
	return &DockerBackend{
		client: cli,
		breaker: circuitbreaker.New[string](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				slog.Warn("docker circuit breaker state change", "from", from.String(), "to", to.String())
			},
		}),
		pull: retry.New[struct{}](retry.Config{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      10 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable: func(err error) bool {
				return !cerrdefs.IsNotFound(err) && !cerrdefs.IsUnauthorized(err) &&
					!errors.Is(err, context.Canceled)
			},
		}),
	}
}

// Ping checks if the Docker daemon is accessible.
func (b *DockerBackend) Ping(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// CreateContainer creates and starts a long-lived container for a room.
func (b *DockerBackend) CreateContainer(ctx context.Context, cfg Config, labels map[string]string) (string, error) {
	return b.breaker.Execute(ctx, func(ctx context.Context) (string, error) {
		return b.createContainer(ctx, cfg, labels)
	})
}

func (b *DockerBackend) createContainer(ctx context.Context, cfg Config, labels map[string]string) (string, error) {
	if err := b.ensureImage(ctx, cfg.Image); err != nil {
		return "", fmt.Errorf("ensure image: %w", err)
	}

	containerCfg, hostCfg := buildContainerConfig(cfg, labels)

	resp, err := b.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on failure
		_ = b.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	return resp.ID, nil
}

// buildContainerConfig creates the container and host configurations.
func buildContainerConfig(cfg Config, labels map[string]string) (*container.Config, *container.HostConfig) {
	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        keepAliveCmd,
		WorkingDir: cfg.WorkDir,
		Tty:        true,
		OpenStdin:  true,
		Env:        []string{"TERM=xterm-256color"},
		Labels:     labels,
	}

	memory := int64(cfg.MemoryMB) * 1024 * 1024
	pids := cfg.PidsLimit
	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory: memory,
			// Same as memory to disable swap
			MemorySwap: memory,
			NanoCPUs:   int64(cfg.CPULimit * 1e9),
			CPUShares:  cfg.CPUShares,
			PidsLimit:  &pids,
		},
	}
	if cfg.NetworkOff {
		hostCfg.NetworkMode = "none"
	}

	return containerCfg, hostCfg
}

// Exec runs a one-shot command inside a running container.
func (b *DockerBackend) Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execResp, err := b.client.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
		Cmd:          req.Cmd,
		WorkingDir:   req.WorkDir,
		AttachStdin:  req.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	start := time.Now()

	attachResp, err := b.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	if req.Stdin != nil {
		go func() {
			if _, err := io.Copy(attachResp.Conn, req.Stdin); err != nil {
				slog.Debug("exec stdin copy failed", "exec_id", execResp.ID, "error", err)
			}
			_ = attachResp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	outputDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		outputDone <- err
	}()

	select {
	case err := <-outputDone:
		if err != nil {
			return nil, fmt.Errorf("read exec output: %w", err)
		}
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrExecTimeout, timeout)
		}
		return nil, execCtx.Err()
	}

	inspectResp, err := b.client.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

// StartShell starts an interactive process attached to a pseudo-terminal.
func (b *DockerBackend) StartShell(ctx context.Context, containerID string, opts ShellOptions) (Shell, error) {
	var size *[2]uint
	if opts.Rows > 0 && opts.Cols > 0 {
		size = &[2]uint{opts.Rows, opts.Cols}
	}

	execResp, err := b.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkDir,
		Env:          append([]string{"TERM=xterm-256color"}, opts.Env...),
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  size,
	})
	if err != nil {
		return nil, fmt.Errorf("create shell exec: %w", err)
	}

	// The hijacked stream outlives the request context.
	attachResp, err := b.client.ContainerExecAttach(context.WithoutCancel(ctx), execResp.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: size,
	})
	if err != nil {
		return nil, fmt.Errorf("attach shell exec: %w", err)
	}

	return &dockerShell{client: b.client, execID: execResp.ID, resp: attachResp}, nil
}

// IsContainerRunning checks if a container is running. A missing
// container is reported as not running.
func (b *DockerBackend) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := b.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

// DestroyContainer stops and removes a container. Missing containers are
// not an error.
func (b *DockerBackend) DestroyContainer(ctx context.Context, containerID string) error {
	timeout := 5
	if err := b.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		slog.Debug("stop container failed, forcing removal", "container_id", shortID(containerID), "error", err)
	}
	err := b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		// Conflict means auto-removal is already in progress.
		return nil
	}
	return fmt.Errorf("remove container: %w", err)
}

// Close closes the Docker client.
func (b *DockerBackend) Close() error {
	return b.client.Close()
}

func (b *DockerBackend) ensureImage(ctx context.Context, img string) error {
	if _, err := b.client.ImageInspect(ctx, img); err == nil {
		return nil // Already present
	}

	_, err := b.pull.Do(ctx, func(ctx context.Context) (struct{}, error) {
		reader, err := b.client.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return struct{}{}, fmt.Errorf("pull image %s: %w", img, err)
		}
		defer reader.Close()
		// Drain the reader to complete the pull
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return struct{}{}, fmt.Errorf("pull image %s: %w", img, err)
		}
		return struct{}{}, nil
	})
	return err
}

// dockerShell adapts a hijacked exec connection to Shell.
type dockerShell struct {
	client *client.Client
	execID string
	resp   types.HijackedResponse
}

func (s *dockerShell) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *dockerShell) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *dockerShell) Resize(ctx context.Context, rows, cols uint) error {
	return s.client.ContainerExecResize(ctx, s.execID, container.ResizeOptions{Height: rows, Width: cols})
}

func (s *dockerShell) Close() error {
	s.resp.Close()
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Ensure DockerBackend implements Backend.
var _ Backend = (*DockerBackend)(nil)
