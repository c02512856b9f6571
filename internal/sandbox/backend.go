package sandbox

import (
	"context"
	"io"
	"time"
)

// Backend is the container runtime the registry drives.
type Backend interface {
	CreateContainer(ctx context.Context, cfg Config, labels map[string]string) (string, error)
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
	DestroyContainer(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error)
	StartShell(ctx context.Context, containerID string, opts ShellOptions) (Shell, error)
	Close() error
}

// ExecRequest describes a one-shot command. Stdin, when set, is streamed
// to the process and closed so it sees EOF.
type ExecRequest struct {
	Cmd     []string
	Stdin   io.Reader
	WorkDir string
	Timeout time.Duration
}

// ShellOptions configures an interactive shell.
type ShellOptions struct {
	Cmd     []string
	WorkDir string
	Rows    uint
	Cols    uint
	Env     []string
}

// Shell is a running interactive process attached to a pseudo-terminal.
// Reads return terminal output; writes go to the process input.
type Shell interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, rows, cols uint) error
}
