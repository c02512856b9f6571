package sqlite

import (
	"context"
	"errors"
	"sync"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
)

// recordingBackend hands out a single container id and records destroys.
type recordingBackend struct {
	mu        sync.Mutex
	destroyed []string
}

func (b *recordingBackend) CreateContainer(context.Context, sandbox.Config, map[string]string) (string, error) {
	return "container-new", nil
}

func (b *recordingBackend) IsContainerRunning(context.Context, string) (bool, error) {
	return true, nil
}

func (b *recordingBackend) DestroyContainer(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = append(b.destroyed, id)
	return nil
}

func (b *recordingBackend) Exec(context.Context, string, sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}

func (b *recordingBackend) StartShell(context.Context, string, sandbox.ShellOptions) (sandbox.Shell, error) {
	return nil, errors.New("shells are not supported")
}

func (b *recordingBackend) Close() error { return nil }
