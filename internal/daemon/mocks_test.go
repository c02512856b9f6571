package daemon

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
)

// mockBackend keeps containers in memory. Function fields override the
// default behavior when set.
type mockBackend struct {
	mu        sync.Mutex
	seq       int
	running   map[string]bool
	destroyed []string

	createFn func(ctx context.Context, cfg sandbox.Config, labels map[string]string) (string, error)
	execFn   func(ctx context.Context, containerID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
}

func newMockBackend() *mockBackend {
	return &mockBackend{running: make(map[string]bool)}
}

func (m *mockBackend) CreateContainer(ctx context.Context, cfg sandbox.Config, labels map[string]string) (string, error) {
	if m.createFn != nil {
		if _, err := m.createFn(ctx, cfg, labels); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("container-%d", m.seq)
	m.running[id] = true
	return id, nil
}

func (m *mockBackend) IsContainerRunning(_ context.Context, containerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[containerID], nil
}

func (m *mockBackend) DestroyContainer(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, containerID)
	m.destroyed = append(m.destroyed, containerID)
	return nil
}

func (m *mockBackend) Exec(ctx context.Context, containerID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if m.execFn != nil {
		return m.execFn(ctx, containerID, req)
	}
	return &sandbox.ExecResult{}, nil
}

func (m *mockBackend) StartShell(context.Context, string, sandbox.ShellOptions) (sandbox.Shell, error) {
	r, w := io.Pipe()
	return &idleShell{r: r, w: w}, nil
}

func (m *mockBackend) Close() error { return nil }

func (m *mockBackend) destroyedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.destroyed)
}

// idleShell produces no output until it is closed.
type idleShell struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *idleShell) Read(p []byte) (int, error)               { return s.r.Read(p) }
func (s *idleShell) Write(p []byte) (int, error)              { return len(p), nil }
func (s *idleShell) Resize(context.Context, uint, uint) error { return nil }

func (s *idleShell) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}
