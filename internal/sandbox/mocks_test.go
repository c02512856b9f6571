package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// mockBackend tracks containers in memory. Function fields override the
// default behavior when set.
type mockBackend struct {
	mu         sync.Mutex
	seq        int
	running    map[string]bool
	created    []string
	destroyed  []string
	execs      []ExecRequest
	closed     bool
	CreateFunc func(ctx context.Context, cfg Config, labels map[string]string) (string, error)
	ExecFunc   func(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error)
	ShellFunc  func(ctx context.Context, containerID string, opts ShellOptions) (Shell, error)
}

func newMockBackend() *mockBackend {
	return &mockBackend{running: make(map[string]bool)}
}

func (m *mockBackend) CreateContainer(ctx context.Context, cfg Config, labels map[string]string) (string, error) {
	if m.CreateFunc != nil {
		id, err := m.CreateFunc(ctx, cfg, labels)
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		m.running[id] = true
		m.created = append(m.created, id)
		m.mu.Unlock()
		return id, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("container-%d", m.seq)
	m.running[id] = true
	m.created = append(m.created, id)
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

func (m *mockBackend) Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error) {
	m.mu.Lock()
	m.execs = append(m.execs, req)
	m.mu.Unlock()
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, containerID, req)
	}
	return &ExecResult{}, nil
}

func (m *mockBackend) StartShell(ctx context.Context, containerID string, opts ShellOptions) (Shell, error) {
	if m.ShellFunc != nil {
		return m.ShellFunc(ctx, containerID, opts)
	}
	return &nopShell{}, nil
}

func (m *mockBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// kill simulates a container dying outside the registry's control.
func (m *mockBackend) kill(containerID string) {
	m.mu.Lock()
	delete(m.running, containerID)
	m.mu.Unlock()
}

func (m *mockBackend) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func (m *mockBackend) destroyedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.destroyed)
}

type nopShell struct{}

func (nopShell) Read([]byte) (int, error)                 { return 0, io.EOF }
func (nopShell) Write(p []byte) (int, error)              { return len(p), nil }
func (nopShell) Resize(context.Context, uint, uint) error { return nil }
func (nopShell) Close() error                             { return nil }

type mockTerminal struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func (t *mockTerminal) ID() string { return t.id }

func (t *mockTerminal) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *mockTerminal) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// memStore is an in-memory Store.
type memStore struct {
	mu   sync.Mutex
	recs map[string]Sandbox
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]Sandbox)}
}

func (s *memStore) Save(_ context.Context, sb *Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[sb.ID] = *sb
	return nil
}

func (s *memStore) get(id string) (Sandbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	return rec, ok
}

func (s *memStore) PurgeDestroyed(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.recs {
		if rec.Status == StatusDestroyed || rec.Status == StatusFailed {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListActive(_ context.Context) ([]*Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Sandbox
	for _, rec := range s.recs {
		if rec.Status == StatusReady || rec.Status == StatusCreating {
			rec := rec
			out = append(out, &rec)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*LifecycleEvent
}

func (p *recordingPublisher) PublishLifecycle(_ context.Context, event *LifecycleEvent) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) types() []LifecycleType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LifecycleType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}
