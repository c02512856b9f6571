package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
)

// DefaultQueueSize bounds the per-session input queue in chunks.
const DefaultQueueSize = 256

// Shells starts interactive shells in room sandboxes. *sandbox.Registry
// satisfies it.
type Shells interface {
	StartShell(ctx context.Context, roomID string, opts sandbox.ShellOptions) (*sandbox.Sandbox, sandbox.Shell, error)
	Touch(roomID string)
}

// OpenOptions configures a new session.
type OpenOptions struct {
	Rows uint
	Cols uint

	// OnData receives every output chunk in order. It runs on the
	// session's reader goroutine and must not block for long.
	OnData func(terminalID string, data []byte)

	// OnExit is called once when the session ends for any reason.
	OnExit func(terminalID, reason string, err error)
}

// Manager tracks every open terminal session in the process.
type Manager struct {
	shells    Shells
	logger    *slog.Logger
	now       func() time.Time
	queueSize int
	seq       atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithQueueSize sets the per-session input queue capacity.
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithClock overrides the time source used for terminal ids.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a terminal session manager.
func NewManager(shells Shells, opts ...ManagerOption) *Manager {
	m := &Manager{
		shells:    shells,
		logger:    slog.Default(),
		now:       time.Now,
		queueSize: DefaultQueueSize,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts a shell in the room's sandbox and registers the session under
// both the sandbox and the owning connection.
func (m *Manager) Open(ctx context.Context, roomID, owner string, opts OpenOptions) (*Session, error) {
	id := fmt.Sprintf("%s-%d-%d", owner, m.now().UnixMilli(), m.seq.Add(1))

	sb, shell, err := m.shells.StartShell(ctx, roomID, sandbox.ShellOptions{
		Rows: opts.Rows,
		Cols: opts.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}

	s := &Session{
		id:      id,
		roomID:  roomID,
		owner:   owner,
		shell:   shell,
		sandbox: sb,
		logger:  m.logger,
		onData:  opts.OnData,
		onExit:  opts.OnExit,
		touch:   func() { m.shells.Touch(roomID) },
		remove:  m.remove,
		input:   make(chan []byte, m.queueSize),
		done:    make(chan struct{}),
		state:   StateOpening,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := sb.AttachTerminal(s); err != nil {
		m.remove(id)
		_ = shell.Close()
		return nil, fmt.Errorf("open terminal: %w", err)
	}

	// The owner may have gone away while the shell was starting. CloseOwner
	// either saw the registered session or the cancellation is visible here.
	if err := ctx.Err(); err != nil {
		_ = s.terminate(StateDisconnected, ReasonClosed, nil)
		return nil, fmt.Errorf("open terminal: %w", err)
	}

	if !s.start() {
		return nil, fmt.Errorf("open terminal: %w", ErrSessionDestroyed)
	}

	m.logger.Info("terminal connected", "terminal_id", id, "room_id", roomID, "owner", owner)
	return s, nil
}

// Get returns the session registered under id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Write forwards input to the session registered under id.
func (m *Manager) Write(id string, data []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Write(data)
}

// Resize forwards dimensions to the session registered under id.
func (m *Manager) Resize(ctx context.Context, id string, rows, cols uint) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Resize(ctx, rows, cols)
}

// CloseOwner closes every session opened by owner and returns how many
// were closed.
func (m *Manager) CloseOwner(owner string) int {
	m.mu.RLock()
	var owned []*Session
	for _, s := range m.sessions {
		if s.owner == owner {
			owned = append(owned, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range owned {
		if err := s.Close(); err != nil {
			m.logger.Warn("failed to close terminal", "terminal_id", s.id, "error", err)
		}
	}
	return len(owned)
}

// Sessions returns the open sessions for a room ordered by id. An empty
// roomID returns every session.
func (m *Manager) Sessions(roomID string) []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if roomID == "" || s.roomID == roomID {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close ends every session.
func (m *Manager) Close() {
	for _, s := range m.Sessions("") {
		_ = s.Close()
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
