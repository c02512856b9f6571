package sandbox

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Status represents the lifecycle state of a sandbox.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
	StatusDestroyed Status = "destroyed"
)

// Sandbox is the registry's record of the container owned by one room.
//
// Status and LastActiveAt change while the sandbox is live; read them
// through Snapshot rather than directly.
type Sandbox struct {
	ID           string            `json:"id"`
	RoomID       string            `json:"room_id"`
	ContainerID  string            `json:"container_id"`
	Image        string            `json:"image"`
	Status       Status            `json:"status"`
	MemoryMB     int               `json:"memory_mb"`
	CPULimit     float64           `json:"cpu_limit"`
	NetworkOff   bool              `json:"network_off"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	UpdatedAt    time.Time         `json:"updated_at"`

	// TerminalCount is only populated on snapshots.
	TerminalCount int `json:"terminal_count"`

	live *liveState
}

type liveState struct {
	mu        sync.Mutex
	terminals map[string]Terminal
}

// Terminal is an interactive session that lives and dies with its sandbox.
type Terminal interface {
	ID() string
	Close() error
}

func newSandbox(id, roomID string, cfg Config, now time.Time) *Sandbox {
	return &Sandbox{
		ID:           id,
		RoomID:       roomID,
		Image:        cfg.Image,
		Status:       StatusCreating,
		MemoryMB:     cfg.MemoryMB,
		CPULimit:     cfg.CPULimit,
		NetworkOff:   cfg.NetworkOff,
		Labels:       map[string]string{LabelRoom: roomID, LabelSandbox: id},
		CreatedAt:    now,
		LastActiveAt: now,
		UpdatedAt:    now,
		live:         &liveState{terminals: make(map[string]Terminal)},
	}
}

// IsActive returns true if the sandbox can accept work.
func (s *Sandbox) IsActive() bool {
	return s.Snapshot().Status == StatusReady
}

// Snapshot returns a consistent copy of the sandbox record.
func (s *Sandbox) Snapshot() Sandbox {
	if s.live == nil {
		cp := *s
		return cp
	}
	s.live.mu.Lock()
	defer s.live.mu.Unlock()
	cp := *s
	cp.live = nil
	cp.TerminalCount = len(s.live.terminals)
	return cp
}

func (s *Sandbox) touch(now time.Time) {
	if s.live == nil {
		return
	}
	s.live.mu.Lock()
	s.LastActiveAt = now
	s.live.mu.Unlock()
}

func (s *Sandbox) setStatus(status Status, now time.Time) {
	if s.live == nil {
		s.Status = status
		s.UpdatedAt = now
		return
	}
	s.live.mu.Lock()
	s.Status = status
	s.UpdatedAt = now
	s.live.mu.Unlock()
}

// AttachTerminal registers a terminal session under this sandbox.
func (s *Sandbox) AttachTerminal(t Terminal) error {
	if s.live == nil {
		return ErrSandboxNotReady
	}
	s.live.mu.Lock()
	defer s.live.mu.Unlock()
	if s.Status != StatusReady {
		return ErrSandboxNotReady
	}
	s.live.terminals[t.ID()] = t
	return nil
}

// DetachTerminal removes a terminal session. Unknown ids are ignored.
func (s *Sandbox) DetachTerminal(id string) {
	if s.live == nil {
		return
	}
	s.live.mu.Lock()
	delete(s.live.terminals, id)
	s.live.mu.Unlock()
}

// Terminal returns the terminal registered under id.
func (s *Sandbox) Terminal(id string) (Terminal, bool) {
	if s.live == nil {
		return nil, false
	}
	s.live.mu.Lock()
	defer s.live.mu.Unlock()
	t, ok := s.live.terminals[id]
	return t, ok
}

// Terminals returns the registered terminals ordered by id.
func (s *Sandbox) Terminals() []Terminal {
	if s.live == nil {
		return nil
	}
	s.live.mu.Lock()
	out := make([]Terminal, 0, len(s.live.terminals))
	for _, t := range s.live.terminals {
		out = append(out, t)
	}
	s.live.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CloseTerminals closes and forgets every terminal. Close errors are
// returned joined; the map is emptied regardless.
func (s *Sandbox) CloseTerminals() error {
	if s.live == nil {
		return nil
	}
	s.live.mu.Lock()
	terms := s.live.terminals
	s.live.terminals = make(map[string]Terminal)
	s.live.mu.Unlock()

	var errs []error
	for _, t := range terms {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecResult holds the output from a one-shot command.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Container labels applied to every sandbox.
const (
	LabelRoom    = "coderoom.room"
	LabelSandbox = "coderoom.sandbox"
)

var (
	ErrSandboxNotFound = errors.New("sandbox not found")
	ErrSandboxNotReady = errors.New("sandbox is not ready")
	ErrProvisioning    = errors.New("sandbox provisioning failed")
	ErrMaxSandboxes    = errors.New("maximum concurrent sandboxes reached")
	ErrRegistryClosed  = errors.New("sandbox registry is closed")
	ErrInvalidRoom     = errors.New("room id is required")
	ErrExecTimeout     = errors.New("command timed out")
)
