package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
)

// State is the lifecycle state of a terminal session.
type State int

const (
	StateOpening State = iota
	StateConnected
	StateDisconnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNoSession        = errors.New("terminal session not found, reconnect the terminal")
	ErrSessionDestroyed = errors.New("terminal session was destroyed, reconnect the terminal")
	ErrBackpressure     = errors.New("terminal is not accepting input right now, retry shortly")
	ErrInvalidSize      = errors.New("terminal size must be positive")
)

// Exit reasons passed to OnExit.
const (
	ReasonExited = "exited"
	ReasonError  = "error"
	ReasonClosed = "closed"
)

const readBufferSize = 32 * 1024

// Session is one interactive shell attached to a room's sandbox. Output is
// delivered to OnData in the order the shell produces it; input is queued
// and written in the order Write is called.
type Session struct {
	id     string
	roomID string
	owner  string

	shell   sandbox.Shell
	sandbox *sandbox.Sandbox
	logger  *slog.Logger

	onData func(terminalID string, data []byte)
	onExit func(terminalID, reason string, err error)
	touch  func()
	remove func(id string)

	input         chan []byte
	done          chan struct{}
	backpressured atomic.Bool

	mu     sync.Mutex
	state  State
	ending bool
}

// ID returns the terminal id.
func (s *Session) ID() string { return s.id }

// RoomID returns the room the session belongs to.
func (s *Session) RoomID() string { return s.roomID }

// Owner returns the connection that opened the session.
func (s *Session) Owner() string { return s.owner }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write queues input for the shell without blocking. A full queue yields
// ErrBackpressure and the input is dropped.
func (s *Session) Write(data []byte) error {
	if s.State() != StateConnected {
		return ErrSessionDestroyed
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-s.done:
		return ErrSessionDestroyed
	default:
	}

	select {
	case s.input <- buf:
		if s.touch != nil {
			s.touch()
		}
		return nil
	default:
		if s.backpressured.CompareAndSwap(false, true) {
			s.logger.Warn("terminal input queue full", "terminal_id", s.id, "room_id", s.roomID)
		}
		return ErrBackpressure
	}
}

// Resize forwards new dimensions to the shell process.
func (s *Session) Resize(ctx context.Context, rows, cols uint) error {
	if rows == 0 || cols == 0 {
		return ErrInvalidSize
	}
	if s.State() != StateConnected {
		return ErrSessionDestroyed
	}
	return s.shell.Resize(ctx, rows, cols)
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() error {
	return s.terminate(StateDisconnected, ReasonClosed, nil)
}

// start reports false when the session was torn down before it connected.
func (s *Session) start() bool {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return false
	}
	s.state = StateConnected
	s.mu.Unlock()

	go s.readLoop()
	go s.writeLoop()
	return true
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.shell.Read(buf)
		if n > 0 && s.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.onData(s.id, chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.terminate(StateDisconnected, ReasonExited, nil)
			} else {
				s.terminate(StateError, ReasonError, err)
			}
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case buf := <-s.input:
			if _, err := s.shell.Write(buf); err != nil {
				s.terminate(StateError, ReasonError, err)
				return
			}
			if s.backpressured.CompareAndSwap(true, false) {
				s.logger.Info("terminal input drained", "terminal_id", s.id, "room_id", s.roomID)
			}
		}
	}
}

// terminate moves the session to next, releases the shell and notifies the
// owner once. Later calls are no-ops.
func (s *Session) terminate(next State, reason string, cause error) error {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	s.state = next
	s.mu.Unlock()

	close(s.done)
	err := s.shell.Close()

	if s.sandbox != nil {
		s.sandbox.DetachTerminal(s.id)
	}
	if s.remove != nil {
		s.remove(s.id)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if cause != nil {
		s.logger.Warn("terminal session failed", "terminal_id", s.id, "room_id", s.roomID, "error", cause)
	} else {
		s.logger.Debug("terminal session ended", "terminal_id", s.id, "room_id", s.roomID, "reason", reason)
	}

	if s.onExit != nil {
		s.onExit(s.id, reason, cause)
	}
	return err
}

var _ sandbox.Terminal = (*Session)(nil)
