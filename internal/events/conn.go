package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
)

// Conn is one WebSocket client. All writes go through a single goroutine
// so frames leave in the order Send was called.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	terminal  string
	terminals map[string]*utf8Carry
}

func newConn(ws *websocket.Conn, sendBuffer int, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Conn{
		id:        id,
		ws:        ws,
		logger:    logger.With("conn_id", id),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		terminals: make(map[string]*utf8Carry),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Send queues an event. A client that cannot keep up is disconnected
// rather than having frames dropped or reordered.
func (c *Conn) Send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		c.logger.Error("failed to encode frame", "event", event, "error", err)
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.logger.Warn("send buffer full, closing connection", "event", event)
		c.Close()
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump calls handle for every inbound frame until the socket fails.
func (c *Conn) readPump(handle func(Frame)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection closed unexpectedly", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Event == "" {
			c.Send(EventError, ErrorEvent{Message: "frame must be a JSON object with an event name"})
			continue
		}
		handle(frame)
	}
}

// setTerminal records the most recently opened terminal.
func (c *Conn) setTerminal(id string) {
	c.mu.Lock()
	c.terminal = id
	c.terminals[id] = &utf8Carry{}
	c.mu.Unlock()
}

func (c *Conn) dropTerminal(id string) {
	c.mu.Lock()
	delete(c.terminals, id)
	if c.terminal == id {
		c.terminal = ""
	}
	c.mu.Unlock()
}

// resolveTerminal returns id, or the current terminal when id is empty.
func (c *Conn) resolveTerminal(id string) string {
	if id != "" {
		return id
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func (c *Conn) ownsTerminal(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.terminals[id]
	return ok
}

// terminalText converts a raw output chunk to text, holding back a
// trailing partial UTF-8 sequence until the next chunk completes it.
func (c *Conn) terminalText(id string, chunk []byte) string {
	c.mu.Lock()
	carry, ok := c.terminals[id]
	if !ok {
		carry = &utf8Carry{}
		c.terminals[id] = carry
	}
	c.mu.Unlock()
	return carry.next(chunk)
}

// utf8Carry is touched only by one terminal's reader goroutine.
type utf8Carry struct {
	pending []byte
}

func (u *utf8Carry) next(chunk []byte) string {
	buf := chunk
	if len(u.pending) > 0 {
		buf = append(u.pending, chunk...)
		u.pending = nil
	}

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(buf) {
		u.pending = append([]byte(nil), buf[cut:]...)
	}
	return string(buf[:cut])
}
