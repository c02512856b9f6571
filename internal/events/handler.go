package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/fsbridge"
	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	"github.com/felixgeelhaar/coderoom/internal/terminal"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/gorilla/websocket"
)

// Rooms resolves room sandboxes. *sandbox.Registry satisfies it.
type Rooms interface {
	GetOrCreate(ctx context.Context, roomID string) (*sandbox.Sandbox, error)
}

// Files is the sandbox filesystem. *fsbridge.Bridge satisfies it.
type Files interface {
	WorkDir() string
	ListTree(ctx context.Context, roomID, root string) ([]*fsbridge.FileNode, error)
	CreateEntry(ctx context.Context, roomID, path string, kind fsbridge.EntryType, content []byte) error
	DeleteEntry(ctx context.Context, roomID, path string) error
	ReadFile(ctx context.Context, roomID, path string) ([]byte, error)
	WriteFile(ctx context.Context, roomID, path string, content []byte) error
	Upload(ctx context.Context, roomID, dir, fileName string, content []byte) (string, error)
	Download(ctx context.Context, roomID, path string) (string, []byte, error)
}

// Config tunes the adapter.
type Config struct {
	// RatePerSecond limits file operations per connection. Zero disables.
	RatePerSecond int
	SendBuffer    int
	// AllowedOrigins lists accepted Origin headers. Empty allows only
	// same-origin browsers; requests without an Origin are always accepted.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to WebSocket connections and dispatches
// their events to the sandbox core.
type Handler struct {
	rooms     Rooms
	terminals *terminal.Manager
	files     Files
	hub       *Hub
	limiter   ratelimit.RateLimiter
	upgrader  websocket.Upgrader
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewHandler creates the event adapter.
func NewHandler(rooms Rooms, terminals *terminal.Manager, files Files, cfg Config, logger *slog.Logger) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 512
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		rooms:     rooms,
		terminals: terminals,
		files:     files,
		hub:       NewHub(),
		conns:     make(map[*Conn]struct{}),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	if cfg.RatePerSecond > 0 {
		h.limiter = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.RatePerSecond,
			Burst:    cfg.RatePerSecond * 2,
			Interval: time.Second,
		})
	}
	return h
}

// Hub returns the room membership hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// Connections returns the number of open WebSocket connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client and releases the rate limiter.
func (h *Handler) Close() error {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if h.limiter != nil {
		return h.limiter.Close()
	}
	return nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// gorilla writes the 101 itself; carry over headers set by middleware.
	ws, err := h.upgrader.Upgrade(w, r, w.Header().Clone())
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, h.cfg.SendBuffer, h.logger)
	c.logger.Info("client connected", "remote_addr", r.RemoteAddr)

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump(func(f Frame) { h.dispatch(c, f) })

	h.disconnect(c)
}

// disconnect closes the connection's terminals and drops it from every room.
func (h *Handler) disconnect(c *Conn) {
	c.Close()
	closed := h.terminals.CloseOwner(c.ID())
	h.hub.LeaveAll(c)

	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()

	c.logger.Info("client disconnected", "terminals_closed", closed)
}

// dispatch routes one inbound frame. Terminal input and resize run inline
// to preserve their order; everything that may block runs on its own
// goroutine.
func (h *Handler) dispatch(c *Conn, f Frame) {
	switch f.Event {
	case EventTerminalInput:
		h.safely(c, f.Event, func() { h.terminalInput(c, f) })
	case EventTerminalResize:
		h.safely(c, f.Event, func() { h.terminalResize(c, f) })
	case EventLeaveRoom:
		h.safely(c, f.Event, func() { h.leaveRoom(c, f) })
	case EventDisconnectTerminal:
		h.safely(c, f.Event, func() { h.disconnectTerminal(c, f) })
	case EventJoinRoom:
		h.async(c, f.Event, func() { h.joinRoom(c, f) })
	case EventConnectTerminal:
		h.async(c, f.Event, func() { h.connectTerminal(c, f) })
	case EventGetFileTree, EventCreateFile, EventDeleteFile, EventReadFile,
		EventWriteFile, EventUploadFile, EventDownloadFile:
		if !h.allow(c) {
			c.Send(EventFileError, FileError{Operation: f.Event, Message: "rate limit exceeded, slow down"})
			return
		}
		h.async(c, f.Event, func() { h.fileOp(c, f) })
	default:
		c.Send(EventError, ErrorEvent{Event: f.Event, Message: "unknown event"})
	}
}

func (h *Handler) allow(c *Conn) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(c.Context(), c.ID())
}

func (h *Handler) async(c *Conn, event string, fn func()) {
	go h.safely(c, event, fn)
}

// safely runs fn and turns a panic into an error event.
func (h *Handler) safely(c *Conn, event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic handling event",
				"event", event,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			c.Send(EventError, ErrorEvent{Event: event, Message: "internal error"})
		}
	}()
	fn()
}

// rejectPayload reports a malformed request.
func rejectPayload(c *Conn, event string, err error) {
	c.Send(EventError, ErrorEvent{Event: event, Message: err.Error()})
}

func (h *Handler) joinRoom(c *Conn, f Frame) {
	var req JoinRoomRequest
	if err := decode(f.Data, &req); err != nil {
		rejectPayload(c, f.Event, err)
		return
	}

	sb, err := h.rooms.GetOrCreate(c.Context(), req.RoomID)
	if err != nil {
		c.logger.Warn("join room failed", "room_id", req.RoomID, "error", err)
		c.Send(EventContainerError, ContainerError{RoomID: req.RoomID, Error: err.Error()})
		return
	}

	// disconnect closes Done before LeaveAll, so a join that lands after
	// LeaveAll is seen here and undone.
	h.hub.Join(req.RoomID, c)
	select {
	case <-c.Done():
		h.hub.Leave(req.RoomID, c)
		return
	default:
	}
	c.logger.Info("joined room", "room_id", req.RoomID, "username", req.Username)
	c.Send(EventContainerReady, ContainerReady{RoomID: req.RoomID, ContainerID: sb.ID})
}

func (h *Handler) leaveRoom(c *Conn, f Frame) {
	var req LeaveRoomRequest
	if err := decode(f.Data, &req); err != nil {
		rejectPayload(c, f.Event, err)
		return
	}
	h.hub.Leave(req.RoomID, c)
}

func (h *Handler) connectTerminal(c *Conn, f Frame) {
	var req ConnectTerminalRequest
	if err := decode(f.Data, &req); err != nil {
		rejectPayload(c, f.Event, err)
		return
	}

	sess, err := h.terminals.Open(c.Context(), req.RoomID, c.ID(), terminal.OpenOptions{
		Rows: req.Rows,
		Cols: req.Cols,
		OnData: func(id string, data []byte) {
			if text := c.terminalText(id, data); text != "" {
				c.Send(EventTerminalData, TerminalData{TerminalID: id, Data: text})
			}
		},
		OnExit: func(id, reason string, _ error) {
			c.dropTerminal(id)
			c.Send(EventTerminalDisconnected, TerminalDisconnected{TerminalID: id, Reason: reason})
		},
	})
	if err != nil {
		c.logger.Warn("connect terminal failed", "room_id", req.RoomID, "error", err)
		c.Send(EventTerminalError, TerminalError{Code: CodeOpenFailed, Error: err.Error()})
		return
	}

	c.setTerminal(sess.ID())
	c.Send(EventTerminalConnected, TerminalConnected{TerminalID: sess.ID(), RoomID: req.RoomID})
}

func (h *Handler) disconnectTerminal(c *Conn, f Frame) {
	var req DisconnectTerminalRequest
	if err := decode(f.Data, &req); err != nil {
		rejectPayload(c, f.Event, err)
		return
	}
	if !c.ownsTerminal(req.TerminalID) {
		c.Send(EventTerminalError, TerminalError{TerminalID: req.TerminalID, Code: CodeNoSession, Error: terminal.ErrNoSession.Error()})
		return
	}
	sess, err := h.terminals.Get(req.TerminalID)
	if err != nil {
		c.dropTerminal(req.TerminalID)
		return
	}
	_ = sess.Close()
}

func (h *Handler) terminalInput(c *Conn, f Frame) {
	var req TerminalInputRequest
	if err := decode(f.Data, &req); err != nil {
		rejectPayload(c, f.Event, err)
		return
	}

	id := c.resolveTerminal(req.TerminalID)
	if err := h.ownedWrite(c, id, []byte(*req.Data)); err != nil {
		c.Send(EventTerminalError, TerminalError{TerminalID: id, Code: terminalCode(err), Error: err.Error()})
	}
}

func (h *Handler) ownedWrite(c *Conn, id string, data []byte) error {
	if id == "" || !c.ownsTerminal(id) {
		return terminal.ErrNoSession
	}
	return h.terminals.Write(id, data)
}

func (h *Handler) terminalResize(c *Conn, f Frame) {
	var req TerminalResizeRequest
	if err := decode(f.Data, &req); err != nil {
		rejectPayload(c, f.Event, err)
		return
	}

	id := c.resolveTerminal(req.TerminalID)
	if id == "" || !c.ownsTerminal(id) {
		c.Send(EventTerminalError, TerminalError{TerminalID: id, Code: CodeNoSession, Error: terminal.ErrNoSession.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()
	if err := h.terminals.Resize(ctx, id, req.Rows, req.Cols); err != nil {
		code := terminalCode(err)
		if code == "" {
			code = CodeResizeFailed
		}
		c.Send(EventTerminalError, TerminalError{TerminalID: id, Code: code, Error: err.Error()})
	}
}

// terminalCode maps session errors to their wire codes.
func terminalCode(err error) string {
	switch {
	case errors.Is(err, terminal.ErrNoSession):
		return CodeNoSession
	case errors.Is(err, terminal.ErrSessionDestroyed):
		return CodeDestroyed
	case errors.Is(err, terminal.ErrBackpressure):
		return CodeBackpressure
	default:
		return ""
	}
}

func (h *Handler) fileOp(c *Conn, f Frame) {
	ctx := c.Context()

	switch f.Event {
	case EventGetFileTree:
		var req FileTreeRequest
		if err := decode(f.Data, &req); err != nil {
			rejectPayload(c, f.Event, err)
			return
		}
		root := req.Path
		if root == "" {
			root = h.files.WorkDir()
		}
		files, err := h.files.ListTree(ctx, req.RoomID, root)
		if err != nil {
			h.fileError(c, f.Event, root, err)
			return
		}
		c.Send(EventFileTree, FileTree{Files: files, Path: root})

	case EventCreateFile:
		var req CreateFileRequest
		if err := decode(f.Data, &req); err != nil {
			rejectPayload(c, f.Event, err)
			return
		}
		if err := h.files.CreateEntry(ctx, req.RoomID, req.Path, req.Type, []byte(req.Content)); err != nil {
			h.fileError(c, f.Event, req.Path, err)
			c.Send(EventFileCreated, FileCreated{Path: req.Path, Type: req.Type, Error: err.Error()})
			return
		}
		c.Send(EventFileCreated, FileCreated{Path: req.Path, Type: req.Type, Success: true})
		h.broadcastTree(ctx, req.RoomID)

	case EventDeleteFile:
		var req PathRequest
		if err := decode(f.Data, &req); err != nil {
			rejectPayload(c, f.Event, err)
			return
		}
		if err := h.files.DeleteEntry(ctx, req.RoomID, req.Path); err != nil {
			h.fileError(c, f.Event, req.Path, err)
			c.Send(EventFileDeleted, FileDeleted{Path: req.Path, Error: err.Error()})
			return
		}
		c.Send(EventFileDeleted, FileDeleted{Path: req.Path, Success: true})
		h.broadcastTree(ctx, req.RoomID)

	case EventReadFile:
		var req PathRequest
		if err := decode(f.Data, &req); err != nil {
			rejectPayload(c, f.Event, err)
			return
		}
		content, err := h.files.ReadFile(ctx, req.RoomID, req.Path)
		if err != nil {
			h.fileError(c, f.Event, req.Path, err)
			c.Send(EventFileContent, FileContent{Path: req.Path, Error: err.Error()})
			return
		}
		text, enc := encodeContent(content)
		c.Send(EventFileContent, FileContent{Path: req.Path, Content: text, Encoding: enc})

	case EventWriteFile:
		var req WriteFileRequest
		if err := decode(f.Data, &req); err != nil {
			rejectPayload(c, f.Event, err)
			return
		}
		if err := h.files.WriteFile(ctx, req.RoomID, req.Path, []byte(*req.Content)); err != nil {
			h.fileError(c, f.Event, req.Path, err)
			c.Send(EventFileSaved, FileSaved{Path: req.Path, Error: err.Error()})
			return
		}
		c.Send(EventFileSaved, FileSaved{Path: req.Path, Success: true})
		h.hub.Broadcast(req.RoomID, EventFileChanged, FileChanged{Path: req.Path, Timestamp: h.now().UnixMilli()}, c)

	case EventUploadFile:
		var req UploadFileRequest
		if err := decode(f.Data, &req); err != nil {
			rejectPayload(c, f.Event, err)
			return
		}
		p, err := h.files.Upload(ctx, req.RoomID, req.Path, req.FileName, req.Bytes())
		if err != nil {
			h.fileError(c, f.Event, req.Path, err)
			c.Send(EventFileUploaded, FileUploaded{Path: req.Path, FileName: req.FileName, Error: err.Error()})
			return
		}
		c.Send(EventFileUploaded, FileUploaded{Path: p, FileName: req.FileName, Success: true})
		h.broadcastTree(ctx, req.RoomID)

	case EventDownloadFile:
		var req PathRequest
		if err := decode(f.Data, &req); err != nil {
			rejectPayload(c, f.Event, err)
			return
		}
		name, content, err := h.files.Download(ctx, req.RoomID, req.Path)
		if err != nil {
			h.fileError(c, f.Event, req.Path, err)
			return
		}
		text, enc := encodeContent(content)
		c.Send(EventFileDownload, FileDownload{FileName: name, Content: text, Encoding: enc})
	}
}

// broadcastTree sends a fresh workspace tree to everyone in the room.
func (h *Handler) broadcastTree(ctx context.Context, roomID string) {
	root := h.files.WorkDir()
	files, err := h.files.ListTree(ctx, roomID, root)
	if err != nil {
		h.logger.Warn("failed to refresh file tree", "room_id", roomID, "error", err)
		return
	}
	h.hub.Broadcast(roomID, EventFileTree, FileTree{Files: files, Path: root}, nil)
}

func (h *Handler) fileError(c *Conn, operation, path string, err error) {
	var opErr *fsbridge.OpError
	if errors.As(err, &opErr) && opErr.Path != "" {
		path = opErr.Path
	}
	c.logger.Debug("file operation failed", "operation", operation, "path", path, "error", err)
	c.Send(EventFileError, FileError{Operation: operation, Path: path, Message: fileMessage(err)})
}

func fileMessage(err error) string {
	var opErr *fsbridge.OpError
	if errors.As(err, &opErr) {
		return opErr.Err.Error()
	}
	return fmt.Sprint(err)
}
