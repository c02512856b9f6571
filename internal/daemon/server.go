package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/config"
	"github.com/felixgeelhaar/coderoom/internal/events"
	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	"github.com/felixgeelhaar/coderoom/internal/terminal"
)

// Version is reported by the status route.
var Version = "0.1.0"

// Server represents the coderoom daemon HTTP server
type Server struct {
	cfg     *config.LocalConfig
	server  *http.Server
	router  *http.ServeMux
	logger  *slog.Logger
	started time.Time

	registry  *sandbox.Registry
	terminals *terminal.Manager
	events    *events.Handler
}

// ServerConfig holds the components the server exposes
type ServerConfig struct {
	Config    *config.LocalConfig
	Registry  *sandbox.Registry
	Terminals *terminal.Manager
	Events    *events.Handler
	Logger    *slog.Logger
}

// NewServer creates a new daemon server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Registry == nil || cfg.Terminals == nil || cfg.Events == nil {
		return nil, errors.New("registry, terminals and events handler are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg.Config,
		router:    http.NewServeMux(),
		logger:    logger,
		started:   time.Now(),
		registry:  cfg.Registry,
		terminals: cfg.Terminals,
		events:    cfg.Events,
	}
	s.setupRoutes()

	addr := net.JoinHostPort(cfg.Config.Daemon.Bind, fmt.Sprint(cfg.Config.Daemon.Port))
	handler := correlationIDMiddleware(recoveryMiddleware(logger, loggingMiddleware(logger, s.router)))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		// Provisioning a room can pull an image and run the setup command.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health & status
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)
	s.router.HandleFunc("GET /v1/config", s.handleGetConfig)

	// Rooms
	s.router.HandleFunc("GET /v1/rooms", s.handleListRooms)
	s.router.HandleFunc("POST /v1/rooms/sweep", s.handleSweep)
	s.router.HandleFunc("GET /v1/rooms/{id}", s.handleGetRoom)
	s.router.HandleFunc("POST /v1/rooms/{id}", s.handleProvisionRoom)
	s.router.HandleFunc("DELETE /v1/rooms/{id}", s.handleCleanupRoom)

	// Event surface
	s.router.Handle("GET /v1/ws", s.events)
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting coderoom daemon",
		"addr", s.server.Addr,
		"image", s.registry.Config().Image,
		"storage", s.cfg.Storage.Driver,
	)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, disconnects WebSocket clients and tears
// down every room sandbox.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down daemon...")

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close events: %w", err))
	}
	s.terminals.Close()
	if err := s.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close registry: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Rooms         int    `json:"rooms"`
	Terminals     int    `json:"terminals"`
	Connections   int    `json:"connections"`
	JoinedRooms   int    `json:"joined_rooms"`
	Storage       string `json:"storage"`
	Queue         bool   `json:"queue"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, StatusResponse{
		Status:        "running",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Rooms:         len(s.registry.Rooms()),
		Terminals:     s.terminals.Count(),
		Connections:   s.events.Connections(),
		JoinedRooms:   s.events.Hub().RoomCount(),
		Storage:       s.cfg.Storage.Driver,
		Queue:         s.cfg.Queue.Enabled,
	})
}

// handleGetConfig returns the effective configuration without secrets.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"daemon": map[string]interface{}{
			"bind":            s.cfg.Daemon.Bind,
			"port":            s.cfg.Daemon.Port,
			"log_level":       s.cfg.Daemon.LogLevel,
			"allowed_origins": s.cfg.Daemon.AllowedOrigins,
		},
		"sandbox": s.cfg.Sandbox,
		"sweep":   s.cfg.Sweep,
		"storage": map[string]interface{}{"driver": s.cfg.Storage.Driver},
		"queue":   map[string]interface{}{"enabled": s.cfg.Queue.Enabled},
		"mcp":     s.cfg.MCP,
		"events":  s.cfg.Events,
	})
}

// RoomResponse describes one room sandbox.
type RoomResponse struct {
	sandbox.Sandbox
	Members     []string `json:"members"`
	TerminalIDs []string `json:"terminal_ids"`
}

func (s *Server) roomResponse(sb sandbox.Sandbox) RoomResponse {
	resp := RoomResponse{
		Sandbox:     sb,
		Members:     s.events.Hub().Members(sb.RoomID),
		TerminalIDs: []string{},
	}
	for _, sess := range s.terminals.Sessions(sb.RoomID) {
		resp.TerminalIDs = append(resp.TerminalIDs, sess.ID())
	}
	return resp
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.registry.Rooms()
	resp := make([]RoomResponse, 0, len(rooms))
	for _, sb := range rooms {
		resp = append(resp, s.roomResponse(sb))
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": resp,
		"count": len(resp),
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	sb, ok := s.registry.Lookup(roomID)
	if !ok {
		s.jsonError(w, http.StatusNotFound, "room has no sandbox", sandbox.ErrSandboxNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.roomResponse(sb.Snapshot()))
}

func (s *Server) handleProvisionRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	sb, err := s.registry.GetOrCreate(r.Context(), roomID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sandbox.ErrMaxSandboxes), errors.Is(err, sandbox.ErrRegistryClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, sandbox.ErrInvalidRoom):
			status = http.StatusBadRequest
		}
		s.jsonError(w, status, "failed to provision room", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.roomResponse(sb.Snapshot()))
}

func (s *Server) handleCleanupRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	cleaned := s.registry.Cleanup(r.Context(), roomID)
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id": roomID,
		"cleaned": cleaned,
	})
}

// handleSweep runs one idle sweep. max_idle defaults to the configured
// threshold; "0s" cleans every room.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	maxIdle := s.cfg.Sweep.MaxIdle()
	if v := r.URL.Query().Get("max_idle"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.jsonError(w, http.StatusBadRequest, "max_idle must be a non-negative duration", err)
			return
		}
		maxIdle = d
	}

	cleaned := s.registry.SweepIdle(r.Context(), maxIdle)
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"cleaned":  cleaned,
		"max_idle": maxIdle.String(),
	})
}

// Helper methods

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.jsonResponse(w, status, response)
}
