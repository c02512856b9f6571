package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/config"
	"github.com/felixgeelhaar/coderoom/internal/events"
	"github.com/felixgeelhaar/coderoom/internal/fsbridge"
	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	"github.com/felixgeelhaar/coderoom/internal/terminal"
	"github.com/gorilla/websocket"
)

// setupTestServer creates a server over an in-memory backend
func setupTestServer(t *testing.T, mutate func(*config.LocalConfig, *sandbox.Config)) (*Server, *mockBackend) {
	t.Helper()

	cfg := config.DefaultLocalConfig()
	cfg.Daemon.Port = 0
	sbCfg := sandbox.DefaultConfig()
	if mutate != nil {
		mutate(cfg, &sbCfg)
	}

	logger := discardLogger()
	backend := newMockBackend()
	registry := sandbox.NewRegistry(backend, sbCfg, sandbox.WithLogger(logger))
	terminals := terminal.NewManager(registry, terminal.WithLogger(logger))
	bridge := fsbridge.New(registry, sbCfg.WorkDir, fsbridge.WithLogger(logger))
	handler := events.NewHandler(registry, terminals, bridge, events.Config{SendBuffer: 64}, logger)

	server, err := NewServer(ServerConfig{
		Config:    cfg,
		Registry:  registry,
		Terminals: terminals,
		Events:    handler,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return server, backend
}

func do(t *testing.T, server *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestNewServer_RequiresComponents(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Error("NewServer() without config should fail")
	}
	if _, err := NewServer(ServerConfig{Config: config.DefaultLocalConfig()}); err == nil {
		t.Error("NewServer() without components should fail")
	}
}

func TestNewServer_Addr(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.LocalConfig, _ *sandbox.Config) {
		c.Daemon.Bind = "127.0.0.1"
		c.Daemon.Port = 7433
	})
	if server.Addr() != "127.0.0.1:7433" {
		t.Errorf("Addr() = %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	w := do(t, server, http.MethodGet, "/v1/health")
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp map[string]interface{}
	decodeBody(t, w, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	do(t, server, http.MethodPost, "/v1/rooms/r1")
	w := do(t, server, http.MethodGet, "/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp StatusResponse
	decodeBody(t, w, &resp)
	if resp.Status != "running" || resp.Version != Version {
		t.Errorf("status = %+v", resp)
	}
	if resp.Rooms != 1 {
		t.Errorf("rooms = %d; want 1", resp.Rooms)
	}
	if resp.Storage != "sqlite" {
		t.Errorf("storage = %q; want sqlite", resp.Storage)
	}
}

func TestConfigEndpoint_OmitsSecrets(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.LocalConfig, _ *sandbox.Config) {
		c.Storage.Driver = "postgres"
		c.Storage.PostgresURL = "postgres://user:hunter2@db/coderoom"
		c.Queue.Enabled = true
		c.Queue.URL = "amqp://guest:hunter2@mq:5672/"
	})

	w := do(t, server, http.MethodGet, "/v1/config")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "hunter2") {
		t.Errorf("config response leaks a connection string: %s", body)
	}
	if !strings.Contains(body, `"driver":"postgres"`) {
		t.Errorf("config response missing storage driver: %s", body)
	}
}

func TestRoomLifecycle(t *testing.T) {
	server, backend := setupTestServer(t, nil)

	w := do(t, server, http.MethodPost, "/v1/rooms/r1")
	if w.Code != http.StatusOK {
		t.Fatalf("provision status = %d, body = %s", w.Code, w.Body.String())
	}
	var room RoomResponse
	decodeBody(t, w, &room)
	if room.RoomID != "r1" || room.Status != sandbox.StatusReady || room.ContainerID == "" {
		t.Errorf("provisioned room = %+v", room)
	}

	// Provisioning again returns the same sandbox.
	w = do(t, server, http.MethodPost, "/v1/rooms/r1")
	var again RoomResponse
	decodeBody(t, w, &again)
	if again.ID != room.ID {
		t.Errorf("second provision id = %q; want %q", again.ID, room.ID)
	}

	w = do(t, server, http.MethodGet, "/v1/rooms")
	var list struct {
		Rooms []RoomResponse `json:"rooms"`
		Count int            `json:"count"`
	}
	decodeBody(t, w, &list)
	if list.Count != 1 || list.Rooms[0].RoomID != "r1" {
		t.Errorf("rooms = %+v", list)
	}

	w = do(t, server, http.MethodGet, "/v1/rooms/r1")
	if w.Code != http.StatusOK {
		t.Errorf("get room status = %d", w.Code)
	}

	w = do(t, server, http.MethodDelete, "/v1/rooms/r1")
	var cleanup struct {
		Cleaned bool `json:"cleaned"`
	}
	decodeBody(t, w, &cleanup)
	if !cleanup.Cleaned {
		t.Error("first cleanup should report cleaned")
	}
	if backend.destroyedCount() != 1 {
		t.Errorf("destroyed = %d; want 1", backend.destroyedCount())
	}

	w = do(t, server, http.MethodDelete, "/v1/rooms/r1")
	cleanup.Cleaned = true
	decodeBody(t, w, &cleanup)
	if cleanup.Cleaned {
		t.Error("second cleanup should be a no-op")
	}

	if w := do(t, server, http.MethodGet, "/v1/rooms/r1"); w.Code != http.StatusNotFound {
		t.Errorf("get after cleanup status = %d; want 404", w.Code)
	}
}

func TestProvisionRoom_Errors(t *testing.T) {
	t.Run("backend failure", func(t *testing.T) {
		server, backend := setupTestServer(t, nil)
		backend.createFn = func(context.Context, sandbox.Config, map[string]string) (string, error) {
			return "", errors.New("docker unavailable")
		}

		w := do(t, server, http.MethodPost, "/v1/rooms/r1")
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d; want 500", w.Code)
		}
		var resp map[string]interface{}
		decodeBody(t, w, &resp)
		if !strings.Contains(resp["details"].(string), "docker unavailable") {
			t.Errorf("details = %v", resp["details"])
		}
	})

	t.Run("capacity", func(t *testing.T) {
		server, _ := setupTestServer(t, func(_ *config.LocalConfig, sb *sandbox.Config) {
			sb.MaxSandboxes = 1
		})

		if w := do(t, server, http.MethodPost, "/v1/rooms/r1"); w.Code != http.StatusOK {
			t.Fatalf("first room status = %d", w.Code)
		}
		if w := do(t, server, http.MethodPost, "/v1/rooms/r2"); w.Code != http.StatusServiceUnavailable {
			t.Errorf("second room status = %d; want 503", w.Code)
		}
	})
}

func TestSweepEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	do(t, server, http.MethodPost, "/v1/rooms/r1")
	do(t, server, http.MethodPost, "/v1/rooms/r2")

	if w := do(t, server, http.MethodPost, "/v1/rooms/sweep?max_idle=soon"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid max_idle status = %d; want 400", w.Code)
	}
	if w := do(t, server, http.MethodPost, "/v1/rooms/sweep?max_idle=-1s"); w.Code != http.StatusBadRequest {
		t.Errorf("negative max_idle status = %d; want 400", w.Code)
	}

	// Fresh rooms survive the default threshold.
	w := do(t, server, http.MethodPost, "/v1/rooms/sweep")
	var resp struct {
		Cleaned int    `json:"cleaned"`
		MaxIdle string `json:"max_idle"`
	}
	decodeBody(t, w, &resp)
	if resp.Cleaned != 0 || resp.MaxIdle != "1h0m0s" {
		t.Errorf("default sweep = %+v", resp)
	}

	w = do(t, server, http.MethodPost, "/v1/rooms/sweep?max_idle=0s")
	decodeBody(t, w, &resp)
	if resp.Cleaned != 2 {
		t.Errorf("cleaned = %d; want 2", resp.Cleaned)
	}
	if len(server.registry.Rooms()) != 0 {
		t.Errorf("rooms remaining = %d", len(server.registry.Rooms()))
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	if w := do(t, server, http.MethodGet, "/v1/nope"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d; want 404", w.Code)
	}
	if w := do(t, server, http.MethodPut, "/v1/rooms/r1"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d; want 405", w.Code)
	}
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if resp.Header.Get(CorrelationIDHeader) == "" {
		t.Error("upgrade response is missing the correlation id")
	}

	err = ws.WriteJSON(map[string]any{
		"event": events.EventJoinRoom,
		"data":  events.JoinRoomRequest{RoomID: "r1", Username: "ana"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame events.Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Event != events.EventContainerReady {
		t.Fatalf("event = %q; want %q", frame.Event, events.EventContainerReady)
	}
	var ready events.ContainerReady
	if err := json.Unmarshal(frame.Data, &ready); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ready.RoomID != "r1" {
		t.Errorf("ready = %+v", ready)
	}

	w := do(t, server, http.MethodGet, "/v1/rooms/r1")
	var room RoomResponse
	decodeBody(t, w, &room)
	if len(room.Members) != 1 {
		t.Errorf("members = %v; want one connection", room.Members)
	}
}
