package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/config"
)

// client talks to the daemon's HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(cfg *config.LocalConfig) *client {
	host := cfg.Daemon.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return &client{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Daemon.Port)),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// withClient loads the configuration and runs fn against the daemon.
func withClient(fn func(*client) error) error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return fn(newClient(cfg))
}

// apiError is the daemon's JSON error body.
type apiError struct {
	Message string `json:"error"`
	Details string `json:"details"`
	Status  int    `json:"status"`
}

func (e *apiError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (c *client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (run 'coderoom start'): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// healthy reports whether the daemon answers its health check.
func (c *client) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/v1/health", nil) == nil
}
