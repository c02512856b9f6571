package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
)

type roomInfo struct {
	sandbox.Sandbox
	Members     []string `json:"members"`
	TerminalIDs []string `json:"terminal_ids"`
}

// cmdRooms lists rooms with a live sandbox
func cmdRooms(w io.Writer, c *client) error {
	var resp struct {
		Rooms []roomInfo `json:"rooms"`
		Count int        `json:"count"`
	}
	if err := c.do(context.Background(), http.MethodGet, "/v1/rooms", &resp); err != nil {
		return err
	}

	if resp.Count == 0 {
		fmt.Fprintln(w, "No active rooms")
		return nil
	}

	fmt.Fprintf(w, "%-20s %-10s %-14s %-8s %-9s %s\n", "ROOM", "STATUS", "CONTAINER", "MEMBERS", "TERMINALS", "IDLE")
	for _, r := range resp.Rooms {
		idle := time.Since(r.LastActiveAt).Truncate(time.Second)
		fmt.Fprintf(w, "%-20s %-10s %-14s %-8d %-9d %s\n",
			r.RoomID, r.Status, shortID(r.ContainerID), len(r.Members), len(r.TerminalIDs), idle)
	}
	fmt.Fprintf(w, "\n%d room(s)\n", resp.Count)
	return nil
}

// cmdCleanup destroys the sandbox of one room
func cmdCleanup(w io.Writer, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("room id required (usage: coderoom cleanup <room>)")
	}
	roomID := args[0]

	var resp struct {
		Cleaned bool `json:"cleaned"`
	}
	if err := c.do(context.Background(), http.MethodDelete, "/v1/rooms/"+url.PathEscape(roomID), &resp); err != nil {
		return err
	}

	if resp.Cleaned {
		fmt.Fprintf(w, "✓ Destroyed sandbox for room %s\n", roomID)
	} else {
		fmt.Fprintf(w, "Room %s has no sandbox\n", roomID)
	}
	return nil
}

// cmdSweep destroys sandboxes idle longer than the given threshold
func cmdSweep(w io.Writer, c *client, args []string) error {
	path := "/v1/rooms/sweep"
	if len(args) > 0 {
		if _, err := time.ParseDuration(args[0]); err != nil {
			return fmt.Errorf("invalid idle threshold %q: %w", args[0], err)
		}
		path += "?max_idle=" + url.QueryEscape(args[0])
	}

	var resp struct {
		Cleaned int    `json:"cleaned"`
		MaxIdle string `json:"max_idle"`
	}
	if err := c.do(context.Background(), http.MethodPost, path, &resp); err != nil {
		return err
	}

	fmt.Fprintf(w, "Destroyed %d sandbox(es) idle longer than %s\n", resp.Cleaned, resp.MaxIdle)
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "-"
	}
	return id
}
