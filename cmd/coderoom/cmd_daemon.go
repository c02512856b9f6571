package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/config"
	"github.com/felixgeelhaar/coderoom/internal/daemon"
)

// cmdStart starts the daemon in the background
func cmdStart() error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c := newClient(cfg)

	if c.healthy(context.Background()) {
		fmt.Println("✓ Daemon is already running")
		return nil
	}

	dir, err := config.EnsureCoderoomDir()
	if err != nil {
		return fmt.Errorf("setup coderoom directory: %w", err)
	}

	bin, err := findDaemonBinary()
	if err != nil {
		return fmt.Errorf("find daemon binary: %w", err)
	}

	cmd := exec.Command(bin)
	cmd.Dir = dir
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// Image pulls and orphan reaping happen before the listener is up.
	fmt.Print("Starting daemon...")
	for i := 0; i < 100; i++ {
		time.Sleep(100 * time.Millisecond)
		if c.healthy(context.Background()) {
			fmt.Println(" ✓")
			fmt.Printf("Daemon running at %s\n", c.base)
			return nil
		}
		if i%5 == 0 {
			fmt.Print(".")
		}
	}

	fmt.Println(" ✗")
	return fmt.Errorf("daemon failed to start (check logs with 'coderoom logs')")
}

// cmdStop stops the daemon
func cmdStop() error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c := newClient(cfg)

	if !c.healthy(context.Background()) {
		fmt.Println("Daemon is not running")
		return nil
	}

	dir, err := config.CoderoomDir()
	if err != nil {
		return err
	}
	pid, err := readPID(filepath.Join(dir, pidFile))
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	fmt.Print("Stopping daemon...")
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	// Shutdown destroys every live sandbox, which can take a while.
	for i := 0; i < 300; i++ {
		time.Sleep(100 * time.Millisecond)
		if !c.healthy(context.Background()) {
			fmt.Println(" ✓")
			return nil
		}
		if i%5 == 0 {
			fmt.Print(".")
		}
	}

	fmt.Println(" ✗")
	return fmt.Errorf("daemon did not stop gracefully")
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID: %w", err)
	}
	return pid, nil
}

// cmdStatus shows daemon status
func cmdStatus() error {
	return withClient(func(c *client) error {
		return printStatus(os.Stdout, c)
	})
}

func printStatus(w io.Writer, c *client) error {
	var status daemon.StatusResponse
	err := c.do(context.Background(), http.MethodGet, "/v1/status", &status)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return err
		}
		fmt.Fprintln(w, "Status: stopped")
		return nil
	}

	queue := "disabled"
	if status.Queue {
		queue = "enabled"
	}
	fmt.Fprintf(w, "Status:      %s\n", status.Status)
	fmt.Fprintf(w, "Version:     %s\n", status.Version)
	fmt.Fprintf(w, "Uptime:      %s\n", time.Duration(status.UptimeSeconds)*time.Second)
	fmt.Fprintf(w, "Rooms:       %d (%d joined)\n", status.Rooms, status.JoinedRooms)
	fmt.Fprintf(w, "Terminals:   %d\n", status.Terminals)
	fmt.Fprintf(w, "Connections: %d\n", status.Connections)
	fmt.Fprintf(w, "Storage:     %s\n", status.Storage)
	fmt.Fprintf(w, "Queue:       %s\n", queue)
	fmt.Fprintf(w, "Address:     %s\n", c.base)
	return nil
}

// cmdLogs shows daemon logs
func cmdLogs() error {
	dir, err := config.CoderoomDir()
	if err != nil {
		return err
	}
	return tailLog(os.Stdout, filepath.Join(dir, "logs", "coderoomd.log"), 4096)
}

// tailLog prints roughly the last n bytes of a log file, starting at a
// line boundary.
func tailLog(w io.Writer, path string, n int64) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(w, "No log file found. Start the daemon first.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReader(file)
	if offset > 0 {
		_, _ = reader.ReadString('\n')
	}

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
	return scanner.Err()
}

// findDaemonBinary locates the coderoomd binary
func findDaemonBinary() (string, error) {
	if path, err := exec.LookPath("coderoomd"); err == nil {
		return path, nil
	}

	if self, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(self), "coderoomd")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	locations := []string{
		"/usr/local/bin/coderoomd",
		"./coderoomd",
		"./cmd/coderoomd/coderoomd",
	}
	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("coderoomd binary not found (build with 'go build ./cmd/coderoomd')")
}
