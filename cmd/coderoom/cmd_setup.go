package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/config"
	"github.com/felixgeelhaar/coderoom/internal/sandbox"
)

// cmdInit creates ~/.coderoom and a default configuration
func cmdInit() error {
	fmt.Println("coderoom - First-Time Setup")
	fmt.Println("===========================")
	fmt.Println()

	fmt.Print("Creating ~/.coderoom directory structure... ")
	dir, err := config.EnsureCoderoomDir()
	if err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	fmt.Println("✓")

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Print("Creating default configuration... ")
		if err := config.SaveLocalConfig(config.DefaultLocalConfig()); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println("✓")
	} else {
		fmt.Println("Configuration already exists ✓")
	}

	fmt.Print("Checking Docker... ")
	if err := checkDocker(context.Background()); err != nil {
		fmt.Printf("⚠ %v\n", err)
	} else {
		fmt.Println("✓")
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. coderoom start          # Start the daemon")
	fmt.Println("  2. coderoom doctor         # Verify the setup")
	fmt.Printf("  3. edit %s to change the sandbox image\n", configPath)
	fmt.Println()
	fmt.Println("Connection strings for Postgres and RabbitMQ go in secrets.yaml")
	fmt.Println("(postgres_url, rabbitmq_url) or CODEROOM_POSTGRES_URL / CODEROOM_RABBITMQ_URL.")

	return nil
}

// cmdDoctor checks system requirements
func cmdDoctor() error {
	fmt.Println("coderoom Doctor")
	fmt.Println("===============")
	fmt.Println()

	allGood := true

	fmt.Print("Configuration: ")
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return nil
	}
	fmt.Println("✓")

	fmt.Print("Docker:        ")
	if err := checkDocker(context.Background()); err != nil {
		fmt.Printf("✗ %v\n", err)
		allGood = false
	} else {
		fmt.Println("✓")
	}

	fmt.Print("Storage:       ")
	switch {
	case cfg.Storage.Driver == "postgres" && cfg.Storage.PostgresURL == "":
		fmt.Println("✗ postgres selected but no postgres_url configured")
		allGood = false
	default:
		fmt.Printf("✓ %s\n", cfg.Storage.Driver)
	}

	fmt.Print("Queue:         ")
	switch {
	case !cfg.Queue.Enabled:
		fmt.Println("- disabled")
	case cfg.Queue.URL == "":
		fmt.Println("✗ enabled but no rabbitmq_url configured")
		allGood = false
	default:
		fmt.Println("✓ enabled")
	}

	fmt.Print("Daemon:        ")
	c := newClient(cfg)
	if c.healthy(context.Background()) {
		fmt.Printf("✓ running at %s\n", c.base)
	} else {
		fmt.Println("✗ not running (run 'coderoom start')")
	}

	fmt.Println()
	if allGood {
		fmt.Println("All checks passed! ✓")
	} else {
		fmt.Println("Some checks failed. Please fix the issues above.")
	}

	return nil
}

// checkDocker pings the Docker daemon through the SDK.
func checkDocker(ctx context.Context) error {
	backend, err := sandbox.NewDockerBackend()
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := backend.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not running: %w", err)
	}
	return nil
}

// cmdConfig shows current configuration
func cmdConfig() error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	printConfig(os.Stdout, cfg)

	dir, _ := config.CoderoomDir()
	fmt.Printf("\nConfig path: %s/config.yaml\n", dir)
	return nil
}

func printConfig(w io.Writer, cfg *config.LocalConfig) {
	fmt.Fprintln(w, "Daemon:")
	fmt.Fprintf(w, "  bind: %s:%d\n", cfg.Daemon.Bind, cfg.Daemon.Port)
	fmt.Fprintf(w, "  log_level: %s\n", cfg.Daemon.LogLevel)

	fmt.Fprintln(w, "\nSandbox:")
	fmt.Fprintf(w, "  image: %s\n", cfg.Sandbox.Image)
	fmt.Fprintf(w, "  workdir: %s\n", cfg.Sandbox.WorkDir)
	fmt.Fprintf(w, "  memory: %dMB cpu: %.2f pids: %d\n", cfg.Sandbox.MemoryMB, cfg.Sandbox.CPULimit, cfg.Sandbox.PidsLimit)
	fmt.Fprintf(w, "  network_off: %t\n", cfg.Sandbox.NetworkOff)
	fmt.Fprintf(w, "  max_sandboxes: %d\n", cfg.Sandbox.MaxSandboxes)

	fmt.Fprintln(w, "\nSweep:")
	fmt.Fprintf(w, "  interval: %s\n", cfg.Sweep.SweepInterval())
	fmt.Fprintf(w, "  max_idle: %s (since %s)\n", cfg.Sweep.MaxIdle(), cfg.Sweep.Basis)

	fmt.Fprintln(w, "\nStorage:")
	fmt.Fprintf(w, "  driver: %s\n", cfg.Storage.Driver)
	if cfg.Storage.Driver == "sqlite" {
		fmt.Fprintf(w, "  path: %s\n", cfg.Storage.SQLitePath)
	}

	fmt.Fprintln(w, "\nIntegrations:")
	fmt.Fprintf(w, "  queue: %t\n", cfg.Queue.Enabled)
	fmt.Fprintf(w, "  mcp: %t (%s)\n", cfg.MCP.Enabled, cfg.MCP.Addr)
}
