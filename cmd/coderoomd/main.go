package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/config"
	"github.com/felixgeelhaar/coderoom/internal/daemon"
	"github.com/felixgeelhaar/coderoom/internal/events"
	"github.com/felixgeelhaar/coderoom/internal/fsbridge"
	mcpserver "github.com/felixgeelhaar/coderoom/internal/mcp"
	"github.com/felixgeelhaar/coderoom/internal/queue"
	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	"github.com/felixgeelhaar/coderoom/internal/terminal"
)

const (
	pidFileName = "coderoomd.pid"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dir, err := config.EnsureCoderoomDir()
	if err != nil {
		return fmt.Errorf("ensure coderoom dir: %w", err)
	}

	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFile, err := setupLogging(dir, parseLogLevel(cfg.Daemon.LogLevel))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logFile.Close()
	logger := slog.Default()

	pidPath := filepath.Join(dir, pidFileName)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := sandbox.NewDockerBackend()
	if err != nil {
		return fmt.Errorf("create docker backend: %w", err)
	}
	if err := backend.Ping(ctx); err != nil {
		backend.Close()
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		backend.Close()
		return err
	}
	defer closeStore()

	opts := []sandbox.Option{sandbox.WithLogger(logger)}
	if store != nil {
		opts = append(opts, sandbox.WithStore(store))
	}

	var conn *queue.Connection
	if cfg.Queue.Enabled {
		conn, err = queue.NewConnection(cfg.Queue.URL, queue.WithConnectionLogger(logger))
		if err != nil {
			backend.Close()
			return fmt.Errorf("connect queue: %w", err)
		}
		defer conn.Close()
		opts = append(opts, sandbox.WithPublisher(queue.NewProducer(conn, logger)))
	}

	sbCfg := sandboxConfig(cfg)
	registry := sandbox.NewRegistry(backend, sbCfg, opts...)

	if n, err := registry.ReapOrphans(ctx); err != nil {
		logger.Warn("failed to reap orphaned sandboxes", "error", err)
	} else if n > 0 {
		logger.Info("reaped orphaned sandboxes", "count", n)
	}

	if interval := cfg.Sweep.SweepInterval(); interval > 0 {
		registry.StartSweepLoop(ctx, interval, cfg.Sweep.MaxIdle())
	}

	terminals := terminal.NewManager(registry, terminal.WithLogger(logger))
	bridge := fsbridge.New(registry, sbCfg.WorkDir, fsbridge.WithLogger(logger))
	handler := events.NewHandler(registry, terminals, bridge, events.Config{
		RatePerSecond:  cfg.Events.RatePerSecond,
		SendBuffer:     cfg.Events.SendBuffer,
		AllowedOrigins: cfg.Daemon.AllowedOrigins,
	}, logger)

	var consumer *queue.Consumer
	if conn != nil {
		consumer = queue.NewConsumer(conn, registry, queue.DefaultConsumerConfig(), logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Warn("room command consumer not started", "error", err)
			consumer = nil
		}
	}

	if cfg.MCP.Enabled {
		tools := mcpserver.NewServer(mcpserver.Config{Rooms: registry, Files: bridge, Version: daemon.Version})
		go func() {
			logger.Info("mcp server listening", "addr", cfg.MCP.Addr)
			if err := tools.ServeHTTP(ctx, cfg.MCP.Addr); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mcp server error", "error", err)
			}
		}()
	}

	server, err := daemon.NewServer(daemon.ServerConfig{
		Config:    cfg,
		Registry:  registry,
		Terminals: terminals,
		Events:    handler,
		Logger:    logger,
	})
	if err != nil {
		_ = registry.Close(ctx)
		return fmt.Errorf("create server: %w", err)
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received signal, shutting down", "signal", sig.String())

		if consumer != nil {
			consumer.Stop()
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		close(done)
	}()

	logger.Info("coderoom daemon starting",
		"addr", server.Addr(),
		"version", daemon.Version,
		"image", sbCfg.Image,
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Enabled,
	)
	if err := server.Start(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("daemon stopped")
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
