package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/coderoom/internal/config"
	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	"github.com/felixgeelhaar/coderoom/internal/storage/postgres"
	"github.com/felixgeelhaar/coderoom/internal/storage/sqlite"
)

// sandboxConfig maps the daemon configuration onto registry settings.
func sandboxConfig(cfg *config.LocalConfig) sandbox.Config {
	sb := cfg.Sandbox
	out := sandbox.Config{
		Image:                sb.Image,
		WorkDir:              sb.WorkDir,
		MemoryMB:             sb.MemoryMB,
		CPULimit:             sb.CPULimit,
		CPUShares:            sb.CPUShares,
		PidsLimit:            sb.PidsLimit,
		NetworkOff:           sb.NetworkOff,
		Shell:                sb.Shell,
		SetupCommand:         sb.SetupCommand,
		ExecTimeout:          sb.ExecTimeout(),
		MaxSandboxes:         sb.MaxSandboxes,
		MaxConcurrentCreates: sb.MaxConcurrentCreates,
		IdleBasis:            sandbox.IdleBasis(cfg.Sweep.Basis),
	}
	out.Validate()
	return out
}

// openStore opens the configured sandbox store. A nil store with a no-op
// closer is returned when persistence is disabled.
func openStore(ctx context.Context, cfg *config.LocalConfig, logger *slog.Logger) (sandbox.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "", "none":
		return nil, func() {}, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.WithLogger(logger).Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return sqlite.NewSandboxStore(db), func() { db.Close() }, nil

	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewSandboxStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, pool.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
