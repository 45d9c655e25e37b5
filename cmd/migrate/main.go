// Command migrate manages the database schema and the first metadata key.
//
//	migrate up         apply engine and River migrations
//	migrate down       roll back engine migrations
//	migrate version    print the engine schema version
//	migrate bootstrap  apply migrations and generate the first metadata key
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liquidpay/backend/internal/config"
	"github.com/liquidpay/backend/internal/events"
	"github.com/liquidpay/backend/internal/keys"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|version|bootstrap")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(context.Background(), os.Args[1], cfg, logger); err != nil {
		slog.Error("migrate failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, cfg *config.Config, logger *slog.Logger) error {
	m, err := migrations.New(cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	switch cmd {
	case "down":
		return m.Down()
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
		return nil
	case "up", "bootstrap":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err := m.Up(); err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	if err := migrations.RiverUp(ctx, pool, logger); err != nil {
		return err
	}
	if cmd == "up" {
		return nil
	}

	mgr, err := keys.NewManager(ledger.NewRepository(pool), cfg.Keys.KEK, cfg.Keys.RotationInterval, logger, events.Nop{})
	if err != nil {
		return err
	}
	k, err := mgr.Bootstrap(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("bootstrap key: %w", err)
	}
	slog.Info("Active metadata key ready", "key_id", k.ID, "rotate_by", k.RotateBy)
	return nil
}
