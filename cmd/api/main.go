package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/liquidpay/backend/internal/cache"
	"github.com/liquidpay/backend/internal/config"
	"github.com/liquidpay/backend/internal/events"
	"github.com/liquidpay/backend/internal/execution"
	"github.com/liquidpay/backend/internal/keys"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/limits"
	"github.com/liquidpay/backend/internal/migrations"
	"github.com/liquidpay/backend/internal/payout"
	"github.com/liquidpay/backend/internal/rail"
	"github.com/liquidpay/backend/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.App.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if cfg.Database.MigrateOnStart {
		if err := migrateAll(ctx, cfg.Database.URL, pool, logger); err != nil {
			slog.Error("Migrations failed", "error", err)
			os.Exit(1)
		}
	}

	// Events: in-process bus, optionally forwarded to AMQP.
	bus := events.NewBus(logger)
	var forwarded <-chan struct{}
	if cfg.AMQP.URL != "" {
		conn, done, err := startForwarder(ctx, cfg.AMQP, bus, logger)
		if err != nil {
			slog.Error("AMQP forwarding disabled", "error", err)
		} else {
			defer conn.Close()
			forwarded = done
		}
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Keys: payout processing must not start without an active key.
	keyMgr, err := keys.NewManager(ledgerRepo, cfg.Keys.KEK, cfg.Keys.RotationInterval, logger, bus)
	if err != nil {
		slog.Error("Key manager init failed", "error", err)
		os.Exit(1)
	}
	if err := keyMgr.Load(ctx); err != nil {
		if errors.Is(err, keys.ErrKeyUnavailable) {
			slog.Error("No active metadata key. Run `migrate bootstrap` first", "error", err)
		} else {
			slog.Error("Loading metadata keys failed", "error", err)
		}
		os.Exit(1)
	}

	railClient := rail.NewHTTPClient(rail.HTTPConfig{
		BaseURL: cfg.Rail.BaseURL(),
		APIKey:  cfg.Rail.APIKey,
		Timeout: cfg.Rail.Timeout,
	}, logger)
	slog.Info("Payment rail configured", "environment", cfg.Rail.Environment, "base_url", cfg.Rail.BaseURL())

	enforcer := limits.NewEnforcer(limits.Ceilings{
		limits.WindowDay:   cfg.Limits.Day,
		limits.WindowWeek:  cfg.Limits.Week,
		limits.WindowMonth: cfg.Limits.Month,
		limits.WindowYear:  cfg.Limits.Year,
	}, ledgerRepo)

	// Jobs: the inserter is set after the River client is created (breaks init cycle).
	jobs := &lateInserter{}

	orchestrator := payout.New(payout.Config{
		FeePercentage:      cfg.Fees.Percentage,
		FlatFee:            cfg.Fees.Flat,
		SettlementCurrency: cfg.Fees.SettlementCurrency,
		Methods:            cfg.Payout.Methods,
		RetryAttempts:      cfg.Payout.RetryAttempts,
		RetryInterval:      cfg.Payout.RetryInterval,
		RailTimeout:        cfg.Rail.Timeout,
	}, payout.Deps{
		Store:   ledgerRepo,
		Limits:  enforcer,
		Rail:    railClient,
		Sealer:  keyMgr,
		Enqueue: execution.EnqueueAttemptTx(jobs),
		Events:  bus,
		Logger:  logger,
	})

	replay, closeReplay, err := replayGuard(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Callback replay guard init failed", "error", err)
		os.Exit(1)
	}
	defer closeReplay()

	reconciler := reconcile.New(reconcile.Config{
		Grace:          cfg.Reconciliation.Grace,
		CallbackSecret: []byte(cfg.Reconciliation.CallbackSecret),
		ReplayTTL:      cfg.Reconciliation.ReplayTTL,
		QueryTimeout:   cfg.Rail.Timeout,
	}, ledgerRepo, orchestrator, railClient, replay, execution.RequeueAttempt(jobs), logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewExecuteAttemptWorker(orchestrator, 2*cfg.Rail.Timeout+10*time.Second, logger))
	river.AddWorker(workers, execution.NewReconcileSweepWorker(reconciler))
	river.AddWorker(workers, execution.NewKeyMaintenanceWorker(keyMgr, cfg.Keys.ReencryptBatch, logger))
	river.AddWorker(workers, execution.NewRetentionPurgeWorker(ledgerSvc, cfg.Retention.Window(), logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  execution.Queues(cfg.Payout.RetryConcurrency),
		Workers: workers,
		PeriodicJobs: execution.PeriodicJobs(execution.Schedule{
			Sweep:     cfg.Reconciliation.SweepInterval,
			Keys:      cfg.Keys.CheckInterval,
			Retention: cfg.Retention.PurgeInterval,
		}),
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	jobs.set(riverClient)

	srv := &http.Server{
		Addr:         "0.0.0.0:" + cfg.App.Port,
		Handler:      buildHandler(cfg, pool, orchestrator, ledgerSvc, reconciler, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// River is stopped explicitly below; cancelling its start context would hard-stop running jobs.
	if err := riverClient.Start(context.WithoutCancel(ctx)); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()
	bus.Publish(events.Event{Type: events.EngineActivated, At: time.Now().UTC()})

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown failed", "error", err)
	}
	bus.Publish(events.Event{Type: events.EngineDeactivated, At: time.Now().UTC()})
	bus.Close()
	if forwarded != nil {
		// conn.Close is deferred; hold it until the forwarder has drained.
		select {
		case <-forwarded:
		case <-time.After(cfg.HTTP.ShutdownTimeout):
			slog.Warn("AMQP forwarder did not drain before shutdown timeout")
		}
	}
}

func migrateAll(ctx context.Context, url string, pool *pgxpool.Pool, logger *slog.Logger) error {
	m, err := migrations.New(url, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil {
		return err
	}
	return migrations.RiverUp(ctx, pool, logger)
}

func startForwarder(ctx context.Context, cfg config.AMQPConfig, bus *events.Bus, logger *slog.Logger) (*amqp.Connection, <-chan struct{}, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	fwd, err := events.NewForwarder(ch, cfg.Exchange, logger)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	// The forwarder drains until the bus closes, so shutdown events still go out.
	sub, _ := bus.Subscribe(256)
	done := fwd.Start(context.WithoutCancel(ctx), sub)
	slog.Info("Forwarding events to AMQP", "exchange", cfg.Exchange)
	return conn, done, nil
}

func replayGuard(ctx context.Context, cfg config.RedisConfig) (cache.ReplayGuard, func(), error) {
	if cfg.Addr == "" {
		slog.Warn("Redis not configured; callback replay protection is per-instance")
		return cache.NewMemoryReplayGuard(), func() {}, nil
	}
	g, err := cache.NewRedisReplayGuard(ctx, cache.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		return nil, nil, err
	}
	return g, func() { _ = g.Close() }, nil
}

// lateInserter forwards to the River client once it exists. Jobs are only
// inserted after startup, so an unwired call is a programming error.
type lateInserter struct {
	mu  sync.Mutex
	ins execution.Inserter
}

func (l *lateInserter) set(ins execution.Inserter) {
	l.mu.Lock()
	l.ins = ins
	l.mu.Unlock()
}

func (l *lateInserter) get() execution.Inserter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ins == nil {
		panic("river insert not wired")
	}
	return l.ins
}

func (l *lateInserter) Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	return l.get().Insert(ctx, args, opts)
}

func (l *lateInserter) InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	return l.get().InsertTx(ctx, tx, args, opts)
}
