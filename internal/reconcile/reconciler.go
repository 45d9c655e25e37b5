// Package reconcile converges local payout state with the rail's authoritative
// view, from the rail's signed callbacks and from a periodic sweep.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/liquidpay/backend/internal/cache"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/metrics"
	"github.com/liquidpay/backend/internal/models"
	"github.com/liquidpay/backend/internal/payout"
	"github.com/liquidpay/backend/internal/rail"
)

const (
	defaultGrace     = 10 * time.Minute
	defaultBatch     = 100
	defaultReplayTTL = 72 * time.Hour
)

// Store is the ledger surface the sweep reads.
type Store interface {
	StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]*models.PayoutAttempt, error)
	DueRetries(ctx context.Context, now, unstartedBefore time.Time, limit int) ([]ledger.DueRetry, error)
	AppendErrorLog(ctx context.Context, e *models.ErrorLog) error
	ListTransactions(ctx context.Context, f models.TransactionFilter) ([]*models.Transaction, error)
}

var _ Store = (*ledger.Repository)(nil)

// Engine applies rail outcomes. Implemented by payout.Orchestrator.
type Engine interface {
	ApplyRailStatus(ctx context.Context, ref string, status rail.Status, settledAt *time.Time, source string) error
	ResumeAttempt(ctx context.Context, a *models.PayoutAttempt) error
	ClearMismatch(ctx context.Context, txnID uuid.UUID, note string) (*models.Transaction, error)
}

var _ Engine = (*payout.Orchestrator)(nil)

// RequeueFunc schedules ExecuteAttempt for a transaction outside any database
// transaction. attempt is the number of attempts already made; duplicate
// requests for the same pair are collapsed by the queue.
type RequeueFunc func(ctx context.Context, txnID uuid.UUID, attempt int) error

// Config tunes the reconciler. Zero values take defaults.
type Config struct {
	Grace          time.Duration
	Batch          int
	CallbackSecret []byte
	ReplayTTL      time.Duration
	QueryTimeout   time.Duration
}

type Reconciler struct {
	cfg     Config
	store   Store
	engine  Engine
	rail    rail.Client
	replay  cache.ReplayGuard
	requeue RequeueFunc
	logger  *slog.Logger
}

// New builds a Reconciler. requeue may be nil, in which case the sweep does not
// recover lost retry jobs.
func New(cfg Config, store Store, engine Engine, client rail.Client, replay cache.ReplayGuard, requeue RequeueFunc, logger *slog.Logger) *Reconciler {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = defaultReplayTTL
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if replay == nil {
		replay = cache.NewMemoryReplayGuard()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		rail:    client,
		replay:  replay,
		requeue: requeue,
		logger:  logger.With("component", "reconcile"),
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked  int
	Applied  int
	Resumed  int
	Requeued int
	Failed   int
}

// Sweep re-checks in-flight attempts untouched for longer than the grace period.
// Submitted attempts are queried on the rail; pending ones are resumed with their
// original token. Approved transactions whose retry is due but whose job was lost
// are requeued. Individual failures are logged and counted, not returned.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	cutoff := now.Add(-r.cfg.Grace)

	stale, err := r.store.StaleAttempts(ctx, cutoff, r.cfg.Batch)
	if err != nil {
		return res, err
	}
	for _, a := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		switch {
		case a.Status == models.AttemptPending:
			if err := r.engine.ResumeAttempt(ctx, a); err != nil {
				r.logger.Warn("resume attempt failed", "attempt_id", a.ID, "error", err)
				metrics.SweepChecked.WithLabelValues("resume_failed").Inc()
				res.Failed++
				continue
			}
			metrics.SweepChecked.WithLabelValues("resumed").Inc()
			res.Resumed++
		case a.RailReference != nil:
			if err := r.checkSubmitted(ctx, *a.RailReference); err != nil {
				r.logger.Warn("status check failed", "attempt_id", a.ID, "rail_reference", *a.RailReference, "error", err)
				metrics.SweepChecked.WithLabelValues("query_failed").Inc()
				res.Failed++
				continue
			}
			metrics.SweepChecked.WithLabelValues("applied").Inc()
			res.Applied++
		}
	}

	if r.requeue != nil {
		due, err := r.store.DueRetries(ctx, now, cutoff, r.cfg.Batch)
		if err != nil {
			return res, err
		}
		for _, d := range due {
			if err := r.requeue(ctx, d.TransactionID, d.Attempts); err != nil {
				r.logger.Warn("requeue failed", "transaction_id", d.TransactionID, "error", err)
				res.Failed++
				continue
			}
			metrics.SweepChecked.WithLabelValues("requeued").Inc()
			res.Requeued++
		}
	}

	if res.Checked > 0 || res.Requeued > 0 {
		r.logger.Info("reconciliation sweep", "checked", res.Checked, "applied", res.Applied,
			"resumed", res.Resumed, "requeued", res.Requeued, "failed", res.Failed)
	}
	return res, nil
}

func (r *Reconciler) checkSubmitted(ctx context.Context, ref string) error {
	qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()
	start := time.Now()
	report, err := r.rail.QueryStatus(qctx, ref)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RailLatency.WithLabelValues("query", result).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	return r.engine.ApplyRailStatus(ctx, ref, report.Status, report.SettledAt, "sweep")
}

// ClearMismatch is the operator action that releases a halted transaction.
func (r *Reconciler) ClearMismatch(ctx context.Context, txnID uuid.UUID, note string) (*models.Transaction, error) {
	return r.engine.ClearMismatch(ctx, txnID, note)
}

// Mismatches lists transactions awaiting operator review, newest first.
func (r *Reconciler) Mismatches(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return r.store.ListTransactions(ctx, models.TransactionFilter{
		ReconciliationStatus: models.ReconMismatched,
		Limit:                limit,
	})
}

// recordUnknownReference logs a rail status for a reference no attempt carries.
func (r *Reconciler) recordUnknownReference(ctx context.Context, c *CallbackClaims) {
	data, _ := jsonData(map[string]any{
		"rail_reference": c.RailReference,
		"rail_status":    c.Status,
		"jti":            c.ID,
		"source":         "callback",
	})
	entry := &models.ErrorLog{
		ID:         uuid.New(),
		ErrorCode:  models.ErrCodeReconMismatch,
		Message:    "rail callback for unknown reference",
		Data:       data,
		Phase:      models.PhaseReconciliation,
		OccurredAt: time.Now().UTC(),
	}
	if err := r.store.AppendErrorLog(ctx, entry); err != nil {
		r.logger.Error("failed to write error log", "rail_reference", c.RailReference, "error", err)
	}
}

func isUnknownReference(err error) bool {
	return errors.Is(err, payout.ErrUnknownReference)
}
