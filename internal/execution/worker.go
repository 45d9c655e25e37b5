package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/metrics"
	"github.com/liquidpay/backend/internal/payout"
	"github.com/liquidpay/backend/internal/reconcile"
)

// AttemptExecutor defines the contract the payout worker needs.
type AttemptExecutor interface {
	ExecuteAttempt(ctx context.Context, txnID uuid.UUID) error
}

type ExecuteAttemptWorker struct {
	river.WorkerDefaults[ExecuteAttemptArgs]
	executor AttemptExecutor
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecuteAttemptWorker builds the payout worker. timeout bounds one job and
// must exceed the rail call timeout.
func NewExecuteAttemptWorker(e AttemptExecutor, timeout time.Duration, logger *slog.Logger) *ExecuteAttemptWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecuteAttemptWorker{executor: e, timeout: timeout, logger: logger}
}

func (w *ExecuteAttemptWorker) Timeout(*river.Job[ExecuteAttemptArgs]) time.Duration {
	return w.timeout
}

func (w *ExecuteAttemptWorker) Work(ctx context.Context, job *river.Job[ExecuteAttemptArgs]) error {
	args := job.Args
	err := w.executor.ExecuteAttempt(ctx, args.TransactionID)
	switch {
	case err == nil:
		return nil
	case payout.IsDuplicateAttempt(err):
		// The in-flight attempt is finished by its own job or by the sweep.
		w.logger.Info("attempt already in flight", "transaction_id", args.TransactionID, "error", err)
		return nil
	case errors.Is(err, payout.ErrNotFound):
		return river.JobCancel(fmt.Errorf("transaction %s: %w", args.TransactionID, err))
	default:
		return fmt.Errorf("execute attempt for %s: %w", args.TransactionID, err)
	}
}

// Sweeper defines what the reconciliation job runs.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (reconcile.SweepResult, error)
}

type ReconcileSweepWorker struct {
	river.WorkerDefaults[ReconcileSweepArgs]
	sweeper Sweeper
	now     func() time.Time
}

func NewReconcileSweepWorker(s Sweeper) *ReconcileSweepWorker {
	return &ReconcileSweepWorker{sweeper: s, now: time.Now}
}

func (w *ReconcileSweepWorker) Work(ctx context.Context, _ *river.Job[ReconcileSweepArgs]) error {
	_, err := w.sweeper.Sweep(ctx, w.now().UTC())
	return err
}

// KeyMaintainer defines what the key lifecycle job runs.
type KeyMaintainer interface {
	Maintain(ctx context.Context, now time.Time, batch int) error
}

type KeyMaintenanceWorker struct {
	river.WorkerDefaults[KeyMaintenanceArgs]
	keys   KeyMaintainer
	batch  int
	now    func() time.Time
	logger *slog.Logger
}

func NewKeyMaintenanceWorker(k KeyMaintainer, batch int, logger *slog.Logger) *KeyMaintenanceWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 200
	}
	return &KeyMaintenanceWorker{keys: k, batch: batch, now: time.Now, logger: logger}
}

func (w *KeyMaintenanceWorker) Work(ctx context.Context, _ *river.Job[KeyMaintenanceArgs]) error {
	if err := w.keys.Maintain(ctx, w.now().UTC(), w.batch); err != nil {
		w.logger.Error("key maintenance failed", "error", err)
		return err
	}
	return nil
}

// Purger defines what the retention job runs. Implemented by ledger.Service.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (ledger.PurgeResult, error)
}

type RetentionPurgeWorker struct {
	river.WorkerDefaults[RetentionPurgeArgs]
	purger    Purger
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewRetentionPurgeWorker(p Purger, retention time.Duration, logger *slog.Logger) *RetentionPurgeWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionPurgeWorker{purger: p, retention: retention, now: time.Now, logger: logger}
}

func (w *RetentionPurgeWorker) Work(ctx context.Context, _ *river.Job[RetentionPurgeArgs]) error {
	res, err := w.purger.PurgeExpired(ctx, w.now(), w.retention)
	if err != nil {
		return fmt.Errorf("retention purge: %w", err)
	}
	metrics.Purged.WithLabelValues("error_logs").Add(float64(res.ErrorLogs))
	metrics.Purged.WithLabelValues("transactions").Add(float64(res.Transactions))
	if res.ErrorLogs > 0 || res.Transactions > 0 {
		w.logger.Info("retention purge", "error_logs", res.ErrorLogs, "transactions", res.Transactions)
	}
	return nil
}
