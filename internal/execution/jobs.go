package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/liquidpay/backend/internal/payout"
	"github.com/liquidpay/backend/internal/reconcile"
)

// Queue names. Payout attempts get their own queue so the sweep and the key
// lifecycle never compete with rail calls for worker slots.
const (
	QueuePayouts     = "payouts"
	QueueMaintenance = "maintenance"
)

// activeStates are the job states that collapse a duplicate insert. Completed
// and discarded jobs are left out so the same args can run again later.
var activeStates = []rivertype.JobState{
	rivertype.JobStateAvailable,
	rivertype.JobStatePending,
	rivertype.JobStateRunning,
	rivertype.JobStateRetryable,
	rivertype.JobStateScheduled,
}

// ExecuteAttemptArgs asks for the next payout attempt of a transaction.
// Attempt is the number of attempts already made, so a retry scheduled from
// inside a running job does not collide with that job.
type ExecuteAttemptArgs struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Attempt       int       `json:"attempt"`
}

func (ExecuteAttemptArgs) Kind() string { return "execute_payout_attempt" }

func (ExecuteAttemptArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueuePayouts,
		MaxAttempts: 10,
		UniqueOpts:  river.UniqueOpts{ByArgs: true, ByState: activeStates},
	}
}

type ReconcileSweepArgs struct{}

func (ReconcileSweepArgs) Kind() string { return "reconcile_sweep" }

func (ReconcileSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:      QueueMaintenance,
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByState: activeStates},
	}
}

type KeyMaintenanceArgs struct{}

func (KeyMaintenanceArgs) Kind() string { return "key_maintenance" }

func (KeyMaintenanceArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:      QueueMaintenance,
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByState: activeStates},
	}
}

type RetentionPurgeArgs struct{}

func (RetentionPurgeArgs) Kind() string { return "retention_purge" }

func (RetentionPurgeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:      QueueMaintenance,
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByState: activeStates},
	}
}

// Inserter is the part of *river.Client[pgx.Tx] the enqueue adapters use.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// EnqueueAttemptTx schedules an attempt inside the caller's database
// transaction, so the job exists if and only if the state change commits.
func EnqueueAttemptTx(ins Inserter) payout.EnqueueTxFunc {
	return func(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, attempt int, at time.Time) error {
		_, err := ins.InsertTx(ctx, tx, ExecuteAttemptArgs{TransactionID: txnID, Attempt: attempt}, scheduledAt(at))
		return err
	}
}

// RequeueAttempt schedules an attempt that is due now, outside any transaction.
func RequeueAttempt(ins Inserter) reconcile.RequeueFunc {
	return func(ctx context.Context, txnID uuid.UUID, attempt int) error {
		_, err := ins.Insert(ctx, ExecuteAttemptArgs{TransactionID: txnID, Attempt: attempt}, nil)
		return err
	}
}

func scheduledAt(at time.Time) *river.InsertOpts {
	if at.IsZero() || !at.After(time.Now()) {
		return nil
	}
	return &river.InsertOpts{ScheduledAt: at}
}
