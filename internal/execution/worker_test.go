package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/payout"
	"github.com/liquidpay/backend/internal/reconcile"
)

var discard = slog.New(slog.NewJSONHandler(io.Discard, nil))

type fakeExecutor struct {
	calls []uuid.UUID
	err   error
}

func (f *fakeExecutor) ExecuteAttempt(_ context.Context, id uuid.UUID) error {
	f.calls = append(f.calls, id)
	return f.err
}

func attemptJob(id uuid.UUID) *river.Job[ExecuteAttemptArgs] {
	return &river.Job[ExecuteAttemptArgs]{JobRow: &rivertype.JobRow{}, Args: ExecuteAttemptArgs{TransactionID: id}}
}

func TestExecuteAttemptWorker(t *testing.T) {
	id := uuid.New()
	boom := errors.New("connection refused")

	cases := []struct {
		name     string
		err      error
		wantErr  bool
		wantSkip bool
	}{
		{name: "success", err: nil},
		{name: "duplicate attempt is not retried", err: &payout.DuplicateAttemptError{TransactionID: id}},
		{name: "unknown transaction cancels the job", err: payout.ErrNotFound, wantErr: true, wantSkip: true},
		{name: "storage error is retried", err: boom, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := &fakeExecutor{err: tc.err}
			w := NewExecuteAttemptWorker(exec, time.Minute, discard)

			err := w.Work(context.Background(), attemptJob(id))
			assert.Equal(t, []uuid.UUID{id}, exec.calls)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var cancel *rivertype.JobCancelError
			assert.Equal(t, tc.wantSkip, errors.As(err, &cancel))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestExecuteAttemptWorker_Timeout(t *testing.T) {
	w := NewExecuteAttemptWorker(&fakeExecutor{}, 45*time.Second, discard)
	assert.Equal(t, 45*time.Second, w.Timeout(attemptJob(uuid.New())))
}

type fakeSweeper struct {
	at  time.Time
	err error
}

func (f *fakeSweeper) Sweep(_ context.Context, now time.Time) (reconcile.SweepResult, error) {
	f.at = now
	return reconcile.SweepResult{}, f.err
}

func TestReconcileSweepWorker(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &fakeSweeper{}
	w := NewReconcileSweepWorker(s)
	w.now = func() time.Time { return fixed }

	require.NoError(t, w.Work(context.Background(), &river.Job[ReconcileSweepArgs]{JobRow: &rivertype.JobRow{}}))
	assert.True(t, fixed.Equal(s.at))

	s.err = errors.New("db down")
	assert.Error(t, w.Work(context.Background(), &river.Job[ReconcileSweepArgs]{JobRow: &rivertype.JobRow{}}))
}

type fakeKeys struct {
	batch int
	err   error
}

func (f *fakeKeys) Maintain(_ context.Context, _ time.Time, batch int) error {
	f.batch = batch
	return f.err
}

func TestKeyMaintenanceWorker(t *testing.T) {
	k := &fakeKeys{}
	w := NewKeyMaintenanceWorker(k, 0, discard)
	require.NoError(t, w.Work(context.Background(), &river.Job[KeyMaintenanceArgs]{JobRow: &rivertype.JobRow{}}))
	assert.Equal(t, 200, k.batch)

	k.err = errors.New("retiring key still in use")
	assert.ErrorIs(t, w.Work(context.Background(), &river.Job[KeyMaintenanceArgs]{JobRow: &rivertype.JobRow{}}), k.err)
}

type fakePurger struct {
	now       time.Time
	retention time.Duration
}

func (f *fakePurger) PurgeExpired(_ context.Context, now time.Time, retention time.Duration) (ledger.PurgeResult, error) {
	f.now, f.retention = now, retention
	return ledger.PurgeResult{ErrorLogs: 3, Transactions: 1}, nil
}

func TestRetentionPurgeWorker(t *testing.T) {
	fixed := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	p := &fakePurger{}
	w := NewRetentionPurgeWorker(p, 90*24*time.Hour, discard)
	w.now = func() time.Time { return fixed }

	require.NoError(t, w.Work(context.Background(), &river.Job[RetentionPurgeArgs]{JobRow: &rivertype.JobRow{}}))
	assert.True(t, fixed.Equal(p.now))
	assert.Equal(t, 90*24*time.Hour, p.retention)
}

type insertCall struct {
	tx   pgx.Tx
	args river.JobArgs
	opts *river.InsertOpts
}

type fakeInserter struct {
	calls []insertCall
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.calls = append(f.calls, insertCall{args: args, opts: opts})
	return &rivertype.JobInsertResult{}, nil
}

func (f *fakeInserter) InsertTx(_ context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.calls = append(f.calls, insertCall{tx: tx, args: args, opts: opts})
	return &rivertype.JobInsertResult{}, nil
}

type stubTx struct{ pgx.Tx }

func TestEnqueueAttemptTx(t *testing.T) {
	ins := &fakeInserter{}
	enqueue := EnqueueAttemptTx(ins)
	id := uuid.New()
	tx := &stubTx{}

	require.NoError(t, enqueue(context.Background(), tx, id, 0, time.Time{}))
	later := time.Now().Add(30 * time.Minute)
	require.NoError(t, enqueue(context.Background(), tx, id, 2, later))

	require.Len(t, ins.calls, 2)
	assert.Same(t, tx, ins.calls[0].tx)
	assert.Equal(t, ExecuteAttemptArgs{TransactionID: id, Attempt: 0}, ins.calls[0].args)
	assert.Nil(t, ins.calls[0].opts)

	assert.Equal(t, ExecuteAttemptArgs{TransactionID: id, Attempt: 2}, ins.calls[1].args)
	require.NotNil(t, ins.calls[1].opts)
	assert.True(t, later.Equal(ins.calls[1].opts.ScheduledAt))
}

func TestRequeueAttempt(t *testing.T) {
	ins := &fakeInserter{}
	id := uuid.New()
	require.NoError(t, RequeueAttempt(ins)(context.Background(), id, 1))
	require.Len(t, ins.calls, 1)
	assert.Nil(t, ins.calls[0].tx)
	assert.Equal(t, ExecuteAttemptArgs{TransactionID: id, Attempt: 1}, ins.calls[0].args)
}

func TestInsertOpts(t *testing.T) {
	opts := ExecuteAttemptArgs{}.InsertOpts()
	assert.Equal(t, QueuePayouts, opts.Queue)
	assert.True(t, opts.UniqueOpts.ByArgs)
	assert.NotContains(t, opts.UniqueOpts.ByState, rivertype.JobStateCompleted)

	for _, o := range []river.InsertOpts{ReconcileSweepArgs{}.InsertOpts(), KeyMaintenanceArgs{}.InsertOpts(), RetentionPurgeArgs{}.InsertOpts()} {
		assert.Equal(t, QueueMaintenance, o.Queue)
	}
}

func TestQueuesAndPeriodicJobs(t *testing.T) {
	q := Queues(8)
	assert.Equal(t, 8, q[QueuePayouts].MaxWorkers)
	assert.Equal(t, 1, q[QueueMaintenance].MaxWorkers)
	assert.Equal(t, 1, Queues(0)[QueuePayouts].MaxWorkers)

	assert.Len(t, PeriodicJobs(Schedule{Sweep: time.Minute, Keys: time.Hour, Retention: 24 * time.Hour}), 3)
	assert.Len(t, PeriodicJobs(Schedule{Sweep: time.Minute}), 1)
}
