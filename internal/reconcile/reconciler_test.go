package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidpay/backend/internal/cache"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/models"
	"github.com/liquidpay/backend/internal/payout"
	"github.com/liquidpay/backend/internal/rail"
)

var secret = []byte("callback-secret")

type applied struct {
	ref       string
	status    rail.Status
	settledAt *time.Time
	source    string
}

type fakeEngine struct {
	mu       sync.Mutex
	applied  []applied
	resumed  []uuid.UUID
	cleared  []uuid.UUID
	applyErr error
}

func (e *fakeEngine) ApplyRailStatus(_ context.Context, ref string, status rail.Status, settledAt *time.Time, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applyErr != nil {
		return e.applyErr
	}
	e.applied = append(e.applied, applied{ref, status, settledAt, source})
	return nil
}

func (e *fakeEngine) ResumeAttempt(_ context.Context, a *models.PayoutAttempt) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumed = append(e.resumed, a.ID)
	return nil
}

func (e *fakeEngine) ClearMismatch(_ context.Context, id uuid.UUID, _ string) (*models.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared = append(e.cleared, id)
	return &models.Transaction{ID: id, ReconciliationStatus: models.ReconPending}, nil
}

type fakeStore struct {
	stale      []*models.PayoutAttempt
	due        []ledger.DueRetry
	logs       []*models.ErrorLog
	lastFilter models.TransactionFilter
}

func (s *fakeStore) StaleAttempts(context.Context, time.Time, int) ([]*models.PayoutAttempt, error) {
	return s.stale, nil
}

func (s *fakeStore) DueRetries(context.Context, time.Time, time.Time, int) ([]ledger.DueRetry, error) {
	return s.due, nil
}

func (s *fakeStore) AppendErrorLog(_ context.Context, e *models.ErrorLog) error {
	s.logs = append(s.logs, e)
	return nil
}

func (s *fakeStore) ListTransactions(_ context.Context, f models.TransactionFilter) ([]*models.Transaction, error) {
	s.lastFilter = f
	return nil, nil
}

type fakeRail struct {
	reports map[string]*rail.StatusReport
}

func (f *fakeRail) SubmitTransfer(context.Context, rail.Transfer) (*rail.Acceptance, error) {
	return nil, errors.New("not used")
}

func (f *fakeRail) QueryStatus(_ context.Context, ref string) (*rail.StatusReport, error) {
	r, ok := f.reports[ref]
	if !ok {
		return nil, &rail.TransientError{Err: errors.New("connection reset")}
	}
	return r, nil
}

func newReconciler(store *fakeStore, engine *fakeEngine, client rail.Client, requeue RequeueFunc) *Reconciler {
	return New(Config{CallbackSecret: secret}, store, engine, client, cache.NewMemoryReplayGuard(), requeue,
		slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func sign(t *testing.T, key []byte, c CallbackClaims) string {
	t.Helper()
	tok, err := SignCallback(key, c)
	require.NoError(t, err)
	return tok
}

func TestHandleCallback_AppliesOnce(t *testing.T) {
	engine := &fakeEngine{}
	r := newReconciler(&fakeStore{}, engine, &fakeRail{}, nil)
	settled := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tok := sign(t, secret, CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: "evt-1"},
		RailReference:    "tr_123",
		Status:           "settled",
		SettledAt:        &settled,
	})

	require.NoError(t, r.HandleCallback(context.Background(), tok))
	require.NoError(t, r.HandleCallback(context.Background(), tok))

	require.Len(t, engine.applied, 1)
	got := engine.applied[0]
	assert.Equal(t, "tr_123", got.ref)
	assert.Equal(t, rail.StatusSettled, got.status)
	assert.Equal(t, "callback", got.source)
	require.NotNil(t, got.settledAt)
	assert.True(t, settled.Equal(*got.settledAt))
}

func TestHandleCallback_RejectsUnauthenticated(t *testing.T) {
	engine := &fakeEngine{}
	r := newReconciler(&fakeStore{}, engine, &fakeRail{}, nil)
	ctx := context.Background()
	claims := CallbackClaims{RegisteredClaims: jwt.RegisteredClaims{ID: "evt-2"}, RailReference: "tr_1", Status: "settled"}

	wrongKey := sign(t, []byte("other-secret"), claims)
	assert.ErrorIs(t, r.HandleCallback(ctx, wrongKey), ErrInvalidCallback)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.ErrorIs(t, r.HandleCallback(ctx, unsigned), ErrInvalidCallback)

	assert.ErrorIs(t, r.HandleCallback(ctx, "not-a-token"), ErrInvalidCallback)

	noJTI := sign(t, secret, CallbackClaims{RailReference: "tr_1", Status: "settled"})
	assert.ErrorIs(t, r.HandleCallback(ctx, noJTI), ErrInvalidCallback)

	expired := sign(t, secret, CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: "evt-3", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
		RailReference:    "tr_1",
		Status:           "settled",
	})
	assert.ErrorIs(t, r.HandleCallback(ctx, expired), ErrInvalidCallback)

	assert.Empty(t, engine.applied)
}

func TestHandleCallback_UnknownReferenceIsLogged(t *testing.T) {
	store := &fakeStore{}
	engine := &fakeEngine{applyErr: payout.ErrUnknownReference}
	r := newReconciler(store, engine, &fakeRail{}, nil)
	tok := sign(t, secret, CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: "evt-4"},
		RailReference:    "tr_ghost",
		Status:           "settled",
	})

	require.NoError(t, r.HandleCallback(context.Background(), tok))
	require.Len(t, store.logs, 1)
	assert.Equal(t, models.ErrCodeReconMismatch, store.logs[0].ErrorCode)
	assert.Equal(t, models.PhaseReconciliation, store.logs[0].Phase)
	assert.Contains(t, string(store.logs[0].Data), "tr_ghost")
}

func TestHandleCallback_UnrecognisedStatusBecomesUnknown(t *testing.T) {
	engine := &fakeEngine{}
	r := newReconciler(&fakeStore{}, engine, &fakeRail{}, nil)
	tok := sign(t, secret, CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: "evt-5"},
		RailReference:    "tr_9",
		Status:           "reversed",
	})
	require.NoError(t, r.HandleCallback(context.Background(), tok))
	require.Len(t, engine.applied, 1)
	assert.Equal(t, rail.StatusUnknown, engine.applied[0].status)
}

func TestSweep(t *testing.T) {
	refSettled, refBroken := "tr_settled", "tr_broken"
	pending := &models.PayoutAttempt{ID: uuid.New(), Status: models.AttemptPending}
	submitted := &models.PayoutAttempt{ID: uuid.New(), Status: models.AttemptSubmitted, RailReference: &refSettled}
	unreachable := &models.PayoutAttempt{ID: uuid.New(), Status: models.AttemptSubmitted, RailReference: &refBroken}
	lost := uuid.New()
	store := &fakeStore{
		stale: []*models.PayoutAttempt{pending, submitted, unreachable},
		due:   []ledger.DueRetry{{TransactionID: lost, Attempts: 2}},
	}
	engine := &fakeEngine{}
	client := &fakeRail{reports: map[string]*rail.StatusReport{
		refSettled: {Reference: refSettled, Status: rail.StatusSettled},
	}}
	var requeued []ledger.DueRetry
	r := newReconciler(store, engine, client, func(_ context.Context, id uuid.UUID, attempt int) error {
		requeued = append(requeued, ledger.DueRetry{TransactionID: id, Attempts: attempt})
		return nil
	})

	res, err := r.Sweep(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Checked: 3, Applied: 1, Resumed: 1, Requeued: 1, Failed: 1}, res)
	assert.Equal(t, []uuid.UUID{pending.ID}, engine.resumed)
	require.Len(t, engine.applied, 1)
	assert.Equal(t, applied{ref: refSettled, status: rail.StatusSettled, source: "sweep"}, engine.applied[0])
	assert.Equal(t, []ledger.DueRetry{{TransactionID: lost, Attempts: 2}}, requeued)
}

func TestMismatchesAndClear(t *testing.T) {
	store := &fakeStore{}
	engine := &fakeEngine{}
	r := newReconciler(store, engine, &fakeRail{}, nil)

	_, err := r.Mismatches(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, models.ReconMismatched, store.lastFilter.ReconciliationStatus)
	assert.Equal(t, 25, store.lastFilter.Limit)

	id := uuid.New()
	txn, err := r.ClearMismatch(context.Background(), id, "rail confirmed")
	require.NoError(t, err)
	assert.Equal(t, id, txn.ID)
	assert.Equal(t, []uuid.UUID{id}, engine.cleared)
}
