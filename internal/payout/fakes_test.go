package payout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/liquidpay/backend/internal/events"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/limits"
	"github.com/liquidpay/backend/internal/models"
	"github.com/liquidpay/backend/internal/rail"
)

// ---------------------------------------------------------------------------
// memStore is an in-memory Store with serializable transactions: Begin holds a
// store-wide lock until Commit or Rollback, and Rollback restores the snapshot
// taken at Begin.
// ---------------------------------------------------------------------------

type scheduled struct {
	txnID   uuid.UUID
	attempt int
	at      time.Time
}

type memState struct {
	txns     map[uuid.UUID]models.Transaction
	attempts map[uuid.UUID]models.PayoutAttempt
	errLogs  []models.ErrorLog
	queue    []scheduled
}

func (st memState) clone() memState {
	out := memState{
		txns:     make(map[uuid.UUID]models.Transaction, len(st.txns)),
		attempts: make(map[uuid.UUID]models.PayoutAttempt, len(st.attempts)),
		errLogs:  append([]models.ErrorLog(nil), st.errLogs...),
		queue:    append([]scheduled(nil), st.queue...),
	}
	for k, v := range st.txns {
		out.txns[k] = v
	}
	for k, v := range st.attempts {
		out.attempts[k] = v
	}
	return out
}

type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   memState
}

func newMemStore() *memStore {
	return &memStore{st: memState{
		txns:     map[uuid.UUID]models.Transaction{},
		attempts: map[uuid.UUID]models.PayoutAttempt{},
	}}
}

var _ Store = (*memStore)(nil)

type memTx struct {
	pgx.Tx
	s    *memStore
	snap memState
	done bool
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.s.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.s.mu.Lock()
	t.s.st = t.snap
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return nil
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) {
	s.txMu.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{s: s, snap: s.st.clone()}, nil
}

func (s *memStore) LockUser(context.Context, pgx.Tx, int64) error { return nil }

func (s *memStore) WindowUsage(_ context.Context, _ pgx.Tx, userID int64, starts limits.Starts) (limits.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	usage := limits.Usage{}
	for _, w := range limits.Order {
		usage[w] = decimal.Zero
	}
	for _, t := range s.st.txns {
		if t.UserID != userID || !t.CountsTowardLimits() {
			continue
		}
		for w, start := range starts {
			if !t.CreatedAt.Before(start) {
				usage[w] = usage[w].Add(t.NetPayoutAmount)
			}
		}
	}
	return usage, nil
}

func (s *memStore) FindByInvoice(_ context.Context, _ pgx.Tx, invoice string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.st.txns {
		if t.InvoiceNumber == invoice {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertTransaction(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.txns {
		if existing.InvoiceNumber == t.InvoiceNumber {
			return ledger.ErrDuplicateInvoice
		}
	}
	s.st.txns[t.ID] = *t
	return nil
}

func (s *memStore) GetTransactionForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.txns[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &t, nil
}

func (s *memStore) UpdateTransactionState(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.txns[t.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	cur.Status = t.Status
	cur.PayoutStatus = t.PayoutStatus
	cur.ReconciliationStatus = t.ReconciliationStatus
	cur.UpdatedAt = t.UpdatedAt
	s.st.txns[t.ID] = cur
	return nil
}

func (s *memStore) ListAttempts(_ context.Context, _ ledger.DBTX, txnID uuid.UUID) ([]*models.PayoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptsLocked(txnID), nil
}

func (s *memStore) attemptsLocked(txnID uuid.UUID) []*models.PayoutAttempt {
	var out []*models.PayoutAttempt
	for _, a := range s.st.attempts {
		if a.TransactionID == txnID {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetryCount < out[j].RetryCount })
	return out
}

func (s *memStore) InsertAttempt(_ context.Context, _ pgx.Tx, a *models.PayoutAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.attempts {
		if existing.TransactionID == a.TransactionID && existing.InFlight() {
			return ledger.ErrAttemptInFlight
		}
	}
	s.st.attempts[a.ID] = *a
	return nil
}

func (s *memStore) GetAttemptForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.PayoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.attempts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &a, nil
}

func (s *memStore) FindAttemptByRailReference(_ context.Context, _ pgx.Tx, ref string) (*models.PayoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.st.attempts {
		if a.RailReference != nil && *a.RailReference == ref {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) UpdateAttempt(_ context.Context, _ pgx.Tx, a *models.PayoutAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.attempts[a.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.st.attempts[a.ID] = *a
	return nil
}

func (s *memStore) InsertErrorLog(_ context.Context, _ pgx.Tx, e *models.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.errLogs = append(s.st.errLogs, *e)
	return nil
}

// enqueue records a scheduled ExecuteAttempt inside the caller's transaction.
func (s *memStore) enqueue(_ context.Context, _ pgx.Tx, txnID uuid.UUID, attempt int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.queue = append(s.st.queue, scheduled{txnID: txnID, attempt: attempt, at: at})
	return nil
}

// --- test accessors ---

func (s *memStore) seed(t models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.txns[t.ID] = t
}

func (s *memStore) seedAttempt(a models.PayoutAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.attempts[a.ID] = a
}

func (s *memStore) transaction(id uuid.UUID) models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.txns[id]
}

func (s *memStore) attempts(txnID uuid.UUID) []*models.PayoutAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptsLocked(txnID)
}

func (s *memStore) errorLogs() []models.ErrorLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ErrorLog(nil), s.st.errLogs...)
}

func (s *memStore) scheduledFor(txnID uuid.UUID) []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduled
	for _, q := range s.st.queue {
		if q.txnID == txnID {
			out = append(out, q)
		}
	}
	return out
}

func (s *memStore) countByStatus(userID int64, status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.st.txns {
		if t.UserID == userID && t.Status == status {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Collaborator fakes.
// ---------------------------------------------------------------------------

// plainSealer stores metadata unencrypted under a fixed key id.
type plainSealer struct {
	keyID    uuid.UUID
	openFail error
}

func (p *plainSealer) Seal(_ context.Context, b []byte) ([]byte, uuid.UUID, error) {
	return append([]byte(nil), b...), p.keyID, nil
}

func (p *plainSealer) Open(_ context.Context, ct []byte, _ uuid.UUID) ([]byte, error) {
	if p.openFail != nil {
		return nil, p.openFail
	}
	return ct, nil
}

// fakeRail records every submitted token. submit defaults to accepting with
// reference "ref-<token>".
type fakeRail struct {
	mu     sync.Mutex
	tokens []string
	submit func(t rail.Transfer) (*rail.Acceptance, error)
}

func (f *fakeRail) SubmitTransfer(_ context.Context, t rail.Transfer) (*rail.Acceptance, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, t.Token)
	fn := f.submit
	f.mu.Unlock()
	if fn == nil {
		return &rail.Acceptance{Reference: "ref-" + t.Token, Raw: []byte(`{"status":"accepted"}`)}, nil
	}
	return fn(t)
}

func (f *fakeRail) QueryStatus(context.Context, string) (*rail.StatusReport, error) {
	return nil, errors.New("not used")
}

func (f *fakeRail) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.evs {
		if e.Type == t {
			n++
		}
	}
	return n
}
