// Package payout admits liquidation requests and drives each admitted transaction
// through the payout rail until it settles or is abandoned.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/liquidpay/backend/internal/events"
	"github.com/liquidpay/backend/internal/fees"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/limits"
	"github.com/liquidpay/backend/internal/metrics"
	"github.com/liquidpay/backend/internal/models"
	"github.com/liquidpay/backend/internal/rail"
)

// Store is the slice of the ledger the orchestrator writes through.
type Store interface {
	limits.UsageReader
	Begin(ctx context.Context) (pgx.Tx, error)
	LockUser(ctx context.Context, tx pgx.Tx, userID int64) error
	FindByInvoice(ctx context.Context, tx pgx.Tx, invoice string) (*models.Transaction, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error)
	UpdateTransactionState(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	ListAttempts(ctx context.Context, q ledger.DBTX, txnID uuid.UUID) ([]*models.PayoutAttempt, error)
	InsertAttempt(ctx context.Context, tx pgx.Tx, a *models.PayoutAttempt) error
	GetAttemptForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PayoutAttempt, error)
	FindAttemptByRailReference(ctx context.Context, tx pgx.Tx, ref string) (*models.PayoutAttempt, error)
	UpdateAttempt(ctx context.Context, tx pgx.Tx, a *models.PayoutAttempt) error
	InsertErrorLog(ctx context.Context, tx pgx.Tx, e *models.ErrorLog) error
}

var _ Store = (*ledger.Repository)(nil)

// Sealer encrypts request metadata at rest. Implemented by keys.Manager.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, uuid.UUID, error)
	Open(ctx context.Context, ciphertext []byte, keyID uuid.UUID) ([]byte, error)
}

// EnqueueTxFunc schedules ExecuteAttempt for txnID within tx. attempt is the
// number of attempts already made; a zero at means as soon as possible.
// Provided by main using river.Client.InsertTx.
type EnqueueTxFunc func(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, attempt int, at time.Time) error

// Config holds the fee schedule and retry policy.
type Config struct {
	FeePercentage      decimal.Decimal
	FlatFee            decimal.Decimal
	SettlementCurrency string
	Methods            []string
	RetryAttempts      int
	RetryInterval      time.Duration
	RailTimeout        time.Duration
}

// Deps are the orchestrator's collaborators. Events and Logger may be nil.
type Deps struct {
	Store   Store
	Limits  *limits.Enforcer
	Rail    rail.Client
	Sealer  Sealer
	Enqueue EnqueueTxFunc
	Events  events.Publisher
	Logger  *slog.Logger
}

// LiquidationRequest is an inbound request to convert a balance into a payout.
// Metadata carries the destination and is stored encrypted.
type LiquidationRequest struct {
	UserID        int64           `json:"user_id"`
	InvoiceNumber string          `json:"invoice_number"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	Currency      string          `json:"currency"`
	PayoutMethod  string          `json:"requested_payout_method"`
	Metadata      json.RawMessage `json:"metadata"`
}

type requestMetadata struct {
	Destination *rail.Destination `json:"destination"`
}

// Outcome is the result of Submit. Rejection is set for every rejected
// transaction, replayed or not.
type Outcome struct {
	Transaction *models.Transaction
	Rejection   *limits.LimitExceeded
	Replayed    bool
}

// Admitted reports whether the transaction passed admission.
func (o *Outcome) Admitted() bool {
	return o.Transaction.Status != models.TxStatusRejected
}

type Orchestrator struct {
	cfg       Config
	store     Store
	limits    *limits.Enforcer
	rail      rail.Client
	sealer    Sealer
	enqueue   EnqueueTxFunc
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	userLocks *keyedMutex
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 15 * time.Minute
	}
	if cfg.RailTimeout <= 0 {
		cfg.RailTimeout = 30 * time.Second
	}
	if cfg.SettlementCurrency == "" {
		cfg.SettlementCurrency = "USD"
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		limits:    deps.Limits,
		rail:      deps.Rail,
		sealer:    deps.Sealer,
		enqueue:   deps.Enqueue,
		events:    pub,
		logger:    logger.With("component", "payout"),
		now:       func() time.Time { return time.Now().UTC() },
		userLocks: newKeyedMutex(),
	}
}

// Submit validates, prices and admits a liquidation request. Replaying an
// invoice number returns the recorded transaction without touching the rail.
// Admitted transactions are queued for payout in the same database transaction.
func (o *Orchestrator) Submit(ctx context.Context, req LiquidationRequest) (*Outcome, error) {
	req.InvoiceNumber = strings.TrimSpace(req.InvoiceNumber)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.PayoutMethod = strings.ToLower(strings.TrimSpace(req.PayoutMethod))
	if err := o.validate(req); err != nil {
		return nil, err
	}
	breakdown, err := fees.Compute(req.GrossAmount, o.cfg.FeePercentage, o.cfg.FlatFee)
	if err != nil {
		return nil, &ValidationError{Field: "gross_amount", Reason: err.Error()}
	}

	unlock := o.userLocks.Lock(req.UserID)
	defer unlock()

	tx, err := o.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := o.store.LockUser(ctx, tx, req.UserID); err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	existing, err := o.store.FindByInvoice(ctx, tx, req.InvoiceNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return o.replay(existing, req)
	}

	now := o.now()
	decision, err := o.limits.CheckAdmission(ctx, tx, req.UserID, breakdown.Net, now)
	if err != nil {
		return nil, err
	}

	sealed, keyID, err := o.sealer.Seal(ctx, req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("seal metadata: %w", err)
	}
	txn := &models.Transaction{
		ID:                   uuid.New(),
		UserID:               req.UserID,
		InvoiceNumber:        req.InvoiceNumber,
		GrossAmount:          breakdown.Gross,
		NetPayoutAmount:      breakdown.Net,
		FeePercentage:        o.cfg.FeePercentage,
		FlatFee:              o.cfg.FlatFee,
		Currency:             req.Currency,
		Status:               models.TxStatusApproved,
		PayoutStatus:         models.PayoutStatusPending,
		PayoutMethod:         req.PayoutMethod,
		ReconciliationStatus: models.ReconPending,
		Metadata:             sealed,
		MetadataKeyID:        &keyID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	switch {
	case !decision.Admitted():
		txn.Status = models.TxStatusRejected
		txn.Rejection = &models.RejectionDetail{
			Window:       string(decision.Rejection.Window),
			Limit:        decision.Rejection.Limit,
			WouldBeTotal: decision.Rejection.WouldBeTotal,
		}
	case breakdown.Net.IsZero():
		// Fees consume the whole gross: nothing to disburse.
		txn.Status = models.TxStatusCompleted
		txn.PayoutStatus = models.PayoutStatusSettled
		txn.ReconciliationStatus = models.ReconMatched
	}
	if err := o.store.InsertTransaction(ctx, tx, txn); err != nil {
		if errors.Is(err, ledger.ErrDuplicateInvoice) {
			// Another user's request claimed the invoice number first.
			tx.Rollback(ctx)
			return o.replayAfterConflict(ctx, req)
		}
		return nil, err
	}
	if txn.Status == models.TxStatusApproved && o.enqueue != nil {
		if err := o.enqueue(ctx, tx, txn.ID, 0, time.Time{}); err != nil {
			return nil, fmt.Errorf("enqueue payout: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	out := &Outcome{Transaction: txn, Rejection: decision.Rejection}
	if decision.Admitted() {
		metrics.Admissions.WithLabelValues("admitted").Inc()
		o.publish(events.TransactionAdmitted, txn, map[string]any{"net_payout_amount": txn.NetPayoutAmount.StringFixed(2)})
		o.logger.Info("transaction admitted", "transaction_id", txn.ID, "user_id", txn.UserID, "net", txn.NetPayoutAmount.StringFixed(2))
	} else {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		metrics.LimitRejections.WithLabelValues(string(decision.Rejection.Window)).Inc()
		o.publish(events.TransactionRejected, txn, map[string]any{
			"window":         string(decision.Rejection.Window),
			"limit":          decision.Rejection.Limit.StringFixed(2),
			"would_be_total": decision.Rejection.WouldBeTotal.StringFixed(2),
		})
		o.logger.Info("transaction rejected", "transaction_id", txn.ID, "user_id", txn.UserID, "window", decision.Rejection.Window)
	}
	return out, nil
}

func (o *Orchestrator) validate(req LiquidationRequest) error {
	if req.UserID <= 0 {
		return &ValidationError{Field: "user_id", Reason: "must be a positive integer"}
	}
	if req.InvoiceNumber == "" {
		return &ValidationError{Field: "invoice_number", Reason: "is required"}
	}
	if len(req.InvoiceNumber) > 64 {
		return &ValidationError{Field: "invoice_number", Reason: "must be at most 64 characters"}
	}
	if !req.GrossAmount.IsPositive() {
		return &ValidationError{Field: "gross_amount", Reason: "must be greater than zero"}
	}
	if !req.GrossAmount.Equal(fees.Round(req.GrossAmount)) {
		return &ValidationError{Field: "gross_amount", Reason: "must have at most two decimal places"}
	}
	if req.Currency != o.cfg.SettlementCurrency {
		return &ValidationError{Field: "currency", Reason: "only " + o.cfg.SettlementCurrency + " is supported"}
	}
	if len(o.cfg.Methods) > 0 && !slices.Contains(o.cfg.Methods, req.PayoutMethod) {
		return &ValidationError{Field: "requested_payout_method", Reason: "must be one of " + strings.Join(o.cfg.Methods, ", ")}
	}
	_, err := parseDestination(req.Metadata)
	return err
}

func parseDestination(raw []byte) (rail.Destination, error) {
	var md requestMetadata
	if len(raw) == 0 {
		return rail.Destination{}, &ValidationError{Field: "metadata.destination", Reason: "is required"}
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return rail.Destination{}, &ValidationError{Field: "metadata", Reason: "must be a JSON object"}
	}
	if md.Destination == nil {
		return rail.Destination{}, &ValidationError{Field: "metadata.destination", Reason: "is required"}
	}
	if strings.TrimSpace(md.Destination.Account) == "" {
		return rail.Destination{}, &ValidationError{Field: "metadata.destination.account", Reason: "is required"}
	}
	if strings.TrimSpace(md.Destination.Routing) == "" {
		return rail.Destination{}, &ValidationError{Field: "metadata.destination.routing", Reason: "is required"}
	}
	return *md.Destination, nil
}

// replay answers a repeated invoice number. The payload must match the original.
func (o *Orchestrator) replay(existing *models.Transaction, req LiquidationRequest) (*Outcome, error) {
	if existing.UserID != req.UserID ||
		!existing.GrossAmount.Equal(req.GrossAmount) ||
		existing.Currency != req.Currency ||
		existing.PayoutMethod != req.PayoutMethod {
		return nil, ErrIdempotencyMismatch
	}
	metrics.Admissions.WithLabelValues("replayed").Inc()
	out := &Outcome{Transaction: existing, Replayed: true}
	if r := existing.Rejection; r != nil {
		out.Rejection = &limits.LimitExceeded{Window: limits.Window(r.Window), Limit: r.Limit, WouldBeTotal: r.WouldBeTotal}
	}
	return out, nil
}

func (o *Orchestrator) replayAfterConflict(ctx context.Context, req LiquidationRequest) (*Outcome, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	existing, err := o.store.FindByInvoice(ctx, tx, req.InvoiceNumber)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ledger.ErrDuplicateInvoice
	}
	return o.replay(existing, req)
}

// Cancel withdraws an approved transaction before its first payout attempt.
// Its net amount stops counting toward the user's limits.
func (o *Orchestrator) Cancel(ctx context.Context, txnID uuid.UUID) (*models.Transaction, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	txn, err := o.lockTransaction(ctx, tx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != models.TxStatusApproved {
		return nil, ErrNotCancellable
	}
	attempts, err := o.store.ListAttempts(ctx, tx, txnID)
	if err != nil {
		return nil, err
	}
	// A transiently failed attempt may still have reached the rail.
	if len(attempts) > 0 {
		return nil, ErrNotCancellable
	}
	txn.Status = models.TxStatusCancelled
	txn.UpdatedAt = o.now()
	if err := o.store.UpdateTransactionState(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.publish(events.TransactionCancelled, txn, nil)
	o.logger.Info("transaction cancelled", "transaction_id", txn.ID, "user_id", txn.UserID)
	return txn, nil
}

// ClearMismatch resolves an operator-reviewed mismatch and lets automatic
// processing resume. Clearing a transaction that is not flagged is a no-op.
func (o *Orchestrator) ClearMismatch(ctx context.Context, txnID uuid.UUID, note string) (*models.Transaction, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	txn, err := o.lockTransaction(ctx, tx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.ReconciliationStatus != models.ReconMismatched {
		return txn, nil
	}
	txn.ReconciliationStatus = models.ReconPending
	if txn.Status == models.TxStatusCompleted {
		txn.ReconciliationStatus = models.ReconMatched
	}
	txn.UpdatedAt = o.now()
	if err := o.store.UpdateTransactionState(ctx, tx, txn); err != nil {
		return nil, err
	}
	if txn.Status == models.TxStatusApproved && o.enqueue != nil {
		attempts, err := o.store.ListAttempts(ctx, tx, txnID)
		if err != nil {
			return nil, err
		}
		if !anyInFlight(attempts) {
			if err := o.enqueue(ctx, tx, txnID, len(attempts), time.Time{}); err != nil {
				return nil, fmt.Errorf("enqueue payout: %w", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.publish(events.ReconciliationCleared, txn, map[string]any{"note": note})
	o.logger.Info("reconciliation mismatch cleared", "transaction_id", txn.ID, "note", note)
	return txn, nil
}

func (o *Orchestrator) lockTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	txn, err := o.store.GetTransactionForUpdate(ctx, tx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	return txn, err
}

func anyInFlight(attempts []*models.PayoutAttempt) bool {
	for _, a := range attempts {
		if a.InFlight() {
			return true
		}
	}
	return false
}

func (o *Orchestrator) publish(t events.Type, txn *models.Transaction, data map[string]any) {
	o.events.Publish(o.event(t, txn, data))
}

// newErrorLog builds an entry tied to txn. data is marshalled as-is.
func (o *Orchestrator) newErrorLog(txn *models.Transaction, phase, code, message string, data map[string]any) *models.ErrorLog {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = nil
	}
	userID := txn.UserID
	txnID := txn.ID
	return &models.ErrorLog{
		ID:            uuid.New(),
		ErrorCode:     code,
		Message:       message,
		Data:          raw,
		UserID:        &userID,
		TransactionID: &txnID,
		Phase:         phase,
		OccurredAt:    o.now(),
	}
}
