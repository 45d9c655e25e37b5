package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/liquidpay/backend/internal/events"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/metrics"
	"github.com/liquidpay/backend/internal/models"
	"github.com/liquidpay/backend/internal/rail"
)

// ErrUnknownReference is returned when a rail status names a reference no
// attempt carries.
var ErrUnknownReference = errors.New("unknown rail reference")

// errRailReportedFailure marks a failure the rail reported after accepting a transfer.
var errRailReportedFailure = errors.New("rail reported the transfer as failed")

// IdempotencyToken is the rail key for a transaction's attempt after retryCount
// prior failures. Resuming an attempt reuses its token.
func IdempotencyToken(invoice string, retryCount int) string {
	return fmt.Sprintf("%s:%d", invoice, retryCount)
}

// ExecuteAttempt starts the next payout attempt for an approved transaction and
// calls the rail. A transaction that is not approved, or is halted on a
// mismatch, is left alone. A transaction with an attempt in flight yields
// *DuplicateAttemptError without calling the rail.
func (o *Orchestrator) ExecuteAttempt(ctx context.Context, txnID uuid.UUID) error {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	txn, err := o.lockTransaction(ctx, tx, txnID)
	if err != nil {
		return err
	}
	if txn.Status != models.TxStatusApproved {
		o.logger.Debug("no attempt needed", "transaction_id", txnID, "status", txn.Status)
		return nil
	}
	if txn.ReconciliationStatus == models.ReconMismatched {
		o.logger.Warn("payout halted on reconciliation mismatch", "transaction_id", txnID)
		return nil
	}
	attempts, err := o.store.ListAttempts(ctx, tx, txnID)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if a.InFlight() {
			return &DuplicateAttemptError{TransactionID: txnID, AttemptID: a.ID, Status: a.Status}
		}
	}
	now := o.now()
	if n := len(attempts); n > 0 {
		if last := attempts[n-1]; last.NextRetryAt != nil && now.Before(last.NextRetryAt.Add(-time.Second)) {
			o.logger.Debug("retry not due yet", "transaction_id", txnID, "next_retry_at", *last.NextRetryAt)
			return nil
		}
	}
	failures := len(attempts)

	dest, derr := o.destination(ctx, txn)
	if derr != nil {
		pending, err := o.abandonUnusable(ctx, tx, txn, derr)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		o.emit(pending)
		return nil
	}

	attempt := &models.PayoutAttempt{
		ID:               uuid.New(),
		TransactionID:    txn.ID,
		UserID:           txn.UserID,
		Amount:           txn.NetPayoutAmount,
		Method:           txn.PayoutMethod,
		Status:           models.AttemptPending,
		RetryCount:       failures,
		IdempotencyToken: IdempotencyToken(txn.InvoiceNumber, failures),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if dest.BankName != "" {
		bank := dest.BankName
		attempt.BankName = &bank
	}
	if err := o.store.InsertAttempt(ctx, tx, attempt); err != nil {
		if errors.Is(err, ledger.ErrAttemptInFlight) {
			return &DuplicateAttemptError{TransactionID: txnID, Status: models.AttemptPending}
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.Attempts.WithLabelValues(models.AttemptPending).Inc()
	return o.drive(ctx, txn, attempt, dest)
}

// ResumeAttempt re-drives an attempt left pending by a crash or lost response.
// The rail sees the same idempotency token, so a transfer it already accepted
// is not duplicated.
func (o *Orchestrator) ResumeAttempt(ctx context.Context, seen *models.PayoutAttempt) error {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	txn, err := o.lockTransaction(ctx, tx, seen.TransactionID)
	if err != nil {
		return err
	}
	a, err := o.store.GetAttemptForUpdate(ctx, tx, seen.ID)
	if err != nil {
		return err
	}
	if a.Status != models.AttemptPending || a.UpdatedAt.After(seen.UpdatedAt) {
		return nil
	}
	if txn.Status != models.TxStatusApproved || txn.ReconciliationStatus == models.ReconMismatched {
		return nil
	}
	dest, derr := o.destination(ctx, txn)
	if derr != nil {
		pending, err := o.failAttempt(ctx, tx, txn, a, failure{cause: derr, code: models.ErrCodeMetadataUnusable, permanent: true})
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		o.emit(pending)
		return nil
	}
	a.UpdatedAt = o.now()
	if err := o.store.UpdateAttempt(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.logger.Info("resuming pending attempt", "transaction_id", txn.ID, "attempt_id", a.ID, "token", a.IdempotencyToken)
	return o.drive(ctx, txn, a, dest)
}

func (o *Orchestrator) destination(ctx context.Context, txn *models.Transaction) (rail.Destination, error) {
	if len(txn.Metadata) == 0 || txn.MetadataKeyID == nil {
		return rail.Destination{}, errors.New("transaction has no stored metadata")
	}
	plain, err := o.sealer.Open(ctx, txn.Metadata, *txn.MetadataKeyID)
	if err != nil {
		return rail.Destination{}, fmt.Errorf("open metadata: %w", err)
	}
	return parseDestination(plain)
}

// drive makes the rail call for a pending attempt and records the result.
func (o *Orchestrator) drive(ctx context.Context, txn *models.Transaction, a *models.PayoutAttempt, dest rail.Destination) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RailTimeout)
	start := time.Now()
	acc, err := o.rail.SubmitTransfer(callCtx, rail.Transfer{
		Token:       a.IdempotencyToken,
		Amount:      a.Amount,
		Currency:    txn.Currency,
		Method:      a.Method,
		Destination: dest,
	})
	cancel()
	err = rail.Classify(err)

	result := "accepted"
	switch {
	case rail.IsPermanent(err):
		result = "rejected"
	case err != nil:
		result = "transient"
	}
	metrics.RailLatency.WithLabelValues("submit", result).Observe(time.Since(start).Seconds())

	if err != nil {
		o.logger.Warn("rail submit failed", "transaction_id", txn.ID, "attempt_id", a.ID, "token", a.IdempotencyToken, "error", err)
		code := models.ErrCodeRailTransient
		if rail.IsPermanent(err) {
			code = models.ErrCodeRailFailed
		}
		return o.recordFailure(ctx, txn.ID, a.ID, failure{cause: err, code: code, permanent: rail.IsPermanent(err)})
	}
	if err := o.recordAcceptance(ctx, txn.ID, a.ID, acc); err != nil {
		return err
	}
	if acc.Status == rail.StatusSettled {
		return o.ApplyRailStatus(ctx, acc.Reference, rail.StatusSettled, acc.SettledAt, "submit")
	}
	return nil
}

func (o *Orchestrator) recordAcceptance(ctx context.Context, txnID, attemptID uuid.UUID, acc *rail.Acceptance) error {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	txn, err := o.lockTransaction(ctx, tx, txnID)
	if err != nil {
		return err
	}
	a, err := o.store.GetAttemptForUpdate(ctx, tx, attemptID)
	if err != nil {
		return err
	}
	if a.Status != models.AttemptPending {
		o.logger.Debug("attempt already moved past pending", "attempt_id", a.ID, "status", a.Status)
		return nil
	}
	now := o.now()
	ref := acc.Reference
	a.Status = models.AttemptSubmitted
	a.RailReference = &ref
	a.SubmittedAt = &now
	a.Metadata = acc.Raw
	a.UpdatedAt = now
	if err := o.store.UpdateAttempt(ctx, tx, a); err != nil {
		return err
	}
	if txn.Status == models.TxStatusApproved {
		txn.PayoutStatus = models.PayoutStatusSubmitted
		txn.UpdatedAt = now
		if err := o.store.UpdateTransactionState(ctx, tx, txn); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.Attempts.WithLabelValues(models.AttemptSubmitted).Inc()
	o.publish(events.AttemptSubmitted, txn, map[string]any{"attempt_id": a.ID.String(), "rail_reference": ref})
	o.logger.Info("attempt submitted", "transaction_id", txn.ID, "attempt_id", a.ID, "rail_reference", ref)
	return nil
}

type failure struct {
	cause     error
	code      string
	permanent bool
}

func (o *Orchestrator) recordFailure(ctx context.Context, txnID, attemptID uuid.UUID, f failure) error {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	txn, err := o.lockTransaction(ctx, tx, txnID)
	if err != nil {
		return err
	}
	a, err := o.store.GetAttemptForUpdate(ctx, tx, attemptID)
	if err != nil {
		return err
	}
	if !a.InFlight() {
		return nil
	}
	pending, err := o.failAttempt(ctx, tx, txn, a, f)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.emit(pending)
	return nil
}

// failAttempt closes an in-flight attempt inside tx. The transaction gets a
// retry scheduled, or fails once the retry budget is spent or the failure is
// permanent. Exactly one ErrorLog entry is written. Events are returned for
// publishing after commit.
func (o *Orchestrator) failAttempt(ctx context.Context, tx pgx.Tx, txn *models.Transaction, a *models.PayoutAttempt, f failure) ([]events.Event, error) {
	now := o.now()
	failures := a.RetryCount + 1
	if raw := rail.RawResponse(f.cause); raw != nil {
		a.Metadata = raw
	}
	a.UpdatedAt = now
	txn.UpdatedAt = now
	data := map[string]any{
		"attempt_id":        a.ID.String(),
		"idempotency_token": a.IdempotencyToken,
		"retry_count":       a.RetryCount,
		"error":             f.cause.Error(),
	}
	if a.RailReference != nil {
		data["rail_reference"] = *a.RailReference
	}
	if len(a.Metadata) > 0 {
		data["rail_response"] = a.Metadata
	}

	if f.permanent || failures >= o.cfg.RetryAttempts {
		a.Status = models.AttemptAbandoned
		txn.Status = models.TxStatusFailed
		txn.PayoutStatus = models.PayoutStatusFailed
		msg := fmt.Sprintf("payout abandoned after %d failed attempts: %v", failures, f.cause)
		if f.permanent {
			msg = fmt.Sprintf("payout abandoned, failure is not retryable: %v", f.cause)
		}
		data["failure_code"] = f.code
		if err := o.persistFailure(ctx, tx, txn, a, o.newErrorLog(txn, models.PhasePayout, models.ErrCodePayoutAbandoned, msg, data)); err != nil {
			return nil, err
		}
		metrics.Attempts.WithLabelValues(models.AttemptAbandoned).Inc()
		o.logger.Error("payout abandoned", "transaction_id", txn.ID, "attempt_id", a.ID, "failures", failures, "error", f.cause)
		return []events.Event{o.event(events.PayoutAbandoned, txn, data)}, nil
	}

	next := now.Add(retryDelay(o.cfg.RetryInterval, failures))
	a.Status = models.AttemptFailed
	a.NextRetryAt = &next
	txn.PayoutStatus = models.PayoutStatusPending
	data["next_retry_at"] = next
	msg := fmt.Sprintf("payout attempt %d of %d failed, retry at %s: %v", failures, o.cfg.RetryAttempts, next.Format(time.RFC3339), f.cause)
	if err := o.persistFailure(ctx, tx, txn, a, o.newErrorLog(txn, models.PhasePayout, f.code, msg, data)); err != nil {
		return nil, err
	}
	if o.enqueue != nil {
		if err := o.enqueue(ctx, tx, txn.ID, failures, next); err != nil {
			return nil, fmt.Errorf("enqueue retry: %w", err)
		}
	}
	metrics.Attempts.WithLabelValues(models.AttemptFailed).Inc()
	o.logger.Warn("payout attempt failed, retry scheduled", "transaction_id", txn.ID, "attempt_id", a.ID, "next_retry_at", next)
	return []events.Event{o.event(events.AttemptFailed, txn, data)}, nil
}

func (o *Orchestrator) persistFailure(ctx context.Context, tx pgx.Tx, txn *models.Transaction, a *models.PayoutAttempt, entry *models.ErrorLog) error {
	if err := o.store.UpdateAttempt(ctx, tx, a); err != nil {
		return err
	}
	if err := o.store.UpdateTransactionState(ctx, tx, txn); err != nil {
		return err
	}
	return o.store.InsertErrorLog(ctx, tx, entry)
}

// abandonUnusable fails a transaction whose metadata cannot be opened before any
// attempt exists.
func (o *Orchestrator) abandonUnusable(ctx context.Context, tx pgx.Tx, txn *models.Transaction, cause error) ([]events.Event, error) {
	txn.Status = models.TxStatusFailed
	txn.PayoutStatus = models.PayoutStatusFailed
	txn.UpdatedAt = o.now()
	data := map[string]any{"error": cause.Error()}
	if err := o.store.UpdateTransactionState(ctx, tx, txn); err != nil {
		return nil, err
	}
	entry := o.newErrorLog(txn, models.PhasePayout, models.ErrCodeMetadataUnusable,
		fmt.Sprintf("payout abandoned, destination unavailable: %v", cause), data)
	if err := o.store.InsertErrorLog(ctx, tx, entry); err != nil {
		return nil, err
	}
	o.logger.Error("payout abandoned, destination unavailable", "transaction_id", txn.ID, "error", cause)
	return []events.Event{o.event(events.PayoutAbandoned, txn, data)}, nil
}

// ApplyRailStatus folds an authoritative rail status into the ledger. It is
// idempotent: applying the same status twice leaves state unchanged. source
// names the caller for diagnostics (callback or sweep).
func (o *Orchestrator) ApplyRailStatus(ctx context.Context, ref string, status rail.Status, settledAt *time.Time, source string) error {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	seen, err := o.store.FindAttemptByRailReference(ctx, tx, ref)
	if err != nil {
		return err
	}
	if seen == nil {
		return ErrUnknownReference
	}
	txn, err := o.lockTransaction(ctx, tx, seen.TransactionID)
	if err != nil {
		return err
	}
	a, err := o.store.GetAttemptForUpdate(ctx, tx, seen.ID)
	if err != nil {
		return err
	}

	var pending []events.Event
	now := o.now()
	switch status {
	case rail.StatusSettled:
		switch {
		case a.Status == models.AttemptSettled:
			return nil
		case a.InFlight() && txn.Status == models.TxStatusApproved:
			at := now
			if settledAt != nil {
				at = settledAt.UTC()
			}
			a.Status = models.AttemptSettled
			a.SettledAt = &at
			a.UpdatedAt = now
			txn.Status = models.TxStatusCompleted
			txn.PayoutStatus = models.PayoutStatusSettled
			if txn.ReconciliationStatus != models.ReconMismatched {
				txn.ReconciliationStatus = models.ReconMatched
			}
			txn.UpdatedAt = now
			if err := o.store.UpdateAttempt(ctx, tx, a); err != nil {
				return err
			}
			if err := o.store.UpdateTransactionState(ctx, tx, txn); err != nil {
				return err
			}
			metrics.Attempts.WithLabelValues(models.AttemptSettled).Inc()
			pending = append(pending, o.event(events.PayoutSettled, txn, map[string]any{
				"attempt_id": a.ID.String(), "rail_reference": ref, "source": source,
			}))
			o.logger.Info("payout settled", "transaction_id", txn.ID, "attempt_id", a.ID, "source", source)
		default:
			ev, err := o.flagMismatch(ctx, tx, txn, a, status, source,
				fmt.Sprintf("rail reports settled for attempt in %s on transaction in %s", a.Status, txn.Status))
			if err != nil {
				return err
			}
			pending = append(pending, ev...)
		}

	case rail.StatusFailed:
		switch {
		case a.Status == models.AttemptFailed || a.Status == models.AttemptAbandoned:
			return nil
		case a.InFlight():
			ev, err := o.failAttempt(ctx, tx, txn, a, failure{cause: errRailReportedFailure, code: models.ErrCodeRailFailed})
			if err != nil {
				return err
			}
			pending = append(pending, ev...)
		default:
			ev, err := o.flagMismatch(ctx, tx, txn, a, status, source, "rail reports failed for a settled attempt")
			if err != nil {
				return err
			}
			pending = append(pending, ev...)
		}

	case rail.StatusPending:
		if !a.InFlight() {
			return nil
		}
		a.UpdatedAt = now
		if err := o.store.UpdateAttempt(ctx, tx, a); err != nil {
			return err
		}

	default:
		ev, err := o.flagMismatch(ctx, tx, txn, a, status, source, "rail has no usable status for the transfer")
		if err != nil {
			return err
		}
		pending = append(pending, ev...)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.emit(pending)
	return nil
}

// flagMismatch marks txn mismatched and logs the disagreement once.
func (o *Orchestrator) flagMismatch(ctx context.Context, tx pgx.Tx, txn *models.Transaction, a *models.PayoutAttempt, status rail.Status, source, reason string) ([]events.Event, error) {
	if txn.ReconciliationStatus == models.ReconMismatched {
		return nil, nil
	}
	txn.ReconciliationStatus = models.ReconMismatched
	txn.UpdatedAt = o.now()
	data := map[string]any{
		"attempt_id":     a.ID.String(),
		"attempt_status": a.Status,
		"rail_status":    string(status),
		"source":         source,
	}
	if a.RailReference != nil {
		data["rail_reference"] = *a.RailReference
	}
	if err := o.store.UpdateTransactionState(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := o.store.InsertErrorLog(ctx, tx, o.newErrorLog(txn, models.PhaseReconciliation, models.ErrCodeReconMismatch, reason, data)); err != nil {
		return nil, err
	}
	metrics.Mismatches.Inc()
	o.logger.Error("reconciliation mismatch", "transaction_id", txn.ID, "attempt_id", a.ID, "reason", reason, "source", source)
	return []events.Event{o.event(events.ReconciliationFlagged, txn, data)}, nil
}

func (o *Orchestrator) event(t events.Type, txn *models.Transaction, data map[string]any) events.Event {
	return events.Event{Type: t, TransactionID: txn.ID, UserID: txn.UserID, At: o.now(), Data: data}
}

func (o *Orchestrator) emit(evs []events.Event) {
	for _, e := range evs {
		o.events.Publish(e)
	}
}
