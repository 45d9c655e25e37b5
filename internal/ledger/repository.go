package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/liquidpay/backend/internal/limits"
	"github.com/liquidpay/backend/internal/models"
)

var (
	// ErrNotFound is returned when a Get* lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateInvoice is returned when invoice_number is already recorded.
	ErrDuplicateInvoice = errors.New("invoice number already recorded")
	// ErrAttemptInFlight is returned when a transaction already has a pending or submitted attempt.
	ErrAttemptInFlight = errors.New("payout attempt already in flight")
)

const defaultListLimit = 100

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// mapUniqueViolation turns a 23505 on a known constraint into its sentinel.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "transactions_invoice_number_key":
		return ErrDuplicateInvoice
	case "payout_attempts_one_in_flight":
		return ErrAttemptInFlight
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- admission ---

// LockUser takes the per-user admission lock for the lifetime of tx.
func (r *Repository) LockUser(ctx context.Context, tx pgx.Tx, userID int64) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userID)
	return err
}

// WindowUsage sums approved and completed net payouts for each window.
func (r *Repository) WindowUsage(ctx context.Context, tx pgx.Tx, userID int64, starts limits.Starts) (limits.Usage, error) {
	var day, week, month, year decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(net_payout_amount) FILTER (WHERE created_at >= $2), 0),
			COALESCE(SUM(net_payout_amount) FILTER (WHERE created_at >= $3), 0),
			COALESCE(SUM(net_payout_amount) FILTER (WHERE created_at >= $4), 0),
			COALESCE(SUM(net_payout_amount) FILTER (WHERE created_at >= $5), 0)
		FROM transactions
		WHERE user_id = $1
		  AND status IN ('approved', 'completed')
		  AND created_at >= LEAST($2::timestamptz, $3::timestamptz, $4::timestamptz, $5::timestamptz)
	`, userID, starts[limits.WindowDay], starts[limits.WindowWeek], starts[limits.WindowMonth], starts[limits.WindowYear]).
		Scan(&day, &week, &month, &year)
	if err != nil {
		return nil, err
	}
	return limits.Usage{
		limits.WindowDay:   day,
		limits.WindowWeek:  week,
		limits.WindowMonth: month,
		limits.WindowYear:  year,
	}, nil
}

// --- transactions ---

const txColumns = `id, user_id, invoice_number, gross_amount, net_payout_amount, fee_percentage, flat_fee,
	currency, status, payout_status, payout_method, reconciliation_status, metadata, metadata_key_id,
	created_at, updated_at, rejection_window, rejection_limit, rejection_would_be_total`

// retainedColumns are the transaction columns copied to retired_invoices when a
// row is purged. Metadata is not kept.
const retainedColumns = `id, user_id, invoice_number, gross_amount, net_payout_amount, fee_percentage, flat_fee,
	currency, status, payout_status, payout_method, reconciliation_status,
	created_at, updated_at, rejection_window, rejection_limit, rejection_would_be_total`

// retiredAsTx selects a retired invoice in txColumns order.
const retiredAsTx = `id, user_id, invoice_number, gross_amount, net_payout_amount, fee_percentage, flat_fee,
	currency, status, payout_status, payout_method, reconciliation_status, NULL::bytea, NULL::uuid,
	created_at, updated_at, rejection_window, rejection_limit, rejection_would_be_total`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var (
		t            models.Transaction
		window       *string
		limit, total decimal.NullDecimal
	)
	err := row.Scan(&t.ID, &t.UserID, &t.InvoiceNumber, &t.GrossAmount, &t.NetPayoutAmount, &t.FeePercentage,
		&t.FlatFee, &t.Currency, &t.Status, &t.PayoutStatus, &t.PayoutMethod, &t.ReconciliationStatus,
		&t.Metadata, &t.MetadataKeyID, &t.CreatedAt, &t.UpdatedAt, &window, &limit, &total)
	if err != nil {
		return nil, err
	}
	if window != nil {
		t.Rejection = &models.RejectionDetail{Window: *window, Limit: limit.Decimal, WouldBeTotal: total.Decimal}
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindByInvoice returns nil, nil when no transaction carries the invoice number.
// Invoices of purged transactions are still found, without metadata.
func (r *Repository) FindByInvoice(ctx context.Context, tx pgx.Tx, invoice string) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE invoice_number = $1
		UNION ALL
		SELECT `+retiredAsTx+` FROM retired_invoices WHERE invoice_number = $1
		LIMIT 1
	`, invoice))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	var (
		window       *string
		limit, total decimal.NullDecimal
	)
	if rej := t.Rejection; rej != nil {
		window = &rej.Window
		limit = decimal.NewNullDecimal(rej.Limit)
		total = decimal.NewNullDecimal(rej.WouldBeTotal)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, invoice_number, gross_amount, net_payout_amount, fee_percentage,
			flat_fee, currency, status, payout_status, payout_method, reconciliation_status, metadata,
			metadata_key_id, created_at, updated_at, rejection_window, rejection_limit, rejection_would_be_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, t.ID, t.UserID, t.InvoiceNumber, t.GrossAmount, t.NetPayoutAmount, t.FeePercentage, t.FlatFee,
		t.Currency, t.Status, t.PayoutStatus, t.PayoutMethod, t.ReconciliationStatus, t.Metadata,
		t.MetadataKeyID, t.CreatedAt, t.UpdatedAt, window, limit, total)
	return mapUniqueViolation(err)
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	return t, notFound(err)
}

// GetTransactionForUpdate row-locks the transaction for the rest of tx.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	return t, notFound(err)
}

// UpdateTransactionState writes the three state columns.
func (r *Repository) UpdateTransactionState(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, payout_status = $3, reconciliation_status = $4, updated_at = $5
		WHERE id = $1
	`, t.ID, t.Status, t.PayoutStatus, t.ReconciliationStatus, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListTransactions(ctx context.Context, f models.TransactionFilter) ([]*models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != 0 {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ReconciliationStatus != "" {
		add("reconciliation_status = $%d", f.ReconciliationStatus)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	q := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(f.Limit))
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func listLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}

// --- payout attempts ---

const attemptColumns = `id, transaction_id, user_id, amount, method, status, retry_count, idempotency_token,
	rail_reference, bank_name, submitted_at, settled_at, next_retry_at, metadata, created_at, updated_at`

func scanAttempt(row pgx.Row) (*models.PayoutAttempt, error) {
	var a models.PayoutAttempt
	err := row.Scan(&a.ID, &a.TransactionID, &a.UserID, &a.Amount, &a.Method, &a.Status, &a.RetryCount,
		&a.IdempotencyToken, &a.RailReference, &a.BankName, &a.SubmittedAt, &a.SettledAt, &a.NextRetryAt,
		&a.Metadata, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAttempts(rows pgx.Rows) ([]*models.PayoutAttempt, error) {
	defer rows.Close()
	var out []*models.PayoutAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAttempts returns a transaction's attempts oldest first. q may be the pool or a tx.
func (r *Repository) ListAttempts(ctx context.Context, q DBTX, txnID uuid.UUID) ([]*models.PayoutAttempt, error) {
	if q == nil {
		q = r.pool
	}
	rows, err := q.Query(ctx, `SELECT `+attemptColumns+` FROM payout_attempts WHERE transaction_id = $1 ORDER BY retry_count`, txnID)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

func (r *Repository) InsertAttempt(ctx context.Context, tx pgx.Tx, a *models.PayoutAttempt) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payout_attempts (id, transaction_id, user_id, amount, method, status, retry_count,
			idempotency_token, rail_reference, bank_name, submitted_at, settled_at, next_retry_at, metadata,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, a.ID, a.TransactionID, a.UserID, a.Amount, a.Method, a.Status, a.RetryCount, a.IdempotencyToken,
		a.RailReference, a.BankName, a.SubmittedAt, a.SettledAt, a.NextRetryAt, a.Metadata, a.CreatedAt, a.UpdatedAt)
	return mapUniqueViolation(err)
}

func (r *Repository) GetAttemptForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PayoutAttempt, error) {
	a, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payout_attempts WHERE id = $1 FOR UPDATE`, id))
	return a, notFound(err)
}

// FindAttemptByRailReference returns nil, nil for an unknown reference. It does
// not lock: callers lock the owning transaction first, then the attempt.
func (r *Repository) FindAttemptByRailReference(ctx context.Context, tx pgx.Tx, ref string) (*models.PayoutAttempt, error) {
	a, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payout_attempts WHERE rail_reference = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// UpdateAttempt writes the mutable attempt columns.
func (r *Repository) UpdateAttempt(ctx context.Context, tx pgx.Tx, a *models.PayoutAttempt) error {
	tag, err := tx.Exec(ctx, `
		UPDATE payout_attempts
		SET status = $2, rail_reference = $3, submitted_at = $4, settled_at = $5, next_retry_at = $6,
			metadata = $7, updated_at = $8
		WHERE id = $1
	`, a.ID, a.Status, a.RailReference, a.SubmittedAt, a.SettledAt, a.NextRetryAt, a.Metadata, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleAttempts lists in-flight attempts not touched since olderThan whose
// transaction is not halted on a mismatch.
func (r *Repository) StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]*models.PayoutAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+prefixed("a", attemptColumns)+`
		FROM payout_attempts a
		JOIN transactions t ON t.id = a.transaction_id
		WHERE a.status IN ('pending', 'submitted')
		  AND a.updated_at < $1
		  AND t.reconciliation_status <> 'mismatched'
		ORDER BY a.updated_at
		LIMIT $2
	`, olderThan, listLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

// DueRetry is an approved transaction that needs its next attempt.
type DueRetry struct {
	TransactionID uuid.UUID
	Attempts      int
}

// DueRetries lists approved transactions that need a new attempt: the latest
// attempt failed and its retry time has passed, or no attempt was ever made and
// the transaction is older than unstartedBefore.
func (r *Repository) DueRetries(ctx context.Context, now, unstartedBefore time.Time, limit int) ([]DueRetry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, COALESCE(last.retry_count + 1, 0)
		FROM transactions t
		LEFT JOIN LATERAL (
			SELECT a.status, a.next_retry_at, a.retry_count
			FROM payout_attempts a
			WHERE a.transaction_id = t.id
			ORDER BY a.retry_count DESC
			LIMIT 1
		) last ON true
		WHERE t.status = 'approved'
		  AND t.reconciliation_status <> 'mismatched'
		  AND (
			(last.status = 'failed' AND last.next_retry_at <= $1)
			OR (last.status IS NULL AND t.created_at < $2)
		  )
		ORDER BY t.created_at
		LIMIT $3
	`, now, unstartedBefore, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DueRetry
	for rows.Next() {
		var d DueRetry
		if err := rows.Scan(&d.TransactionID, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// --- error logs ---

func (r *Repository) InsertErrorLog(ctx context.Context, tx pgx.Tx, e *models.ErrorLog) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO error_logs (id, error_code, message, data, user_id, transaction_id, phase, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.ErrorCode, e.Message, e.Data, e.UserID, e.TransactionID, e.Phase, e.OccurredAt)
	return err
}

// AppendErrorLog writes an entry outside any state transition.
func (r *Repository) AppendErrorLog(ctx context.Context, e *models.ErrorLog) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := r.InsertErrorLog(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) ListErrorLogs(ctx context.Context, f models.ErrorLogFilter) ([]*models.ErrorLog, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != 0 {
		add("user_id = $%d", f.UserID)
	}
	if f.Phase != "" {
		add("phase = $%d", f.Phase)
	}
	if f.Code != "" {
		add("error_code = $%d", f.Code)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	q := `SELECT id, error_code, message, data, user_id, transaction_id, phase, occurred_at FROM error_logs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(f.Limit))
	q += fmt.Sprintf(` ORDER BY occurred_at DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ErrorLog
	for rows.Next() {
		var e models.ErrorLog
		if err := rows.Scan(&e.ID, &e.ErrorCode, &e.Message, &e.Data, &e.UserID, &e.TransactionID, &e.Phase, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- retention ---

// PurgeResult counts rows removed by PurgeExpired.
type PurgeResult struct {
	ErrorLogs    int64
	Transactions int64
}

// PurgeExpired removes error logs older than cutoff and terminal transactions
// last updated before cutoff. Completed transactions are kept until they also
// fall out of the year-to-date window so limit usage never shrinks early.
// Purged transactions leave their invoice in retired_invoices so a late replay
// is still answered with the original outcome.
func (r *Repository) PurgeExpired(ctx context.Context, cutoff, yearStart time.Time) (PurgeResult, error) {
	var res PurgeResult
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM error_logs WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return res, fmt.Errorf("purge error logs: %w", err)
	}
	res.ErrorLogs = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
		WITH gone AS (
			DELETE FROM transactions
			WHERE updated_at < $1
			  AND reconciliation_status <> 'mismatched'
			  AND (
				status IN ('rejected', 'failed', 'cancelled')
				OR (status = 'completed' AND created_at < $2)
			  )
			RETURNING `+retainedColumns+`
		)
		INSERT INTO retired_invoices (`+retainedColumns+`)
		SELECT `+retainedColumns+` FROM gone
	`, cutoff, yearStart)
	if err != nil {
		return res, fmt.Errorf("purge transactions: %w", err)
	}
	res.Transactions = tag.RowsAffected()
	return res, tx.Commit(ctx)
}

// --- encryption keys ---

func (r *Repository) ListKeys(ctx context.Context) ([]*models.EncryptionKeyRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, sealed_material, state, created_at, rotate_by, retired_at
		FROM encryption_keys
		WHERE state <> 'purged'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.EncryptionKeyRecord
	for rows.Next() {
		var k models.EncryptionKeyRecord
		if err := rows.Scan(&k.ID, &k.SealedMaterial, &k.State, &k.CreatedAt, &k.RotateBy, &k.RetiredAt); err != nil {
			return nil, err
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (r *Repository) InsertKey(ctx context.Context, tx pgx.Tx, k *models.EncryptionKeyRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO encryption_keys (id, sealed_material, state, created_at, rotate_by, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, k.ID, k.SealedMaterial, k.State, k.CreatedAt, k.RotateBy, k.RetiredAt)
	return err
}

// SetKeyState moves a key to state. Purging also drops the sealed material.
func (r *Repository) SetKeyState(ctx context.Context, tx pgx.Tx, id uuid.UUID, state string, at time.Time) error {
	var err error
	switch state {
	case models.KeyStatePurged:
		_, err = tx.Exec(ctx, `UPDATE encryption_keys SET state = $2, sealed_material = '\x'::bytea WHERE id = $1`, id, state)
	case models.KeyStateRetiring:
		_, err = tx.Exec(ctx, `UPDATE encryption_keys SET state = $2, retired_at = $3 WHERE id = $1`, id, state, at)
	default:
		_, err = tx.Exec(ctx, `UPDATE encryption_keys SET state = $2 WHERE id = $1`, id, state)
	}
	return err
}

// CountMetadataByKey counts transactions whose metadata is sealed under keyID.
func (r *Repository) CountMetadataByKey(ctx context.Context, keyID uuid.UUID) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM transactions WHERE metadata_key_id = $1`, keyID).Scan(&n)
	return n, err
}

// SealedMetadata is one transaction's encrypted metadata.
type SealedMetadata struct {
	TransactionID uuid.UUID
	Ciphertext    []byte
}

func (r *Repository) MetadataByKey(ctx context.Context, keyID uuid.UUID, limit int) ([]SealedMetadata, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, metadata FROM transactions WHERE metadata_key_id = $1 ORDER BY created_at LIMIT $2
	`, keyID, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SealedMetadata
	for rows.Next() {
		var m SealedMetadata
		if err := rows.Scan(&m.TransactionID, &m.Ciphertext); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceMetadata swaps the sealed metadata only if it is still under fromKey.
func (r *Repository) ReplaceMetadata(ctx context.Context, txnID, fromKey, toKey uuid.UUID, ciphertext []byte) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions SET metadata = $4, metadata_key_id = $3
		WHERE id = $1 AND metadata_key_id = $2
	`, txnID, fromKey, toKey, ciphertext)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
