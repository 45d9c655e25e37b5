package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction status values.
const (
	TxStatusPending   = "pending"
	TxStatusApproved  = "approved"
	TxStatusRejected  = "rejected"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

// Transaction payout_status values.
const (
	PayoutStatusPending   = "pending"
	PayoutStatusSubmitted = "submitted"
	PayoutStatusSettled   = "settled"
	PayoutStatusFailed    = "failed"
)

// Transaction reconciliation_status values.
const (
	ReconPending    = "pending"
	ReconMatched    = "matched"
	ReconMismatched = "mismatched"
)

// Transaction is one liquidation request. InvoiceNumber is the idempotency anchor.
type Transaction struct {
	ID                   uuid.UUID        `json:"id"`
	UserID               int64            `json:"user_id"`
	InvoiceNumber        string           `json:"invoice_number"`
	GrossAmount          decimal.Decimal  `json:"gross_amount"`
	NetPayoutAmount      decimal.Decimal  `json:"net_payout_amount"`
	FeePercentage        decimal.Decimal  `json:"fee_percentage"`
	FlatFee              decimal.Decimal  `json:"flat_fee"`
	Currency             string           `json:"currency"`
	Status               string           `json:"status"`
	PayoutStatus         string           `json:"payout_status"`
	PayoutMethod         string           `json:"payout_method"`
	ReconciliationStatus string           `json:"reconciliation_status"`
	Metadata             []byte           `json:"-"`
	MetadataKeyID        *uuid.UUID       `json:"-"`
	Rejection            *RejectionDetail `json:"rejection,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// RejectionDetail records the limit window that refused admission.
type RejectionDetail struct {
	Window       string          `json:"window"`
	Limit        decimal.Decimal `json:"limit"`
	WouldBeTotal decimal.Decimal `json:"would_be_total"`
}

// CountsTowardLimits reports whether the transaction's net amount is part of the
// user's rolling-window usage.
func (t *Transaction) CountsTowardLimits() bool {
	return t.Status == TxStatusApproved || t.Status == TxStatusCompleted
}

// IsTerminal reports whether no further state-machine transitions apply.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case TxStatusRejected, TxStatusCompleted, TxStatusFailed, TxStatusCancelled:
		return true
	}
	return false
}

// TransactionFilter narrows ledger queries for the reporting collaborator.
// Zero values are ignored.
type TransactionFilter struct {
	UserID               int64
	Status               string
	ReconciliationStatus string
	From                 time.Time
	To                   time.Time
	Limit                int
}
