package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutAttempt status values.
const (
	AttemptPending   = "pending"
	AttemptSubmitted = "submitted"
	AttemptSettled   = "settled"
	AttemptFailed    = "failed"
	AttemptAbandoned = "abandoned"
)

// PayoutAttempt is one call (or retry) against the rail for a Transaction.
type PayoutAttempt struct {
	ID               uuid.UUID       `json:"id"`
	TransactionID    uuid.UUID       `json:"transaction_id"`
	UserID           int64           `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	Method           string          `json:"method"`
	Status           string          `json:"status"`
	RetryCount       int             `json:"retry_count"`
	IdempotencyToken string          `json:"idempotency_token"`
	RailReference    *string         `json:"rail_reference,omitempty"`
	BankName         *string         `json:"bank_name,omitempty"`
	SubmittedAt      *time.Time      `json:"submitted_at,omitempty"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// InFlight reports whether the attempt holds the transaction's single in-flight slot.
func (a *PayoutAttempt) InFlight() bool {
	return a.Status == AttemptPending || a.Status == AttemptSubmitted
}
