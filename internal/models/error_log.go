package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Phases that raise ErrorLog entries.
const (
	PhaseIntake         = "intake"
	PhaseAdmission      = "admission"
	PhasePayout         = "payout"
	PhaseReconciliation = "reconciliation"
	PhaseKeys           = "keys"
	PhaseRetention      = "retention"
)

// ErrorLog codes.
const (
	ErrCodeRailTransient    = "rail_transient"
	ErrCodeRailFailed       = "rail_failed"
	ErrCodePayoutAbandoned  = "payout_abandoned"
	ErrCodeReconMismatch    = "reconciliation_mismatch"
	ErrCodeKeyPurgeBlocked  = "key_purge_blocked"
	ErrCodeMetadataUnusable = "metadata_unusable"
)

// ErrorLog is an append-only diagnostic record. UserID may refer to a user that no
// longer exists.
type ErrorLog struct {
	ID            uuid.UUID       `json:"id"`
	ErrorCode     string          `json:"error_code"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
	UserID        *int64          `json:"user_id,omitempty"`
	TransactionID *uuid.UUID      `json:"transaction_id,omitempty"`
	Phase         string          `json:"phase"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// ErrorLogFilter narrows error log queries. Zero values are ignored.
type ErrorLogFilter struct {
	UserID int64
	Phase  string
	Code   string
	From   time.Time
	To     time.Time
	Limit  int
}
