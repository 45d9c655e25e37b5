package payout

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyMismatch is returned when an invoice number is replayed with a different payload.
	ErrIdempotencyMismatch = errors.New("invoice number already used with a different request")
	// ErrNotCancellable is returned once a transaction has left the pre-submission states.
	ErrNotCancellable = errors.New("transaction can no longer be cancelled")
	// ErrNotFound is returned for an unknown transaction or attempt.
	ErrNotFound = errors.New("transaction not found")
)

// ValidationError rejects a malformed request before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DuplicateAttemptError is returned when a transaction already has an attempt in flight.
// No rail call was made.
type DuplicateAttemptError struct {
	TransactionID uuid.UUID
	AttemptID     uuid.UUID
	Status        string
}

func (e *DuplicateAttemptError) Error() string {
	return fmt.Sprintf("transaction %s already has attempt %s in %s", e.TransactionID, e.AttemptID, e.Status)
}

// IsDuplicateAttempt reports whether err is a DuplicateAttemptError.
func IsDuplicateAttempt(err error) bool {
	var d *DuplicateAttemptError
	return errors.As(err, &d)
}
