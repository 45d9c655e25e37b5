// Package rail talks to the external instant-payment network.
package rail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the rail's view of a transfer.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// ParseStatus maps a wire value to a Status. Anything unrecognised is unknown.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusSettled, StatusFailed:
		return Status(s)
	}
	return StatusUnknown
}

// Destination is the beneficiary account.
type Destination struct {
	Account  string `json:"account"`
	Routing  string `json:"routing"`
	BankName string `json:"bank_name,omitempty"`
}

// Transfer is a single submit request. Token is the rail idempotency key.
type Transfer struct {
	Token       string
	Amount      decimal.Decimal
	Currency    string
	Method      string
	Destination Destination
}

// Acceptance is a synchronous acknowledgment from the rail. Status is
// StatusSettled when the rail settled the transfer inside the submit call and
// StatusPending otherwise.
type Acceptance struct {
	Reference string
	Status    Status
	SettledAt *time.Time
	Raw       json.RawMessage
}

// StatusReport is the authoritative status of a transfer.
type StatusReport struct {
	Reference string
	Status    Status
	SettledAt *time.Time
	Raw       json.RawMessage
}

// Client is the outbound rail interface. Submit errors are either
// *TransientError or *PermanentError.
type Client interface {
	SubmitTransfer(ctx context.Context, t Transfer) (*Acceptance, error)
	QueryStatus(ctx context.Context, reference string) (*StatusReport, error)
}

// TransientError is a failure that may succeed on retry: network errors,
// timeouts, 5xx, 429, an open breaker, or an ambiguous response.
type TransientError struct {
	StatusCode int
	Raw        json.RawMessage
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rail transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("rail transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is an explicit rejection, such as an invalid destination.
type PermanentError struct {
	StatusCode int
	Code       string
	Message    string
	Raw        json.RawMessage
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("rail rejected transfer (status %d, code %q): %s", e.StatusCode, e.Code, e.Message)
}

// IsPermanent reports whether err is a permanent rail rejection.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// RawResponse extracts whatever rail payload err carries.
func RawResponse(err error) json.RawMessage {
	var p *PermanentError
	if errors.As(err, &p) {
		return p.Raw
	}
	var t *TransientError
	if errors.As(err, &t) {
		return t.Raw
	}
	return nil
}

// Classify wraps any error that is not already classified as transient.
// Ambiguity never becomes permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var p *PermanentError
	var t *TransientError
	if errors.As(err, &p) || errors.As(err, &t) {
		return err
	}
	return &TransientError{Err: err}
}
