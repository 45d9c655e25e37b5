// Package limits enforces the per-user rolling-window payout ceilings.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Window names a rolling limit window.
type Window string

const (
	WindowDay   Window = "24h"
	WindowWeek  Window = "7d"
	WindowMonth Window = "mtd"
	WindowYear  Window = "ytd"
)

// Order is the ascending window-size order in which breaches are reported.
var Order = []Window{WindowDay, WindowWeek, WindowMonth, WindowYear}

// Ceilings holds the configured limit per window, in the settlement currency.
type Ceilings map[Window]decimal.Decimal

// DefaultCeilings returns the federal defaults: 500 / 1500 / 2500 / 8500.
func DefaultCeilings() Ceilings {
	return Ceilings{
		WindowDay:   decimal.NewFromInt(500),
		WindowWeek:  decimal.NewFromInt(1500),
		WindowMonth: decimal.NewFromInt(2500),
		WindowYear:  decimal.NewFromInt(8500),
	}
}

// Starts is the inclusive lower bound of each window as of some instant.
type Starts map[Window]time.Time

// WindowStarts computes the window bounds for now. Calendar windows use UTC.
func WindowStarts(now time.Time) Starts {
	u := now.UTC()
	return Starts{
		WindowDay:   u.Add(-24 * time.Hour),
		WindowWeek:  u.Add(-7 * 24 * time.Hour),
		WindowMonth: time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC),
		WindowYear:  time.Date(u.Year(), time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Usage is the sum of approved or completed net payouts per window.
type Usage map[Window]decimal.Decimal

// UsageReader loads a user's window usage. It runs inside the admission transaction.
type UsageReader interface {
	WindowUsage(ctx context.Context, tx pgx.Tx, userID int64, starts Starts) (Usage, error)
}

// LimitExceeded reports the first breached window.
type LimitExceeded struct {
	Window       Window
	Limit        decimal.Decimal
	WouldBeTotal decimal.Decimal
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("limit exceeded: %s window total %s would exceed %s", e.Window, e.WouldBeTotal.StringFixed(2), e.Limit.StringFixed(2))
}

// Decision is the admission outcome. Rejection is nil when admitted.
type Decision struct {
	Rejection *LimitExceeded
}

// Admitted reports whether every window had room.
func (d Decision) Admitted() bool { return d.Rejection == nil }

// Evaluate compares usage+proposed against every ceiling, in Order.
func Evaluate(ceilings Ceilings, usage Usage, proposed decimal.Decimal) Decision {
	for _, w := range Order {
		limit, ok := ceilings[w]
		if !ok {
			continue
		}
		total := usage[w].Add(proposed)
		if total.GreaterThan(limit) {
			return Decision{Rejection: &LimitExceeded{Window: w, Limit: limit, WouldBeTotal: total}}
		}
	}
	return Decision{}
}

// Enforcer runs admission checks against ledger history.
type Enforcer struct {
	ceilings Ceilings
	usage    UsageReader
}

// NewEnforcer returns an Enforcer. Missing windows in c fall back to the defaults.
func NewEnforcer(c Ceilings, usage UsageReader) *Enforcer {
	merged := DefaultCeilings()
	for w, v := range c {
		merged[w] = v
	}
	return &Enforcer{ceilings: merged, usage: usage}
}

// Ceilings returns a copy of the configured ceilings.
func (e *Enforcer) Ceilings() Ceilings {
	out := make(Ceilings, len(e.ceilings))
	for w, v := range e.ceilings {
		out[w] = v
	}
	return out
}

// CheckAdmission decides whether proposedNet fits every window as of now. The caller
// must hold the user's admission lock for tx so the read and the following insert
// are atomic with respect to other requests from the same user.
func (e *Enforcer) CheckAdmission(ctx context.Context, tx pgx.Tx, userID int64, proposedNet decimal.Decimal, now time.Time) (Decision, error) {
	usage, err := e.usage.WindowUsage(ctx, tx, userID, WindowStarts(now))
	if err != nil {
		return Decision{}, fmt.Errorf("load window usage: %w", err)
	}
	return Evaluate(e.ceilings, usage, proposedNet), nil
}
