package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/liquidpay/backend/internal/metrics"
	"github.com/liquidpay/backend/internal/rail"
)

// ErrInvalidCallback is returned for a callback that fails authentication or
// lacks required claims. Its content is never applied.
var ErrInvalidCallback = errors.New("invalid rail callback")

// CallbackClaims is the payload of a rail status callback, signed HS256 with
// the shared callback secret. ID (jti) makes each callback single-use.
type CallbackClaims struct {
	jwt.RegisteredClaims
	RailReference string     `json:"rail_reference"`
	Status        string     `json:"status"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// SignCallback produces a callback token. Used by the sandbox rail and tests.
func SignCallback(secret []byte, c CallbackClaims) (string, error) {
	if c.IssuedAt == nil {
		c.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(secret)
}

func (r *Reconciler) verify(token string) (*CallbackClaims, error) {
	if len(r.cfg.CallbackSecret) == 0 {
		return nil, fmt.Errorf("%w: no callback secret configured", ErrInvalidCallback)
	}
	tok, err := jwt.ParseWithClaims(token, &CallbackClaims{}, func(t *jwt.Token) (interface{}, error) {
		return r.cfg.CallbackSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	c, ok := tok.Claims.(*CallbackClaims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidCallback
	}
	if c.ID == "" || c.RailReference == "" || c.Status == "" {
		return nil, fmt.Errorf("%w: jti, rail_reference and status are required", ErrInvalidCallback)
	}
	return c, nil
}

// HandleCallback authenticates a rail callback and applies its status. A
// replayed jti is ignored. A callback for an unknown reference is logged to the
// error log and otherwise dropped.
func (r *Reconciler) HandleCallback(ctx context.Context, token string) error {
	c, err := r.verify(token)
	if err != nil {
		metrics.Callbacks.WithLabelValues("invalid").Inc()
		r.logger.Warn("rejected rail callback", "error", err)
		return err
	}
	first, err := r.replay.MarkSeen(ctx, c.ID, r.cfg.ReplayTTL)
	if err != nil {
		metrics.Callbacks.WithLabelValues("error").Inc()
		return fmt.Errorf("replay guard: %w", err)
	}
	if !first {
		metrics.Callbacks.WithLabelValues("replayed").Inc()
		r.logger.Info("ignored replayed rail callback", "jti", c.ID, "rail_reference", c.RailReference)
		return nil
	}

	err = r.engine.ApplyRailStatus(ctx, c.RailReference, rail.ParseStatus(c.Status), c.SettledAt, "callback")
	switch {
	case isUnknownReference(err):
		metrics.Callbacks.WithLabelValues("unknown_reference").Inc()
		r.logger.Warn("rail callback for unknown reference", "rail_reference", c.RailReference, "status", c.Status)
		r.recordUnknownReference(ctx, c)
		return nil
	case err != nil:
		metrics.Callbacks.WithLabelValues("error").Inc()
		return err
	}
	metrics.Callbacks.WithLabelValues("applied").Inc()
	return nil
}

func jsonData(v map[string]any) (json.RawMessage, error) {
	return json.Marshal(v)
}
