package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures the HTTP/JSON rail adapter.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds every call. Callers may set a tighter deadline on ctx.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker. Defaults to 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open. Defaults to 30s.
	OpenTimeout time.Duration
}

// HTTPClient is the production Client.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-rail",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// A permanent rejection means the rail is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rail circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

type transferRequest struct {
	Amount      string      `json:"amount"`
	Currency    string      `json:"currency"`
	Method      string      `json:"method"`
	Destination Destination `json:"destination"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	SettledAt string `json:"settled_at,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SubmitTransfer posts the transfer with Idempotency-Key set to t.Token.
func (c *HTTPClient) SubmitTransfer(ctx context.Context, t Transfer) (*Acceptance, error) {
	body, err := json.Marshal(transferRequest{
		Amount:      t.Amount.StringFixed(2),
		Currency:    t.Currency,
		Method:      t.Method,
		Destination: t.Destination,
	})
	if err != nil {
		return nil, &PermanentError{Message: fmt.Sprintf("encode transfer: %v", err)}
	}

	out, err := c.breaker.Execute(func() (any, error) {
		status, raw, err := c.do(ctx, http.MethodPost, "/v1/transfers", body, t.Token)
		if err != nil {
			return nil, err
		}
		if err := classifyStatus(status, raw); err != nil {
			return nil, err
		}
		var resp transferResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &TransientError{StatusCode: status, Raw: raw, Err: errors.New("ambiguous acceptance: undecodable body")}
		}
		return acceptance(status, raw, resp)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return out.(*Acceptance), nil
}

// acceptance interprets the body of a 2xx submit response. A body-level
// rejection is permanent and a reported failure is retryable.
func acceptance(status int, raw json.RawMessage, resp transferResponse) (*Acceptance, error) {
	switch resp.Status {
	case "rejected":
		msg := resp.Message
		if msg == "" {
			msg = "transfer rejected"
		}
		return nil, &PermanentError{StatusCode: status, Code: resp.Code, Message: msg, Raw: raw}
	case string(StatusFailed):
		return nil, &TransientError{StatusCode: status, Raw: raw, Err: fmt.Errorf("rail reported transfer failed: %s", resp.Code)}
	}
	if resp.Reference == "" {
		return nil, &TransientError{StatusCode: status, Raw: raw, Err: errors.New("ambiguous acceptance: missing reference")}
	}
	acc := &Acceptance{Reference: resp.Reference, Status: StatusPending, Raw: raw}
	if resp.Status == string(StatusSettled) {
		acc.Status = StatusSettled
		acc.SettledAt = parseTime(resp.SettledAt)
	}
	return acc, nil
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &ts
}

// QueryStatus fetches the authoritative status. A 404 is reported as StatusUnknown.
func (c *HTTPClient) QueryStatus(ctx context.Context, reference string) (*StatusReport, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		status, raw, err := c.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(reference), nil, "")
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			return &StatusReport{Reference: reference, Status: StatusUnknown, Raw: raw}, nil
		}
		if err := classifyStatus(status, raw); err != nil {
			return nil, err
		}
		var resp transferResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &TransientError{StatusCode: status, Raw: raw, Err: fmt.Errorf("decode status: %w", err)}
		}
		return &StatusReport{
			Reference: reference,
			Status:    ParseStatus(resp.Status),
			SettledAt: parseTime(resp.SettledAt),
			Raw:       raw,
		}, nil
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return out.(*StatusReport), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (int, json.RawMessage, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, nil, &PermanentError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransientError{Err: fmt.Errorf("network error calling rail: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read rail response: %w", err)}
	}
	if !json.Valid(raw) {
		raw = nil
	}
	return resp.StatusCode, raw, nil
}

// classifyStatus maps a non-2xx status to a classified error.
func classifyStatus(status int, raw json.RawMessage) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return &TransientError{StatusCode: status, Raw: raw, Err: fmt.Errorf("rail returned %d", status)}
	case status >= 400:
		var resp transferResponse
		_ = json.Unmarshal(raw, &resp)
		msg := resp.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &PermanentError{StatusCode: status, Code: resp.Code, Message: msg, Raw: raw}
	default:
		return &TransientError{StatusCode: status, Raw: raw, Err: fmt.Errorf("unexpected rail status %d", status)}
	}
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{Err: fmt.Errorf("rail circuit open: %w", err)}
	}
	return Classify(err)
}
