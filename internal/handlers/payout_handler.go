package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/liquidpay/backend/internal/intake"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/models"
	"github.com/liquidpay/backend/internal/payout"
	"github.com/liquidpay/backend/internal/reconcile"
)

const (
	maxBodyBytes = 64 << 10
	defaultLimit = 100
	maxLimit     = 500
)

// Engine is the write surface of the payout orchestrator used by the handler.
type Engine interface {
	Submit(ctx context.Context, req payout.LiquidationRequest) (*payout.Outcome, error)
	Cancel(ctx context.Context, txnID uuid.UUID) (*models.Transaction, error)
}

// Reconciler serves rail callbacks and the operator mismatch queue.
type Reconciler interface {
	HandleCallback(ctx context.Context, token string) error
	Mismatches(ctx context.Context, limit int) ([]*models.Transaction, error)
	ClearMismatch(ctx context.Context, txnID uuid.UUID, note string) (*models.Transaction, error)
}

// RequestValidator checks raw request bodies against their JSON schema.
type RequestValidator interface {
	Validate(kind string, body []byte) error
}

var (
	_ Engine           = (*payout.Orchestrator)(nil)
	_ Reconciler       = (*reconcile.Reconciler)(nil)
	_ RequestValidator = (*intake.Validator)(nil)
)

// PayoutHandler serves the collaborator API under /v1.
type PayoutHandler struct {
	Engine     Engine
	Ledger     ledger.Service
	Reconciler Reconciler
	Validator  RequestValidator
	Logger     *slog.Logger
}

// --- POST /v1/liquidations ---

type admittedResponse struct {
	TransactionID   uuid.UUID       `json:"transaction_id"`
	Status          string          `json:"status"`
	NetPayoutAmount decimal.Decimal `json:"net_payout_amount"`
	Replayed        bool            `json:"replayed,omitempty"`
}

type rejectedResponse struct {
	TransactionID uuid.UUID        `json:"transaction_id"`
	Reason        string           `json:"reason"`
	Window        string           `json:"window,omitempty"`
	Limit         *decimal.Decimal `json:"limit,omitempty"`
	WouldBeTotal  *decimal.Decimal `json:"would_be_total,omitempty"`
	Replayed      bool             `json:"replayed,omitempty"`
}

type validationResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// CreateLiquidation handles POST /v1/liquidations.
// Schema check -> Submit -> 201 admitted | 422 limit rejection. Replays answer 200.
func (h *PayoutHandler) CreateLiquidation(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.Validator.Validate(intake.KindLiquidation, body); err != nil {
		h.writeRequestError(w, err)
		return
	}
	var req payout.LiquidationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeValidation(w, &payout.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	out, err := h.Engine.Submit(r.Context(), req)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	txn := out.Transaction
	if !out.Admitted() {
		resp := rejectedResponse{TransactionID: txn.ID, Reason: "limit_exceeded", Replayed: out.Replayed}
		if rej := out.Rejection; rej != nil {
			resp.Window = string(rej.Window)
			resp.Limit = &rej.Limit
			resp.WouldBeTotal = &rej.WouldBeTotal
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, admittedResponse{
		TransactionID:   txn.ID,
		Status:          txn.Status,
		NetPayoutAmount: txn.NetPayoutAmount,
		Replayed:        out.Replayed,
	})
}

// --- GET /v1/transactions ---

func (h *PayoutHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, verr := parseListParams(q)
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	f := models.TransactionFilter{
		UserID:               p.userID,
		Status:               q.Get("status"),
		ReconciliationStatus: q.Get("reconciliation_status"),
		From:                 p.from,
		To:                   p.to,
		Limit:                p.limit,
	}

	txns, err := h.Ledger.ListTransactions(r.Context(), f)
	if err != nil {
		h.internalError(w, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txns))
}

// --- GET /v1/transactions/{id} ---

func (h *PayoutHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := h.Ledger.GetTransaction(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
		return
	}
	if err != nil {
		h.internalError(w, "get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// --- POST /v1/transactions/{id}/cancel ---

func (h *PayoutHandler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	txn, err := h.Engine.Cancel(r.Context(), id)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// --- GET /v1/reconciliation/mismatches ---

func (h *PayoutHandler) ListMismatches(w http.ResponseWriter, r *http.Request) {
	limit, verr := parseLimit(r.URL.Query().Get("limit"))
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	txns, err := h.Reconciler.Mismatches(r.Context(), limit)
	if err != nil {
		h.internalError(w, "list mismatches", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txns))
}

// --- POST /v1/transactions/{id}/reconciliation/clear ---

type clearRequest struct {
	Note string `json:"note"`
}

func (h *PayoutHandler) ClearMismatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.Validator.Validate(intake.KindClearMismatch, body); err != nil {
		h.writeRequestError(w, err)
		return
	}
	var req clearRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeValidation(w, &payout.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	txn, err := h.Reconciler.ClearMismatch(r.Context(), id, req.Note)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// --- GET /v1/error-logs ---

func (h *PayoutHandler) ListErrorLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, verr := parseListParams(q)
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	f := models.ErrorLogFilter{
		UserID: p.userID,
		Phase:  q.Get("phase"),
		Code:   q.Get("code"),
		From:   p.from,
		To:     p.to,
		Limit:  p.limit,
	}

	logs, err := h.Ledger.ListErrorLogs(r.Context(), f)
	if err != nil {
		h.internalError(w, "list error logs", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

// --- POST /v1/rail/callbacks ---

// RailCallback accepts a compact JWS signed by the rail. It is authenticated by
// its signature, not by the service token.
func (h *PayoutHandler) RailCallback(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	token := strings.TrimSpace(string(body))
	err := h.Reconciler.HandleCallback(r.Context(), token)
	switch {
	case errors.Is(err, reconcile.ErrInvalidCallback):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid callback"})
	case err != nil:
		h.internalError(w, "rail callback", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

// --- helpers ---

func (h *PayoutHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return nil, false
		}
		writeValidation(w, &payout.ValidationError{Field: "body", Reason: "unreadable"})
		return nil, false
	}
	return body, true
}

// writeRequestError maps engine errors onto status codes.
func (h *PayoutHandler) writeRequestError(w http.ResponseWriter, err error) {
	var verr *payout.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, verr)
	case errors.Is(err, payout.ErrIdempotencyMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, payout.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, payout.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
	default:
		h.internalError(w, "request failed", err)
	}
}

func (h *PayoutHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.Logger.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeValidation(w http.ResponseWriter, e *payout.ValidationError) {
	writeJSON(w, http.StatusBadRequest, validationResponse{Error: "validation_error", Field: e.Field, Reason: e.Reason})
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeValidation(w, &payout.ValidationError{Field: "id", Reason: "must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

type listParams struct {
	userID   int64
	from, to time.Time
	limit    int
}

func parseListParams(q url.Values) (listParams, *payout.ValidationError) {
	var p listParams
	if s := q.Get("user_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return p, &payout.ValidationError{Field: "user_id", Reason: "must be a positive integer"}
		}
		p.userID = id
	}
	var err error
	if s := q.Get("from"); s != "" {
		if p.from, err = time.Parse(time.RFC3339, s); err != nil {
			return p, &payout.ValidationError{Field: "from", Reason: "must be RFC 3339"}
		}
	}
	if s := q.Get("to"); s != "" {
		if p.to, err = time.Parse(time.RFC3339, s); err != nil {
			return p, &payout.ValidationError{Field: "to", Reason: "must be RFC 3339"}
		}
	}
	if !p.from.IsZero() && !p.to.IsZero() && p.to.Before(p.from) {
		return p, &payout.ValidationError{Field: "to", Reason: "must not precede from"}
	}
	limit, verr := parseLimit(q.Get("limit"))
	if verr != nil {
		return p, verr
	}
	p.limit = limit
	return p, nil
}

func parseLimit(s string) (int, *payout.ValidationError) {
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxLimit {
		return 0, &payout.ValidationError{Field: "limit", Reason: "must be between 1 and " + strconv.Itoa(maxLimit)}
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
