package router

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liquidpay/backend/internal/handlers"
	"github.com/liquidpay/backend/internal/middleware"
)

// New returns the engine's http.Handler. Collaborator routes sit behind the
// service token; the rail callback carries its own signature; health and
// metrics are open.
func New(h *handlers.PayoutHandler, health http.HandlerFunc, serviceToken string, logger *slog.Logger) http.Handler {
	auth := middleware.ServiceToken(serviceToken)
	mux := http.NewServeMux()

	mux.Handle("POST /v1/liquidations", auth(http.HandlerFunc(h.CreateLiquidation)))
	mux.Handle("GET /v1/transactions", auth(http.HandlerFunc(h.ListTransactions)))
	mux.Handle("GET /v1/transactions/{id}", auth(http.HandlerFunc(h.GetTransaction)))
	mux.Handle("POST /v1/transactions/{id}/cancel", auth(http.HandlerFunc(h.CancelTransaction)))
	mux.Handle("POST /v1/transactions/{id}/reconciliation/clear", auth(http.HandlerFunc(h.ClearMismatch)))
	mux.Handle("GET /v1/reconciliation/mismatches", auth(http.HandlerFunc(h.ListMismatches)))
	mux.Handle("GET /v1/error-logs", auth(http.HandlerFunc(h.ListErrorLogs)))

	mux.HandleFunc("POST /v1/rail/callbacks", h.RailCallback)

	mux.HandleFunc("GET /health", health)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Observe(logger)(mux)
}
