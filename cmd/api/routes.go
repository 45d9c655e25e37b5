package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"

	"github.com/liquidpay/backend/internal/config"
	"github.com/liquidpay/backend/internal/handlers"
	"github.com/liquidpay/backend/internal/intake"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/payout"
	"github.com/liquidpay/backend/internal/reconcile"
	"github.com/liquidpay/backend/internal/router"
)

// buildHandler assembles the /v1 API behind CORS.
// Middleware chain: CORS -> Observe -> ServiceToken (collaborator routes only) -> handler.
func buildHandler(
	cfg *config.Config,
	pool *pgxpool.Pool,
	orchestrator *payout.Orchestrator,
	ledgerSvc ledger.Service,
	reconciler *reconcile.Reconciler,
	logger *slog.Logger,
) http.Handler {
	validator, err := intake.NewValidator()
	if err != nil {
		// Schemas are embedded; a compile failure is a build defect.
		panic(err)
	}

	ph := &handlers.PayoutHandler{
		Engine:     orchestrator,
		Ledger:     ledgerSvc,
		Reconciler: reconciler,
		Validator:  validator,
		Logger:     logger,
	}
	if cfg.App.ServiceToken == "" {
		logger.Warn("No service token configured; collaborator API is unauthenticated")
	}

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler(router.New(ph, handlers.Health(pool), cfg.App.ServiceToken, logger))
}
