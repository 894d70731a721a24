/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Core router with middleware chain: Request ID →
             Recoverer → Request Logger → Security Headers →
             Body Size Limit. Routes: /v1/mutations,
             /v1/entities, /v1/verify, /v1/replay, /v1/proof,
             /v1/funds/*, /v1/ledger/repair, /ws feed,
             /healthz, /metrics.
Root Cause:  Sprint task L035 — external interface glue.
Context:     Router design affects all downstream handlers.
Suitability: L3 model for proper middleware chain design.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/broadcast"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/config"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/core"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/handler"
	lcmw "github.com/ExpenseFlowDev/expenseflow/services/ledgercore/middleware"
)

// New returns the configured chi router with the middleware chain and
// all routes mounted. The hub is optional; pass nil to skip the /ws feed.
func New(cfg *config.Config, appLogger zerolog.Logger, c *core.Core, hub *broadcast.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(lcmw.RequestLogger(appLogger))
	r.Use(lcmw.SecurityHeaders)
	r.Use(lcmw.MaxBodySize(cfg.MaxBodyBytes))

	// Health endpoints.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"expenseflow-ledgercore"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"expenseflow-ledgercore"}`))
	})

	// Prometheus metrics.
	r.Get("/metrics", c.Metrics.Handler())

	// Live change feed.
	if hub != nil {
		r.Get("/ws", hub.ServeHTTP)
	}

	h := handler.New(c, appLogger)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/mutations", h.Mutate)
		r.Get("/journal/{id}", h.JournalEntry)

		r.Post("/entities/query", h.Query)
		r.Get("/entities/{entityType}/{id}", h.GetEntity)

		r.Post("/verify", h.Verify)
		r.Get("/replay/{entityId}", h.Replay)
		r.Get("/proof", h.Proof)
		r.Post("/ledger/repair", h.Repair)

		r.Post("/funds/reserve", h.Reserve)
		r.Post("/funds/settle", h.Settle)
		r.Post("/funds/release", h.Release)
	})

	return r
}
