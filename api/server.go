/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Tracing:    W3C trace context in, server span, trace context out
  5. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/users/{id}/*     Per-user balance, check-in, reviews, referrals, plots
  /api/reviews/*        Moderation
  /api/referrals/*      Referral registration
  /api/orders/*         Order completion (referral payout)
  /api/plots/*          Plot catalogue and purchases
  /api/rules            Active reward constants
  /api/admin/*          Reconciliation
  /api/scenarios/*      Demo data
  /health               Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Tracing middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/rewards-ledger/internal/config"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg config.ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(Tracing())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "traceparent", "tracestate"},
		ExposedHeaders:   []string{"traceparent"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
			r.Post("/checkin", h.CheckIn)
			r.Get("/checkin", h.GetCheckinStatus)
			r.Get("/checkins", h.ListCheckins)
			r.Post("/reviews", h.SubmitReview)
			r.Get("/reviews", h.ListUserReviews)
			r.Get("/reviews/pending-count", h.GetPendingReviewCount)
			r.Get("/referrals", h.ListReferrals)
			r.Get("/referral-code", h.GetReferralCode)
			r.Put("/referral-code/active", h.SetReferralCodeActive)
			r.Get("/plots", h.ListOwnedPlots)
			r.Post("/cashback/redeem", h.RedeemCashback)
		})

		// Review moderation
		r.Route("/reviews/{id}", func(r chi.Router) {
			r.Get("/", h.GetReview)
			r.Post("/approve", h.ApproveReview)
			r.Post("/reject", h.RejectReview)
			r.Put("/content", h.EditReview)
		})

		r.Route("/referrals", func(r chi.Router) {
			r.Post("/", h.RegisterReferral)
			r.Post("/{id}/void", h.VoidReferral)
		})

		r.Post("/orders/complete", h.CompleteOrder)

		r.Route("/plots", func(r chi.Router) {
			r.Get("/", h.ListPlots)
			r.Post("/", h.CreatePlot)
			r.Post("/{id}/purchase", h.PurchasePlot)
		})

		r.Get("/rules", h.GetRules)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.TriggerReconciliation)
			r.Get("/reconciliation/runs", h.ListReconciliationRuns)
			r.Get("/reconciliation/runs/{id}", h.GetReconciliationRun)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
