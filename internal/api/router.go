/**
 * @description
 * This file sets up the HTTP router for the treasury-service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for logging,
 * CORS and operator authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the treasury dashboard.
 * - github.com/prometheus/client_golang: Metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transfa/treasury-service/internal/domain"
)

// NewRouter creates the treasury router.
func NewRouter(h *Handlers, auth AuthConfig, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", InternalAPIKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	}
	r.Get("/health", health)
	r.Get("/api/health", health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Read-only views are public to the dashboard.
		r.Get("/banks", h.ListBanksHandler)
		r.Get("/custody-accounts", h.ListCustodyAccountsHandler)
		r.Get("/custody-accounts/{id}", h.GetCustodyAccountHandler)
		r.Get("/vaults", h.ListVaultsHandler)
		r.Get("/vaults/{id}", h.GetVaultHandler)
		r.Get("/locks", h.ListLocksHandler)
		r.Get("/locks/approved", h.listLocksByStatus(domain.LockStatusLocked))
		r.Get("/locks/cancelled", h.listLocksByStatus(domain.LockStatusCanceled))
		r.Get("/locks/minted", h.listLocksByStatus(domain.LockStatusConsumed))
		r.Get("/locks/by-code/{code}", h.GetLockByCodeHandler)
		r.Get("/locks/{id}", h.GetLockHandler)
		r.Get("/authorizations/{code}", h.ValidateAuthorizationHandler)
		r.Get("/certifications", h.ListCertificationsHandler)
		r.Get("/certifications/{id}", h.GetCertificationHandler)

		// Bridge webhooks authenticate with their own signature.
		r.Post("/webhooks/receive", h.BridgeWebhookHandler)

		r.Group(func(r chi.Router) {
			r.Use(OperatorAuthMiddleware(auth))

			r.Post("/banks", h.CreateBankHandler)
			r.Post("/custody-accounts", h.CreateCustodyAccountHandler)
			r.Post("/vaults", h.CreateVaultHandler)

			r.Post("/locks", h.RequestLockHandler)
			r.Post("/locks/{id}/approve", h.ApproveLockHandler)
			r.Post("/locks/{id}/consume", h.ConsumeLockHandler)
			r.Post("/locks/{id}/cancel", h.CancelLockHandler)

			r.Post("/authorizations/{code}/redeem", h.RedeemAuthorizationHandler)
			r.Post("/authorizations/{code}/complete", h.CompleteMintHandler)
			r.Post("/authorizations/{code}/cancel", h.CancelAuthorizationHandler)

			r.Post("/certifications", h.StartCertificationHandler)
			r.Post("/certifications/{id}/cancel", h.CancelCertificationHandler)

			r.Post("/clear-all", h.ClearAllHandler)
		})
	})

	return r
}
