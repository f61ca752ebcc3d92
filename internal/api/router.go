/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware chain: CORS, Clerk authentication, per-user write rate limiting,
 * and per-route metrics/tracing.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/app"
)

const writeRateLimitScope = "escrow_write"

// RouterOptions carries the cross-cutting dependencies of the router.
type RouterOptions struct {
	Auth                AuthConfig
	InternalAPIKey      string
	Limiter             app.RateLimiter
	WriteLimitPerMinute int
	Observability       *Observability
	Logger              logrus.FieldLogger
}

// NewRouter creates the escrow-service router.
func NewRouter(h *EscrowHandlers, opts RouterOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	obs := opts.Observability
	if obs == nil {
		obs = NewObservability(ObservabilityConfig{}, nil, opts.Logger)
	}

	r := chi.NewRouter()

	// Add standard middleware for request ids, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.With(obs.Middleware("internal.ledger_audit")).Post("/ledger-audit", h.RunLedgerAuditHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(opts.Auth))

		limited := RateLimitMiddleware(opts.Limiter, app.WriteQuota{
			Scope:  writeRateLimitScope,
			Limit:  opts.WriteLimitPerMinute,
			Window: time.Minute,
		}, opts.Logger)

		r.Route("/escrows", func(r chi.Router) {
			r.With(obs.Middleware("escrows.list")).Get("/", h.ListEscrowsHandler)
			r.With(obs.Middleware("escrows.balance")).Get("/balance", h.GetBalanceHandler)
			r.With(obs.Middleware("escrows.create"), limited).Post("/", h.CreateEscrowHandler)

			r.Route("/{escrow_id}", func(r chi.Router) {
				r.With(obs.Middleware("escrows.get")).Get("/", h.GetEscrowHandler)
				r.With(obs.Middleware("escrows.accept"), limited).Post("/accept", h.AcceptEscrowHandler)
				r.With(obs.Middleware("escrows.decline"), limited).Post("/decline", h.DeclineEscrowHandler)
				r.With(obs.Middleware("escrows.delivered"), limited).Post("/delivered", h.MarkDeliveredHandler)
				r.With(obs.Middleware("escrows.release"), limited).Post("/release", h.ReleaseEscrowHandler)
				r.With(obs.Middleware("escrows.delete"), limited).Delete("/", h.DeleteEscrowHandler)
			})
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.With(obs.Middleware("withdrawals.initiate"), limited).Post("/", h.InitiateWithdrawalHandler)
			r.With(obs.Middleware("withdrawals.get")).Get("/{withdrawal_id}", h.GetWithdrawalHandler)
			r.With(obs.Middleware("withdrawals.finalize"), limited).Post("/{withdrawal_id}/finalize", h.FinalizeWithdrawalHandler)
		})
	})

	return r
}
