package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archslayer/flagbase111-sub003/internal/auth"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
	"github.com/archslayer/flagbase111-sub003/internal/idempotency"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/resilience"
)

type RouterConfig struct {
	Handler       *Handler
	Admin         *AdminHandler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger

	// Verifier enables bearer tokens; RequireAuth rejects anonymous mutations.
	Verifier    *auth.Verifier
	RequireAuth bool

	Idempotency *idempotency.Middleware

	RateLimiter resilience.RateLimiter
	RateLimit   int
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// mutation wires auth, throttling and idempotency in front of a handler.
	// Only mutations resolve a caller, so only they reject bad tokens.
	mutation := func(v idempotency.Validator) chi.Middlewares {
		var mws chi.Middlewares
		if cfg.Verifier != nil {
			mws = append(mws, auth.Middleware(cfg.Verifier))
		}
		if cfg.RequireAuth {
			mws = append(mws, auth.RequirePrincipal)
		}
		mws = append(mws, RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.Metrics, cfg.Logger))
		if cfg.Idempotency != nil {
			mws = append(mws, cfg.Idempotency.Validate(v))
		}
		return mws
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(mutation(ValidateAttack)...).Post("/attacks", cfg.Handler.SubmitAttack)
		r.With(mutation(ValidateTrade)...).Post("/trades/buy", cfg.Handler.SubmitTrade(domain.TradeBuy))
		r.With(mutation(ValidateTrade)...).Post("/trades/sell", cfg.Handler.SubmitTrade(domain.TradeSell))
		r.With(mutation(ValidateReferral)...).Post("/referrals", cfg.Handler.SubmitReferral)

		r.Post("/chain/events", cfg.Handler.IngestChainEvents)

		r.Get("/jobs/{id}", cfg.Handler.GetJob)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/progress", cfg.Handler.GetProgress)
			r.Get("/ledger/{day}", cfg.Handler.GetDailyLedger)
			r.Get("/referrals", cfg.Handler.ListReferrals)
		})
	})

	if cfg.Admin.Enabled() {
		r.Route("/admin/idempotency", func(r chi.Router) {
			r.Use(cfg.Admin.RequireToken)
			r.Get("/stats", cfg.Admin.Statistics)
			r.Post("/cleanup/expired", cfg.Admin.CleanupExpired)
			r.Post("/cleanup/stuck", cfg.Admin.CleanupStuck)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(slog.Default(), w, http.StatusNotFound, "not found")
	})

	return r
}
