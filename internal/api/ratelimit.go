package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/resilience"
)

// RateLimit throttles mutations per caller and route. Limiter errors let
// the request through; the idempotency layer still guards the effect.
func RateLimit(limiter resilience.RateLimiter, perSecond int, metrics *observability.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil || perSecond <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			allowed, err := limiter.Allow(r.Context(), callerID(r)+"|"+route, perSecond)
			if err != nil {
				logger.Warn("rate limiter unavailable", "error", err, "route", route)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if metrics != nil {
					metrics.RateLimiterRejections.WithLabelValues(route).Inc()
				}
				w.Header().Set("Retry-After", strconv.Itoa(1))
				respondError(logger, w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
