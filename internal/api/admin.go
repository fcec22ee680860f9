package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// AdminTokenHeader carries the operator token. It is separate from the
// Authorization header so admin calls never reach session verification.
const AdminTokenHeader = "X-Admin-Token"

// Maintenance is the janitor surface exposed to operators.
type Maintenance interface {
	CleanupExpired(ctx context.Context) (int, error)
	ForceCleanupStuck(ctx context.Context) ([]string, error)
	Statistics(ctx context.Context) (domain.RecordStatistics, error)
}

// AdminHandler serves the idempotency maintenance endpoints.
type AdminHandler struct {
	janitor Maintenance
	token   string
	logger  *slog.Logger
}

func NewAdminHandler(janitor Maintenance, token string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		janitor: janitor,
		token:   token,
		logger:  logger,
	}
}

// Enabled reports whether an admin token is configured.
func (a *AdminHandler) Enabled() bool {
	return a != nil && a.token != ""
}

// RequireToken admits requests bearing the admin token.
func (a *AdminHandler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(AdminTokenHeader)), []byte(a.token)) != 1 {
			respondError(a.logger, w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.janitor.Statistics(r.Context())
	if err != nil {
		a.logger.Error("failed to collect idempotency statistics", "error", err)
		respondError(a.logger, w, http.StatusInternalServerError, "failed to collect statistics")
		return
	}
	respondJSON(a.logger, w, http.StatusOK, stats)
}

func (a *AdminHandler) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	n, err := a.janitor.CleanupExpired(r.Context())
	if err != nil {
		a.logger.Error("expired cleanup failed", "error", err)
		respondError(a.logger, w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	respondJSON(a.logger, w, http.StatusOK, map[string]int{"removed": n})
}

// CleanupStuck force-clears pending records older than the stuck threshold.
// The affected keys are returned so operators can follow up with clients.
func (a *AdminHandler) CleanupStuck(w http.ResponseWriter, r *http.Request) {
	keys, err := a.janitor.ForceCleanupStuck(r.Context())
	if err != nil {
		a.logger.Error("stuck cleanup failed", "error", err)
		respondError(a.logger, w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	a.logger.Warn("force cleared stuck idempotency records", "count", len(keys))
	respondJSON(a.logger, w, http.StatusOK, map[string]any{"removed": len(keys), "keys": keys})
}
