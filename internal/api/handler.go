package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/archslayer/flagbase111-sub003/internal/auth"
	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
	"github.com/archslayer/flagbase111-sub003/internal/idempotency"
	"github.com/archslayer/flagbase111-sub003/internal/queue"
)

// ChainTokenHeader authenticates the chain-event webhook.
const ChainTokenHeader = "X-Chain-Token"

const maxChainBatch = 500

// Analytics rows are not worth a long retry schedule.
const analyticsMaxAttempts = 2

// Enqueuer is the queue producer as seen by the handlers.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, jobID string, opts ...queue.EnqueueOption) (queue.Result, error)
	EnqueueChainEvent(ctx context.Context, ev *domain.ChainEvent) (queue.Result, error)
}

type JobReader interface {
	GetByID(ctx context.Context, id string) (*domain.Job, error)
}

type AggregateReader interface {
	GetProgress(ctx context.Context, userID string) (*domain.AchievementProgress, error)
	GetDailyLedger(ctx context.Context, userID, day string) (*domain.DailyLedger, error)
	ListReferralActivity(ctx context.Context, referrerID string) ([]*domain.ReferralActivity, error)
}

type Handler struct {
	queue      Enqueuer
	jobs       JobReader
	aggregates AggregateReader
	chainToken string
	clock      clock.Clock
	logger     *slog.Logger
}

func NewHandler(q Enqueuer, jobs JobReader, aggregates AggregateReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:      q,
		jobs:       jobs,
		aggregates: aggregates,
		clock:      clock.RealClock{},
		logger:     logger,
	}
}

// WithChainToken enables the chain-event webhook for callers presenting token.
func (h *Handler) WithChainToken(token string) *Handler {
	h.chainToken = token
	return h
}

func (h *Handler) WithClock(c clock.Clock) *Handler {
	h.clock = c
	return h
}

// SubmitResponse confirms that a mutation was queued. Duplicate is true when
// the job already existed, e.g. a retry after the cached result expired.
type SubmitResponse struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Duplicate   bool      `json:"duplicate"`
	RequestedAt time.Time `json:"requested_at"`
}

func (h *Handler) SubmitAttack(w http.ResponseWriter, r *http.Request) {
	var req AttackRequest
	user, ok := h.decodeMutation(w, r, &req)
	if !ok {
		return
	}

	now := h.clock.Now().UTC()
	jobID := requestJobID(r, user, "attack", req.TargetID, strconv.Itoa(req.Units))
	payload := domain.AttackRequested{
		UserID:      user,
		TargetID:    req.TargetID,
		Units:       req.Units,
		Day:         domain.DayOf(now),
		RequestedAt: now,
	}
	h.submit(w, r, domain.JobAttackRequested, payload, jobID, user, map[string]string{
		"target_id": req.TargetID,
		"units":     strconv.Itoa(req.Units),
	})
}

// SubmitTrade handles buy and sell requests.
func (h *Handler) SubmitTrade(side domain.TradeSide) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TradeRequest
		user, ok := h.decodeMutation(w, r, &req)
		if !ok {
			return
		}

		now := h.clock.Now().UTC()
		token := domain.NormalizeAddress(req.Token)
		jobID := requestJobID(r, user, "trade."+string(side), token, req.Amount.String())
		payload := domain.TradeRequested{
			UserID:      user,
			Side:        side,
			Token:       token,
			Amount:      req.Amount,
			Day:         domain.DayOf(now),
			RequestedAt: now,
		}
		h.submit(w, r, domain.JobTradeRequested, payload, jobID, user, map[string]string{
			"side":   string(side),
			"token":  token,
			"amount": req.Amount.String(),
		})
	}
}

func (h *Handler) SubmitReferral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRequest
	user, ok := h.decodeMutation(w, r, &req)
	if !ok {
		return
	}

	now := h.clock.Now().UTC()
	jobID := requestJobID(r, user, "referral", req.ReferrerID)
	payload := domain.ReferralRequested{
		RefereeID:   user,
		ReferrerID:  req.ReferrerID,
		RequestedAt: now,
	}
	h.submit(w, r, domain.JobReferralRequested, payload, jobID, user, map[string]string{
		"referrer_id": req.ReferrerID,
	})
}

// decodeMutation parses and validates the body. The idempotency middleware
// has usually validated it already; this guards direct mounts.
func (h *Handler) decodeMutation(w http.ResponseWriter, r *http.Request, req validatable) (string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, idempotency.DefaultMaxRequestBytes))
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "unreadable request body")
		return "", false
	}
	if err := decodeStrict(body, req); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, err.Error())
		return "", false
	}
	user := callerID(r)
	if err := req.Validate(user); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return user, true
}

// submit enqueues the critical job, then a best-effort analytics row.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, name string, payload any, jobID, user string, attrs map[string]string) {
	ctx := r.Context()

	res, err := h.queue.Enqueue(ctx, name, payload, jobID)
	if err == nil && res.Disabled {
		err = fmt.Errorf("%w: no job store configured", domain.ErrQueueUnavailable)
	}
	if err != nil {
		h.respondQueueError(w, err, jobID)
		return
	}

	attrs["job_id"] = jobID
	analytics := domain.AnalyticsRecorded{
		Name:       name,
		UserID:     user,
		Attributes: attrs,
		OccurredAt: h.clock.Now().UTC(),
	}
	if _, err := h.queue.Enqueue(ctx, domain.JobAnalytics, analytics, "analytics:"+jobID, queue.BestEffort(), queue.WithMaxAttempts(analyticsMaxAttempts)); err != nil {
		h.logger.Warn("analytics not recorded", "job_id", jobID, "error", err)
	}

	respondJSON(h.logger, w, http.StatusOK, SubmitResponse{
		JobID:       res.JobID,
		Status:      "queued",
		Duplicate:   !res.Created,
		RequestedAt: analytics.OccurredAt,
	})
}

// ChainEventsRequest carries events from an external chain listener.
type ChainEventsRequest struct {
	Events []*domain.ChainEvent `json:"events"`
}

type ChainEventResult struct {
	JobID     string `json:"job_id"`
	Duplicate bool   `json:"duplicate"`
}

// IngestChainEvents queues decoded contract events. Deduplication is by
// chain job id, so the same event may be posted any number of times.
func (h *Handler) IngestChainEvents(w http.ResponseWriter, r *http.Request) {
	if h.chainToken == "" {
		respondError(h.logger, w, http.StatusNotFound, "chain webhook disabled")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(ChainTokenHeader)), []byte(h.chainToken)) != 1 {
		respondError(h.logger, w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ChainEventsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, idempotency.DefaultMaxRequestBytes)).Decode(&req); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxChainBatch {
		respondError(h.logger, w, http.StatusBadRequest, "events must contain between 1 and 500 entries")
		return
	}
	for i, ev := range req.Events {
		if ev == nil {
			respondError(h.logger, w, http.StatusBadRequest, "event "+strconv.Itoa(i)+": missing")
			return
		}
		if err := ev.Validate(); err != nil {
			respondError(h.logger, w, http.StatusBadRequest, "event "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		if _, err := queue.JobIDForEvent(ev); err != nil {
			respondError(h.logger, w, http.StatusBadRequest, "event "+strconv.Itoa(i)+": "+err.Error())
			return
		}
	}

	results := make([]ChainEventResult, 0, len(req.Events))
	for _, ev := range req.Events {
		res, err := h.queue.EnqueueChainEvent(r.Context(), ev)
		if err == nil && res.Disabled {
			err = fmt.Errorf("%w: no job store configured", domain.ErrQueueUnavailable)
		}
		if err != nil {
			h.respondQueueError(w, err, res.JobID)
			return
		}
		results = append(results, ChainEventResult{JobID: res.JobID, Duplicate: !res.Created})
	}

	respondJSON(h.logger, w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	progress, err := h.aggregates.GetProgress(r.Context(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(h.logger, w, http.StatusNotFound, "no progress recorded")
		return
	}
	if err != nil {
		h.logger.Error("failed to get progress", "error", err, "user_id", userID)
		respondError(h.logger, w, http.StatusInternalServerError, "failed to get progress")
		return
	}
	respondJSON(h.logger, w, http.StatusOK, progress)
}

func (h *Handler) GetDailyLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	day := chi.URLParam(r, "day")
	if _, err := time.Parse(domain.DayLayout, day); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}

	ledger, err := h.aggregates.GetDailyLedger(r.Context(), userID, day)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(h.logger, w, http.StatusNotFound, "no activity on this day")
		return
	}
	if err != nil {
		h.logger.Error("failed to get daily ledger", "error", err, "user_id", userID, "day", day)
		respondError(h.logger, w, http.StatusInternalServerError, "failed to get daily ledger")
		return
	}
	respondJSON(h.logger, w, http.StatusOK, ledger)
}

func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	activity, err := h.aggregates.ListReferralActivity(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list referrals", "error", err, "user_id", userID)
		respondError(h.logger, w, http.StatusInternalServerError, "failed to list referrals")
		return
	}
	if activity == nil {
		activity = []*domain.ReferralActivity{}
	}
	respondJSON(h.logger, w, http.StatusOK, activity)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(h.logger, w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(h.logger, w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", "error", err, "job_id", id)
		respondError(h.logger, w, http.StatusInternalServerError, "failed to get job")
		return
	}

	respondJSON(h.logger, w, http.StatusOK, job)
}

func (h *Handler) respondQueueError(w http.ResponseWriter, err error, jobID string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(h.logger, w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrQueueUnavailable):
		h.logger.Error("failed to enqueue job", "error", err, "job_id", jobID)
		respondError(h.logger, w, http.StatusServiceUnavailable, "queue unavailable")
	default:
		h.logger.Error("failed to enqueue job", "error", err, "job_id", jobID)
		respondError(h.logger, w, http.StatusInternalServerError, "failed to enqueue job")
	}
}

// callerID is the authenticated user, or the anonymous identity the
// idempotency keys use when anonymous mutations are allowed.
func callerID(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.UserID != "" {
		return p.UserID
	}
	return idempotency.DefaultIdentity(r)
}

// requestJobID ties the job to the idempotency key when the request went
// through the middleware, and to its parameters otherwise.
func requestJobID(r *http.Request, user, op string, params ...string) string {
	if key := idempotency.KeyFromContext(r.Context()); key != "" {
		return queue.RequestJobIDFromKey(key, op)
	}
	return queue.RequestJobID(user, op, params...)
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(logger *slog.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func respondError(logger *slog.Logger, w http.ResponseWriter, status int, message string) {
	respondJSON(logger, w, status, errorResponse{Error: message})
}
