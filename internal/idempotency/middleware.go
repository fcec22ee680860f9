package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
)

// Outcomes reported to the metrics callback.
const (
	OutcomeExecuted    = "executed"
	OutcomeReplayed    = "replayed"
	OutcomePending     = "pending"
	OutcomeConcurrent  = "concurrent"
	OutcomeFailed      = "failed"
	OutcomeInvalid     = "invalid"
	OutcomeStoreError  = "store_error"
	OutcomeCommitError = "commit_error"
)

// Retry-After hints, in seconds, for 409 responses.
const (
	RetryAfterPending    = 5
	RetryAfterConcurrent = 2
)

// DefaultMaxRequestBytes bounds how much of a request body is buffered.
const DefaultMaxRequestBytes = 1 << 20

// Validator rejects malformed requests before any lock is taken.
type Validator func(r *http.Request, body []byte) error

type Option func(*Middleware)

func WithLogger(l *slog.Logger) Option {
	return func(m *Middleware) {
		m.logger = l
	}
}

// WithMetrics registers a callback invoked once per request with its outcome.
func WithMetrics(onOutcome func(outcome string)) Option {
	return func(m *Middleware) {
		m.onOutcome = onOutcome
	}
}

func WithMaxRequestBytes(n int64) Option {
	return func(m *Middleware) {
		if n > 0 {
			m.maxRequestBytes = n
		}
	}
}

// Middleware wraps mutation handlers with at-most-once execution per key.
type Middleware struct {
	store           Store
	deriver         *KeyDeriver
	logger          *slog.Logger
	onOutcome       func(string)
	maxRequestBytes int64
}

func New(store Store, deriver *KeyDeriver, opts ...Option) *Middleware {
	m := &Middleware{
		store:           store,
		deriver:         deriver,
		maxRequestBytes: DefaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type contextKey string

const keyContextKey contextKey = "idempotency_key"

// KeyFromContext returns the idempotency key of the request being executed.
func KeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(keyContextKey).(string); ok {
		return key
	}
	return ""
}

// Handler wraps next without request validation.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return m.Validate(nil)(next)
}

// Validate returns a middleware that runs v before any store access.
func (m *Middleware) Validate(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.serve(w, r, next, v)
		})
	}
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler, v Validator) {
	logger := m.logger
	if logger == nil {
		logger = observability.LoggerFromContext(r.Context())
	}

	body, err := readBody(w, r, m.maxRequestBytes)
	if err != nil {
		m.record(OutcomeInvalid)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "", http.StatusRequestEntityTooLarge, "request body too large", 0)
			return
		}
		writeError(w, "", http.StatusBadRequest, "unreadable request body", 0)
		return
	}

	if v != nil {
		if err := v(r, body); err != nil {
			m.record(OutcomeInvalid)
			writeError(w, "", http.StatusBadRequest, err.Error(), 0)
			return
		}
	}

	key := m.deriver.Derive(r, body)
	logger = logger.With("idempotency_key", key)

	existing, err := m.store.Load(r.Context(), key)
	if err != nil {
		m.failClosed(w, logger, key, "load", err)
		return
	}
	if existing != nil {
		switch existing.Status {
		case domain.RecordStatusSucceeded:
			if existing.Response == nil {
				m.failClosed(w, logger, key, "load", fmt.Errorf("%w: succeeded record has no response", domain.ErrStoreUnavailable))
				return
			}
			m.record(OutcomeReplayed)
			logger.Debug("replaying cached response")
			writeCached(w, key, *existing.Response, true)
			return
		default:
			m.record(OutcomePending)
			writeError(w, key, http.StatusConflict, "a previous attempt for this request is still in progress", RetryAfterPending)
			return
		}
	}

	lock, err := m.store.Begin(r.Context(), key)
	if err != nil {
		m.failClosed(w, logger, key, "begin", err)
		return
	}
	if lock == nil {
		m.record(OutcomeConcurrent)
		writeError(w, key, http.StatusConflict, "a concurrent attempt for this request is in progress", RetryAfterConcurrent)
		return
	}

	// A disconnecting client must not cancel a mutation that may already
	// have taken effect; the handler and the commit/clear run to completion.
	ctx := context.WithValue(context.WithoutCancel(r.Context()), keyContextKey, key)
	rec := newResponseRecorder()

	if p := invoke(next, rec, r.WithContext(ctx)); p != nil {
		m.record(OutcomeFailed)
		m.clear(ctx, logger, lock)
		logger.Error("handler panicked, lock cleared", "panic", p)
		panic(p)
	}

	if !rec.succeeded() {
		m.record(OutcomeFailed)
		m.clear(ctx, logger, lock)
		logger.Debug("handler failed, lock cleared", "status", rec.statusCode())
		writePassthrough(w, key, rec)
		return
	}

	resp := rec.snapshot()
	if err := m.store.Commit(ctx, lock, resp); err != nil {
		// The mutation happened; report it. The record stays PENDING (or was
		// reaped) and the janitor recovers it.
		m.record(OutcomeCommitError)
		logger.Error("failed to commit idempotency record", "error", err)
	} else {
		m.record(OutcomeExecuted)
	}
	writeCached(w, key, resp, false)
}

func (m *Middleware) clear(ctx context.Context, logger *slog.Logger, lock *domain.RecordLock) {
	if err := m.store.Clear(ctx, lock); err != nil {
		logger.Error("failed to clear idempotency record", "error", err)
	}
}

func (m *Middleware) failClosed(w http.ResponseWriter, logger *slog.Logger, key, op string, err error) {
	m.record(OutcomeStoreError)
	logger.Error("idempotency store unavailable", "op", op, "error", err)
	writeError(w, key, http.StatusServiceUnavailable, "idempotency store unavailable", 0)
}

func (m *Middleware) record(outcome string) {
	if m.onOutcome != nil {
		m.onOutcome(outcome)
	}
}

// invoke runs the handler and returns the recovered panic value, if any.
func invoke(next http.Handler, w http.ResponseWriter, r *http.Request) (recovered any) {
	defer func() {
		recovered = recover()
	}()
	next.ServeHTTP(w, r)
	return nil
}

// readBody buffers the request body and restores it for the next handler.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeError(w http.ResponseWriter, key string, status int, message string, retryAfter int) {
	if key != "" {
		w.Header().Set(HeaderKey, key)
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
