package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

type testEnv struct {
	store   *MemoryStore
	clock   *clock.MockClock
	mw      *Middleware
	calls   atomic.Int32
	mu      sync.Mutex
	outcome map[string]int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		outcome: make(map[string]int),
	}
	env.store = NewMemoryStore(time.Hour, env.clock)
	env.mw = New(env.store, NewKeyDeriver(DefaultBodyHashPolicy(), nil),
		WithMetrics(func(outcome string) {
			env.mu.Lock()
			env.outcome[outcome]++
			env.mu.Unlock()
		}),
	)
	return env
}

func (e *testEnv) outcomes(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome[name]
}

func newMutation(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/attacks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AnonymousIDHeader, "player-1")
	return req
}

func (e *testEnv) okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := e.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=secret")
		w.Header().Set("X-Internal-Trace", "abc")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"call": n, "echo": string(body)})
	})
}

func TestMiddleware_FirstRequestExecutesAndCommits(t *testing.T) {
	env := newTestEnv(t)
	handler := env.mw.Handler(env.okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if env.calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", env.calls.Load())
	}
	key := rec.Header().Get(HeaderKey)
	if key == "" {
		t.Error("missing X-Idempotency-Key header")
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if rec.Header().Get(HeaderStatus) != "" {
		t.Error("fresh response must not be marked as cached")
	}
	if rec.Header().Get("Set-Cookie") != "" || rec.Header().Get("X-Internal-Trace") != "" {
		t.Error("non-allow-listed headers leaked into the response")
	}

	stored, err := env.store.Load(context.Background(), key)
	if err != nil || stored == nil {
		t.Fatalf("Load() = %v, %v; want stored record", stored, err)
	}
	if stored.Status != domain.RecordStatusSucceeded {
		t.Errorf("record status = %v, want SUCCEEDED", stored.Status)
	}
	if env.outcomes(OutcomeExecuted) != 1 {
		t.Errorf("executed outcomes = %d, want 1", env.outcomes(OutcomeExecuted))
	}
}

func TestMiddleware_SequentialDuplicateReplays(t *testing.T) {
	env := newTestEnv(t)
	handler := env.mw.Handler(env.okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newMutation(`{"target_id":"u2"}`))

	env.clock.Advance(10 * time.Second)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newMutation(`{"target_id":"u2"}`))

	if env.calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", env.calls.Load())
	}
	if second.Code != first.Code {
		t.Errorf("replay status = %d, want %d", second.Code, first.Code)
	}
	if !bytes.Equal(second.Body.Bytes(), first.Body.Bytes()) {
		t.Errorf("replay body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if got := second.Header().Get(HeaderStatus); got != StatusCached {
		t.Errorf("X-Idempotency-Status = %q, want %q", got, StatusCached)
	}
	if second.Header().Get(HeaderKey) != first.Header().Get(HeaderKey) {
		t.Error("replay carried a different idempotency key")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("replay Content-Type = %q, want application/json", got)
	}
	if got := second.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("replay Cache-Control = %q, want no-store", got)
	}
}

func TestMiddleware_DifferentBodiesExecuteSeparately(t *testing.T) {
	env := newTestEnv(t)
	handler := env.mw.Handler(env.okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), newMutation(`{"target_id":"u2"}`))
	handler.ServeHTTP(httptest.NewRecorder(), newMutation(`{"target_id":"u3"}`))

	if env.calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", env.calls.Load())
	}
}

func TestMiddleware_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	handler := env.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.calls.Add(1)
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"queued":true}`))
	}))

	const n = 20
	codes := make([]int, n)
	retryAfter := make([]string, n)
	var wg sync.WaitGroup

	// Start the owner first so every other request observes a held lock.
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))
		codes[0] = rec.Code
	}()
	<-entered

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))
			codes[i] = rec.Code
			retryAfter[i] = rec.Header().Get("Retry-After")
		}(i)
	}

	// Wait for the duplicates to be rejected before releasing the owner.
	deadline := time.Now().Add(5 * time.Second)
	for env.outcomes(OutcomePending)+env.outcomes(OutcomeConcurrent) < n-1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for duplicates to be rejected")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if env.calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", env.calls.Load())
	}
	if codes[0] != http.StatusOK {
		t.Errorf("owner status = %d, want 200", codes[0])
	}
	for i := 1; i < n; i++ {
		if codes[i] != http.StatusConflict {
			t.Errorf("duplicate %d status = %d, want 409", i, codes[i])
		}
		if retryAfter[i] != "5" && retryAfter[i] != "2" {
			t.Errorf("duplicate %d Retry-After = %q, want 5 or 2", i, retryAfter[i])
		}
	}
}

func TestMiddleware_PendingRecordReturnsConflict(t *testing.T) {
	env := newTestEnv(t)
	handler := env.mw.Handler(env.okHandler())
	req := newMutation(`{"target_id":"u2"}`)
	key := env.mw.deriver.Derive(req, []byte(`{"target_id":"u2"}`))

	if _, err := env.store.Begin(context.Background(), key); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Errorf("Retry-After = %q, want 5", got)
	}
	if got := rec.Header().Get(HeaderKey); got != key {
		t.Errorf("X-Idempotency-Key = %q, want %q", got, key)
	}
	if env.calls.Load() != 0 {
		t.Error("handler must not run while another attempt is pending")
	}
}

// racingStore reports no record on Load but loses every Begin, as when a
// concurrent request acquires the key between the two calls.
type racingStore struct {
	*MemoryStore
}

func (s racingStore) Load(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return nil, nil
}

func (s racingStore) Begin(ctx context.Context, key string) (*domain.RecordLock, error) {
	return nil, nil
}

func TestMiddleware_LostBeginRaceReturnsConcurrent(t *testing.T) {
	env := newTestEnv(t)
	mw := New(racingStore{env.store}, NewKeyDeriver(DefaultBodyHashPolicy(), nil))

	rec := httptest.NewRecorder()
	mw.Handler(env.okHandler()).ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if env.calls.Load() != 0 {
		t.Error("handler must not run after losing the begin race")
	}
}

func TestMiddleware_HandlerErrorClearsLock(t *testing.T) {
	env := newTestEnv(t)
	fail := true
	handler := env.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.calls.Add(1)
		if fail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newMutation(`{"target_id":"u2"}`))
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want 500", first.Code)
	}
	if env.store.Len() != 0 {
		t.Fatalf("store holds %d records after failure, want 0", env.store.Len())
	}

	fail = false
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newMutation(`{"target_id":"u2"}`))

	if second.Code != http.StatusOK {
		t.Errorf("retry status = %d, want 200", second.Code)
	}
	if env.calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", env.calls.Load())
	}
	if second.Header().Get(HeaderStatus) == StatusCached {
		t.Error("retry after failure must not be a replay")
	}
}

func TestMiddleware_HandlerPanicClearsLockAndRepanics(t *testing.T) {
	env := newTestEnv(t)
	handler := env.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	func() {
		defer func() {
			if p := recover(); p != "handler exploded" {
				t.Errorf("recovered %v, want handler panic", p)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), newMutation(`{"target_id":"u2"}`))
	}()

	if env.store.Len() != 0 {
		t.Errorf("store holds %d records after panic, want 0", env.store.Len())
	}
	if env.outcomes(OutcomeFailed) != 1 {
		t.Errorf("failed outcomes = %d, want 1", env.outcomes(OutcomeFailed))
	}
}

func TestMiddleware_ValidatorRejectsBeforeLocking(t *testing.T) {
	env := newTestEnv(t)
	validate := func(r *http.Request, body []byte) error {
		if !bytes.Contains(body, []byte("target_id")) {
			return errors.New("target_id is required")
		}
		return nil
	}
	handler := env.mw.Validate(validate)(env.okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newMutation(`{}`))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if env.store.Len() != 0 {
		t.Error("validation failure must not create a record")
	}
	if env.calls.Load() != 0 {
		t.Error("handler must not run for invalid requests")
	}
}

func TestMiddleware_HandlerSeesBodyAndKey(t *testing.T) {
	env := newTestEnv(t)
	var gotBody, gotKey string
	handler := env.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotKey = KeyFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))

	if gotBody != `{"target_id":"u2"}` {
		t.Errorf("handler body = %q, want original body", gotBody)
	}
	if gotKey == "" || gotKey != rec.Header().Get(HeaderKey) {
		t.Errorf("KeyFromContext() = %q, want %q", gotKey, rec.Header().Get(HeaderKey))
	}
}

func TestMiddleware_ClientDisconnectDoesNotCancelHandler(t *testing.T) {
	env := newTestEnv(t)
	var handlerErr error
	handler := env.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerErr = r.Context().Err()
		w.WriteHeader(http.StatusOK)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	req := newMutation(`{"target_id":"u2"}`).WithContext(ctx)

	// Cancel after the lock is taken by wrapping the store.
	mw := New(cancelOnBegin{MemoryStore: env.store, cancel: cancel}, env.mw.deriver)
	rec := httptest.NewRecorder()
	mw.Handler(handler).ServeHTTP(rec, req)

	if handlerErr != nil {
		t.Errorf("handler context error = %v, want nil", handlerErr)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	stored, _ := env.store.Load(context.Background(), rec.Header().Get(HeaderKey))
	if stored == nil || !stored.IsSucceeded() {
		t.Error("record should be committed even though the client went away")
	}
}

type cancelOnBegin struct {
	*MemoryStore
	cancel context.CancelFunc
}

func (s cancelOnBegin) Begin(ctx context.Context, key string) (*domain.RecordLock, error) {
	lock, err := s.MemoryStore.Begin(ctx, key)
	s.cancel()
	return lock, err
}

// unavailableStore fails every call.
type unavailableStore struct{}

func (unavailableStore) Begin(ctx context.Context, key string) (*domain.RecordLock, error) {
	return nil, domain.ErrStoreUnavailable
}

func (unavailableStore) Load(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return nil, domain.ErrStoreUnavailable
}

func (unavailableStore) Commit(ctx context.Context, lock *domain.RecordLock, resp domain.CachedResponse) error {
	return domain.ErrStoreUnavailable
}

func (unavailableStore) Clear(ctx context.Context, lock *domain.RecordLock) error {
	return domain.ErrStoreUnavailable
}

func TestMiddleware_StoreUnavailableFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	mw := New(unavailableStore{}, NewKeyDeriver(DefaultBodyHashPolicy(), nil))

	rec := httptest.NewRecorder()
	mw.Handler(env.okHandler()).ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if env.calls.Load() != 0 {
		t.Error("handler must not run without idempotency protection")
	}
}

// damagedResultStore reports a succeeded record whose response was lost.
type damagedResultStore struct {
	*MemoryStore
}

func (s damagedResultStore) Load(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return &domain.IdempotencyRecord{Key: key, Status: domain.RecordStatusSucceeded}, nil
}

func TestMiddleware_SucceededRecordWithoutResponseFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	var storeErrors atomic.Int32
	mw := New(damagedResultStore{env.store}, NewKeyDeriver(DefaultBodyHashPolicy(), nil),
		WithMetrics(func(outcome string) {
			if outcome == OutcomeStoreError {
				storeErrors.Add(1)
			}
		}),
	)

	rec := httptest.NewRecorder()
	mw.Handler(env.okHandler()).ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if env.calls.Load() != 0 {
		t.Error("handler must not run for a damaged record")
	}
	if storeErrors.Load() != 1 {
		t.Errorf("store errors = %d, want 1", storeErrors.Load())
	}
}

// commitFailingStore acquires locks but cannot commit.
type commitFailingStore struct {
	*MemoryStore
}

func (s commitFailingStore) Commit(ctx context.Context, lock *domain.RecordLock, resp domain.CachedResponse) error {
	return domain.ErrStoreUnavailable
}

func TestMiddleware_CommitFailureStillReturnsResult(t *testing.T) {
	env := newTestEnv(t)
	var commitErrors atomic.Int32
	mw := New(commitFailingStore{env.store}, NewKeyDeriver(DefaultBodyHashPolicy(), nil),
		WithMetrics(func(outcome string) {
			if outcome == OutcomeCommitError {
				commitErrors.Add(1)
			}
		}),
	)

	rec := httptest.NewRecorder()
	mw.Handler(env.okHandler()).ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if commitErrors.Load() != 1 {
		t.Errorf("commit errors = %d, want 1", commitErrors.Load())
	}

	stored, _ := env.store.Load(context.Background(), rec.Header().Get(HeaderKey))
	if stored == nil || !stored.IsPending() {
		t.Error("record should remain PENDING for the janitor after a failed commit")
	}
}

func TestMiddleware_ExpiredResultExecutesAgain(t *testing.T) {
	env := newTestEnv(t)
	handler := env.mw.Handler(env.okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), newMutation(`{"target_id":"u2"}`))
	env.clock.Advance(2 * time.Hour)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newMutation(`{"target_id":"u2"}`))

	if env.calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2 after TTL", env.calls.Load())
	}
	if rec.Header().Get(HeaderStatus) == StatusCached {
		t.Error("expired result must not be replayed")
	}
}

func TestMiddleware_OversizedRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	mw := New(env.store, NewKeyDeriver(DefaultBodyHashPolicy(), nil), WithMaxRequestBytes(16))

	rec := httptest.NewRecorder()
	mw.Handler(env.okHandler()).ServeHTTP(rec, newMutation(`{"target_id":"`+strings.Repeat("x", 64)+`"}`))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if env.calls.Load() != 0 {
		t.Error("handler must not run for oversized requests")
	}
}
