package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/archslayer/flagbase111-sub003/internal/aggregate"
	"github.com/archslayer/flagbase111-sub003/internal/api"
	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
	"github.com/archslayer/flagbase111-sub003/internal/idempotency"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/queue"
	"github.com/archslayer/flagbase111-sub003/internal/repository/postgres"
	"github.com/archslayer/flagbase111-sub003/internal/retry"
)

const chainToken = "chain-secret"

type testEnv struct {
	pgContainer    *tcpostgres.PostgresContainer
	redisContainer *tcredis.RedisContainer
	pool           *pgxpool.Pool
	redisClient    *redis.Client
	store          *idempotency.RedisStore
	deriver        *idempotency.KeyDeriver
	janitor        *idempotency.Janitor
	jobs           *postgres.JobRepository
	aggregates     *postgres.AggregateRepository
	processor      *aggregate.Processor
	poller         *retry.Poller
	logger         *slog.Logger
	ctx            context.Context
	cancel         context.CancelFunc
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("gamegate_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	// Start Redis container
	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to start redis container: %v", err)
	}

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	redisConnStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, pgConnStr)
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to connect to postgres: %v", err)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to run migrations: %v", err)
	}

	redisOpt, err := redis.ParseURL(redisConnStr)
	if err != nil {
		pool.Close()
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to parse redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	clk := clock.RealClock{}

	store := idempotency.NewRedisStore(redisClient, idempotency.DefaultRedisStoreConfig(), clk)
	jobs := postgres.NewJobRepository(pool)
	aggregates := postgres.NewAggregateRepository(pool)

	processor := aggregate.NewProcessor(jobs, aggregates,
		aggregate.WithRetryPolicy(retry.DefaultPolicy()),
		aggregate.WithLogger(logger),
	)
	poller := retry.NewPoller(jobs, processor, retry.PollerConfig{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    50,
		Lease:        time.Minute,
		QueuedGrace:  0,
	}, logger)

	janitorConfig := idempotency.DefaultJanitorConfig()
	janitorConfig.StuckAfter = 100 * time.Millisecond

	return &testEnv{
		pgContainer:    pgContainer,
		redisContainer: redisContainer,
		pool:           pool,
		redisClient:    redisClient,
		store:          store,
		deriver:        idempotency.NewKeyDeriver(idempotency.DefaultBodyHashPolicy(), nil),
		janitor:        idempotency.NewJanitor(store, janitorConfig, clk, logger),
		jobs:           jobs,
		aggregates:     aggregates,
		processor:      processor,
		poller:         poller,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// newGateway builds one gateway instance. Instances share only Redis and
// Postgres, like separate processes behind a load balancer.
func (e *testEnv) newGateway() http.Handler {
	producer := queue.NewProducer(e.jobs, queue.WithLogger(e.logger))
	handler := api.NewHandler(producer, e.jobs, e.aggregates, e.logger).WithChainToken(chainToken)
	return api.NewRouter(api.RouterConfig{
		Handler:       handler,
		Admin:         api.NewAdminHandler(e.janitor, "ops-token", e.logger),
		HealthHandler: observability.NewHealthHandler(e.pool),
		Logger:        e.logger,
		Idempotency:   idempotency.New(e.store, e.deriver, idempotency.WithLogger(e.logger)),
	})
}

func (e *testEnv) teardown(t *testing.T) {
	t.Helper()
	e.pool.Close()
	_ = e.redisClient.Close()
	_ = e.redisContainer.Terminate(e.ctx)
	_ = e.pgContainer.Terminate(e.ctx)
	e.cancel()
}

// drain runs the retry poller until every job has left the queue.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	pollCtx, stop := context.WithCancel(e.ctx)
	done := make(chan struct{})
	go func() {
		e.poller.Start(pollCtx)
		close(done)
	}()
	defer func() {
		stop()
		<-done
	}()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var open int
		err := e.pool.QueryRow(e.ctx,
			`SELECT count(*) FROM jobs WHERE status NOT IN ('completed', 'failed')`).Scan(&open)
		if err != nil {
			t.Fatalf("failed to count open jobs: %v", err)
		}
		if open == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("jobs were not processed in time")
}

func (e *testEnv) countJobs(t *testing.T, name string) int {
	t.Helper()
	var n int
	if err := e.pool.QueryRow(e.ctx, `SELECT count(*) FROM jobs WHERE name = $1`, name).Scan(&n); err != nil {
		t.Fatalf("failed to count jobs: %v", err)
	}
	return n
}

func send(h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func player(id string) map[string]string {
	return map[string]string{idempotency.AnonymousIDHeader: id}
}

func getLedger(t *testing.T, h http.Handler, user string) domain.DailyLedger {
	t.Helper()
	rec := send(h, http.MethodGet, "/v1/users/"+user+"/ledger/"+domain.DayOf(time.Now()), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger: expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ledger domain.DailyLedger
	if err := json.NewDecoder(rec.Body).Decode(&ledger); err != nil {
		t.Fatalf("failed to decode ledger: %v", err)
	}
	return ledger
}

// TestEndToEndDuplicateSubmission tests a client retrying the same attack:
// 1. Submit the attack twice
// 2. Verify the second response is the cached first one
// 3. Process the queue and verify the effect was applied once
func TestEndToEndDuplicateSubmission(t *testing.T) {
	env := setupTestEnv(t)
	defer env.teardown(t)

	gw := env.newGateway()
	body := []byte(`{"target_id":"bob","units":2}`)

	first := send(gw, http.MethodPost, "/v1/attacks", body, player("alice"))
	second := send(gw, http.MethodPost, "/v1/attacks", body, player("alice"))
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200/200, got %d/%d: %s", first.Code, second.Code, first.Body.String())
	}
	if second.Header().Get(idempotency.HeaderStatus) != idempotency.StatusCached {
		t.Error("second response was not served from the idempotency cache")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("cached body differs from original")
	}

	env.drain(t)

	if n := env.countJobs(t, domain.JobAttackRequested); n != 1 {
		t.Errorf("expected 1 attack job, got %d", n)
	}
	ledger := getLedger(t, gw, "anon:alice")
	if ledger.AttackRequests != 1 || ledger.FreeAttacksUsed != 1 {
		t.Errorf("expected 1 attack and 1 free attack, got %+v", ledger)
	}
}

// TestEndToEndConcurrentDuplicatesAcrossInstances fires the same request at
// two gateway instances at once: exactly one job may result.
func TestEndToEndConcurrentDuplicatesAcrossInstances(t *testing.T) {
	env := setupTestEnv(t)
	defer env.teardown(t)

	gateways := []http.Handler{env.newGateway(), env.newGateway()}
	body := []byte(`{"token":"0x00000000000000000000000000000000000000c3","amount":"2.5"}`)

	var wg sync.WaitGroup
	var mu sync.Mutex
	codes := make(map[int]int)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(gw http.Handler) {
			defer wg.Done()
			rec := send(gw, http.MethodPost, "/v1/trades/buy", body, player("alice"))
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}(gateways[i%2])
	}
	wg.Wait()

	for code := range codes {
		if code != http.StatusOK && code != http.StatusConflict {
			t.Errorf("unexpected status %d (%d times)", code, codes[code])
		}
	}
	if codes[http.StatusOK] == 0 {
		t.Error("no request succeeded")
	}

	env.drain(t)

	if n := env.countJobs(t, domain.JobTradeRequested); n != 1 {
		t.Errorf("expected 1 trade job, got %d", n)
	}
	if ledger := getLedger(t, gateways[0], "anon:alice"); ledger.TradeRequests != 1 {
		t.Errorf("expected 1 trade request, got %d", ledger.TradeRequests)
	}
}

// TestEndToEndFreeAttackQuota submits distinct attacks past the daily quota.
func TestEndToEndFreeAttackQuota(t *testing.T) {
	env := setupTestEnv(t)
	defer env.teardown(t)

	gw := env.newGateway()
	for units := 1; units <= 5; units++ {
		body, _ := json.Marshal(map[string]any{"target_id": "bob", "units": units})
		if rec := send(gw, http.MethodPost, "/v1/attacks", body, player("alice")); rec.Code != http.StatusOK {
			t.Fatalf("attack %d: expected status 200, got %d", units, rec.Code)
		}
	}

	env.drain(t)

	ledger := getLedger(t, gw, "anon:alice")
	if ledger.AttackRequests != 5 {
		t.Errorf("expected 5 attack requests, got %d", ledger.AttackRequests)
	}
	if ledger.FreeAttacksUsed != aggregate.DefaultConfig().FreeAttacksPerDay {
		t.Errorf("expected free attacks capped at %d, got %d", aggregate.DefaultConfig().FreeAttacksPerDay, ledger.FreeAttacksUsed)
	}
}

// TestEndToEndChainEventRedelivery delivers one contract event through both
// the webhook and repeated consumer deliveries; the aggregate moves once.
func TestEndToEndChainEventRedelivery(t *testing.T) {
	env := setupTestEnv(t)
	defer env.teardown(t)

	gw := env.newGateway()
	buyer := "0x00000000000000000000000000000000000000a1"
	body := []byte(`{"events":[{
		"type":"buy",
		"tx_hash":"0x00000000000000000000000000000000000000000000000000000000000000b1",
		"log_index":0,
		"block_number":42,
		"actor":"` + buyer + `",
		"token":"0x00000000000000000000000000000000000000c3",
		"amount":"3","value":"1.25",
		"occurred_at":"2026-03-01T12:00:00Z"
	}]}`)
	headers := map[string]string{api.ChainTokenHeader: chainToken}

	for i := 0; i < 3; i++ {
		if rec := send(gw, http.MethodPost, "/v1/chain/events", body, headers); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected status 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	if n := env.countJobs(t, domain.JobChainBuy); n != 1 {
		t.Fatalf("expected 1 chain job, got %d", n)
	}

	jobID := "tx:0x00000000000000000000000000000000000000000000000000000000000000b1:0:buy"
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.processor.Process(env.ctx, jobID); err != nil {
				t.Errorf("Process() error: %v", err)
			}
		}()
	}
	wg.Wait()
	env.drain(t)

	rec := send(gw, http.MethodGet, "/v1/users/"+buyer+"/progress", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: expected status 200, got %d", rec.Code)
	}
	var progress domain.AchievementProgress
	if err := json.NewDecoder(rec.Body).Decode(&progress); err != nil {
		t.Fatalf("failed to decode progress: %v", err)
	}
	if progress.Buys != 1 || !progress.BuyVolume.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected 1 buy of volume 3, got %d / %s", progress.Buys, progress.BuyVolume)
	}
}

// TestEndToEndStuckLockRecovery simulates a gateway that crashed while
// holding a lock: retries see 409 until the janitor reaps the record.
func TestEndToEndStuckLockRecovery(t *testing.T) {
	env := setupTestEnv(t)
	defer env.teardown(t)

	gw := env.newGateway()
	body := []byte(`{"referrer_id":"bob"}`)

	probe := httptest.NewRequest(http.MethodPost, "/v1/referrals", bytes.NewReader(body))
	probe.Header.Set("Content-Type", "application/json")
	probe.Header.Set(idempotency.AnonymousIDHeader, "alice")
	key := env.deriver.Derive(probe, body)

	lock, err := env.store.Begin(env.ctx, key)
	if err != nil || lock == nil {
		t.Fatalf("Begin() = %v, %v", lock, err)
	}

	rec := send(gw, http.MethodPost, "/v1/referrals", body, player("alice"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 while locked, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on conflict")
	}

	time.Sleep(200 * time.Millisecond)

	admin := map[string]string{api.AdminTokenHeader: "ops-token"}
	if rec := send(gw, http.MethodPost, "/admin/idempotency/cleanup/stuck", nil, admin); rec.Code != http.StatusOK {
		t.Fatalf("cleanup: expected status 200, got %d", rec.Code)
	}

	rec = send(gw, http.MethodPost, "/v1/referrals", body, player("alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 after cleanup, got %d: %s", rec.Code, rec.Body.String())
	}

	// The crashed holder can no longer commit over the new result.
	err = env.store.Commit(env.ctx, lock, domain.CachedResponse{StatusCode: http.StatusOK})
	if err == nil {
		t.Error("expected stale lock commit to fail")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	defer env.teardown(t)

	rec := send(env.newGateway(), http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}
