// Gateway serves the player mutation API. Every mutation passes through the
// idempotency middleware before it is stored as a job and published to Kafka.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/archslayer/flagbase111-sub003/internal/api"
	"github.com/archslayer/flagbase111-sub003/internal/auth"
	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/config"
	"github.com/archslayer/flagbase111-sub003/internal/idempotency"
	"github.com/archslayer/flagbase111-sub003/internal/kafka"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/queue"
	"github.com/archslayer/flagbase111-sub003/internal/repository/postgres"
	"github.com/archslayer/flagbase111-sub003/internal/resilience"
)

type recordStore interface {
	idempotency.Store
	idempotency.MaintenanceStore
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = cfg.DBMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	metrics := observability.NewMetrics("gamegate")
	healthHandler := observability.NewHealthHandler(pool)
	clk := clock.RealClock{}

	// Redis backs the idempotency records and the distributed rate limiter.
	// Without it the gateway falls back to in-process state.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisConfig := resilience.DefaultRedisConfig()
		redisConfig.URL = cfg.RedisURL
		client, err := resilience.NewRedisClient(redisConfig)
		if err != nil {
			logger.Error("failed to create redis client", "error", err)
			os.Exit(1)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available", "error", err)
			_ = client.Close()
		} else {
			logger.Info("connected to Redis")
			redisClient = client
			defer func() { _ = redisClient.Close() }()
			healthHandler.AddCheck("redis", observability.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}))
		}
	}

	var store recordStore
	switch {
	case cfg.IdempotencyBackend == config.BackendRedis && redisClient != nil:
		redisStoreConfig := idempotency.DefaultRedisStoreConfig()
		redisStoreConfig.ResultTTL = cfg.IdempotencyResultTTL
		store = idempotency.NewRedisStore(redisClient, redisStoreConfig, clk)
	case cfg.IdempotencyBackend == config.BackendRedis:
		// A lost Redis must not silently downgrade cross-instance dedup.
		logger.Error("idempotency backend redis is unavailable")
		os.Exit(1)
	case cfg.IdempotencyBackend == config.BackendPostgres:
		store = postgres.NewRecordStore(pool, cfg.IdempotencyResultTTL, clk)
	default:
		logger.Warn("using in-memory idempotency records; duplicates across instances are not detected")
		store = idempotency.NewMemoryStore(cfg.IdempotencyResultTTL, clk)
	}
	logger.Info("idempotency store ready", "backend", cfg.IdempotencyBackend)

	var rateLimiter resilience.RateLimiter
	if redisClient != nil {
		rateLimiter = resilience.NewRedisRateLimiter(redisClient, resilience.DefaultRedisRateLimiterConfig(), logger)
	} else {
		rateLimiter = resilience.NewInMemoryRateLimiterAdapter(resilience.DefaultRateLimiterConfig())
	}

	breakers := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())
	breakers.OnStateChange(func(name string, from, to resilience.CircuitBreakerState) {
		logger.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
		metrics.CircuitBreakerState.WithLabelValues(name).Set(resilience.StateValue(to))
		if to == resilience.CircuitBreakerStateOpen {
			metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
		}
	})

	kafkaConfig := kafka.DefaultProducerConfig()
	kafkaConfig.Brokers = cfg.KafkaBrokers
	kafkaConfig.Topic = cfg.KafkaTopic
	publisher := kafka.NewProducer(kafkaConfig, logger)
	defer func() { _ = publisher.Close() }()

	// Bursts of concurrent enqueues share one INSERT round trip.
	jobRepo := postgres.NewJobRepository(pool).WithBatcher(postgres.DefaultBatcherConfig())
	aggregateRepo := postgres.NewAggregateRepository(pool)

	producer := queue.NewProducer(jobRepo,
		queue.WithPublisher(publisher),
		queue.WithCircuitBreaker(breakers),
		queue.WithClock(clk),
		queue.WithLogger(logger),
		queue.WithMetrics(metrics),
	)

	idem := idempotency.New(store, idempotency.NewKeyDeriver(idempotency.DefaultBodyHashPolicy(), nil),
		idempotency.WithLogger(logger),
		idempotency.WithMaxRequestBytes(cfg.MaxRequestBytes),
		idempotency.WithMetrics(func(outcome string) {
			metrics.IdempotencyRequests.WithLabelValues(outcome).Inc()
		}),
	)

	janitorConfig := idempotency.DefaultJanitorConfig()
	janitorConfig.Interval = cfg.JanitorInterval
	janitorConfig.StuckAfter = cfg.IdempotencyStuck
	janitorConfig.AutoForceStuck = cfg.JanitorForceStuck
	janitor := idempotency.NewJanitor(store, janitorConfig, clk, logger).
		WithMetrics(func(kind string, n int) {
			metrics.JanitorRemovals.WithLabelValues(kind).Add(float64(n))
		})
	go janitor.Start(ctx)

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else if cfg.RequireAuth {
		logger.Error("JWT_SECRET is required when REQUIRE_AUTH is set")
		os.Exit(1)
	}

	handler := api.NewHandler(producer, jobRepo, aggregateRepo, logger).WithChainToken(cfg.ChainToken)
	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		Admin:         api.NewAdminHandler(janitor, cfg.AdminToken, logger),
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
		Verifier:      verifier,
		RequireAuth:   cfg.RequireAuth,
		Idempotency:   idem,
		RateLimiter:   rateLimiter,
		RateLimit:     cfg.RateLimitPerSecond,
	})

	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server",
			"addr", cfg.Addr,
			"instance_id", cfg.InstanceID,
			"require_auth", cfg.RequireAuth,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	janitor.Stop()
	if err := jobRepo.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush job batcher", "error", err)
	}

	logger.Info("shutdown complete")
}
