// Worker consumes job notifications from Kafka and applies them to the
// aggregates. Designed to run as multiple instances in a consumer group.
//
// The worker runs two concurrent processes:
// 1. Kafka consumer: processes jobs as they are published
// 2. Retry poller: claims jobs that are due for retry, were never published
// or whose lease expired
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archslayer/flagbase111-sub003/internal/aggregate"
	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/config"
	"github.com/archslayer/flagbase111-sub003/internal/kafka"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/repository/postgres"
	"github.com/archslayer/flagbase111-sub003/internal/retry"
)

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
	poolConfig.MinConns = cfg.DBMaxConns / 3

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

	jobRepo := postgres.NewJobRepository(pool)
	aggregateRepo := postgres.NewAggregateRepository(pool)

	metrics := observability.NewMetrics("gamegate")

	processorConfig := aggregate.DefaultConfig()
	processorConfig.FreeAttacksPerDay = cfg.FreeAttacksPerDay
	processorConfig.DailyPayoutCap = cfg.DailyPayoutCap

	processor := aggregate.NewProcessor(jobRepo, aggregateRepo,
		aggregate.WithConfig(processorConfig),
		aggregate.WithRetryPolicy(retry.DefaultPolicy()),
		aggregate.WithClock(clock.RealClock{}),
		aggregate.WithLogger(logger),
		aggregate.WithMetrics(metrics),
	)

	handler := kafka.NewJobHandler(processor, kafka.WithLogger(logger))

	consumerConfig := kafka.DefaultConsumerConfig()
	consumerConfig.Brokers = cfg.KafkaBrokers
	consumerConfig.Topic = cfg.KafkaTopic
	consumerConfig.GroupID = cfg.KafkaConsumerGroup
	consumerConfig.InstanceID = cfg.InstanceID

	consumer := kafka.NewConsumer(consumerConfig, handler, logger)
	consumer.Start(ctx)

	pollerConfig := retry.DefaultPollerConfig()
	pollerConfig.PollInterval = cfg.RetryPollInterval
	pollerConfig.BatchSize = cfg.RetryBatchSize
	pollerConfig.Lease = processorConfig.Lease

	retryPoller := retry.NewPoller(jobRepo, processor, pollerConfig, logger)
	go retryPoller.Start(ctx)

	healthHandler := observability.NewHealthHandler(pool)
	healthHandler.SetReady(true)

	r := chi.NewRouter()
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	logger.Info("worker started",
		"instance_id", cfg.InstanceID,
		"brokers", cfg.KafkaBrokers,
		"topic", cfg.KafkaTopic,
		"group", cfg.KafkaConsumerGroup,
		"retry_poll_interval", pollerConfig.PollInterval,
		"retry_batch_size", pollerConfig.BatchSize,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	consumer.Stop()
	retryPoller.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	stats := consumer.Stats()
	logger.Info("consumer stats",
		"messages", stats.Messages,
		"bytes", stats.Bytes,
		"rebalances", stats.Rebalances,
		"errors", stats.Errors,
	)

	logger.Info("shutdown complete")
}
