// Listener scans the game contract for confirmed events and queues one job
// per event. Re-scans after a restart are harmless: each event maps to a
// deterministic job id.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archslayer/flagbase111-sub003/internal/chain"
	"github.com/archslayer/flagbase111-sub003/internal/config"
	"github.com/archslayer/flagbase111-sub003/internal/kafka"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/queue"
	"github.com/archslayer/flagbase111-sub003/internal/repository/postgres"
	"github.com/archslayer/flagbase111-sub003/internal/resilience"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if !common.IsHexAddress(cfg.GameContractAddress) {
		logger.Error("GAME_CONTRACT_ADDRESS must be a hex address", "value", cfg.GameContractAddress)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
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

	client, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
	if err != nil {
		logger.Error("failed to dial ethereum node", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	metrics := observability.NewMetrics("gamegate")
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

	producer := queue.NewProducer(postgres.NewJobRepository(pool),
		queue.WithPublisher(publisher),
		queue.WithCircuitBreaker(breakers),
		queue.WithLogger(logger),
		queue.WithMetrics(metrics),
	)

	decoder, err := chain.NewDecoder(common.HexToAddress(cfg.GameContractAddress))
	if err != nil {
		logger.Error("failed to build event decoder", "error", err)
		os.Exit(1)
	}

	listenerConfig := chain.DefaultListenerConfig()
	listenerConfig.PollInterval = cfg.ListenerPollInterval
	listenerConfig.Confirmations = cfg.ListenerConfirmations
	listenerConfig.StartBlock = cfg.ListenerStartBlock

	listener := chain.NewListener(client, decoder, producer, postgres.NewCursorRepository(pool), listenerConfig, logger).
		WithMetrics(metrics).
		WithCircuitBreaker(breakers)
	go listener.Start(ctx)

	healthHandler := observability.NewHealthHandler(pool).
		AddCheck("eth-rpc", observability.PingFunc(func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		}))
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	listener.Stop()
	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}
