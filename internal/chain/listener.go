package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/queue"
	"github.com/archslayer/flagbase111-sub003/internal/repository"
	"github.com/archslayer/flagbase111-sub003/internal/resilience"
)

// BreakerName is the circuit breaker guarding RPC calls.
const BreakerName = "eth-rpc"

// LogSource is the subset of *ethclient.Client the listener uses.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Enqueuer queues decoded events under their chain job ids.
type Enqueuer interface {
	EnqueueChainEvent(ctx context.Context, ev *domain.ChainEvent) (queue.Result, error)
}

// ListenerConfig holds configuration for the chain listener.
type ListenerConfig struct {
	// Name keys the persisted cursor; one per contract and network.
	Name string
	// PollInterval is how often to look for new blocks (default: 5s)
	PollInterval time.Duration
	// Confirmations keeps the listener this many blocks behind head.
	Confirmations uint64
	// StartBlock is scanned first when no cursor is stored.
	StartBlock uint64
	// MaxRange caps the blocks requested per FilterLogs call (default: 2000)
	MaxRange uint64
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Name:          "game",
		PollInterval:  5 * time.Second,
		Confirmations: 6,
		MaxRange:      2000,
	}
}

// Listener scans confirmed blocks for game events. The cursor only moves
// past a range once every event in it is queued, so a crash or enqueue
// failure re-scans the range; job ids make the re-scan harmless.
type Listener struct {
	config   ListenerConfig
	source   LogSource
	decoder  *Decoder
	enqueuer Enqueuer
	cursors  repository.CursorRepository
	breakers *resilience.CircuitBreakerManager
	logger   *slog.Logger
	metrics  *observability.Metrics

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewListener(
	source LogSource,
	decoder *Decoder,
	enqueuer Enqueuer,
	cursors repository.CursorRepository,
	config ListenerConfig,
	logger *slog.Logger,
) *Listener {
	if config.Name == "" {
		config.Name = "game"
	}
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.MaxRange == 0 {
		config.MaxRange = 2000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		config:   config,
		source:   source,
		decoder:  decoder,
		enqueuer: enqueuer,
		cursors:  cursors,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// WithMetrics enables Prometheus metrics collection.
func (l *Listener) WithMetrics(m *observability.Metrics) *Listener {
	l.metrics = m
	return l
}

// WithCircuitBreaker routes RPC calls through the eth-rpc breaker.
func (l *Listener) WithCircuitBreaker(m *resilience.CircuitBreakerManager) *Listener {
	l.breakers = m
	return l
}

// Start polls until ctx is cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	defer l.wg.Done()

	l.logger.Info("chain listener started",
		"contract", l.decoder.Contract().Hex(),
		"cursor", l.config.Name,
		"poll_interval", l.config.PollInterval,
		"confirmations", l.config.Confirmations,
	)

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		// Catch up in MaxRange steps before waiting for the next tick.
		for {
			n, err := l.PollOnce(ctx)
			if err != nil {
				l.logger.Error("chain poll failed", "error", err)
			}
			if err != nil || n < l.config.MaxRange || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			l.logger.Info("chain listener stopping due to context cancellation")
			return
		case <-l.stopCh:
			l.logger.Info("chain listener stopping due to stop signal")
			return
		case <-ticker.C:
		}
	}
}

// Stop signals the listener to stop and waits for the current poll.
func (l *Listener) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// PollOnce scans the next confirmed block range and returns the number of
// blocks it covered.
func (l *Listener) PollOnce(ctx context.Context) (uint64, error) {
	head, err := call(l, func() (uint64, error) { return l.source.BlockNumber(ctx) })
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	if head < l.config.Confirmations {
		return 0, nil
	}
	safe := head - l.config.Confirmations

	from := l.config.StartBlock
	last, ok, err := l.cursors.Get(ctx, l.config.Name)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	if ok {
		from = last + 1
	}
	if from > safe {
		return 0, nil
	}
	to := safe
	if to-from+1 > l.config.MaxRange {
		to = from + l.config.MaxRange - 1
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.decoder.Contract()},
		Topics:    l.decoder.Topics(),
	}
	logs, err := call(l, func() ([]types.Log, error) { return l.source.FilterLogs(ctx, query) })
	if err != nil {
		return 0, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	blockTimes := make(map[uint64]time.Time)
	queued := 0
	for _, lg := range logs {
		ts, ok := blockTimes[lg.BlockNumber]
		if !ok {
			header, err := call(l, func() (*types.Header, error) {
				return l.source.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			})
			if err != nil {
				return 0, fmt.Errorf("header %d: %w", lg.BlockNumber, err)
			}
			ts = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[lg.BlockNumber] = ts
		}

		ev, err := l.decoder.Decode(lg, ts)
		if err != nil {
			// Undecodable logs never become decodable; skipping them keeps
			// the cursor moving.
			l.logger.Warn("skipping log",
				"tx_hash", lg.TxHash.Hex(),
				"log_index", lg.Index,
				"block", lg.BlockNumber,
				"error", err,
			)
			continue
		}

		res, err := l.enqueuer.EnqueueChainEvent(ctx, ev)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidInput) {
				l.logger.Warn("skipping invalid event", "tx_hash", ev.TxHash, "error", err)
				continue
			}
			return 0, fmt.Errorf("enqueue %s: %w", ev.TxHash, err)
		}
		if l.metrics != nil {
			l.metrics.ChainEvents.WithLabelValues(string(ev.Type)).Inc()
		}
		if res.Created {
			queued++
		}
	}

	if err := l.cursors.Set(ctx, l.config.Name, to); err != nil {
		return 0, fmt.Errorf("save cursor: %w", err)
	}
	if l.metrics != nil {
		l.metrics.ChainCursorHeight.Set(float64(to))
	}

	l.logger.Debug("scanned blocks",
		"from", from,
		"to", to,
		"logs", len(logs),
		"queued", queued,
	)
	return to - from + 1, nil
}

// call runs fn through the RPC breaker when one is configured.
func call[T any](l *Listener, fn func() (T, error)) (T, error) {
	if l.breakers == nil {
		return fn()
	}
	out, err := l.breakers.Execute(BreakerName, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}
