// Package kafka carries job notifications between the producer and the
// aggregation workers. It implements at-least-once delivery with manual
// offset commits after each batch is processed; the Postgres job row stays
// the authority, so a redelivered message is harmless.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	InstanceID    string
	BatchTimeout  time.Duration // Max time to collect messages before processing
	CommitTimeout time.Duration // Timeout for offset commits
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchTimeout:  100 * time.Millisecond, // Process whatever arrived in 100ms
		CommitTimeout: 5 * time.Second,
	}
}

// JobMessage is the notification for one persisted job. Consumers re-read the
// job row when they claim it; the payload is informational.
type JobMessage struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Consumer reads job notifications from Kafka and processes them.
type Consumer struct {
	config  ConsumerConfig
	reader  *kafka.Reader
	handler BatchHandler
	logger  *slog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// BatchHandler processes a batch of jobs and reports them by outcome. Jobs
// reported as retries are rescheduled in Postgres, not in Kafka.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, jobs []*JobMessage) (successes []*JobMessage, retries []*JobMessage, failures []*JobMessage)
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(config ConsumerConfig, handler BatchHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // Manual commits only
		StartOffset:    kafka.FirstOffset,
		// Consumer group rebalancing
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})

	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		config:   config,
		reader:   reader,
		handler:  handler,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Start begins consuming messages.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"instance", c.config.InstanceID,
		"batch_timeout", c.config.BatchTimeout,
	)
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() {
	close(c.shutdown)
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		// Collect messages for BatchTimeout duration
		batch, jobs := c.collectBatch(ctx)
		if len(batch) > 0 {
			c.processBatchAndCommit(ctx, batch, jobs)
		}
	}
}

// collectBatch fetches messages until timeout, returning all collected messages
func (c *Consumer) collectBatch(ctx context.Context) ([]kafka.Message, []*JobMessage) {
	var batch []kafka.Message
	var jobs []*JobMessage

	deadline := time.Now().Add(c.config.BatchTimeout)

	for time.Now().Before(deadline) {
		// Check for shutdown
		select {
		case <-ctx.Done():
			return batch, jobs
		case <-c.shutdown:
			return batch, jobs
		default:
		}

		// Short timeout for each fetch to stay responsive
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var job JobMessage
		if err := json.Unmarshal(msg.Value, &job); err != nil || job.ID == "" {
			c.logger.Error("failed to decode job message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			// Commit bad message to avoid blocking
			if err := c.commitMessages(ctx, []kafka.Message{msg}); err != nil {
				c.logger.Error("failed to commit bad message", "error", err)
			}
			continue
		}

		batch = append(batch, msg)
		jobs = append(jobs, &job)
	}

	return batch, jobs
}

func (c *Consumer) processBatchAndCommit(ctx context.Context, messages []kafka.Message, jobs []*JobMessage) {
	if len(jobs) == 0 {
		return
	}

	start := time.Now()

	// Process batch
	successes, retries, failures := c.handler.ProcessBatch(ctx, jobs)

	c.logger.Debug("batch processed",
		"total", len(jobs),
		"successes", len(successes),
		"retries", len(retries),
		"failures", len(failures),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// Commit all messages after processing
	// At-least-once: we commit after processing, so if we crash before commit,
	// messages will be redelivered. The handler must be idempotent.
	if err := c.commitMessages(ctx, messages); err != nil {
		c.logger.Error("failed to commit messages",
			"error", err,
			"count", len(messages),
		)
		// Don't return - messages will be redelivered on restart
	}
}

func (c *Consumer) commitMessages(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	commitCtx, cancel := context.WithTimeout(ctx, c.config.CommitTimeout)
	defer cancel()

	return c.reader.CommitMessages(commitCtx, messages...)
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}
