package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes job notifications to Kafka.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

// DefaultProducerConfig returns sensible defaults for production.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "game.jobs",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false, // Sync so a failed publish is visible to the caller
	}
}

// NewProducer creates a Kafka producer. Messages are hashed by key so every
// delivery of one job id lands on the same partition.
func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll, // Wait for all replicas
		Async:        config.Async,
		Compression:  kafka.Snappy,
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		writer: writer,
		logger: logger,
	}
}

// Publish sends a job notification to Kafka, keyed by job id.
func (p *Producer) Publish(ctx context.Context, job JobMessage) error {
	msg, err := encodeMessage(job)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

func encodeMessage(job JobMessage) (kafka.Message, error) {
	value, err := json.Marshal(job)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return kafka.Message{
		Key:   []byte(job.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "job-name", Value: []byte(job.Name)},
		},
	}, nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
