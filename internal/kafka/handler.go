package kafka

import (
	"context"
	"log/slog"
	"sync"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// JobProcessor claims and applies one job by id. It returns the job's status
// afterwards, or an empty status when the job was not claimable (already
// done, or leased by another worker).
type JobProcessor interface {
	Process(ctx context.Context, jobID string) (domain.JobStatus, error)
}

// HandlerConfig defines batch handler parameters.
type HandlerConfig struct {
	Concurrency int
}

// DefaultHandlerConfig returns sensible defaults for production use.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Concurrency: 16,
	}
}

// HandlerOption configures a JobHandler.
type HandlerOption func(*JobHandler)

// WithConcurrency bounds the number of jobs applied in parallel per batch.
func WithConcurrency(n int) HandlerOption {
	return func(h *JobHandler) {
		if n > 0 {
			h.config.Concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *JobHandler) {
		h.logger = l
	}
}

// JobHandler feeds Kafka batches into a JobProcessor.
type JobHandler struct {
	config    HandlerConfig
	processor JobProcessor
	logger    *slog.Logger
}

// NewJobHandler creates a handler with functional options.
func NewJobHandler(processor JobProcessor, opts ...HandlerOption) *JobHandler {
	h := &JobHandler{
		config:    DefaultHandlerConfig(),
		processor: processor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFailure
)

// ProcessBatch applies every job in the batch. Duplicate ids within the batch
// are processed once; the job row decides whether anything is left to do.
func (h *JobHandler) ProcessBatch(ctx context.Context, jobs []*JobMessage) (successes, retries, failures []*JobMessage) {
	if len(jobs) == 0 {
		return nil, nil, nil
	}

	seen := make(map[string]struct{}, len(jobs))
	unique := make([]*JobMessage, 0, len(jobs))
	for _, j := range jobs {
		if _, dup := seen[j.ID]; dup {
			continue
		}
		seen[j.ID] = struct{}{}
		unique = append(unique, j)
	}

	results := make([]outcome, len(unique))
	sem := make(chan struct{}, h.config.Concurrency)
	var wg sync.WaitGroup

	for i, job := range unique {
		if ctx.Err() != nil {
			results[i] = outcomeRetry
			continue
		}
		select {
		case <-ctx.Done():
			results[i] = outcomeRetry
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(idx int, job *JobMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = h.process(ctx, job)
		}(i, job)
	}
	wg.Wait()

	for i, r := range results {
		switch r {
		case outcomeSuccess:
			successes = append(successes, unique[i])
		case outcomeRetry:
			retries = append(retries, unique[i])
		case outcomeFailure:
			failures = append(failures, unique[i])
		}
	}
	return successes, retries, failures
}

func (h *JobHandler) process(ctx context.Context, job *JobMessage) outcome {
	status, err := h.processor.Process(ctx, job.ID)
	if err != nil {
		// The job row is still claimable once its lease lapses; the poller
		// picks it up.
		h.logger.Error("job processing error", "job_id", job.ID, "job_name", job.Name, "error", err)
		return outcomeRetry
	}

	switch status {
	case domain.JobStatusRetrying:
		return outcomeRetry
	case domain.JobStatusFailed:
		return outcomeFailure
	default:
		return outcomeSuccess
	}
}
