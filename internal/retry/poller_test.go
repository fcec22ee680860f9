package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// mockJobRepo implements JobClaimer for testing.
type mockJobRepo struct {
	mu        sync.Mutex
	jobs      []*domain.Job
	claimErr  error
	claimCall int
	lastLease time.Duration
	lastGrace time.Duration
}

func (m *mockJobRepo) ClaimDue(ctx context.Context, limit int, lease, grace time.Duration) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimCall++
	m.lastLease, m.lastGrace = lease, grace
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	if len(m.jobs) == 0 {
		return nil, nil
	}
	// Return up to limit jobs
	result := m.jobs
	if len(result) > limit {
		result = result[:limit]
	}
	// Clear jobs after returning (simulating they were claimed)
	m.jobs = m.jobs[len(result):]
	return result, nil
}

// mockProcessor implements JobProcessor for testing.
type mockProcessor struct {
	mu        sync.Mutex
	processed []*domain.Job
}

func (m *mockProcessor) ProcessJobs(ctx context.Context, jobs []*domain.Job) (completed, retrying, failed []*domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, jobs...)
	return jobs, nil, nil
}

func (m *mockProcessor) getProcessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

func TestPoller_ProcessesDueJobs(t *testing.T) {
	repo := &mockJobRepo{
		jobs: []*domain.Job{
			{ID: "tx:0x1:0:attack", Name: domain.JobChainAttack, Status: domain.JobStatusProcessing},
			{ID: "req:trade:1", Name: domain.JobTradeRequested, Status: domain.JobStatusProcessing},
		},
	}
	processor := &mockProcessor{}

	config := PollerConfig{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    100,
	}

	poller := NewPoller(repo, processor, config, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Start poller in background
	done := make(chan struct{})
	go func() {
		poller.Start(ctx)
		close(done)
	}()

	// Wait for context to expire
	<-ctx.Done()
	poller.Stop()
	<-done

	if processor.getProcessedCount() != 2 {
		t.Errorf("expected 2 jobs processed, got %d", processor.getProcessedCount())
	}
}

func TestPoller_RespectsPollingInterval(t *testing.T) {
	repo := &mockJobRepo{}
	processor := &mockProcessor{}

	config := PollerConfig{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    100,
	}

	poller := NewPoller(repo, processor, config, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		poller.Start(ctx)
		close(done)
	}()

	<-ctx.Done()
	poller.Stop()
	<-done

	// Should have polled: immediately + ~3 times at 50ms intervals in 180ms
	// Allow some variance
	repo.mu.Lock()
	calls := repo.claimCall
	repo.mu.Unlock()

	if calls < 3 || calls > 5 {
		t.Errorf("expected 3-5 poll calls in 180ms with 50ms interval, got %d", calls)
	}
}

func TestPoller_StopsGracefully(t *testing.T) {
	repo := &mockJobRepo{}
	processor := &mockProcessor{}

	config := PollerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
	}

	poller := NewPoller(repo, processor, config, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		poller.Start(ctx)
		close(done)
	}()

	// Let it run briefly
	time.Sleep(50 * time.Millisecond)

	// Stop via context cancellation
	cancel()

	// Should stop within reasonable time
	select {
	case <-done:
		// Good - stopped gracefully
	case <-time.After(500 * time.Millisecond):
		t.Error("poller did not stop within timeout")
	}
}

func TestPoller_StopsViaStopMethod(t *testing.T) {
	repo := &mockJobRepo{}
	processor := &mockProcessor{}

	config := PollerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
	}

	poller := NewPoller(repo, processor, config, nil)

	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		poller.Start(ctx)
		close(done)
	}()

	// Let it run briefly
	time.Sleep(50 * time.Millisecond)

	// Stop via Stop method
	poller.Stop()

	// Should stop within reasonable time
	select {
	case <-done:
		// Good - stopped gracefully
	case <-time.After(500 * time.Millisecond):
		t.Error("poller did not stop within timeout")
	}
}

func TestPoller_HandlesEmptyResults(t *testing.T) {
	repo := &mockJobRepo{} // No jobs
	processor := &mockProcessor{}

	config := PollerConfig{
		PollInterval: 20 * time.Millisecond,
		BatchSize:    100,
	}

	poller := NewPoller(repo, processor, config, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		poller.Start(ctx)
		close(done)
	}()

	<-ctx.Done()
	poller.Stop()
	<-done

	if processor.getProcessedCount() != 0 {
		t.Errorf("expected 0 jobs processed, got %d", processor.getProcessedCount())
	}
}

func TestPoller_DefaultConfig(t *testing.T) {
	config := DefaultPollerConfig()

	if config.PollInterval != 5*time.Second {
		t.Errorf("expected default poll interval 5s, got %v", config.PollInterval)
	}
	if config.BatchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", config.BatchSize)
	}
	if config.Lease != time.Minute {
		t.Errorf("expected default lease 1m, got %v", config.Lease)
	}
	if config.QueuedGrace != 30*time.Second {
		t.Errorf("expected default queued grace 30s, got %v", config.QueuedGrace)
	}
}

func TestNewPoller_AppliesDefaults(t *testing.T) {
	repo := &mockJobRepo{}
	processor := &mockProcessor{}

	// Empty config - should apply defaults
	poller := NewPoller(repo, processor, PollerConfig{}, nil)

	if poller.config.PollInterval != 5*time.Second {
		t.Errorf("expected default poll interval, got %v", poller.config.PollInterval)
	}
	if poller.config.BatchSize != 100 {
		t.Errorf("expected default batch size, got %d", poller.config.BatchSize)
	}
}

func TestPoller_PassesLeaseAndGrace(t *testing.T) {
	repo := &mockJobRepo{}
	poller := NewPoller(repo, &mockProcessor{}, PollerConfig{
		PollInterval: time.Hour,
		Lease:        2 * time.Minute,
		QueuedGrace:  10 * time.Second,
	}, nil)

	poller.poll(context.Background())

	if repo.lastLease != 2*time.Minute || repo.lastGrace != 10*time.Second {
		t.Errorf("ClaimDue lease=%v grace=%v, want 2m and 10s", repo.lastLease, repo.lastGrace)
	}
}

func TestPoller_ClaimErrorSkipsProcessing(t *testing.T) {
	repo := &mockJobRepo{
		claimErr: errors.New("connection refused"),
		jobs:     []*domain.Job{{ID: "req:attack:1"}},
	}
	processor := &mockProcessor{}
	poller := NewPoller(repo, processor, DefaultPollerConfig(), nil)

	poller.poll(context.Background())

	if processor.getProcessedCount() != 0 {
		t.Errorf("processed %d jobs after claim error, want 0", processor.getProcessedCount())
	}
}

func TestPoller_DrainsInBatches(t *testing.T) {
	jobs := make([]*domain.Job, 5)
	for i := range jobs {
		jobs[i] = &domain.Job{ID: string(rune('a' + i))}
	}
	repo := &mockJobRepo{jobs: jobs}
	processor := &mockProcessor{}
	poller := NewPoller(repo, processor, PollerConfig{BatchSize: 2}, nil)

	for i := 0; i < 3; i++ {
		poller.poll(context.Background())
	}

	if processor.getProcessedCount() != 5 {
		t.Errorf("processed %d jobs over three polls, want 5", processor.getProcessedCount())
	}
}
