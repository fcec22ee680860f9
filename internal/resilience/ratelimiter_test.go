package resilience

import (
	"context"
	"sync"
	"testing"
)

func TestRateLimiterManager_Allow(t *testing.T) {
	config := RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         2,
	}
	manager := NewRateLimiterManager(config)

	key := "user:u1"

	if !manager.Allow(key) {
		t.Error("first request should be allowed")
	}
	if !manager.Allow(key) {
		t.Error("second request should be allowed (burst)")
	}

	if manager.Allow(key) {
		t.Error("third request should be rate limited")
	}
}

func TestRateLimiterManager_ConcurrentAccess(t *testing.T) {
	config := DefaultRateLimiterConfig()
	manager := NewRateLimiterManager(config)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := "anon:device"
			manager.Allow(key)
		}(i)
	}
	wg.Wait()
}

func TestInMemoryRateLimiterAdapter_Allow(t *testing.T) {
	limiter := NewInMemoryRateLimiterAdapter(DefaultRateLimiterConfig())
	ctx := context.Background()

	// limit 10 gives a burst of 2
	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "user:u5", 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	if allowed, _ := limiter.Allow(ctx, "user:u5", 10); allowed {
		t.Error("request beyond burst should be rate limited")
	}

	if allowed, _ := limiter.Allow(ctx, "user:u6", 10); !allowed {
		t.Error("other keys should have their own bucket")
	}
}
