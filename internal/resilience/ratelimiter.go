// This package uses:
//   - golang.org/x/time/rate: Token bucket rate limiter from the Go team.
//   - github.com/sony/gobreaker: Circuit breaker implementation by Sony.
package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

// RateLimiterManager maintains per-caller rate limiters.
// It uses lazy initialization with double-checked locking for thread safety.
// Each caller identity gets its own independent bucket so one noisy player
// cannot exhaust another's allowance.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter returns the rate limiter for a key, creating one if needed.
// Uses double-checked locking pattern for optimal concurrent performance.
func (m *RateLimiterManager) GetLimiter(key string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[key]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request for the key is allowed right now.
// Returns false if the rate limit has been exceeded.
func (m *RateLimiterManager) Allow(key string) bool {
	return m.GetLimiter(key).Allow()
}

// SetRateIfNotExists configures a rate limit only if one doesn't already exist.
// This is used to lazily initialize rate limiters with route-specific settings.
func (m *RateLimiterManager) SetRateIfNotExists(key string, requestsPerSecond float64, burstSize int) {
	m.mu.RLock()
	_, exists := m.limiters[key]
	m.mu.RUnlock()

	if exists {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists = m.limiters[key]; exists {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
	m.limiters[key] = limiter
}
