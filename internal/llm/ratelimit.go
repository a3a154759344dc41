package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per-provider rate limiters shared across all jobs
// in the process
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int
	mu       sync.RWMutex
}

// NewRateLimiterPool creates a new rate limiter pool
func NewRateLimiterPool() *RateLimiterPool {
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
	}
}

// GetOrCreate returns an existing rate limiter or creates a new one. If a
// limiter exists with a different rate, the existing one wins.
func (p *RateLimiterPool) GetOrCreate(providerID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[providerID]; exists {
		if existingRate, ok := p.rates[providerID]; ok && existingRate != requestsPerMinute {
			slog.Warn("Rate limiter already exists with different rate, using existing rate",
				"provider_id", providerID,
				"existing_rpm", existingRate,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[providerID] = limiter
	p.rates[providerID] = requestsPerMinute

	slog.Debug("Created rate limiter",
		"provider_id", providerID,
		"rpm", requestsPerMinute,
		"burst", burst)

	return limiter
}

// Wait blocks until the provider's limiter admits one request, and returns
// how long the caller waited.
func (p *RateLimiterPool) Wait(ctx context.Context, providerID string, requestsPerMinute int) (time.Duration, error) {
	limiter := p.GetOrCreate(providerID, requestsPerMinute)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}
