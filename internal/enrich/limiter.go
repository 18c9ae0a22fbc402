package enrich

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter is a per-provider rate limiter that backs off when the
// provider answers 429 and recovers toward its configured rate on success.
// The rate moves between initial/4 and the initial rate.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	provider    string
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates a limiter allowing rps requests per second.
func NewAdaptiveLimiter(provider string, rps float64) *AdaptiveLimiter {
	limit := rate.Limit(rps)
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveLimiter{
		provider:    provider,
		limiter:     rate.NewLimiter(limit, burst),
		initialRate: limit,
		minRate:     limit / 4,
		currentRate: limit,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to the configured rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.initialRate {
		return
	}
	next := a.currentRate * 1.2
	if next > a.initialRate {
		next = a.initialRate
	}
	a.currentRate = next
	a.limiter.SetLimit(next)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.currentRate * 0.5
	if next < a.minRate {
		next = a.minRate
	}
	a.currentRate = next
	a.limiter.SetLimit(next)
	zap.L().Warn("enrich: provider rate limited, reducing rate",
		zap.String("provider", a.provider),
		zap.Float64("new_rate", float64(next)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// limitersFor builds limiters for providers with a positive rate limit.
func limitersFor(providers map[string]ProviderConfig) map[string]*AdaptiveLimiter {
	out := make(map[string]*AdaptiveLimiter)
	for name, pc := range providers {
		if pc.RateLimitRPS > 0 {
			out[name] = NewAdaptiveLimiter(name, pc.RateLimitRPS)
		}
	}
	return out
}
