package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var rlLog = logrus.WithField("component", "ratelimit")

// RateLimiter paces requests by weight and tracks the exchange-reported usage.
type RateLimiter struct {
	limiter       *rate.Limiter
	limit         int
	usedWeight    int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewRateLimiter allows limit weight per resetInterval, e.g. 2400/min for futures.
func NewRateLimiter(limit int, resetInterval time.Duration) *RateLimiter {
	perSecond := float64(limit) / resetInterval.Seconds()
	return &RateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(perSecond), limit/10+1),
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until weight can be spent or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, weight int) error {
	if weight > rl.limiter.Burst() {
		weight = rl.limiter.Burst()
	}
	if rl.ShouldDelay() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return rl.limiter.WaitN(ctx, weight)
}

// UpdateFromHeader records the used weight from X-MBX-USED-WEIGHT-1M.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	if pct >= 95 {
		rlLog.Errorf("rate limit critical: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	} else if pct >= 80 {
		rlLog.Warnf("rate limit warning: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	}
}

// Usage returns the last reported usage within the current window.
func (rl *RateLimiter) Usage() (used, limit int, pct float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay is true once usage crosses 90% of the window.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
