package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxWeight is the per-minute request weight budget of one source.
	DefaultMaxWeight = 6000
	// DefaultMaxWait is the longest Acquire will block before giving up.
	DefaultMaxWait = 30 * time.Second
	// WeightWindow is the length of the rolling budget window.
	WeightWindow = time.Minute
)

// WeightLimiter enforces a rolling one-minute weight budget. The window
// restarts from the first Acquire that happens a full window after the
// previous restart.
type WeightLimiter struct {
	mu          sync.Mutex
	maxWeight   int
	maxWait     time.Duration
	window      time.Duration
	used        int
	windowStart time.Time

	serverUsed atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWeightLimiter creates a limiter. Non-positive arguments fall back to the
// defaults.
func NewWeightLimiter(maxWeight int, maxWait time.Duration) *WeightLimiter {
	if maxWeight <= 0 {
		maxWeight = DefaultMaxWeight
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &WeightLimiter{
		maxWeight: maxWeight,
		maxWait:   maxWait,
		window:    WeightWindow,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire reserves cost units of the budget. When the window is full it
// waits for the window to roll over, unless that wait would exceed the
// configured maximum, in which case ErrRateLimitExceeded is returned.
func (l *WeightLimiter) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		return nil
	}
	if cost > l.maxWeight {
		return fmt.Errorf("%w: cost %d exceeds budget %d", ErrRateLimitExceeded, cost, l.maxWeight)
	}

	for {
		l.mu.Lock()
		now := l.now()
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
			l.used = 0
			l.windowStart = now
		}
		if l.used+cost <= l.maxWeight {
			l.used += cost
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.windowStart)
		l.mu.Unlock()

		if wait > l.maxWait {
			return fmt.Errorf("%w: window frees in %s, max wait %s", ErrRateLimitExceeded, wait, l.maxWait)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Used returns the weight consumed in the current window.
func (l *WeightLimiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windowStart.IsZero() || l.now().Sub(l.windowStart) >= l.window {
		return 0
	}
	return l.used
}

// ObserveServerWeight records the weight the exchange reports as used.
func (l *WeightLimiter) ObserveServerWeight(weight int) {
	l.serverUsed.Store(int64(weight))
}

// ServerUsedWeight returns the last weight reported by the exchange.
func (l *WeightLimiter) ServerUsedWeight() int {
	return int(l.serverUsed.Load())
}

// LimiterStats is a point-in-time view of a limiter.
type LimiterStats struct {
	MaxWeight        int `json:"max_weight"`
	UsedWeight       int `json:"used_weight"`
	ServerUsedWeight int `json:"server_used_weight"`
}

func (l *WeightLimiter) Stats() LimiterStats {
	return LimiterStats{
		MaxWeight:        l.maxWeight,
		UsedWeight:       l.Used(),
		ServerUsedWeight: l.ServerUsedWeight(),
	}
}
