package envelope

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimiter admits at most Max calls per key within a sliding window.
type RateLimiter struct {
	mu     sync.Mutex
	calls  map[string][]time.Time
	max    int
	window time.Duration
	poll   time.Duration
	clock  func() time.Time
	sleep  Sleeper
	logger *slog.Logger
}

// LimiterOption customizes a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithLimiterClock allows tests to control the window.
func WithLimiterClock(clock func() time.Time) LimiterOption {
	return func(r *RateLimiter) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLimiterSleeper replaces the wait between admission polls.
func WithLimiterSleeper(s Sleeper) LimiterOption {
	return func(r *RateLimiter) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithLimiterLogger sets the logger used while waiting for a slot.
func WithLimiterLogger(l *slog.Logger) LimiterOption {
	return func(r *RateLimiter) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRateLimiter creates a limiter allowing max calls per window, polling at
// the given interval while a key is saturated.
func NewRateLimiter(max int, window, poll time.Duration, opts ...LimiterOption) *RateLimiter {
	r := &RateLimiter{
		calls:  make(map[string][]time.Time),
		max:    max,
		window: window,
		poll:   poll,
		clock:  time.Now,
		sleep:  Sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// evictLocked drops timestamps that fell out of the window and returns the
// remaining count.
func (r *RateLimiter) evictLocked(key string) int {
	calls, ok := r.calls[key]
	if !ok {
		return 0
	}
	cutoff := r.clock().Add(-r.window)
	kept := calls[:0]
	for _, ts := range calls {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.calls[key] = kept
	return len(kept)
}

// Allow reports whether a call for key would be admitted now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked(key) < r.max
}

// Record notes a call for key at the current time.
func (r *RateLimiter) Record(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key] = append(r.calls[key], r.clock())
}

// TryAcquire admits and records a call in one step.
func (r *RateLimiter) TryAcquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evictLocked(key) >= r.max {
		return false
	}
	r.calls[key] = append(r.calls[key], r.clock())
	return true
}

// Wait blocks until a call for key is admitted, then records it.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	for !r.TryAcquire(key) {
		r.logger.Info("waiting for call slot", "session_id", shortID(key), "poll_ms", r.poll.Milliseconds())
		if err := r.sleep(ctx, r.poll); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of calls currently inside the window for key.
func (r *RateLimiter) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked(key)
}

// Release forgets all state for key.
func (r *RateLimiter) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, key)
}

// Max returns the per-window cap.
func (r *RateLimiter) Max() int { return r.max }

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
