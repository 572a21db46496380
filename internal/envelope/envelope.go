// Package envelope wraps external calls with per-key rate admission, a hard
// timeout and bounded retries with exponential backoff.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout is reported when a call outlives the policy timeout.
var ErrTimeout = errors.New("call timed out")

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy bounds a single enveloped call.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Timeout   time.Duration
}

// Backoff returns the delay after the given failed attempt (1-based):
// BaseDelay, 2*BaseDelay, 4*BaseDelay...
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Failure describes one failed attempt.
type Failure struct {
	Attempt int
	Err     error
	Delay   time.Duration
}

// Hooks observe a call as it is retried.
type Hooks struct {
	OnRetry     func(Failure)
	OnExhausted func(Failure)
}

// Envelope applies a Policy and an optional RateLimiter to calls.
type Envelope struct {
	limiter *RateLimiter
	policy  Policy
	sleep   Sleeper
	logger  *slog.Logger
}

// Option customizes an Envelope.
type Option func(*Envelope)

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(e *Envelope) {
		if s != nil {
			e.sleep = s
		}
	}
}

// New creates an envelope. limiter may be nil for calls that are not tied to
// a session budget.
func New(limiter *RateLimiter, policy Policy, logger *slog.Logger, opts ...Option) *Envelope {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Envelope{
		limiter: limiter,
		policy:  policy,
		sleep:   Sleep,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the configured policy.
func (e *Envelope) Policy() Policy { return e.policy }

// Limiter returns the rate limiter, if any.
func (e *Envelope) Limiter() *RateLimiter { return e.limiter }

// Do runs call under the envelope. It never returns an error: false means
// every attempt failed or ctx was cancelled.
func Do[T any](ctx context.Context, e *Envelope, key string, call func(context.Context) (T, error), hooks Hooks) (T, bool) {
	var zero T
	for attempt := 1; attempt <= e.policy.Attempts; attempt++ {
		if ctx.Err() != nil {
			return zero, false
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, key); err != nil {
				return zero, false
			}
		}

		result, err := runWithTimeout(ctx, e.policy.Timeout, call)
		if err == nil {
			return result, true
		}
		if ctx.Err() != nil {
			return zero, false
		}

		f := Failure{Attempt: attempt, Err: err}
		if attempt == e.policy.Attempts {
			e.logger.Error("all attempts failed",
				"session_id", shortID(key),
				"attempts", e.policy.Attempts,
				"error", err,
			)
			if hooks.OnExhausted != nil {
				hooks.OnExhausted(f)
			}
			return zero, false
		}

		f.Delay = e.policy.Backoff(attempt)
		e.logger.Warn("attempt failed, retrying",
			"session_id", shortID(key),
			"attempt", attempt,
			"attempts", e.policy.Attempts,
			"delay_ms", f.Delay.Milliseconds(),
			"error", err,
		)
		if hooks.OnRetry != nil {
			hooks.OnRetry(f)
		}
		if err := e.sleep(ctx, f.Delay); err != nil {
			return zero, false
		}
	}
	return zero, false
}

type outcome[T any] struct {
	val T
	err error
}

// runWithTimeout abandons call once the timeout elapses even if call ignores
// its context.
func runWithTimeout[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("call panicked: %v", r)}
			}
		}()
		v, err := call(callCtx)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
