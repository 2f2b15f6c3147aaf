// Package retry runs an operation with bounded attempts and exponential backoff.
//
// Delays come from a cenkalti/backoff ExponentialBackOff:
// delay(n) = min(BaseDelay * Multiplier^n, MaxDelay), randomised by Jitter.
// Waiting between attempts is a timer select that returns early when the
// context is cancelled.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures the backoff between attempts.
type Policy struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	// Jitter is the randomisation factor in [0, 1]; 0.1 spreads each delay by ±10%.
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy is used when no policy is configured.
var DefaultPolicy = Policy{
	BaseDelay:  500 * time.Millisecond,
	Multiplier: 2,
	MaxDelay:   30 * time.Second,
	Jitter:     0.1,
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultPolicy.Multiplier
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay * time.Duration(math.Max(1, math.Pow(p.Multiplier, 10)))
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the un-jittered delay before retry number attempt (0-based).
// The executor's backoff produces the same schedule before applying Jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NotifyFunc observes a scheduled retry.
type NotifyFunc func(attempt int, delay time.Duration)

// Executor applies a Policy to operations.
type Executor struct {
	policy Policy
	notify NotifyFunc
	wait   func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithNotify registers a callback invoked before each backoff wait.
func WithNotify(fn NotifyFunc) Option {
	return func(e *Executor) {
		e.notify = fn
	}
}

// WithWaitFunc replaces the timer-based wait, for tests.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.wait = fn
	}
}

// NewExecutor creates an Executor for the given policy.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: policy.normalized(),
		wait:   sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls op until it yields an outcome that retryable rejects, maxAttempts
// is reached or ctx is done. attempt passed to op is 1-based. It returns the
// last outcome verbatim, the attempt that produced it and, when the context
// ended the loop, the context error.
func Do[T any](ctx context.Context, e *Executor, maxAttempts int, op func(ctx context.Context, attempt int) T, retryable func(T) bool) (T, int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := e.policy.newBackOff()

	var out T
	for attempt := 1; ; attempt++ {
		out = op(ctx, attempt)
		if attempt >= maxAttempts || !retryable(out) {
			return out, attempt, nil
		}
		if err := ctx.Err(); err != nil {
			return out, attempt, err
		}

		delay := b.NextBackOff()
		slog.Debug("retry.Do: scheduling retry", "attempt", attempt, "max_attempts", maxAttempts, "delay", delay)
		if e.notify != nil {
			e.notify(attempt, delay)
		}
		if err := e.wait(ctx, delay); err != nil {
			return out, attempt, err
		}
	}
}
