package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy is bounded exponential backoff over classified errors.
// Permanent, NotFound and ReadOnly failures are returned immediately.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
	// Timeout bounds each attempt. Zero disables the per-attempt deadline.
	Timeout time.Duration
}

// NewRetryPolicy builds a policy from config, filling unset values.
func NewRetryPolicy(cfg types.RetryConfig, timeout time.Duration) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		RateLimitDelay: cfg.RateLimitDelay,
		Timeout:        timeout,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.RateLimitDelay <= 0 {
		p.RateLimitDelay = 2 * time.Second
	}
	return p
}

func (p RetryPolicy) backoff() retry.Backoff {
	return retry.WithCappedDuration(p.MaxDelay, retry.NewExponential(p.BaseDelay))
}

// Do runs fn until it succeeds, fails with a non-retryable kind, or the
// attempts are exhausted. The returned error is always classified.
func (p RetryPolicy) Do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	b := p.backoff()
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		err = Classify(op, key, p.attempt(ctx, fn))
		if err == nil {
			return nil
		}

		kind := types.KindOf(err)
		if !kind.Retryable() || attempt >= attempts || ctx.Err() != nil {
			return err
		}

		delay, stop := b.Next()
		if stop {
			return err
		}
		if kind == types.KindRateLimited {
			delay = max(delay, p.RateLimitDelay, retryAfter(err))
		}

		log.Debug().Str("op", op).Str("key", key).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retrying remote call")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

// Retry is Do for calls that return a value.
func Retry[T any](ctx context.Context, p RetryPolicy, op, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func retryAfter(err error) time.Duration {
	var fe *types.FSError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
