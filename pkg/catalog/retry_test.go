package catalog

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RateLimitDelay: 2 * time.Millisecond,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind types.ErrorKind
	}{
		{"not found", &StatusError{Code: http.StatusNotFound}, types.KindPermanent},
		{"gone", &StatusError{Code: http.StatusGone}, types.KindPermanent},
		{"forbidden", &StatusError{Code: http.StatusForbidden}, types.KindPermanent},
		{"throttled", &StatusError{Code: http.StatusTooManyRequests, RetryAfter: time.Second}, types.KindRateLimited},
		{"request timeout", &StatusError{Code: http.StatusRequestTimeout}, types.KindTransient},
		{"server error", &StatusError{Code: http.StatusBadGateway}, types.KindTransient},
		{"deadline", context.DeadlineExceeded, types.KindTransient},
		{"network", errors.New("connection reset by peer"), types.KindTransient},
		{"expired url", ErrURLExpired, types.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("op", "key", tt.err)
			assert.Equal(t, tt.kind, types.KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.Nil(t, Classify("op", "key", nil))
}

func TestClassifyKeepsRetryAfter(t *testing.T) {
	err := Classify("op", "key", &StatusError{Code: http.StatusTooManyRequests, RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, retryAfter(err))
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "list", "likes", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "list", "likes", func(ctx context.Context) error {
		calls++
		return &StatusError{Code: http.StatusInternalServerError}
	})
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentNotRetried(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "facts", "1", func(ctx context.Context) error {
		calls++
		return &StatusError{Code: http.StatusNotFound}
	})
	assert.ErrorIs(t, err, types.ErrPermanent)
	assert.Equal(t, 1, calls)
}

func TestRetryRateLimitedWaitsForHint(t *testing.T) {
	p := testPolicy()
	calls := 0
	start := time.Now()
	v, err := Retry(context.Background(), p, "facts", "1", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &StatusError{Code: http.StatusTooManyRequests, RetryAfter: 30 * time.Millisecond}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetryAttemptTimeoutIsTransient(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 2
	p.Timeout = 5 * time.Millisecond

	calls := 0
	err := p.Do(context.Background(), "list", "likes", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	p := testPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, "list", "likes", func(ctx context.Context) error {
		calls++
		return &StatusError{Code: http.StatusBadGateway}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPacerPause(t *testing.T) {
	p := NewPacer(PacingConfig{RequestsPerSecond: 1000, Burst: 10})
	p.Pause(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Pause(time.Hour)
	assert.Error(t, p.Wait(ctx))
}
