package catalog

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
)

// ErrURLExpired is returned by RangeFetch when the stream URL is no longer
// accepted. The reader re-resolves the URL once before giving up.
var ErrURLExpired = errors.New("stream url expired")

// StatusError is a non-success HTTP response from the catalog.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("catalog returned %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("catalog returned %d", e.Code)
}

// Classify maps a raw client error onto the filesystem error taxonomy.
// Already classified errors pass through unchanged.
func Classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var fe *types.FSError
	if errors.As(err, &fe) {
		return err
	}

	if errors.Is(err, ErrURLExpired) {
		return types.NewError(types.KindTransient, op, key, err)
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			e := types.NewError(types.KindRateLimited, op, key, err)
			e.RetryAfter = se.RetryAfter
			return e
		case se.Code == http.StatusRequestTimeout:
			return types.NewError(types.KindTransient, op, key, err)
		case se.Code >= 500:
			return types.NewError(types.KindTransient, op, key, err)
		case se.Code >= 400:
			return types.NewError(types.KindPermanent, op, key, err)
		}
	}

	// Timeouts, network failures and anything unrecognised are retryable.
	return types.NewError(types.KindTransient, op, key, err)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
