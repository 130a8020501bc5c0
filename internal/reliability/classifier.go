package reliability

import (
	"context"
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes from upstream
// model APIs.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableLiveError classifies upstream live-session failures worth a
// reconnect attempt, based on the error text the API surfaces.
func IsRetryableLiveError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"resource_exhausted",
		"resource exhausted",
		"unavailable",
		"deadline exceeded",
		"connection reset",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Do runs fn up to attempts times, sleeping with capped exponential backoff
// between retryable failures. Non-retryable errors return immediately.
func Do(ctx context.Context, attempts int, base, cap time.Duration, fn func() error, retryable func(error) bool) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(ExponentialBackoff(attempt, base, cap)):
		}
	}
	return err
}
