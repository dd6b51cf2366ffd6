package source

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError is returned after a 429. The client has already pushed the
// limiter's next allowed request time past Wait, so callers just retry.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.Wait)
}

// StaleCursorError means the API rejected the cursor, usually because its TTL
// expired. The cursor chain has to be restarted from the beginning.
type StaleCursorError struct {
	Cursor string
	Body   string
}

func (e *StaleCursorError) Error() string {
	return fmt.Sprintf("stale cursor %q: %s", e.Cursor, e.Body)
}

// TransientError covers 5xx responses and requests that got no response.
type TransientError struct {
	Status int // 0 when no response was received
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: status %d: %v", e.Status, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is any response the pipeline cannot recover from.
type FatalError struct {
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("fatal: %v", e.Err)
	}
	return fmt.Sprintf("fatal: status %d: %v", e.Status, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is one of the kinds the fetch loop absorbs.
func IsRetryable(err error) bool {
	var (
		rl    *RateLimitedError
		stale *StaleCursorError
		tr    *TransientError
	)
	return errors.As(err, &rl) || errors.As(err, &stale) || errors.As(err, &tr)
}
