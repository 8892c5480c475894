package tracker

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the tracker has no such issue or entity.
var ErrNotFound = errors.New("issue tracker entity not found")

// RateLimitError is returned when a request is refused locally (budget
// exhausted) or remotely (429 / RATELIMITED). Rate-limit errors are never
// retried; they propagate to the caller.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// IsRateLimited reports whether err is a rate-limit error.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// APIError is a non-rate-limit tracker API failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tracker API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tracker API error: %s", e.Message)
}
