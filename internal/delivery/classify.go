package delivery

import (
	"context"
	"errors"
	"net/http"
)

// StatusError is a non-2xx HTTP response surfaced as an error.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return "unexpected status " + http.StatusText(e.Code)
}

// retryable classifies a delivery failure.
//
// Retried: network errors, timeouts, 5xx, and 429 (the destination asked us
// to back off). Not retried: other 4xx, where the request itself is wrong and
// repeating it wastes attempts and poisons the circuit with client errors.
func retryable(err error) bool {
	if err == nil {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusTooManyRequests {
			return true
		}
		if se.Code >= 500 {
			return true
		}
		return false
	}

	// A canceled caller is giving up, not failing over.
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Everything else is transport-level: timeouts, refused connections,
	// DNS, resets. All transient.
	return true
}
