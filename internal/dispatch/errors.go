package dispatch

import "errors"

var (
	// ErrNotConfigured marks a destination that is unknown, has no URL, or
	// is a channel kind missing its credential. Callers treat it as a
	// skip, not a delivery failure.
	ErrNotConfigured = errors.New("destination not configured")

	// ErrRateLimited means the destination's token bucket had no token.
	// The send was not attempted; no breaker pressure, no retry.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen means the destination's circuit (and every fallback's)
	// rejected the send without touching the wire.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrDuplicate means an identical payload was already sent to this
	// destination within the dedup window. Advisory: the earlier delivery
	// stands, nothing was sent.
	ErrDuplicate = errors.New("duplicate suppressed")
)
