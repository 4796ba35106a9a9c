package upstream

import "errors"

var (
	// ErrUpstreamUnavailable is returned when the node cannot be reached within the retry budget.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrConnectionExhausted is returned when the live stream cannot be (re)established within the retry budget.
	ErrConnectionExhausted = errors.New("upstream connection retries exhausted")
	// ErrNotFound is returned for milestones the node does not have (pruned or not yet confirmed).
	ErrNotFound = errors.New("not found on upstream")
	// ErrMalformedEvent marks a stream message that could not be decoded.
	ErrMalformedEvent = errors.New("malformed stream event")
)
