package httpclient

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the breaker rejects a call before any
// network activity. Callers should wait out the reset window instead of
// retrying immediately.
var ErrCircuitOpen = errors.New("circuit open: refusing external call")

// ErrBreakerRequired is returned by NewClient when no breaker is injected.
var ErrBreakerRequired = errors.New("circuit breaker is required")

// TransportError wraps a transient failure: a timeout, a network error,
// or a retryable HTTP status (429, 500, 502, 503, 504). The client
// retries these locally before surfacing the last one.
type TransportError struct {
	// Status is the retryable HTTP status, or 0 for transport-level failures.
	Status int
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("retryable status %d: %v", e.Status, e.Cause)
	}

	return fmt.Sprintf("transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// HTTPStatusError is a non-retryable HTTP failure (4xx other than 429,
// and any other status the client does not classify as transient). It is
// surfaced immediately without retry and without tripping the breaker.
type HTTPStatusError struct {
	Status int
	// Body holds the response body truncated to maxErrorBodyBytes.
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether err is a transient failure the client
// would retry.
func IsRetryable(err error) bool {
	var transportErr *TransportError

	return errors.As(err, &transportErr)
}
