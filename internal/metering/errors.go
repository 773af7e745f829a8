package metering

import (
	"context"
	"errors"
	"fmt"
)

// TransportError means the request never produced an HTTP response: DNS,
// connection, TLS, timeout or cancellation. A whole sync run may be retried.
type TransportError struct {
	Locator string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("metering transport error for %s: %v", e.Locator, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a response with a status other than 2xx or 304.
type HTTPError struct {
	Locator    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("metering api error (status %d) for %s", e.StatusCode, e.Locator)
	}
	return fmt.Sprintf("metering api error (status %d) for %s: %s", e.StatusCode, e.Locator, e.Body)
}

// DecodeError means a page body could not be parsed.
type DecodeError struct {
	Locator string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode usage page %s: %v", e.Locator, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PaginationLoopError means the service handed back a locator that was
// already followed in the same run.
type PaginationLoopError struct {
	Locator string
	Page    int
}

func (e *PaginationLoopError) Error() string {
	return fmt.Sprintf("pagination loop: page %d links back to already fetched %s", e.Page, e.Locator)
}

// IsRetryable reports whether err is worth retrying as a whole sync run.
// Caller cancellation is a transport error but never retryable.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && !errors.Is(err, context.Canceled)
}
