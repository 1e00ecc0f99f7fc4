package downloader

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned when a task is cancelled by the caller.
var ErrCancelled = errors.New("download cancelled")

// NetworkError wraps transient connection and timeout faults. Retryable at
// chunk level.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError is returned for non-2xx/206 responses. Retryable with
// backoff up to a bound.
type HTTPStatusError struct {
	URL  string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// IOError wraps disk write failures. Generally fatal for the affected task.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("i/o error on %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// retryable reports whether the error is worth another chunk attempt.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		// Server errors and throttling may clear up; client errors won't.
		return statusErr.Code >= 500 || statusErr.Code == 429
	}
	return true
}

// classifyTransport wraps a transport-level failure, preserving context
// cancellation so pause/cancel is not misreported as a network fault.
func classifyTransport(url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return &NetworkError{URL: url, Err: err}
}
