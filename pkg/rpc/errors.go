package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the node could not be reached (dial failure, reset, breaker open on
	// every endpoint). Retried, then fatal for the run.
	ErrConnection = errors.New("node unreachable")
	// ErrTransient covers timeouts, rate limiting and 5xx answers. Retried with backoff.
	ErrTransient = errors.New("transient rpc failure")
	// ErrMalformedResponse means the node answered but the payload could not be decoded or the
	// request was rejected as invalid. Never retried.
	ErrMalformedResponse = errors.New("malformed rpc response")
	// ErrNotFound is returned when the node has no data for the request, e.g. a block number
	// past the head.
	ErrNotFound = errors.New("not found")
)

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap classifies the node error: the reserved request/parse codes are the caller's fault and
// are reported as malformed, everything else (server errors, rate limits) as transient.
func (e *Error) Unwrap() error {
	if e.Code <= -32600 && e.Code >= -32700 {
		return ErrMalformedResponse
	}
	return ErrTransient
}

// Retryable reports whether an RPC failure may succeed on another attempt.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrTransient), errors.Is(err, ErrConnection):
		return true
	}
	// unknown transport errors are treated as transient
	return true
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func connection(err error) error {
	return fmt.Errorf("%w: %w", ErrConnection, err)
}
