package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryPolicy is bounded exponential backoff: the wait starts at Initial
// and doubles up to Max, for at most Attempts calls.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 4, Initial: 500 * time.Millisecond, Max: 8 * time.Second}

// StatusError is a non-200 HTTP response from the node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc http status %d: %s", e.Code, e.Body)
}

// RPCError is a JSON-RPC error object. The node answered, so retrying the
// same request will not help.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Retryable reports whether err is a transient failure: a transport error,
// a per-call timeout, HTTP 429 or a 5xx.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var re *RPCError
	if errors.As(err, &re) {
		return false
	}
	var de *decodeError
	if errors.As(err, &de) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode rpc response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// Retry calls fn until it succeeds, fails permanently or the attempts run
// out. onRetry, when set, runs before each wait.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Initial
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if onRetry != nil {
				onRetry(i, err)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait *= 2
			if wait > p.Max {
				wait = p.Max
			}
		}
		err = fn(ctx)
		if err == nil || !Retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
