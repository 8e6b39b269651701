// Package resilience holds small failure-handling primitives shared by the
// credential client: a fixed-backoff retry and a circuit breaker.
package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures with a fixed backoff between
// attempts. MaxRetries counts retries, not attempts: MaxRetries of 2 means
// up to 3 calls.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds or retries are exhausted, returning the last
// error.
func (r RetryPolicy) Do(fn func() error) error {
	return r.DoCtx(context.Background(), fn)
}

// DoCtx is Do with cancellation: a cancelled context aborts the backoff
// sleep and returns ctx.Err instead of retrying.
func (r RetryPolicy) DoCtx(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || attempt == r.MaxRetries {
			return err
		}
		select {
		case <-time.After(r.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
