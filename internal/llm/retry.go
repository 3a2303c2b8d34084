package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultAttempts = 2
	DefaultBackoff  = 700 * time.Millisecond
)

// RetryPolicy bounds calls to the completion service: at most Attempts
// tries with a fixed Backoff between them.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultAttempts, Backoff: DefaultBackoff}
}

// Do runs op until it succeeds, the attempts run out, or ctx ends. onRetry,
// when set, sees each failure that will be retried.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) (string, error), onRetry func(attempt int, err error)) (string, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	tries := 0
	return backoff.Retry(ctx,
		func() (string, error) {
			tries++
			return op(ctx)
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Backoff)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if onRetry != nil {
				onRetry(tries, err)
			}
		}),
	)
}
