package embedder

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// statusError marks a provider HTTP failure so retry classification can
// inspect the status code.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.status, e.body)
}

// transientStatuses are retried with backoff; everything else in the 4xx
// range fails immediately.
var transientStatuses = map[int]bool{
	408: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// isTransient classifies an error as retryable.
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return transientStatuses[se.status]
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// retryPolicy applies exponential backoff with jitter to transient failures.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts: 4,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// do runs fn until success, a permanent failure, attempt exhaustion or
// context cancellation.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	var err error
	delay := p.baseDelay
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == p.maxAttempts-1 {
			break
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	return fmt.Errorf("retries exhausted: %w", err)
}
