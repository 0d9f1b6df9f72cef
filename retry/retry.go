package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// Policy bounds how often and how quickly an external call is retried.
// Policies are plain values so each dependency can carry its own tuning.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy mirrors the tuning used for ledger and escrow admin calls.
var DefaultPolicy = Policy{
	MaxRetries: 4,
	BaseDelay:  250 * time.Millisecond,
	MaxDelay:   5 * time.Second,
}

// HTTPError carries the status code of a non-2xx response so the policy can
// distinguish server faults from client mistakes.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the error is a transient fault worth retrying:
// transport-level failures, deadline expiry, and 5xx responses. 4xx responses
// are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs op, retrying transient failures with exponential backoff until the
// policy is exhausted or the context ends. The last error is returned
// unwrapped so callers can still classify it.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxRetries
	if attempts < 0 {
		attempts = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt >= attempts {
			return err
		}
		delay := p.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Delay computes the backoff before the given zero-based attempt is retried:
// BaseDelay doubled per attempt, capped at MaxDelay, plus random jitter of up
// to half the base delay so concurrent callers do not retry in lockstep.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if jitter := base / 2; jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	return d
}
