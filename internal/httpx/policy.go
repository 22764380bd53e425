package httpx

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy controls retry behavior for outbound HTTP calls. A zero value is
// not usable; start from DefaultPolicy.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	RetryStatuses []int
}

// DefaultPolicy returns the retry policy shared by every integration unless
// overridden by configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     2 * time.Second,
		BackoffFactor: 2.0,
		RetryStatuses: []int{408, 429, 500, 502, 503, 504},
	}
}

// Delay returns the wait before the attempt following zero-indexed attempt i.
func (p Policy) Delay(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt)))
}

// RetryableStatus reports whether a response status code is transient.
func (p Policy) RetryableStatus(code int) bool {
	for _, s := range p.RetryStatuses {
		if s == code {
			return true
		}
	}
	return false
}

// run executes fn up to MaxRetries+1 times. fn reports whether its failure
// is transient; non-transient failures and successes end the loop
// immediately. There is no wait after the final attempt.
func (p Policy) run(ctx context.Context, fn func(attempt int) (transient bool, err error)) (attempts int, err error) {
	total := p.MaxRetries + 1
	var lastErr error
	for i := 0; i < total; i++ {
		transient, err := fn(i)
		if err == nil {
			return i + 1, nil
		}
		lastErr = err
		if !transient {
			return i + 1, err
		}
		if i < total-1 {
			select {
			case <-ctx.Done():
				return i + 1, ctx.Err()
			case <-time.After(p.Delay(i)):
			}
		}
	}
	return total, lastErr
}

// StatusError marks a response whose status code the policy considers
// transient. It exists so run can distinguish status-driven retries from
// transport errors.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transient status %d", e.Code)
}
