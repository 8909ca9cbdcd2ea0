package generic

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the storage retry loop.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration

	// OnRetry, if set, is called before each retry sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy is three attempts with 50ms doubling backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 50 * time.Millisecond, MaxDelay: time.Second}

// backOff builds a jitter-free doubling schedule that allows Attempts-1
// retries and stops when ctx is done.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Delay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.MaxInterval = p.MaxDelay
	if p.MaxDelay <= 0 {
		eb.MaxInterval = time.Duration(math.MaxInt64)
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempts run out. Exhausted retries surface as ErrUnavailable so the driver
// error never reaches an operator.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	permanent := false
	op := func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	attempt := 0
	notify := func(err error, _ time.Duration) {
		attempt++
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	if err == nil || permanent {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
