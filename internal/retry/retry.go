// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Attempt n (1-based) waits BaseDelay*2^(n-1) before the
// next attempt, capped at MaxDelay when set.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy waits 100ms, 200ms, 400ms, 800ms across five attempts.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}
}

// Delays returns the waits between attempts, in order.
func (p Policy) Delays() []time.Duration {
	b := p.backoff()
	var out []time.Duration
	for i := 1; i < p.attempts(); i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	} else {
		b.MaxInterval = time.Duration(1<<62 - 1)
	}
	b.Reset()
	return b
}

// Notify is called before each wait with the failed attempt number and its error.
type Notify func(attempt int, err error, wait time.Duration)

// Do calls op until it succeeds, returns an error for which retryable is false, the
// attempts run out, or ctx is done. The returned error is op's last error, or ctx.Err()
// when cancelled during a wait.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func() error, notify Notify) error {
	b := backoff.WithContext(backoff.WithMaxRetries(p.backoff(), uint64(p.attempts()-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(attempt, err, wait) }
	}
	return backoff.RetryNotify(operation, b, n)
}
