package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds the conflict-retry loop of Append.
type RetryPolicy struct {
	// MaxAttempts caps the number of conditional commits per Append.
	// 0 means unbounded (the loop still backs off between attempts).
	MaxAttempts int

	// BaseDelay is the first backoff interval; each retry doubles it up to
	// MaxDelay, with ±50% jitter.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Timeout bounds the whole retry loop. 0 means no timeout.
	Timeout time.Duration
}

// DefaultRetryPolicy is used when Options.Retry is the zero value.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 0,
	BaseDelay:   5 * time.Millisecond,
	MaxDelay:    250 * time.Millisecond,
	Timeout:     10 * time.Second,
}

// Validate checks the policy for values the retry loop cannot honor.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be non-negative, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %s", p.Timeout)
	}
	return nil
}

// newBackOff returns a fresh jittered exponential schedule for one Append.
// MaxElapsedTime is 0 so the schedule itself never gives up; the attempt
// cap and the loop timeout decide that.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
