// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy controls how often and how patiently an operation is retried.
//
// Zero fields fall back to defaults:
//   - max_retries: 3 (negative disables retries)
//   - base: 100ms
//   - max_delay: 5s
//   - jitter: 0.2 (negative disables jitter)
type Policy struct {
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
	Jitter     float64

	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used for speed test probes.
func DefaultPolicy() Policy { return Policy{}.WithDefaults() }

// WithDefaults fills zero fields. Negative MaxRetries and Jitter are kept
// as "disabled" markers so applying it twice yields the same policy.
func (p Policy) WithDefaults() Policy {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = -1
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	}
	if p.Jitter < 0 {
		p.Jitter = -1
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Do calls op until it succeeds, returns a NoRetry error, the retry budget
// is spent, or ctx is done. It returns the number of attempts made and the
// last error (unwrapped from NoRetry).
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (int, error) {
	p = p.WithDefaults()
	maxAttempts := 1 + max(p.MaxRetries, 0)

	var err error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return attempts, err
		}
		attempts = attempt

		err = op(ctx)
		if err == nil {
			return attempts, nil
		}
		var stop *permanentError
		if errors.As(err, &stop) {
			return attempts, stop.cause
		}
		if ctx.Err() != nil || attempt >= maxAttempts {
			break
		}

		delay := delayWithHint(p, attempt, err, rand.Float64)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, err
		case <-tmr.C:
		}
	}
	return attempts, err
}

func delayWithHint(p Policy, retry int, err error, rnd func() float64) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := min(max(ra.RetryAfter(), 0), p.MaxDelay)
		return min(applyJitter(d, p.Jitter, rnd), p.MaxDelay)
	}
	return backoffDelay(p, retry, rnd)
}

// backoffDelay doubles Base for every retry after the first, caps at
// MaxDelay, then spreads the result by +/- Jitter.
func backoffDelay(p Policy, retry int, rnd func() float64) time.Duration {
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return min(applyJitter(d, p.Jitter, rnd), p.MaxDelay)
}

func applyJitter(d time.Duration, j float64, rnd func() float64) time.Duration {
	if j <= 0 || d <= 0 || rnd == nil {
		return d
	}
	r := (rnd()*2 - 1) * j
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}
