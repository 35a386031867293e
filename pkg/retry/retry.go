// Package retry runs an operation with exponential backoff, used for the
// first connection attempt to each relay. Invalid and fatal errors, and
// errors marked Permanent, end the loop at once.
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360/hypernote/errors"
)

// Policy describes the attempt budget and backoff curve
type Policy struct {
	Attempts int           // total attempts; below 1 means one
	Initial  time.Duration // delay after the first failure
	Max      time.Duration // cap for any delay
	Factor   float64       // growth per attempt
	Jitter   bool          // add up to 25% random delay
}

// DefaultPolicy retries three times from 100ms up to 5s
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Initial: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
}

// Startup retries quickly; the relay reconnect ticker takes over afterwards
func Startup() Policy {
	return Policy{Attempts: 5, Initial: 50 * time.Millisecond, Max: time.Second, Factor: 1.5, Jitter: true}
}

func (p Policy) normalized() (Policy, error) {
	if p.Initial < 0 || p.Max < 0 || p.Factor < 0 {
		return p, stderrors.New("retry: negative delay or factor")
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Initial == 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max == 0 {
		p.Max = 5 * time.Second
	}
	if p.Factor == 0 {
		p.Factor = 2
	}
	if p.Max < p.Initial {
		return p, stderrors.New("retry: max delay below initial delay")
	}
	return p, nil
}

// Delay returns the backoff before attempt n+1 (n starts at 1), without jitter
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.Initial)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether Do would stop on err
func IsPermanent(err error) bool {
	var pe permanentError
	return stderrors.As(err, &pe) || errors.IsInvalid(err) || errors.IsFatal(err)
}

// Do calls fn until it succeeds, the attempt budget is spent, ctx ends or
// fn returns a permanent error
func Do(ctx context.Context, policy Policy, fn func() error) error {
	policy, err := policy.normalized()
	if err != nil {
		return err
	}

	var last error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if last = fn(); last == nil {
			return nil
		}
		if IsPermanent(last) {
			return last
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == policy.Attempts {
			break
		}

		wait := policy.Delay(attempt)
		if policy.Jitter && wait >= 4 {
			wait += rand.N(wait / 4)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled waiting for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", policy.Attempts, last)
}
