// Package retry provides a single reusable exponential backoff policy
// shared by the search and LLM provider clients. The schedule is the
// one the agent's connection watcher has used for reconnect attempts:
// start at a small delay, double each attempt, cap at a ceiling.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule with optional jitter.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	// A value <= 1 means no retry.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay regardless of attempt count.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt. Zero defaults to 2.0.
	Multiplier float64

	// Jitter, when true, applies up to +/-20% randomization to each delay
	// to avoid synchronized retries across concurrent callers.
	Jitter bool
}

// Default returns the standard schedule: 2s, 4s, 8s, 16s, 32s, capped
// at 60s, up to 6 attempts.
func Default() Policy {
	return Policy{
		MaxAttempts: 6,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay returns the backoff delay before the given attempt (1-indexed;
// attempt 1 is the delay before the first retry, i.e. after the initial
// try failed).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		jitter := 0.2 * float64(delay)
		delay = delay - time.Duration(jitter) + time.Duration(rand.Float64()*2*jitter)
	}
	return delay
}

// Sleep waits for the backoff delay before the given attempt, or until
// ctx is cancelled, whichever comes first. It returns ctx.Err() if the
// context was cancelled first.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
