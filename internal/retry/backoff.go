// Package retry implements the exponential-backoff-with-jitter policy
// from spec.md §4.5: base × 2^attempt + jitter, capped at max_retries,
// after which a Transient failure escalates to Persistent.
package retry

import (
	"context"
	"math/rand"
	"time"

	werrors "github.com/medsync/worketl/internal/errors"
)

// Policy carries the retry envelope for one class of external call
// (warehouse, sink, AI endpoint).
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// JitterFraction is the ±fraction applied to each computed delay.
	// spec.md §4.5 and §9 specify ±20%.
	JitterFraction float64
}

// DefaultPolicy matches spec.md §4.1 defaults (max_retries=3) and the
// ±20% jitter spec.md §5.2 mandates.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Delay returns the backoff duration for the given zero-based attempt,
// base × multiplier^attempt, capped at MaxBackoff, then jittered by
// ±JitterFraction.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	capped := time.Duration(d)
	if capped > p.MaxBackoff {
		capped = p.MaxBackoff
	}
	if p.JitterFraction <= 0 {
		return capped
	}
	jitter := (rand.Float64()*2 - 1) * p.JitterFraction
	jittered := float64(capped) * (1 + jitter)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// Classifier decides whether an error is retryable. Only KindTransient
// errors are retried; everything else returns immediately.
func Classifier(err error) bool {
	return werrors.Classify(err) == werrors.KindTransient
}

// Do runs fn, retrying while Classifier(err) is true, up to
// p.MaxRetries additional attempts (spec.md's "Retry bound: no external
// call exceeds max_retries + 1 attempts"). It sleeps p.Delay(attempt)
// between tries, honoring ctx cancellation.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Classifier(lastErr) {
			return lastErr
		}
		if attempt == p.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	// Retries exhausted: escalate Transient to Persistent per spec.md §4.5.
	return werrors.NewPersistentError(
		"Retries exhausted",
		"external call failed after exhausting the retry budget",
		"",
		lastErr,
	)
}
