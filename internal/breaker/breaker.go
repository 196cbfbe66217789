// Package breaker wraps external dependencies (warehouse, sink, AI
// endpoint) with a per-dependency circuit breaker, per spec.md §4.5:
// closed → open (on threshold) → half-open (after cooldown) → closed
// (on successful probe). Built on sony/gobreaker.
package breaker

import (
	"context"
	"log/slog"
	"time"

	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/sony/gobreaker"
)

// Breaker wraps one external dependency's circuit-breaker state.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	log  *slog.Logger
}

// Config controls the sliding window and cooldown. ConsecutiveFailures
// is the trip threshold ("too many failures in a sliding window").
type Config struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenMaxRequests uint32

	// OnOpen, if set, is invoked (with the dependency name) every time
	// the breaker transitions into the open state, for C10 alerting.
	OnOpen func(dependency string)
}

// DefaultConfig trips after 5 consecutive failures and probes again
// after 30s, matching the cooldown window spec.md §4.5 describes.
func DefaultConfig() Config {
	return Config{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second, HalfOpenMaxRequests: 1}
}

// New constructs a Breaker for one named dependency ("source",
// "sink", "ai"). Process-wide singletons per dependency, per spec.md §5.
func New(name string, cfg Config, log *slog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if log != nil {
				log.Info("worketl.breaker.state_change", "dependency", name, "from", from.String(), "to", to.String())
			}
			if to == gobreaker.StateOpen && cfg.OnOpen != nil {
				cfg.OnOpen(name)
			}
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings), log: log}
}

// Do executes fn through the breaker. When the breaker is open, fn is
// never called and a CircuitOpen error is returned fast (spec.md §4.5,
// "reject new calls fast").
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return werrors.NewCircuitOpenError(
			"Circuit open",
			b.name+" has exceeded its failure threshold",
			"wait for the cooldown window to elapse",
			err,
		)
	}
	return err
}

// State reports the breaker's current state for C10 reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
