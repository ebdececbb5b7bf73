// Package resilience guards adapter calls with circuit breaking, timeouts and retries.
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
)

// BreakerConfig configures a circuit breaker around one adapter.
type BreakerConfig struct {
	// Name identifies the adapter in errors and logs
	Name string

	// MaxFailures consecutive failures open the breaker; 0 disables breaking
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
}

// Breaker wraps gobreaker. A nil or disabled Breaker runs calls directly.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker returns a breaker for cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{name: cfg.Name}
	if cfg.MaxFailures == 0 {
		return b
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "adapter", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Do runs fn through the breaker. Rejections while open surface as
// *errors.ConnectionError.
func (b *Breaker) Do(fn func() error) error {
	if b == nil || b.cb == nil {
		return fn()
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &errors.ConnectionError{Adapter: b.name, Err: err}
	}
	return err
}

// State returns the breaker state name, "disabled" when breaking is off.
func (b *Breaker) State() string {
	if b == nil || b.cb == nil {
		return "disabled"
	}
	return b.cb.State().String()
}

// countsAsFailure reports whether err says the adapter itself is unhealthy.
// Caller cancellation and domain errors do not trip the breaker.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, errors.ErrConnection) || errors.IsTransient(err)
}

// WithTimeout derives a context bounded by d; d <= 0 leaves ctx unbounded.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
