// Package resilience wraps store and queue collaborators with an explicit
// circuit-breaker policy.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type Config struct {
	// MaxFailures consecutive infrastructure failures open the breaker
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
	// HalfOpenRequests probes are let through while half-open
	HalfOpenRequests uint32
	// Interval clears failure counts while closed, zero never clears
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		OpenTimeout:      5 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Policy decides whether a call may reach the collaborator. Business outcomes
// never count as failures, only infrastructure errors do.
type Policy struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	unavailable error
}

// NewPolicy builds a breaker that reports rejected calls as unavailable, e.g.
// domain.ErrStoreUnavailable. onChange may be nil.
func NewPolicy(name string, cfg Config, unavailable error, logger *zap.Logger, onChange func(name, state string)) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isInfrastructureFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onChange != nil {
				onChange(name, to.String())
			}
		},
	}

	return &Policy{
		name:        name,
		cb:          gobreaker.NewCircuitBreaker(settings),
		unavailable: unavailable,
	}
}

func isInfrastructureFailure(err error) bool {
	switch {
	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInventoryNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrHoldExists),
		errors.Is(err, domain.ErrStoreBusy),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (p *Policy) Name() string {
	return p.name
}

// State is one of "closed", "half-open" or "open".
func (p *Policy) State() string {
	return p.cb.State().String()
}

func (p *Policy) Counts() gobreaker.Counts {
	return p.cb.Counts()
}

func (p *Policy) Do(fn func() error) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s breaker %s: %w", p.name, p.State(), p.unavailable)
	}
	return err
}

// call runs fn under the policy and returns its value.
func call[T any](p *Policy, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
