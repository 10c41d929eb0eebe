package starter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff for start attempts.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// NewBackOff builds a context-aware exponential policy from cfg.
func (cfg RetryConfig) NewBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.RandomizationFactor
	return backoff.WithContext(b, ctx)
}

// BreakerRegistry hands out one circuit breaker per starter name.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("starter circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not a starter fault.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[name] = cb
	return cb
}

// Resilient wraps a Starter with retries and a circuit breaker. Once the
// breaker opens, starts fail fast until it half-opens again.
type Resilient struct {
	inner   Starter
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

// NewResilient wraps inner.
func NewResilient(inner Starter, breaker *gobreaker.CircuitBreaker, retry RetryConfig) *Resilient {
	return &Resilient{inner: inner, breaker: breaker, retry: retry}
}

// Start implements Starter.
func (r *Resilient) Start(ctx context.Context, req Request) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, r.inner.Start(ctx, req)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, r.retry.NewBackOff(ctx))
}
