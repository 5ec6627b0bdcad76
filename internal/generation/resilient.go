package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff of generation calls
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// BreakerConfig configures the circuit breaker around generation calls
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  time.Minute,
		Multiplier:      2.0,
	}
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// ResilientClient retries transient failures of an inner client and stops
// calling it while its circuit breaker is open.
type ResilientClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	logger  *zap.Logger
}

// NewResilientClient wraps inner with retry and circuit breaking
func NewResilientClient(inner Client, retry RetryConfig, breaker BreakerConfig, logger *zap.Logger) *ResilientClient {
	logger = logger.Named("generation")
	if breaker.ConsecutiveFailures == 0 {
		breaker.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generation",
		MaxRequests: breaker.HalfOpenRequests,
		Timeout:     breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation is not a provider failure
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &ResilientClient{
		inner:   inner,
		breaker: cb,
		retry:   retry,
		logger:  logger,
	}
}

// State returns the current breaker state
func (c *ResilientClient) State() gobreaker.State {
	return c.breaker.State()
}

// Generate calls the inner client with retry. Error-shaped text is returned
// as ErrGeneration without retrying.
func (c *ResilientClient) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error) {
	var text string
	attempt := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.inner.Generate(ctx, systemPrompt, userPrompt, maxTokens, temperature)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Warn("Generation attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		text = result.(string)
		if IsErrorText(text) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrGeneration, text))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		policy.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		policy.MaxInterval = c.retry.MaxInterval
	}
	if c.retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = c.retry.MaxElapsedTime
	}
	if c.retry.Multiplier > 0 {
		policy.Multiplier = c.retry.Multiplier
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if errors.Is(err, ErrGeneration) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return text, nil
}
