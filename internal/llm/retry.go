package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig controla los reintentos sobre el proveedor.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	return c
}

// RetryingClient envuelve un Client con reintentos de backoff exponencial y un
// circuit breaker. Reintenta solo errores transitorios (unavailable, rate
// limited); ErrProviderInvalidRequest se devuelve de inmediato. Agotados los
// intentos, el error original se devuelve sin envolver de nuevo.
type RetryingClient struct {
	inner   Client
	cfg     RetryConfig
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
}

func NewRetryingClient(inner Client, cfg RetryConfig, logger *zap.Logger) *RetryingClient {
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RetryingClient{
		inner:   inner,
		cfg:     cfg,
		logger:  logger,
		breaker: breaker,
	}
}

func (c *RetryingClient) Complete(ctx context.Context, req CompletionRequest) (CompletionStream, error) {
	result, err := c.do(ctx, "complete", func() (any, error) {
		return c.inner.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(CompletionStream), nil
}

func (c *RetryingClient) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	result, err := c.do(ctx, "generate_image", func() (any, error) {
		return c.inner.GenerateImage(ctx, req)
	})
	if err != nil {
		return ImageResult{}, err
	}
	return result.(ImageResult), nil
}

func (c *RetryingClient) do(ctx context.Context, op string, call func() (any, error)) (any, error) {
	bo := c.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		result, err := c.breaker.Execute(call)
		if err == nil {
			return result, nil
		}
		err = normalizeBreakerError(err)
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := nextDelay(bo, c.cfg.MaxDelay, err)
		if c.logger != nil {
			c.logger.Warn("provider call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func (c *RetryingClient) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseDelay
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.MaxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// nextDelay toma el siguiente delay exponencial y respeta la pista retry-after
// del proveedor como piso.
func nextDelay(bo backoff.BackOff, maxDelay time.Duration, err error) time.Duration {
	delay := bo.NextBackOff()
	if delay == backoff.Stop || delay > maxDelay {
		delay = maxDelay
	}
	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > delay {
		delay = rateLimited.RetryAfter
	}
	return delay
}

func normalizeBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", ErrProviderUnavailable)
	}
	return err
}
