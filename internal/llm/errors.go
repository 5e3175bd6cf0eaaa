package llm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProviderUnavailable cubre fallas de transporte o 5xx del proveedor.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderInvalidRequest cubre rechazos por contenido o request malformada.
	// Nunca se reintenta.
	ErrProviderInvalidRequest = errors.New("provider invalid request")
)

// RateLimitedError indica throttling del proveedor con una pista de espera.
// Err conserva el error original del proveedor para los logs.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	msg := "provider rate limited"
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("provider rate limited (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// IsRetryable indica si el error amerita reintento por parte del scheduler.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var rateLimited *RateLimitedError
	return errors.As(err, &rateLimited)
}
