package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/254CARBON/access-sub001/pkg/apperr"
)

type Strategy int

const (
	Exponential Strategy = iota
	Linear
	Fixed
)

func (s Strategy) String() string {
	switch s {
	case Linear:
		return "linear"
	case Fixed:
		return "fixed"
	default:
		return "exponential"
	}
}

func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "exponential":
		return Exponential, nil
	case "linear":
		return Linear, nil
	case "fixed":
		return Fixed, nil
	}
	return Exponential, fmt.Errorf("unknown retry strategy %q", raw)
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    Strategy
	Factor      float64
	// Jitter spreads each delay uniformly over delay*(1±Jitter). Zero disables it.
	Jitter float64
	// Retryable overrides the default classification. Circuit-open errors
	// are never retried regardless.
	Retryable func(error) bool
	// OnRetry observes each failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Strategy:    Exponential,
		Factor:      2,
		Jitter:      0.1,
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	LastErr  error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Backoff is the un-jittered delay after the n-th failed attempt (n >= 1).
func (c RetryConfig) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d float64
	switch c.Strategy {
	case Linear:
		d = float64(c.BaseDelay) * float64(n)
	case Fixed:
		d = float64(c.BaseDelay)
	default:
		factor := c.Factor
		if factor <= 0 {
			factor = 2
		}
		d = float64(c.BaseDelay) * math.Pow(factor, float64(n-1))
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

func (c RetryConfig) delay(n int) time.Duration {
	d := c.Backoff(n)
	if c.Jitter <= 0 {
		return d
	}
	j := math.Min(c.Jitter, 1)
	scaled := float64(d) * (1 + j*(2*randFloat()-1))
	if scaled < 0 {
		scaled = 0
	}
	return time.Duration(scaled)
}

func (c RetryConfig) retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return IsTransient(err)
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.InvalidArgument, apperr.NotFound, apperr.Unauthenticated, apperr.Forbidden,
		apperr.ValidationFailed, apperr.RateLimited, apperr.CircuitOpen:
		return false
	}
	return true
}

var (
	randFloat = rand.Float64
	sleep     = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
)

// Retry runs op until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for n := 1; n <= attempts; n++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !cfg.retryable(err) {
			return err
		}
		if n == attempts {
			break
		}
		d := cfg.delay(n)
		if cfg.OnRetry != nil {
			cfg.OnRetry(n, err, d)
		}
		if serr := sleep(ctx, d); serr != nil {
			return serr
		}
	}
	return &ExhaustedError{LastErr: last, Attempts: attempts}
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Guarded retries op with every attempt passing through b, so an open
// breaker ends the retry loop immediately.
func Guarded[T any](ctx context.Context, b *Breaker, cfg RetryConfig, op func(context.Context) (T, error)) (T, error) {
	return RetryValue(ctx, cfg, func(ctx context.Context) (T, error) {
		return Execute(ctx, b, op)
	})
}
