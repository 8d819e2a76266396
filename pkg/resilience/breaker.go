// Package resilience wraps outbound dependency calls with circuit breakers
// and bounded retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/254CARBON/access-sub001/pkg/apperr"
)

// State is the position of a breaker in the closed -> open -> half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen matches every *OpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

func (e *OpenError) ErrorKind() apperr.Kind { return apperr.CircuitOpen }

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure decides whether an error returned by the operation counts
	// toward the threshold. Nil counts every error except caller
	// cancellation.
	IsFailure func(error) bool
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

type BreakerOption func(*Breaker)

func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateListener is invoked under the breaker lock on every transition.
func WithStateListener(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onTransition = fn }
}

type Breaker struct {
	name         string
	cfg          BreakerConfig
	now          func() time.Time
	onTransition func(name string, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	lastFailure time.Time
	probing     bool
}

func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// errPanicked is recorded when op panics; the panic itself propagates.
var errPanicked = errors.New("operation panicked")

// Call runs op when the breaker admits it. An open breaker returns
// *OpenError without invoking op; op's own error is returned unchanged.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			b.record(errPanicked)
		}
	}()
	err := op(ctx)
	done = true
	b.record(err)
	return err
}

// Execute is Call for operations that produce a value.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return &OpenError{Name: b.name}
		}
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &OpenError{Name: b.name}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		return
	case StateHalfOpen:
		b.probing = false
		if errors.Is(err, context.Canceled) {
			return
		}
		if b.isFailure(err) {
			b.failures++
			b.lastFailure = b.now()
			b.tripLocked()
			return
		}
		b.failures = 0
		b.successes = 0
		b.transitionLocked(StateClosed)
	default:
		if b.isFailure(err) {
			b.failures++
			b.lastFailure = b.now()
			if b.failures >= b.cfg.FailureThreshold {
				b.tripLocked()
			}
			return
		}
		// Cancellations and ignored errors say nothing about the dependency.
		if err == nil {
			b.successes++
			b.failures = 0
		}
	}
}

func (b *Breaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errPanicked) {
		return true
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

func (b *Breaker) tripLocked() {
	b.openedAt = b.now()
	b.transitionLocked(StateOpen)
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	if from != to && b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type Snapshot struct {
	Name                   string     `json:"name"`
	State                  string     `json:"state"`
	FailureCount           int        `json:"failure_count"`
	SuccessCount           int        `json:"success_count"`
	LastFailureTime        *time.Time `json:"last_failure_time"`
	FailureThreshold       int        `json:"failure_threshold"`
	RecoveryTimeoutSeconds float64    `json:"recovery_timeout_seconds"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:                   b.name,
		State:                  b.state.String(),
		FailureCount:           b.failures,
		SuccessCount:           b.successes,
		FailureThreshold:       b.cfg.FailureThreshold,
		RecoveryTimeoutSeconds: b.cfg.RecoveryTimeout.Seconds(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure.UTC()
		s.LastFailureTime = &t
	}
	return s
}
