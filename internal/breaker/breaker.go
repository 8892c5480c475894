// Package breaker implements a per-provider circuit breaker with
// closed/open/half-open states. A breaker short-circuits calls against a
// failing agent provider so that fallback does not loop on a dead primary.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// executing it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // open -> half-open delay
	HalfOpenMaxCalls int           // concurrent probes admitted in half-open
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Snapshot is a point-in-time view of breaker state for the status API.
type Snapshot struct {
	ProviderID       string     `json:"provider_id"`
	State            State      `json:"state"`
	Failures         int        `json:"failures"`
	Successes        int        `json:"successes"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	HalfOpenInFlight int        `json:"half_open_in_flight"`
}

// Breaker tracks failures for one provider.
type Breaker struct {
	providerID string
	cfg        Config
	now        func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	lastFailureAt    time.Time
	lastSuccessAt    time.Time
	openedAt         time.Time
	halfOpenInFlight int
}

// New creates a breaker for one provider. Zero config fields fall back to
// defaults.
func New(providerID string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &Breaker{
		providerID: providerID,
		cfg:        cfg,
		now:        time.Now,
		state:      StateClosed,
	}
}

// SetClock overrides the time source. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Execute runs fn under the breaker. The inner error is surfaced unchanged
// on failure; rejected calls fail with ErrCircuitOpen without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// admit decides whether a call may proceed, performing the open ->
// half-open transition when the reset timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transitionLocked(StateHalfOpen)
			b.halfOpenInFlight = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return nil
	}
	return nil
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.lastSuccessAt = b.now()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		// First success closes the circuit.
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure registers a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		b.openLocked()
	}
}

func (b *Breaker) openLocked() {
	b.transitionLocked(StateOpen)
	b.openedAt = b.now()
}

// transitionLocked moves to a new state and resets counters.
func (b *Breaker) transitionLocked(next State) {
	b.state = next
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
}

// State returns the current state, applying the time-based open ->
// half-open transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns a point-in-time view for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		ProviderID:       b.providerID,
		State:            b.state,
		Failures:         b.failures,
		Successes:        b.successes,
		HalfOpenInFlight: b.halfOpenInFlight,
	}
	if !b.lastFailureAt.IsZero() {
		ts := b.lastFailureAt
		snap.LastFailureAt = &ts
	}
	if !b.lastSuccessAt.IsZero() {
		ts := b.lastSuccessAt
		snap.LastSuccessAt = &ts
	}
	if !b.openedAt.IsZero() && b.state == StateOpen {
		ts := b.openedAt
		snap.OpenedAt = &ts
	}
	return snap
}
