// Package resilience provides reliability patterns for calls to the LLM
// proxy and the work queue.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/toolgate/internal/domain"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// domain.ErrUnavailable so HTTP handlers report 503.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", domain.ErrUnavailable)

// State is the breaker's current mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker opens after maxFailures consecutive failures and rejects calls
// until timeout elapses, then lets a single probe through.
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	probing     bool
	isFailure   func(error) bool
	now         func() time.Time // for testing
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		isFailure:   defaultIsFailure,
		now:         time.Now,
	}
}

// WithClassifier sets which errors count against the breaker. Errors for
// which fn returns false pass through without tripping it.
func (b *Breaker) WithClassifier(fn func(error) bool) *Breaker {
	b.isFailure = fn
	return b
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allowRequest() {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err != nil && b.isFailure(err) {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return err
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = StateClosed
}

// Caller mistakes and cancellations say nothing about the remote's health.
func defaultIsFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound):
		return false
	}
	return true
}
