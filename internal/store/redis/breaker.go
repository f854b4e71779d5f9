package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("redis breaker open")

// BreakerState of the mirror's circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after maxFailures consecutive errors and rejects calls for
// cooldown. The first call after the cooldown runs as a probe: success closes
// the breaker, failure reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	cooldown    time.Duration
	trippedAt   time.Time

	// OnStateChange fires on every transition (optional).
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a closed Breaker.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &Breaker{maxFailures: maxFailures, cooldown: cooldown}
}

// Do runs fn unless the breaker is open within its cooldown.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if time.Since(b.trippedAt) <= b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.trippedAt = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
			b.setState(BreakerOpen)
		}
		return err
	}
	if b.state == BreakerHalfOpen {
		b.setState(BreakerClosed)
	}
	b.failures = 0
	return nil
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState runs under b.mu.
func (b *Breaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
