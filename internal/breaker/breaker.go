// Package breaker guards downstream adapters (database, ephemeral store,
// event log) with bounded retries and a circuit breaker so transient
// failures are absorbed at the boundary and exhausted ones surface as
// ErrUpstreamUnavailable.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpen is returned while the circuit rejects requests.
	ErrOpen = errors.New("breaker: circuit open")

	// ErrUpstreamUnavailable wraps a downstream failure that survived
	// the bounded retries. Callers surface it as UPSTREAM_UNAVAILABLE.
	ErrUpstreamUnavailable = errors.New("breaker: upstream unavailable")
)

// Counts holds rolling request/outcome counters for the current interval.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns failures over requests, 0 when idle.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// Config tunes a Breaker.
type Config struct {
	Name        string
	MaxRequests uint32        // requests allowed through in half-open
	Interval    time.Duration // closed-state window for clearing counts
	Timeout     time.Duration // open-state duration before half-open
	ReadyToTrip func(Counts) bool
}

// DefaultConfig trips on >50% failures with at least 5 requests.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
	}
}

// Breaker implements the circuit breaker state machine.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	counts    Counts
	openedAt  time.Time
	halfOpen  uint32 // requests admitted in half-open
	intervalT time.Time
}

func New(cfg Config) *Breaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	return &Breaker{cfg: cfg, intervalT: time.Now()}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err == nil)
	return err
}

// State returns the current state, advancing open→half-open when due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpen >= b.cfg.MaxRequests {
			return ErrOpen
		}
		b.halfOpen++
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.transition(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0

	switch b.state {
	case StateClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// advance handles time-based transitions. Caller holds the mutex.
func (b *Breaker) advance() {
	now := time.Now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.Timeout {
			b.transition(StateHalfOpen)
		}
	case StateClosed:
		if b.cfg.Interval > 0 && now.Sub(b.intervalT) >= b.cfg.Interval {
			b.counts = Counts{}
			b.intervalT = now
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.counts = Counts{}
	b.halfOpen = 0
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if to == StateClosed {
		b.intervalT = time.Now()
	}
	slog.Info("circuit state change", "name", b.cfg.Name, "from", from.String(), "to", to.String())
}

// RetryConfig bounds the retry loop around a downstream call.
type RetryConfig struct {
	Attempts int
	BaseWait time.Duration
	MaxWait  time.Duration
}

// DefaultRetry is 3 attempts with 50ms base backoff, doubling per attempt.
var DefaultRetry = RetryConfig{Attempts: 3, BaseWait: 50 * time.Millisecond, MaxWait: time.Second}

// Retry runs fn up to cfg.Attempts times with exponential backoff. After
// exhaustion the last error is wrapped in ErrUpstreamUnavailable.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg = DefaultRetry
	}
	wait := cfg.BaseWait
	var last error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if attempt == cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if cfg.MaxWait > 0 && wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, last)
}
