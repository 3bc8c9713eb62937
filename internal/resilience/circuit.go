// Package resilience provides circuit breakers and retry with backoff for
// calls to third-party sites and services.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every attempt through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects attempts until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen admits a bounded number of probe attempts.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 3.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before admitting a probe.
	// Default: 5m.
	Cooldown time.Duration

	// HalfOpenProbes is the number of probes admitted concurrently while
	// half-open. A probe success closes the circuit. Default: 1.
	HalfOpenProbes int

	// ShouldTrip optionally filters which errors count as failures. If nil,
	// every non-nil error counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the breaker key when the state changes.
	OnStateChange func(key string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the extraction policy defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		HalfOpenProbes:   1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// CircuitBreaker guards a single (strategy, host) pair.
type CircuitBreaker struct {
	key string
	cfg CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probesInFlight      int

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a standalone circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return newBreaker("", cfg.withDefaults(), time.Now)
}

func newBreaker(key string, cfg CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{key: key, cfg: cfg, state: CircuitClosed, nowFunc: now}
}

// Allow reports whether an attempt may proceed. Every admitted attempt must
// be followed by exactly one Record call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.transition(CircuitHalfOpen)
	}
	switch cb.state {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probesInFlight >= cb.cfg.HalfOpenProbes {
			return ErrCircuitOpen
		}
		cb.probesInFlight++
	}
	return nil
}

// Record reports the outcome of an attempt admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil
	if failed && cb.cfg.ShouldTrip != nil {
		failed = cb.cfg.ShouldTrip(err)
	}

	if cb.state == CircuitHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}

	if !failed {
		cb.consecutiveFailures = 0
		if cb.state == CircuitHalfOpen {
			cb.probesInFlight = 0
			cb.transition(CircuitClosed)
		}
		return
	}

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.open()
	}
}

// Execute runs fn through the circuit breaker, returning ErrCircuitOpen
// without calling fn when the circuit rejects the attempt.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.Allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.Record(err)
	return val, err
}

// State returns the current state, reporting an open circuit whose cooldown
// has elapsed as half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Counters returns the consecutive failure count and raw state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.probesInFlight = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.nowFunc()
	cb.probesInFlight = 0
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(cb.key, from, to)
	}
}

// BreakerKey identifies the breaker guarding one strategy against one host.
type BreakerKey struct {
	Strategy string
	Host     string
}

func (k BreakerKey) String() string {
	return k.Strategy + "@" + k.Host
}

// Breakers is an explicit registry of circuit breakers keyed by
// (strategy, host). It is owned by whoever constructs it and shared by
// injection, so tests get isolated, resettable state.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[BreakerKey]*CircuitBreaker
	cfg      CircuitBreakerConfig
	nowFunc  func() time.Time
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[BreakerKey]*CircuitBreaker),
		cfg:      cfg.withDefaults(),
		nowFunc:  time.Now,
	}
}

// WithClock replaces the time source for breakers created afterwards.
func (b *Breakers) WithClock(now func() time.Time) *Breakers {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFunc = now
	return b
}

// Get returns the breaker for key, creating it closed on first use.
func (b *Breakers) Get(key BreakerKey) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[key]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[key]; ok {
		return cb
	}
	cb = newBreaker(key.String(), b.cfg, b.nowFunc)
	b.breakers[key] = cb
	return cb
}

// Reset drops every breaker, returning the registry to all-closed.
func (b *Breakers) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakers = make(map[BreakerKey]*CircuitBreaker)
}

// BreakerStatus is a snapshot of one breaker.
type BreakerStatus struct {
	Strategy string `json:"strategy"`
	Host     string `json:"host"`
	State    string `json:"state"`
	Failures int    `json:"consecutive_failures"`
}

// Snapshot returns the state of every known breaker, sorted by key.
func (b *Breakers) Snapshot() []BreakerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BreakerStatus, 0, len(b.breakers))
	for key, cb := range b.breakers {
		failures, _ := cb.Counters()
		out = append(out, BreakerStatus{
			Strategy: key.Strategy,
			Host:     key.Host,
			State:    cb.State().String(),
			Failures: failures,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Host < out[j].Host
	})
	return out
}
