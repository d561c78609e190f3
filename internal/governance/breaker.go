// Package governance provides per-node failure containment for the session
// runtime. A breaker trips after repeated consecutive invocation failures and
// sheds that node's packets until a cooldown elapses, so one persistently
// broken node cannot burn a session's throughput on work that keeps failing.
package governance

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while a node's breaker is shedding work.
var ErrBreakerOpen = errors.New("breaker open")

// State is the breaker's tripping state.
type State string

const (
	// StateClosed allows invocations through.
	StateClosed State = "closed"
	// StateOpen sheds invocations until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of probe invocations through to
	// test whether the node has recovered.
	StateHalfOpen State = "half-open"
)

// Config defines tripping thresholds.
type Config struct {
	// MaxFailures is the consecutive failure count that opens the breaker.
	// Zero or negative disables the breaker entirely.
	MaxFailures int
	// Cooldown is how long an open breaker sheds work before probing.
	Cooldown time.Duration
	// HalfOpenProbes is how many successive successful probes close the
	// breaker again. A probe failure reopens it immediately.
	HalfOpenProbes int
}

// DefaultConfig returns the thresholds used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxFailures:    5,
		Cooldown:       10 * time.Second,
		HalfOpenProbes: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// Breaker tracks one node's consecutive invocation outcomes.
type Breaker struct {
	mu sync.Mutex

	config Config
	state  State

	failures  int
	successes int
	probes    int
	openUntil time.Time
}

// NewBreaker creates a closed breaker with the provided thresholds.
func NewBreaker(config Config) *Breaker {
	return &Breaker{
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Allow reports whether the next invocation may proceed. It returns
// ErrBreakerOpen while shedding, and transitions open breakers to half-open
// once the cooldown has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Now().After(b.openUntil) {
			b.transitionLocked(StateHalfOpen)
			b.probes++
			return nil
		}
		return ErrBreakerOpen
	case StateHalfOpen:
		if b.probes < b.config.HalfOpenProbes {
			b.probes++
			return nil
		}
		return ErrBreakerOpen
	}
	return nil
}

// Record feeds one invocation outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.successes++
	} else {
		b.successes = 0
		b.failures++
	}

	switch b.state {
	case StateClosed:
		if err != nil && b.config.MaxFailures > 0 && b.failures >= b.config.MaxFailures {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if err != nil {
			b.transitionLocked(StateOpen)
		} else if b.successes >= b.config.HalfOpenProbes {
			b.transitionLocked(StateClosed)
		}
	}
}

// State returns the current tripping state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if next == StateOpen {
		b.openUntil = time.Now().Add(b.config.Cooldown)
	} else {
		b.openUntil = time.Time{}
	}
}

// Manager holds one breaker per node id, created on first use.
type Manager struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*Breaker
}

// NewManager creates a manager whose breakers all share config.
func NewManager(config Config) *Manager {
	return &Manager{
		config:   config.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for nodeID, creating it if needed.
func (m *Manager) Get(nodeID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[nodeID]; ok {
		return b
	}
	b := NewBreaker(m.config)
	m.breakers[nodeID] = b
	return b
}

// States returns the current state of every known breaker.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]State, len(m.breakers))
	for id, b := range m.breakers {
		states[id] = b.State()
	}
	return states
}
