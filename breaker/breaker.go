// Package breaker implements a per-resource circuit breaker. A breaker blocks
// calls to a dependency that keeps failing and probes it again after a reset
// timeout, so one dead upstream cannot soak the whole broker.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/observability"
)

// State of the circuit.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit rejects a call without executing it.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes a breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int           // Consecutive failures to trip; default 5.
	SuccessThreshold int           // Consecutive half-open successes to close; default 2.
	ResetTimeout     time.Duration // Open -> half-open delay; default 30s.
	HalfOpenProbes   int           // Concurrent probes allowed in half-open; default 1.

	Observer observability.BrokerObserver
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	if c.Observer == nil {
		c.Observer = observability.NoopBrokerObserver
	}
}

// Breaker is a closed/open/half-open state machine protecting one resource.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
	lastChange  time.Time
}

// New returns a closed breaker named after the resource it protects.
func New(name string, cfg Config) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{name: name, cfg: cfg, now: time.Now, state: Closed}
	b.lastChange = b.now()
	cfg.Observer.CircuitState(name, int(Closed))
	return b
}

// Execute runs op under the breaker's admission policy. When the circuit is
// open the call fails fast with ErrOpen and op never runs.
func (b *Breaker) Execute(op func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if now.Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.transitionLocked(HalfOpen, now)
			b.probes = 1
			return nil
		}
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	case HalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.probes++
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
}

// RecordSuccess reports one successful protected call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed, now)
		}
	case Open:
	}
}

// RecordFailure reports one failed protected call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastFailure = now
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(Open, now)
		}
	case HalfOpen:
		// Any failure while probing reopens immediately.
		b.transitionLocked(Open, now)
	case Open:
	}
}

func (b *Breaker) transitionLocked(next State, now time.Time) {
	if b.state == next {
		return
	}
	b.state = next
	b.lastChange = now
	b.failures = 0
	b.successes = 0
	if next != HalfOpen {
		b.probes = 0
	}
	b.cfg.Observer.CircuitState(b.name, int(next))
	b.cfg.Observer.CircuitTransition(b.name)
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures breaker state for diagnostics.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	LastChange  time.Time `json:"last_state_change"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		LastChange:  b.lastChange,
	}
}

// Group manages one breaker per named resource.
type Group struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup returns an empty breaker group sharing cfg.
func NewGroup(cfg Config) *Group {
	cfg.applyDefaults()
	return &Group{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[name]
	if !ok {
		b = New(name, g.cfg)
		g.breakers[name] = b
	}
	return b
}

// Snapshots returns diagnostics for every breaker in the group.
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Snapshot, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
