// Package circuitbreaker guards best-effort outbound dependencies (the chain
// RPC, the document archive) so a failing dependency stops adding latency to
// certificate issuance.
//
// Each dependency moves closed → open → half-open → closed. While open,
// calls are skipped outright; after the cool-down one trial call is let through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one guarded dependency.
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

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voltrust",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state changes by dependency and target state.",
}, []string{"dependency", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks one circuit per dependency name.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New returns a breaker that opens after threshold consecutive failures
// and lets a trial call through once cooldown has passed.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *Breaker) get(dep string) *circuit {
	c, ok := b.circuits[dep]
	if !ok {
		c = &circuit{}
		b.circuits[dep] = c
	}
	return c
}

// Allow reports whether a call to dep may proceed.
func (b *Breaker) Allow(dep string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(dep)
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.set(dep, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		// a trial call is already in flight
		return false
	default:
		return true
	}
}

// Success closes the circuit for dep.
func (b *Breaker) Success(dep string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(dep)
	c.failures = 0
	b.set(dep, c, StateClosed)
}

// Failure counts a failed call to dep and opens the circuit once the
// threshold is reached or a half-open trial call fails.
func (b *Breaker) Failure(dep string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(dep)
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.set(dep, c, StateOpen)
	}
}

// Do runs fn if the circuit allows it and records the outcome. It returns
// ErrOpen without calling fn while the circuit is open.
func (b *Breaker) Do(dep string, fn func() error) error {
	if !b.Allow(dep) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.Failure(dep)
		return err
	}
	b.Success(dep)
	return nil
}

// State returns the current state of dep.
func (b *Breaker) State(dep string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[dep]; ok {
		return c.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) set(dep string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(dep, to.String()).Inc()
}

// ErrOpen is returned by Do while a circuit is open.
var ErrOpen = errors.New("circuit open")
