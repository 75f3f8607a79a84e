// Package circuitbreaker stops deliveries to subscriber endpoints that
// keep failing. Each subscription gets its own circuit: repeated failures
// trip it open, and after a cool-off a single probe decides whether the
// endpoint has recovered.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one subscription's circuit.
type State int

const (
	StateClosed   State = iota // deliveries flow
	StateOpen                  // deliveries rejected until the cool-off passes
	StateHalfOpen              // one probe delivery in flight
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

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Delivery circuit transitions by subscription, from-state, and to-state.",
}, []string{"subscription", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive delivery failures per subscription id and
// trips the circuit open once they reach the threshold. The circuit
// stays open for openFor, then lets one probe through.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit

	threshold int
	openFor   time.Duration
}

// New creates a breaker opening after threshold consecutive failures
// and cooling off for openFor before the first probe.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		openFor:   openFor,
	}
}

// Allow reports whether a delivery for the subscription may go out. An
// open circuit whose cool-off has passed moves to half-open and admits
// exactly one probe.
func (b *Breaker) Allow(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[id]
	if !ok {
		return true
	}

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.lastFailure) >= b.openFor {
			b.transition(c, id, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// A probe is already out; hold further deliveries.
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[id]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, id, StateClosed)
	}
	c.failures = 0
}

// RecordFailure extends the failure streak. At the threshold the circuit
// trips open; a failed probe reopens it immediately.
func (b *Breaker) RecordFailure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[id]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[id] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	if c.state == StateHalfOpen {
		b.transition(c, id, StateOpen)
		return
	}
	if c.state == StateClosed && c.failures >= b.threshold {
		b.transition(c, id, StateOpen)
	}
}

// State returns the circuit state for a subscription; unknown ids are closed.
func (b *Breaker) State(id string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[id]
	if !ok {
		return StateClosed
	}
	return c.state
}

// Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, id string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(id, from.String(), to.String()).Inc()
}
