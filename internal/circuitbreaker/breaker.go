// Package circuitbreaker keeps a failing downstream from being hammered.
//
// The bid service wraps payment-processor charges in a breaker: a run of
// consecutive failures opens the circuit and further charges fail fast, the
// cooldown admits a single probe, and a successful probe closes the circuit
// again. Keys separate independent downstreams so one bad dependency never
// trips another's circuit.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a circuit's position in the closed/open/half-open cycle.
type State int

const (
	StateClosed   State = iota // calls flow, failures are counted
	StateOpen                  // calls fail fast until the cooldown passes
	StateHalfOpen              // one probe is in flight, everything else fails fast
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

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nestbid",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

// circuit is the per-key record. lastStrike, not the open transition, anchors
// the cooldown: an in-flight call that fails after the trip extends the wait,
// since it is fresh evidence the downstream is still sick.
type circuit struct {
	state      State
	strikes    int
	lastStrike time.Time
}

// Breaker tracks one circuit per key under a single mutex. All methods are
// safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
}

// New creates a breaker that opens after threshold consecutive failures and
// admits a probe once cooldown has passed. Non-positive arguments fall back
// to 5 failures and 30 seconds.
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
	}
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cooldown has passed flips to half-open and admits the caller as the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		// Never failed, nothing to track yet.
		return true
	}

	switch c.state {
	case StateOpen:
		if time.Since(c.lastStrike) < b.cooldown {
			return false
		}
		b.shift(c, key, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess clears the strike count and, if this was the half-open
// probe, closes the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.shift(c, key, StateClosed)
	}
	c.strikes = 0
}

// RecordFailure adds a strike. A failed probe reopens immediately; reaching
// the threshold while closed trips the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.strikes++
	c.lastStrike = time.Now()

	switch {
	case c.state == StateHalfOpen:
		b.shift(c, key, StateOpen)
	case c.state == StateClosed && c.strikes >= b.threshold:
		b.shift(c, key, StateOpen)
	}
}

// State returns the circuit state for key; keys that never failed are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// shift moves a circuit to a new state. Caller holds b.mu.
func (b *Breaker) shift(c *circuit, key string, to State) {
	if c.state == to {
		return
	}
	breakerTransitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
