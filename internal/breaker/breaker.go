// Package breaker implements per-target circuit breaking.
//
// DESIGN: One independent state machine per upstream target key, held in a
// registry keyed by providerId+modelId. States:
//
//	CLOSED    → all calls pass; failures within a sliding window trip to OPEN
//	OPEN      → calls rejected immediately, no upstream attempt, until the
//	            open dwell time elapses, then HALF_OPEN
//	HALF_OPEN → a small bounded number of probe calls pass; their outcomes
//	            decide OPEN (too many failures) or CLOSED (recovered)
//
// Each entry is guarded by its own mutex held only for the state+counters
// update, never across upstream I/O. Outcome recording is idempotent per
// dispatch attempt: the Permit ticket can be resolved exactly once.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayr/modelgate/internal/config"
)

// State is the breaker state for one target.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Outcome classifies a finished dispatch attempt for breaker accounting.
type Outcome int

// Outcomes. Canceled and ClientError never count against upstream health.
const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure         // 5xx, transport error, timeout
	OutcomeCanceled        // caller canceled
	OutcomeClientError     // upstream 4xx
)

// Registry holds one breaker entry per target key.
type Registry struct {
	cfg     config.BreakerConfig
	mu      sync.RWMutex // guards the entries map only
	entries map[string]*entry
	now     func() time.Time

	// onTransition, if set, observes state changes (metrics hook).
	onTransition func(targetKey string, from, to State)
}

// entry is the breaker state machine for a single target.
type entry struct {
	mu sync.Mutex

	state          State
	window         []bool // ring of recent call results, true = failure
	windowPos      int
	windowFilled   int
	lastTransition time.Time
	probesInFlight int
	probeFailures  int
	probeSuccesses int
}

// Permit is the ticket for one admitted call. Record must be called exactly
// once with the attempt's outcome; additional calls are no-ops.
type Permit struct {
	reg      *Registry
	key      string
	e        *entry
	probe    bool
	resolved sync.Once
}

// NewRegistry creates a breaker registry with the given policy.
func NewRegistry(cfg config.BreakerConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// OnTransition registers an observer for state changes. Must be called
// before the registry is shared.
func (r *Registry) OnTransition(fn func(targetKey string, from, to State)) {
	r.onTransition = fn
}

// Acquire checks whether a call to the target is permitted right now.
// Returns (permit, true) when the call may proceed; (nil, false) when the
// breaker rejects it without upstream contact. Non-blocking.
func (r *Registry) Acquire(targetKey string) (*Permit, bool) {
	e := r.entry(targetKey)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		return &Permit{reg: r, key: targetKey, e: e}, true

	case StateOpen:
		if r.now().Sub(e.lastTransition) < r.cfg.WaitDurationInOpen {
			return nil, false
		}
		// Dwell time elapsed: move to HALF_OPEN and admit this call as the
		// first probe.
		r.transitionLocked(targetKey, e, StateHalfOpen)
		e.probesInFlight = 1
		return &Permit{reg: r, key: targetKey, e: e, probe: true}, true

	case StateHalfOpen:
		if e.probesInFlight >= r.cfg.ProbeCount() {
			return nil, false
		}
		e.probesInFlight++
		return &Permit{reg: r, key: targetKey, e: e, probe: true}, true
	}

	return nil, false
}

// CurrentState returns the target's state without admitting a call.
func (r *Registry) CurrentState(targetKey string) State {
	e := r.entry(targetKey)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot reports the state of every known target, for operator
// visibility. Safe to serialize to JSON.
func (r *Registry) Snapshot() map[string]TargetStatus {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	out := make(map[string]TargetStatus, len(keys))
	for _, k := range keys {
		e := r.entry(k)
		e.mu.Lock()
		out[k] = TargetStatus{
			State:          e.state,
			WindowFailures: e.failuresLocked(),
			LastTransition: e.lastTransition,
			ProbesInFlight: e.probesInFlight,
		}
		e.mu.Unlock()
	}
	return out
}

// TargetStatus is a point-in-time view of one target's breaker.
type TargetStatus struct {
	State          State     `json:"state"`
	WindowFailures int       `json:"window_failures"`
	LastTransition time.Time `json:"last_transition"`
	ProbesInFlight int       `json:"probes_in_flight"`
}

// Record resolves the permit with the attempt's outcome. Idempotent.
func (p *Permit) Record(outcome Outcome) {
	p.resolved.Do(func() {
		p.reg.record(p, outcome)
	})
}

func (r *Registry) record(p *Permit, outcome Outcome) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()

	// Cancellations and client errors are invisible to breaker accounting:
	// they say nothing about upstream health. A half-open probe slot is
	// still released.
	neutral := outcome == OutcomeCanceled || outcome == OutcomeClientError

	if p.probe {
		e.probesInFlight--
		if e.probesInFlight < 0 {
			e.probesInFlight = 0
		}
		if neutral {
			return
		}
		if outcome == OutcomeFailure {
			e.probeFailures++
		} else {
			e.probeSuccesses++
		}
		r.evaluateProbesLocked(p.key, e)
		return
	}

	if neutral || e.state != StateClosed {
		return
	}

	e.pushLocked(outcome == OutcomeFailure)
	if e.failuresLocked() >= r.cfg.FailureThreshold {
		r.transitionLocked(p.key, e, StateOpen)
	}
}

// evaluateProbesLocked decides HALF_OPEN → {OPEN, CLOSED} once the probe
// budget has fully resolved.
func (r *Registry) evaluateProbesLocked(key string, e *entry) {
	total := e.probeFailures + e.probeSuccesses
	if total < r.cfg.ProbeCount() {
		return
	}

	rate := float64(e.probeFailures) / float64(total)
	if rate > r.cfg.FailureRateThreshold {
		r.transitionLocked(key, e, StateOpen)
		return
	}
	r.transitionLocked(key, e, StateClosed)
}

// transitionLocked moves the entry to a new state and resets the counters
// that belong to the old one. Caller holds e.mu.
func (r *Registry) transitionLocked(key string, e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.lastTransition = r.now()

	switch to {
	case StateClosed:
		e.resetWindowLocked()
		e.probeFailures = 0
		e.probeSuccesses = 0
		e.probesInFlight = 0
	case StateOpen:
		e.probeFailures = 0
		e.probeSuccesses = 0
		e.probesInFlight = 0
	case StateHalfOpen:
		e.probeFailures = 0
		e.probeSuccesses = 0
	}

	log.Warn().
		Str("target", key).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("breaker: state transition")

	if r.onTransition != nil {
		r.onTransition(key, from, to)
	}
}

// entry returns the target's breaker entry, creating it CLOSED if absent.
// Entries are never destroyed while the process runs.
func (r *Registry) entry(targetKey string) *entry {
	r.mu.RLock()
	e, exists := r.entries[targetKey]
	r.mu.RUnlock()
	if exists {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists = r.entries[targetKey]; exists {
		return e
	}
	e = &entry{
		state:          StateClosed,
		window:         make([]bool, r.cfg.SlidingWindowSize),
		lastTransition: r.now(),
	}
	r.entries[targetKey] = e
	return e
}

// pushLocked records one call result in the sliding window.
func (e *entry) pushLocked(failure bool) {
	e.window[e.windowPos] = failure
	e.windowPos = (e.windowPos + 1) % len(e.window)
	if e.windowFilled < len(e.window) {
		e.windowFilled++
	}
}

// failuresLocked counts failures currently in the window.
func (e *entry) failuresLocked() int {
	n := 0
	for i := 0; i < e.windowFilled; i++ {
		if e.window[i] {
			n++
		}
	}
	return n
}

// resetWindowLocked clears the sliding window.
func (e *entry) resetWindowLocked() {
	for i := range e.window {
		e.window[i] = false
	}
	e.windowPos = 0
	e.windowFilled = 0
}
