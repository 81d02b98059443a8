// Package fsm implements the finite-state automaton driving every strategy.
//
// A Machine is a data structure: a transition table (fromState, trigger) →
// toState with optional guard predicates, onEnter/onExit callbacks per state,
// an error counter, and a bounded transition history. Firing a trigger with
// no matching edge from the current state is a logged no-op — the machine
// never errors out of its current state.
package fsm

import (
	"log/slog"
	"sync"
	"time"

	"condorbot/pkg/types"
)

// historySize bounds the transition ring.
const historySize = 64

// maxRecoverableErrors is the error count at which the Error state stops
// being recoverable.
const maxRecoverableErrors = 3

// Guard decides whether a transition may fire given the trigger data.
type Guard func(data map[string]any) bool

// Callback observes a state entry or exit.
type Callback func(from, to types.StrategyState, trigger types.Trigger, data map[string]any)

// Transition is one history record.
type Transition struct {
	From      types.StrategyState `json:"from"`
	To        types.StrategyState `json:"to"`
	Trigger   types.Trigger       `json:"trigger"`
	Timestamp time.Time           `json:"timestamp"`
}

type edge struct {
	to    types.StrategyState
	guard Guard
}

// Machine is a single strategy's state automaton.
type Machine struct {
	mu         sync.Mutex
	name       string
	current    types.StrategyState
	edges      map[types.StrategyState]map[types.Trigger]edge
	onEnter    map[types.StrategyState][]Callback
	onExit     map[types.StrategyState][]Callback
	errorCount int
	history    []Transition
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a machine in the given initial state.
func New(name string, initial types.StrategyState, logger *slog.Logger) *Machine {
	return &Machine{
		name:    name,
		current: initial,
		edges:   map[types.StrategyState]map[types.Trigger]edge{},
		onEnter: map[types.StrategyState][]Callback{},
		onExit:  map[types.StrategyState][]Callback{},
		logger:  logger.With("component", "fsm", "machine", name),
		now:     time.Now,
	}
}

// Name returns the machine's identifier.
func (m *Machine) Name() string { return m.name }

// AddTransition registers an edge. guard may be nil (unconditional). Adding a
// second edge for the same (from, trigger) replaces the first.
func (m *Machine) AddTransition(from types.StrategyState, trigger types.Trigger, to types.StrategyState, guard Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edges[from] == nil {
		m.edges[from] = map[types.Trigger]edge{}
	}
	m.edges[from][trigger] = edge{to: to, guard: guard}
}

// OnEnter registers a callback invoked after the machine enters the state.
func (m *Machine) OnEnter(state types.StrategyState, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[state] = append(m.onEnter[state], cb)
}

// OnExit registers a callback invoked before the machine leaves the state.
func (m *Machine) OnExit(state types.StrategyState, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit[state] = append(m.onExit[state], cb)
}

// Current returns the current state.
func (m *Machine) Current() types.StrategyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanFire reports whether the trigger has an edge from the current state
// whose guard (if any) passes.
func (m *Machine) CanFire(trigger types.Trigger, data map[string]any) bool {
	m.mu.Lock()
	e, ok := m.edges[m.current][trigger]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return e.guard == nil || e.guard(data)
}

// Fire attempts the transition for the trigger. It evaluates the guard, runs
// onExit(old) then onEnter(new), and returns true iff a transition occurred.
// A trigger with no edge from the current state is a no-op.
func (m *Machine) Fire(trigger types.Trigger, data map[string]any) bool {
	m.mu.Lock()
	from := m.current
	e, ok := m.edges[from][trigger]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("no edge for trigger, ignoring", "state", from, "trigger", trigger)
		return false
	}
	if e.guard != nil && !e.guard(data) {
		m.mu.Unlock()
		m.logger.Debug("guard rejected transition", "state", from, "trigger", trigger)
		return false
	}

	to := e.to
	m.current = to
	if to == types.StateError {
		m.errorCount++
	}
	m.history = append(m.history, Transition{From: from, To: to, Trigger: trigger, Timestamp: m.now()})
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	exits := append([]Callback(nil), m.onExit[from]...)
	enters := append([]Callback(nil), m.onEnter[to]...)
	m.mu.Unlock()

	for _, cb := range exits {
		cb(from, to, trigger, data)
	}
	for _, cb := range enters {
		cb(from, to, trigger, data)
	}

	m.logger.Debug("transition", "from", from, "to", to, "trigger", trigger)
	return true
}

// ErrorCount returns the number of Error entries since the last reset.
func (m *Machine) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// Recoverable reports whether the Error state may be recovered from.
func (m *Machine) Recoverable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount < maxRecoverableErrors
}

// ResetErrors clears the error counter after a successful recovery.
func (m *Machine) ResetErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount = 0
}

// History returns a copy of the bounded transition ring, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Restore forces the machine into a state without firing callbacks or
// recording history. Used when loading a persisted snapshot.
func (m *Machine) Restore(state types.StrategyState, errorCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = state
	m.errorCount = errorCount
}
