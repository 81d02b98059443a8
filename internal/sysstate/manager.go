// Package sysstate is the system-level state manager: it derives the global
// state from market hours and the emergency flag, broadcasts global triggers
// to every strategy machine, and persists the machine snapshot.
package sysstate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"condorbot/internal/fsm"
	"condorbot/internal/store"
	"condorbot/pkg/types"
)

// VIXSpikeThreshold is the VIX level that broadcasts a VIXSpike trigger.
const VIXSpikeThreshold = 35.0

// MarginCallRatio is the margin-used/portfolio-value ratio that broadcasts
// a MarginCall trigger.
const MarginCallRatio = 0.80

// MarketHours is the market-data slice the manager consumes.
type MarketHours interface {
	IsMarketOpen(symbol string) bool
}

// VIXSource supplies the current VIX level.
type VIXSource interface {
	CurrentVIX() float64
}

// AccountSource supplies the broker account snapshot.
type AccountSource interface {
	Account() (types.AccountSummary, error)
}

// OpenPositions reports whether a strategy currently has open positions.
type OpenPositions interface {
	HasOpenPositions(strategyID string) bool
}

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(t types.EventType, data map[string]any, source string) bool
}

// ObjectStore is the persistence surface the manager needs.
type ObjectStore interface {
	Save(key string, obj any) error
	Load(key string, out any) (bool, error)
}

// GlobalCheck is a pluggable truthy check mapped to a broadcast trigger
// (correlation limit, stale data).
type GlobalCheck func() bool

type strategyStats struct {
	Errors      int `json:"errors"`
	Suspensions int `json:"suspensions"`
}

type snapshot struct {
	Timestamp     time.Time                   `json:"timestamp"`
	SystemState   types.SystemState           `json:"system_state"`
	EmergencyMode bool                        `json:"emergency_mode"`
	Strategies    map[string]strategySnapshot `json:"strategies"`
}

type strategySnapshot struct {
	CurrentState types.StrategyState `json:"current_state"`
	ErrorCount   int                 `json:"error_count"`
	Statistics   strategyStats       `json:"statistics"`
}

// Manager owns every strategy state machine and the system state.
type Manager struct {
	mu        sync.Mutex
	state     types.SystemState
	emergency bool
	machines  map[string]*fsm.Machine
	stats     map[string]*strategyStats
	checks    map[types.Trigger]GlobalCheck

	hours     MarketHours
	vix       VIXSource
	account   AccountSource
	positions OpenPositions
	bus       Publisher

	marketTZ *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a state manager in Initializing. Any source may be nil; the
// corresponding check is skipped.
func New(hours MarketHours, vix VIXSource, account AccountSource, positions OpenPositions, bus Publisher, logger *slog.Logger) *Manager {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Manager{
		state:     types.SystemInitializing,
		machines:  map[string]*fsm.Machine{},
		stats:     map[string]*strategyStats{},
		checks:    map[types.Trigger]GlobalCheck{},
		hours:     hours,
		vix:       vix,
		account:   account,
		positions: positions,
		bus:       bus,
		marketTZ:  loc,
		logger:    logger.With("component", "sysstate"),
		now:       time.Now,
	}
}

// State returns the current system state.
func (m *Manager) State() types.SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EmergencyMode reports whether the emergency flag is set.
func (m *Manager) EmergencyMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// RegisterStrategy takes ownership of a strategy machine and hooks Error and
// Suspended entries into the per-strategy statistics.
func (m *Manager) RegisterStrategy(name string, machine *fsm.Machine) {
	m.mu.Lock()
	m.machines[name] = machine
	st := &strategyStats{}
	m.stats[name] = st
	m.mu.Unlock()

	machine.OnEnter(types.StateError, func(_, _ types.StrategyState, _ types.Trigger, _ map[string]any) {
		m.mu.Lock()
		st.Errors++
		m.mu.Unlock()
		m.logger.Error("strategy entered error state", "strategy", name)
	})
	machine.OnEnter(types.StateSuspended, func(_, _ types.StrategyState, _ types.Trigger, _ map[string]any) {
		m.mu.Lock()
		st.Suspensions++
		m.mu.Unlock()
		m.logger.Info("strategy suspended", "strategy", name)
	})
}

// RegisterGlobalCheck maps a pluggable truthy check to a broadcast trigger
// (CorrelationLimit, DataStale).
func (m *Manager) RegisterGlobalCheck(trigger types.Trigger, check GlobalCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[trigger] = check
}

// UpdateSystemState derives the system state from market hours and the
// emergency flag, and drives the global edges on transitions:
// entering MarketOpen broadcasts MarketOpen, entering MarketClosed broadcasts
// MarketClose, entering Emergency broadcasts EmergencyExit to strategies with
// open positions.
func (m *Manager) UpdateSystemState() types.SystemState {
	m.mu.Lock()
	old := m.state
	next := m.deriveLocked()
	if next == old {
		m.mu.Unlock()
		return next
	}
	m.state = next
	m.mu.Unlock()

	m.logger.Info("system state changed", "old", string(old), "new", string(next))
	switch next {
	case types.SystemMarketOpen:
		m.BroadcastTrigger(types.TriggerMarketOpen, nil)
	case types.SystemMarketClosed:
		m.BroadcastTrigger(types.TriggerMarketClose, nil)
	case types.SystemEmergency:
		m.broadcastToOpenPositions(types.TriggerEmergencyExit, nil)
	}
	return next
}

// deriveLocked computes the target system state. Halted is sticky until the
// emergency flag is cleared. Caller holds m.mu.
func (m *Manager) deriveLocked() types.SystemState {
	if m.state == types.SystemShuttingDown {
		return types.SystemShuttingDown
	}
	if m.emergency {
		if m.state == types.SystemHalted {
			return types.SystemHalted
		}
		return types.SystemEmergency
	}
	if m.hours != nil && m.hours.IsMarketOpen("SPY") {
		return types.SystemMarketOpen
	}
	t := m.now().In(m.marketTZ)
	mins := t.Hour()*60 + t.Minute()
	if mins >= 7*60 && mins < 9*60+30 && t.Weekday() != time.Saturday && t.Weekday() != time.Sunday {
		return types.SystemPreMarket
	}
	return types.SystemMarketClosed
}

// BroadcastTrigger fires the trigger on every machine that can accept it and
// returns the number of machines that transitioned.
func (m *Manager) BroadcastTrigger(trigger types.Trigger, data map[string]any) int {
	m.mu.Lock()
	machines := make([]*fsm.Machine, 0, len(m.machines))
	for _, sm := range m.machines {
		machines = append(machines, sm)
	}
	m.mu.Unlock()

	n := 0
	for _, sm := range machines {
		if sm.Fire(trigger, data) {
			n++
		}
	}
	return n
}

func (m *Manager) broadcastToOpenPositions(trigger types.Trigger, data map[string]any) {
	m.mu.Lock()
	targets := map[string]*fsm.Machine{}
	for name, sm := range m.machines {
		targets[name] = sm
	}
	m.mu.Unlock()

	for name, sm := range targets {
		if m.positions != nil && !m.positions.HasOpenPositions(name) {
			continue
		}
		sm.Fire(trigger, data)
	}
}

// CheckGlobalTriggers evaluates the global conditions and broadcasts the
// corresponding trigger for each truthy one: VIXSpike above 35, MarginCall
// above 80% margin utilisation, plus any registered pluggable checks.
func (m *Manager) CheckGlobalTriggers() {
	if m.vix != nil {
		if v := m.vix.CurrentVIX(); v > VIXSpikeThreshold {
			m.logger.Error("VIX spike detected", "vix", v)
			m.BroadcastTrigger(types.TriggerVIXSpike, map[string]any{"vix": v})
		}
	}
	if m.account != nil {
		if acct, err := m.account.Account(); err == nil && acct.PortfolioValue > 0 {
			ratio := acct.MarginUsed / acct.PortfolioValue
			if ratio > MarginCallRatio {
				m.logger.Error("margin utilisation breach", "ratio", ratio)
				m.BroadcastTrigger(types.TriggerMarginCall, map[string]any{"ratio": ratio})
			}
		}
	}

	m.mu.Lock()
	checks := map[types.Trigger]GlobalCheck{}
	for t, c := range m.checks {
		checks[t] = c
	}
	m.mu.Unlock()
	for trigger, check := range checks {
		if check() {
			m.BroadcastTrigger(trigger, nil)
		}
	}
}

// HaltAllTrading sets emergency mode, broadcasts EmergencyExit everywhere,
// and transitions the system to Halted.
func (m *Manager) HaltAllTrading(reason string) {
	m.mu.Lock()
	m.emergency = true
	m.state = types.SystemHalted
	m.mu.Unlock()

	m.logger.Error("halting all trading", "reason", reason)
	m.BroadcastTrigger(types.TriggerEmergencyExit, map[string]any{"reason": reason})
	if m.bus != nil {
		m.bus.Publish(types.EventEmergencyHalt, map[string]any{"reason": reason}, "sysstate")
	}
}

// ClearEmergency drops the emergency flag; the next UpdateSystemState derives
// a normal state.
func (m *Manager) ClearEmergency(reason string) {
	m.mu.Lock()
	m.emergency = false
	if m.state == types.SystemHalted || m.state == types.SystemEmergency {
		m.state = types.SystemInitializing
	}
	m.mu.Unlock()
	m.logger.Info("emergency cleared", "reason", reason)
}

// SaveAllStates persists the system snapshot under the state-machines key.
func (m *Manager) SaveAllStates(st ObjectStore) error {
	m.mu.Lock()
	snap := snapshot{
		Timestamp:     m.now(),
		SystemState:   m.state,
		EmergencyMode: m.emergency,
		Strategies:    map[string]strategySnapshot{},
	}
	for name, sm := range m.machines {
		stats := m.stats[name]
		if stats == nil {
			stats = &strategyStats{}
		}
		snap.Strategies[name] = strategySnapshot{
			CurrentState: sm.Current(),
			ErrorCount:   sm.ErrorCount(),
			Statistics:   *stats,
		}
	}
	m.mu.Unlock()
	return st.Save(store.KeyStateMachines, snap)
}

// LoadAllStates restores machine states and the emergency flag from the
// state-machines key. Machines registered after the fact keep their initial
// state; snapshot entries without a machine are logged and skipped.
func (m *Manager) LoadAllStates(st ObjectStore) error {
	var snap snapshot
	found, err := st.Load(store.KeyStateMachines, &snap)
	if err != nil {
		return fmt.Errorf("load state machines: %w", err)
	}
	if !found {
		return nil
	}

	m.mu.Lock()
	m.emergency = snap.EmergencyMode
	m.state = snap.SystemState
	for name, s := range snap.Strategies {
		sm, ok := m.machines[name]
		if !ok {
			m.logger.Error("snapshot names unknown strategy, skipping", "strategy", name)
			continue
		}
		sm.Restore(s.CurrentState, s.ErrorCount)
		if stats := m.stats[name]; stats != nil {
			*stats = s.Statistics
		}
	}
	m.mu.Unlock()

	m.logger.Info("state machines restored",
		"strategies", len(snap.Strategies), "system_state", string(snap.SystemState))
	return nil
}

// Statistics returns a copy of the per-strategy counters.
func (m *Manager) Statistics() map[string]map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]map[string]int{}
	for name, s := range m.stats {
		out[name] = map[string]int{"errors": s.Errors, "suspensions": s.Suspensions}
	}
	return out
}
