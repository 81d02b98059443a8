package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"condorbot/pkg/types"
)

// OrderDesk is the broker slice used during emergency handling.
type OrderDesk interface {
	OpenOrders() ([]types.Order, error)
	Cancel(orderID string) error
}

// Liquidator closes unlimited-risk positions during an emergency. Returns
// the number of positions closed.
type Liquidator interface {
	CloseShortOptionPositions(reason string) int
}

type pluginEntry struct {
	plugin   Plugin
	errors   int
	disabled bool
}

// Manager owns the ordered plugin list and the emergency flag.
type Manager struct {
	mu              sync.Mutex
	plugins         []*pluginEntry
	emergency       bool
	emergencyReason string
	emergencyAt     time.Time

	deps       Deps
	desk       OrderDesk
	liquidator Liquidator
	bus        Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates an empty risk manager. desk and liquidator may be nil
// (emergency handling degrades to flag-and-broadcast).
func NewManager(deps Deps, desk OrderDesk, liquidator Liquidator, logger *slog.Logger) *Manager {
	now := deps.Now
	if now == nil {
		now = time.Now
		deps.Now = now
	}
	return &Manager{
		deps:       deps,
		desk:       desk,
		liquidator: liquidator,
		bus:        deps.Bus,
		logger:     logger.With("component", "risk"),
		now:        now,
	}
}

// RegisterPlugin initializes and appends a plugin. Initialization failure is
// fatal for the plugin: it is not registered.
func (m *Manager) RegisterPlugin(p Plugin) error {
	if err := p.Initialize(m.deps); err != nil {
		return fmt.Errorf("initialize plugin %s: %w", p.Name(), err)
	}
	m.mu.Lock()
	m.plugins = append(m.plugins, &pluginEntry{plugin: p})
	m.mu.Unlock()
	m.logger.Info("risk plugin registered", "plugin", p.Name(), "version", p.Version())
	return nil
}

// CanOpenPosition applies the unanimous-vote rule: (true, "") iff every
// plugin approves. The first rejection is final and propagated. A disabled
// plugin votes false with "plugin disabled".
func (m *Manager) CanOpenPosition(symbol string, quantity int, ctx OpenContext) (bool, string) {
	m.mu.Lock()
	if m.emergency {
		reason := m.emergencyReason
		m.mu.Unlock()
		return false, reason
	}
	entries := append([]*pluginEntry(nil), m.plugins...)
	m.mu.Unlock()

	for _, e := range entries {
		if e.isDisabled() {
			return false, fmt.Sprintf("%s: %s", e.plugin.Name(), disabledReason)
		}
		ok, reason := m.votePlugin(e, symbol, quantity, ctx)
		if !ok {
			m.logger.Info("position rejected",
				"symbol", symbol, "plugin", e.plugin.Name(), "reason", reason)
			return false, reason
		}
	}
	return true, ""
}

// votePlugin calls one plugin's vote with panic isolation. A panicking
// plugin's vote counts as false.
func (m *Manager) votePlugin(e *pluginEntry, symbol string, quantity int, ctx OpenContext) (ok bool, reason string) {
	defer m.recoverPlugin(e, func() {
		ok = false
		reason = fmt.Sprintf("%s: plugin error", e.plugin.Name())
	})
	return e.plugin.CanOpenPosition(symbol, quantity, ctx)
}

// OnPositionOpened notifies every enabled plugin.
func (m *Manager) OnPositionOpened(symbol string, quantity int, price float64, ctx OpenContext) {
	m.eachPlugin(func(p Plugin) { p.OnPositionOpened(symbol, quantity, price, ctx) })
}

// OnPositionClosed notifies every enabled plugin.
func (m *Manager) OnPositionClosed(symbol string, quantity int, pnl float64, ctx OpenContext) {
	m.eachPlugin(func(p Plugin) { p.OnPositionClosed(symbol, quantity, pnl, ctx) })
}

// OnMarketData forwards a tick to every enabled plugin.
func (m *Manager) OnMarketData(symbol string, price float64) {
	m.eachPlugin(func(p Plugin) { p.OnMarketData(symbol, price) })
}

// PerformPeriodicChecks runs every enabled plugin's periodic check and
// handles the produced events. Emergency-level events flip the manager into
// emergency mode.
func (m *Manager) PerformPeriodicChecks() []types.RiskEvent {
	m.mu.Lock()
	entries := append([]*pluginEntry(nil), m.plugins...)
	m.mu.Unlock()

	var all []types.RiskEvent
	for _, e := range entries {
		if e.isDisabled() {
			continue
		}
		events := m.checkPlugin(e)
		all = append(all, events...)
	}

	for _, ev := range all {
		m.handleRiskEvent(ev)
	}
	return all
}

func (m *Manager) checkPlugin(e *pluginEntry) (events []types.RiskEvent) {
	defer m.recoverPlugin(e, func() { events = nil })
	return e.plugin.PeriodicCheck()
}

// handleRiskEvent publishes the event and, at Emergency level, triggers the
// full emergency sequence: flag, order cancellation, liquidation of
// unlimited-risk shorts, broadcast.
func (m *Manager) handleRiskEvent(ev types.RiskEvent) {
	if m.bus != nil {
		eventType := types.EventRiskAlert
		if ev.Kind == types.RiskCircuitBreakerTriggered {
			eventType = types.EventCircuitBreakerTriggered
		}
		m.bus.Publish(eventType, map[string]any{
			"reason":  ev.Message,
			"level":   ev.Level.String(),
			"metrics": ev.Data,
		}, "risk")
	}

	if ev.Level < types.RiskEmergency {
		return
	}

	m.mu.Lock()
	already := m.emergency
	if !already {
		m.emergency = true
		m.emergencyReason = "Emergency mode active: " + ev.Message
		m.emergencyAt = m.now()
	}
	m.mu.Unlock()
	if already {
		return
	}

	m.logger.Error("emergency mode engaged", "reason", ev.Message)
	if m.desk != nil {
		if orders, err := m.desk.OpenOrders(); err == nil {
			for _, o := range orders {
				if err := m.desk.Cancel(o.OrderID); err != nil {
					m.logger.Error("emergency cancel failed", "order", o.OrderID, "error", err)
				}
			}
		}
	}
	if m.liquidator != nil {
		n := m.liquidator.CloseShortOptionPositions(ev.Message)
		m.logger.Error("liquidated unlimited-risk positions", "count", n)
	}
}

// EmergencyMode reports the emergency flag and its reason.
func (m *Manager) EmergencyMode() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency, m.emergencyReason
}

// ResetEmergencyMode clears the flag after operator review. Plugins holding
// their own tripped state (circuit breaker) are asked to reset too; a plugin
// that refuses keeps the manager in emergency.
func (m *Manager) ResetEmergencyMode(reason string) bool {
	m.mu.Lock()
	entries := append([]*pluginEntry(nil), m.plugins...)
	m.mu.Unlock()

	for _, e := range entries {
		r, ok := e.plugin.(interface{ TryReset() (bool, string) })
		if !ok {
			continue
		}
		if ok2, why := r.TryReset(); !ok2 {
			m.logger.Info("emergency reset refused", "plugin", e.plugin.Name(), "reason", why)
			return false
		}
	}

	m.mu.Lock()
	m.emergency = false
	m.emergencyReason = ""
	m.mu.Unlock()
	m.logger.Info("emergency mode reset", "reason", reason)
	if m.bus != nil {
		m.bus.Publish(types.EventRiskAlert, map[string]any{
			"kind":   string(types.RiskRecoveryConditionsMet),
			"reason": reason,
		}, "risk")
	}
	return true
}

// RiskMetrics merges every enabled plugin's metrics, keyed by plugin name.
func (m *Manager) RiskMetrics() map[string]any {
	m.mu.Lock()
	entries := append([]*pluginEntry(nil), m.plugins...)
	emergency := m.emergency
	m.mu.Unlock()

	out := map[string]any{"emergency_mode": emergency}
	for _, e := range entries {
		if e.isDisabled() {
			out[e.plugin.Name()] = map[string]any{"disabled": true}
			continue
		}
		func() {
			defer m.recoverPlugin(e, nil)
			out[e.plugin.Name()] = e.plugin.RiskMetrics()
		}()
	}
	return out
}

// Shutdown stops every plugin.
func (m *Manager) Shutdown() {
	m.eachPlugin(func(p Plugin) { p.Shutdown() })
}

func (m *Manager) eachPlugin(fn func(Plugin)) {
	m.mu.Lock()
	entries := append([]*pluginEntry(nil), m.plugins...)
	m.mu.Unlock()

	for _, e := range entries {
		if e.isDisabled() {
			continue
		}
		func() {
			defer m.recoverPlugin(e, nil)
			fn(e.plugin)
		}()
	}
}

// recoverPlugin converts a plugin panic into an error count; the tenth error
// disables the plugin. onPanic (optional) adjusts the caller's return values.
func (m *Manager) recoverPlugin(e *pluginEntry, onPanic func()) {
	if r := recover(); r != nil {
		m.mu.Lock()
		e.errors++
		if e.errors >= maxPluginErrors && !e.disabled {
			e.disabled = true
			m.logger.Error("risk plugin disabled after repeated failures",
				"plugin", e.plugin.Name(), "errors", e.errors)
		}
		m.mu.Unlock()
		m.logger.Error("risk plugin panic", "plugin", e.plugin.Name(), "panic", r)
		if onPanic != nil {
			onPanic()
		}
	}
}

func (e *pluginEntry) isDisabled() bool {
	return e.disabled
}
