// Package vix provides cached VIX access, volatility regime classification,
// and the buying-power caps that flow from regime and account phase.
//
// The manager reads the VIX index through the market-data adapter, caches it
// (1 minute live, 5 minutes in backtests), and classifies the level into the
// regime ladder Low → Normal → Elevated → High → Extreme → Crisis → Historic
// at thresholds 16/20/25/30/35/50. Regime transitions are announced on the
// event bus so the sizer and risk plugins can react without polling.
//
// When the data source fails the manager falls back to 20.0 (long-run VIX
// median) and logs the error — a missing print must never stall the tick.
package vix

import (
	"log/slog"
	"sync"
	"time"

	"condorbot/pkg/types"
)

// VIXSymbol is the index symbol requested from the market-data adapter.
const VIXSymbol = "VIX"

// EmergencyFallback is returned when no VIX data is available.
const EmergencyFallback = 20.0

// ZeroDTEMinVIX gates same-day-expiry entries. Production value; there is no
// diagnostic override.
const ZeroDTEMinVIX = 22.0

// PriceSource supplies index prices. Declared here, at the consumer, so the
// manager does not import the market-data adapter.
type PriceSource interface {
	Price(symbol string) (float64, error)
}

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(t types.EventType, data map[string]any, source string) bool
}

// Config tunes the manager.
type Config struct {
	CacheTTL time.Duration // 1m live, 5m backtest
}

// regime thresholds in VIX points. A reading below thresholds[i] classifies
// as Regime(i); above the last it is Historic.
var thresholds = [...]float64{16, 20, 25, 30, 35, 50}

// bpCaps is the {regime × phase} buying-power utilisation table.
// Rows follow the regime ladder, columns are account phases 1–4.
var bpCaps = [7][4]float64{
	{0.45, 0.55, 0.65, 0.70}, // Low
	{0.50, 0.60, 0.70, 0.75}, // Normal
	{0.45, 0.55, 0.65, 0.70}, // Elevated
	{0.40, 0.50, 0.55, 0.60}, // High
	{0.30, 0.40, 0.45, 0.50}, // Extreme
	{0.20, 0.25, 0.30, 0.35}, // Crisis
	{0.10, 0.15, 0.20, 0.25}, // Historic
}

// Manager is the cached VIX accessor.
type Manager struct {
	mu         sync.Mutex
	source     PriceSource
	bus        Publisher
	ttl        time.Duration
	cached     float64
	cachedAt   time.Time
	lastRegime types.Regime
	hasRegime  bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a VIX manager. bus may be nil (no regime announcements).
func NewManager(cfg Config, source PriceSource, bus Publisher, logger *slog.Logger) *Manager {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Manager{
		source: source,
		bus:    bus,
		ttl:    ttl,
		logger: logger.With("component", "vix"),
		now:    time.Now,
	}
}

// CurrentVIX returns the cached VIX level, refreshing from the data source
// when the cache has expired. On source failure it returns the previous value
// if one exists, else the emergency fallback.
func (m *Manager) CurrentVIX() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cachedAt.IsZero() && m.now().Sub(m.cachedAt) < m.ttl {
		return m.cached
	}

	v, err := m.source.Price(VIXSymbol)
	if err != nil || v <= 0 {
		if m.cachedAt.IsZero() {
			m.logger.Error("VIX unavailable, using emergency fallback",
				"fallback", EmergencyFallback, "error", err)
			m.cached = EmergencyFallback
			m.cachedAt = m.now()
			return m.cached
		}
		m.logger.Error("VIX refresh failed, keeping stale value",
			"stale", m.cached, "error", err)
		return m.cached
	}

	m.cached = v
	m.cachedAt = m.now()
	m.checkRegimeTransitionLocked(v)
	return v
}

// Regime classifies the current VIX level.
func (m *Manager) Regime() types.Regime {
	return RegimeFor(m.CurrentVIX())
}

// RegimeFor classifies an arbitrary VIX level.
func RegimeFor(v float64) types.Regime {
	for i, th := range thresholds {
		if v < th {
			return types.Regime(i)
		}
	}
	return types.RegimeHistoric
}

// MaxBPUsage returns the maximum buying-power utilisation fraction for the
// current regime and the given account phase.
func (m *Manager) MaxBPUsage(phase types.AccountPhase) float64 {
	return BPCap(m.Regime(), phase)
}

// BPCap looks up the {regime × phase} cap table directly.
func BPCap(r types.Regime, phase types.AccountPhase) float64 {
	row := int(r)
	if row < 0 || row >= len(bpCaps) {
		row = len(bpCaps) - 1
	}
	col := int(phase) - 1
	if col < 0 {
		col = 0
	}
	if col > 3 {
		col = 3
	}
	return bpCaps[row][col]
}

// ZeroDTETradable reports whether same-day-expiry structures may be entered.
func (m *Manager) ZeroDTETradable() bool {
	return m.CurrentVIX() > ZeroDTEMinVIX
}

// PositionSizeAdjustment returns the sizing multiplier for the current VIX:
// 1.0 at or below the Elevated band, ramping linearly down to 0.5 across the
// High and Extreme bands (VIX 25→35), and 0.25 beyond Extreme.
func (m *Manager) PositionSizeAdjustment() float64 {
	return SizeAdjustment(m.CurrentVIX())
}

// SizeAdjustment computes the multiplier for an arbitrary VIX level.
func SizeAdjustment(v float64) float64 {
	switch {
	case v <= 25:
		return 1.0
	case v <= 35:
		return 1.0 - 0.5*(v-25)/10
	default:
		return 0.25
	}
}

// checkRegimeTransitionLocked announces regime changes. Caller holds m.mu.
func (m *Manager) checkRegimeTransitionLocked(v float64) {
	r := RegimeFor(v)
	if m.hasRegime && r == m.lastRegime {
		return
	}
	old := m.lastRegime
	had := m.hasRegime
	m.lastRegime = r
	m.hasRegime = true

	if !had || m.bus == nil {
		return
	}
	m.logger.Info("volatility regime changed",
		"old", old.String(), "new", r.String(), "vix", v)
	m.bus.Publish(types.EventVIXRegimeChange, map[string]any{
		"old":   old.String(),
		"new":   r.String(),
		"value": v,
	}, "vix")
}
