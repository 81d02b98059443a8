package risk

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"condorbot/pkg/types"
)

// DefensiveDTELimit is the absolute defend threshold: any short option at or
// below this many days to expiry must be defended regardless of other inputs.
const DefensiveDTELimit = 21

// correlationWindow is the rolling price history length per symbol.
const correlationWindow = 50

// highCorrelation flags symbol pairs whose return correlation suggests they
// belong in one group.
const highCorrelation = 0.80

// DefaultGroups are the built-in correlation groups.
var DefaultGroups = map[string][]string{
	"EquityIndex": {"SPY", "QQQ", "IWM", "ES", "MES"},
	"Metals":      {"GC", "SI", "GLD", "SLV"},
	"Energy":      {"CL", "NG", "XLE", "USO"},
}

// groupCaps is the per-group position cap by account phase.
var groupCaps = map[types.AccountPhase]int{
	types.Phase1: 2,
	types.Phase2: 3,
	types.Phase3: 4,
	types.Phase4: 5,
}

// Correlation rejects positions that would overfill a correlation group for
// the current account phase, and watches realized cross-symbol correlation
// for drift between groups.
type Correlation struct {
	deps    Deps
	groups  map[string]string // symbol → group
	open    map[string]int    // group → open position count
	history map[string][]float64
}

// NewCorrelation creates the plugin with the default groups.
func NewCorrelation() *Correlation {
	c := &Correlation{
		groups:  map[string]string{},
		open:    map[string]int{},
		history: map[string][]float64{},
	}
	for group, symbols := range DefaultGroups {
		for _, s := range symbols {
			c.groups[s] = group
		}
	}
	return c
}

func (c *Correlation) Name() string    { return "correlation" }
func (c *Correlation) Version() string { return "1.0" }

func (c *Correlation) Initialize(deps Deps) error {
	c.deps = deps
	return nil
}

// CanOpenPosition rejects when the symbol's group is at its phase cap.
func (c *Correlation) CanOpenPosition(symbol string, _ int, ctx OpenContext) (bool, string) {
	group, ok := c.groups[symbol]
	if !ok {
		return true, ""
	}
	limit := groupCaps[ctx.Phase]
	if limit == 0 {
		limit = groupCaps[types.Phase1]
	}
	if c.open[group]+1 > limit {
		return false, fmt.Sprintf("correlation group %s at cap %d for phase %d", group, limit, ctx.Phase)
	}
	return true, ""
}

func (c *Correlation) OnPositionOpened(symbol string, _ int, _ float64, _ OpenContext) {
	if group, ok := c.groups[symbol]; ok {
		c.open[group]++
	}
}

func (c *Correlation) OnPositionClosed(symbol string, _ int, _ float64, _ OpenContext) {
	if group, ok := c.groups[symbol]; ok && c.open[group] > 0 {
		c.open[group]--
	}
}

// OnMarketData appends to the rolling price history used for realized
// correlation.
func (c *Correlation) OnMarketData(symbol string, price float64) {
	if price <= 0 {
		return
	}
	h := append(c.history[symbol], price)
	if len(h) > correlationWindow {
		h = h[len(h)-correlationWindow:]
	}
	c.history[symbol] = h
}

// ShouldDefend is absolute: any short at or below the defensive DTE limit is
// defended no matter what else is true.
func (c *Correlation) ShouldDefend(ctx OpenContext) bool {
	return ctx.DTE <= DefensiveDTELimit
}

// PeriodicCheck flags ungrouped symbol pairs whose realized return
// correlation exceeds the high-correlation threshold.
func (c *Correlation) PeriodicCheck() []types.RiskEvent {
	symbols := make([]string, 0, len(c.history))
	for s, h := range c.history {
		if len(h) >= correlationWindow/2 {
			symbols = append(symbols, s)
		}
	}

	var events []types.RiskEvent
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := symbols[i], symbols[j]
			if c.groups[a] != "" && c.groups[a] == c.groups[b] {
				continue // same group, expected to move together
			}
			rho := c.realizedCorrelation(a, b)
			if math.Abs(rho) < highCorrelation {
				continue
			}
			events = append(events, types.RiskEvent{
				Kind:    types.RiskCorrelationLimitExceeded,
				Level:   types.RiskWarning,
				Message: fmt.Sprintf("ungrouped pair %s/%s correlated at %.2f", a, b, rho),
				Data:    map[string]any{"symbols": []string{a, b}, "correlation": rho},
			})
		}
	}
	return events
}

// realizedCorrelation computes the return correlation over the shared
// history window.
func (c *Correlation) realizedCorrelation(a, b string) float64 {
	ra := returns(c.history[a])
	rb := returns(c.history[b])
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n < 2 {
		return 0
	}
	return stat.Correlation(ra[len(ra)-n:], rb[len(rb)-n:], nil)
}

func returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

func (c *Correlation) RiskMetrics() map[string]any {
	groups := map[string]any{}
	for g, n := range c.open {
		groups[g] = n
	}
	return map[string]any{"open_by_group": groups}
}

func (c *Correlation) Shutdown() {}
