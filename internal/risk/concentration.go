package risk

import (
	"fmt"
	"math"
	"time"

	"condorbot/pkg/types"
)

// Concentration limits across all strategies on the concentrated underlying
// (SPY/ES complex).
const (
	MaxTotalDelta    = 300.0
	MaxTotalContract = 30
	// staleAllocation is how long an allocation may go unrefreshed before
	// periodic cleanup reclaims it (covers crashed strategies).
	staleAllocation = 24 * time.Hour
)

type allocation struct {
	delta     float64
	contracts int
	kind      string
	touched   time.Time
}

// Concentration tracks delta and contract allocations per strategy on the
// SPY/ES complex. Strategies request before entry and release on exit;
// periodic cleanup reclaims allocations from strategies that stopped
// refreshing.
type Concentration struct {
	deps        Deps
	allocations map[string]*allocation
}

// NewConcentration creates the plugin.
func NewConcentration() *Concentration {
	return &Concentration{allocations: map[string]*allocation{}}
}

func (cn *Concentration) Name() string    { return "concentration" }
func (cn *Concentration) Version() string { return "1.0" }

func (cn *Concentration) Initialize(deps Deps) error {
	cn.deps = deps
	return nil
}

// RequestAllocation approves or rejects a strategy's delta/contract budget.
// A repeat request for the same strategy replaces its previous allocation.
func (cn *Concentration) RequestAllocation(strategy, kind string, delta float64, contracts int) (bool, string) {
	var otherDelta float64
	var otherContracts int
	for name, a := range cn.allocations {
		if name == strategy {
			continue
		}
		otherDelta += math.Abs(a.delta)
		otherContracts += a.contracts
	}

	if otherDelta+math.Abs(delta) > MaxTotalDelta {
		return false, fmt.Sprintf("delta budget exceeded: %.0f + %.0f > %.0f",
			otherDelta, math.Abs(delta), MaxTotalDelta)
	}
	if otherContracts+contracts > MaxTotalContract {
		return false, fmt.Sprintf("contract budget exceeded: %d + %d > %d",
			otherContracts, contracts, MaxTotalContract)
	}

	cn.allocations[strategy] = &allocation{
		delta:     delta,
		contracts: contracts,
		kind:      kind,
		touched:   cn.now(),
	}
	return true, ""
}

// Release reclaims a strategy's allocation. Strategies must call this on
// exit.
func (cn *Concentration) Release(strategy string) {
	delete(cn.allocations, strategy)
}

// Touch refreshes an allocation's timestamp; live strategies call it each
// cycle so cleanup can tell them apart from crashed ones.
func (cn *Concentration) Touch(strategy string) {
	if a, ok := cn.allocations[strategy]; ok {
		a.touched = cn.now()
	}
}

// CanOpenPosition verifies the requested footprint fits the remaining
// budget. Non-concentrated symbols pass.
func (cn *Concentration) CanOpenPosition(symbol string, _ int, ctx OpenContext) (bool, string) {
	if !concentratedSymbol(symbol) {
		return true, ""
	}
	var usedDelta float64
	var usedContracts int
	for name, a := range cn.allocations {
		if name == ctx.StrategyID {
			continue
		}
		usedDelta += math.Abs(a.delta)
		usedContracts += a.contracts
	}
	if usedDelta+math.Abs(ctx.Delta) > MaxTotalDelta {
		return false, fmt.Sprintf("concentration: delta %.0f would exceed budget %.0f",
			usedDelta+math.Abs(ctx.Delta), MaxTotalDelta)
	}
	if usedContracts+ctx.Contracts > MaxTotalContract {
		return false, fmt.Sprintf("concentration: %d contracts would exceed budget %d",
			usedContracts+ctx.Contracts, MaxTotalContract)
	}
	return true, ""
}

func concentratedSymbol(symbol string) bool {
	switch symbol {
	case "SPY", "ES", "MES", "SPX":
		return true
	}
	return false
}

// OnPositionOpened records the approved footprint so later votes count it as
// usage. The vote already verified the budget; a fill replaces any prior
// allocation for the strategy.
func (cn *Concentration) OnPositionOpened(symbol string, _ int, _ float64, ctx OpenContext) {
	if !concentratedSymbol(symbol) {
		cn.Touch(ctx.StrategyID)
		return
	}
	cn.allocations[ctx.StrategyID] = &allocation{
		delta:     ctx.Delta,
		contracts: ctx.Contracts,
		kind:      symbol,
		touched:   cn.now(),
	}
}

func (cn *Concentration) OnPositionClosed(_ string, _ int, _ float64, ctx OpenContext) {
	cn.Release(ctx.StrategyID)
}

func (cn *Concentration) OnMarketData(string, float64) {}

// PeriodicCheck reclaims stale allocations from strategies that stopped
// refreshing.
func (cn *Concentration) PeriodicCheck() []types.RiskEvent {
	var events []types.RiskEvent
	now := cn.now()
	for name, a := range cn.allocations {
		if now.Sub(a.touched) < staleAllocation {
			continue
		}
		delete(cn.allocations, name)
		events = append(events, types.RiskEvent{
			Kind:    types.RiskConcentrationExceeded,
			Level:   types.RiskInfo,
			Message: fmt.Sprintf("reclaimed stale allocation from %s", name),
			Data:    map[string]any{"strategy": name, "delta": a.delta, "contracts": a.contracts},
		})
	}
	return events
}

func (cn *Concentration) RiskMetrics() map[string]any {
	var totalDelta float64
	var totalContracts int
	for _, a := range cn.allocations {
		totalDelta += math.Abs(a.delta)
		totalContracts += a.contracts
	}
	return map[string]any{
		"allocated_delta":     totalDelta,
		"allocated_contracts": totalContracts,
		"strategies":          len(cn.allocations),
	}
}

func (cn *Concentration) Shutdown() {}

func (cn *Concentration) now() time.Time {
	if cn.deps.Now != nil {
		return cn.deps.Now()
	}
	return time.Now()
}
