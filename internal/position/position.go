// Package position is the authoritative record of every multi-leg position.
//
// Components (single legs) exist only inside positions; the manager owns the
// whole book behind one lock. Strategies never mutate positions directly —
// they go through the manager, which recomputes position status, publishes
// position events, and persists the book through the object store.
package position

import (
	"time"

	"condorbot/pkg/types"
)

// Component is a single leg of a multi-leg position. Quantity is signed:
// positive long, negative short. Multiplier is fixed at creation and never
// mutated afterwards.
type Component struct {
	ID           string                `json:"id"`
	StrategyID   string                `json:"strategy_id"`
	Underlying   string                `json:"underlying"`
	LegType      types.LegType         `json:"leg_type"`
	Contract     types.OptionContract  `json:"contract"`
	Quantity     int                   `json:"quantity"`
	EntryPrice   float64               `json:"entry_price"`
	CurrentPrice float64               `json:"current_price"`
	Commission   float64               `json:"commission"`
	Multiplier   float64               `json:"multiplier"`
	Status       types.ComponentStatus `json:"status"`
	OrderID      string                `json:"order_id,omitempty"`
	FilledAt     *time.Time            `json:"filled_at,omitempty"`
	PnL          float64               `json:"pnl"`
}

// IsShort reports whether the component sells premium.
func (c *Component) IsShort() bool { return c.Quantity < 0 }

// DTE returns calendar days until the component's contract expires.
func (c *Component) DTE(now time.Time) int { return c.Contract.DTE(now) }

// recomputePnL refreshes P&L from the current price, sign-aware: a short leg
// profits when price falls.
func (c *Component) recomputePnL() {
	c.PnL = (c.CurrentPrice-c.EntryPrice)*float64(c.Quantity)*c.Multiplier - c.Commission
}

// Position is a multi-leg position. Components is keyed by component id;
// ComponentOrder preserves attachment order for deterministic iteration.
type Position struct {
	ID             string                `json:"id"`
	StrategyID     string                `json:"strategy_id"`
	Underlying     string                `json:"underlying"`
	Components     map[string]*Component `json:"components"`
	ComponentOrder []string              `json:"component_order"`
	EntryTime      time.Time             `json:"entry_time"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	Status         types.PositionStatus  `json:"status"`
}

// TotalPnL is the sum of component P&L.
func (p *Position) TotalPnL() float64 {
	var sum float64
	for _, c := range p.Components {
		sum += c.PnL
	}
	return sum
}

// OrderedComponents returns components in attachment order.
func (p *Position) OrderedComponents() []*Component {
	out := make([]*Component, 0, len(p.ComponentOrder))
	for _, id := range p.ComponentOrder {
		if c, ok := p.Components[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// MinDTE returns the minimum days-to-expiry across non-closed components.
func (p *Position) MinDTE(now time.Time) int {
	min := -1
	for _, c := range p.Components {
		if c.Status == types.ComponentClosed || c.Status == types.ComponentCancelled {
			continue
		}
		d := c.DTE(now)
		if min < 0 || d < min {
			min = d
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// HasShortWithDTEAtOrBelow reports whether any open short component has
// dte ≤ limit. This feeds the universal defensive-exit rule.
func (p *Position) HasShortWithDTEAtOrBelow(limit int, now time.Time) bool {
	for _, c := range p.Components {
		if c.Status != types.ComponentOpen && c.Status != types.ComponentPartiallyFilled {
			continue
		}
		if c.IsShort() && c.DTE(now) <= limit {
			return true
		}
	}
	return false
}

// CompletePredicate decides whether a position is structurally complete for
// its strategy (e.g. LT112 needs one long debit put, one short debit put, and
// short naked puts).
type CompletePredicate func(p *Position) bool

// AllFilled is the default completeness predicate: every component is Open.
func AllFilled(p *Position) bool {
	if len(p.Components) == 0 {
		return false
	}
	for _, c := range p.Components {
		if c.Status != types.ComponentOpen {
			return false
		}
	}
	return true
}

// HasLegTypes builds a predicate requiring at least the given count of open
// components per leg type.
func HasLegTypes(wanted map[types.LegType]int) CompletePredicate {
	return func(p *Position) bool {
		have := map[types.LegType]int{}
		for _, c := range p.Components {
			if c.Status == types.ComponentOpen {
				have[c.LegType]++
			}
		}
		for lt, n := range wanted {
			if have[lt] < n {
				return false
			}
		}
		return true
	}
}
