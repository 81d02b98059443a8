package strategy

import (
	"context"
	"fmt"
	"time"

	"condorbot/internal/position"
	"condorbot/pkg/types"
)

// ZeroDTE trades same-day SPY iron condors on Fridays.
//
// Entry window 10:30 to 15:30 Eastern, and only when the volatility gate is
// open (VIX above the 0-DTE floor): in a dead tape same-day premium does not
// pay for its tail risk. Shorts go on near 16 delta, longs near 5 delta.
// Half the credit is the target, twice the credit the stop, and whatever is
// still open at 15:30 is flattened into the close.
type ZeroDTE struct {
	*Base
	underlying string

	shortDelta float64
	longDelta  float64
}

// NewZeroDTE builds the 0-DTE condor strategy on SPY.
func NewZeroDTE(deps Deps) *ZeroDTE {
	z := &ZeroDTE{
		underlying: "SPY",
		shortDelta: 0.16,
		longDelta:  0.05,
	}
	z.Base = NewBase("zero-dte-condor", deps, z)
	return z
}

// InEntryWindow is Friday 10:30-15:30 Eastern.
func (z *ZeroDTE) InEntryWindow(now time.Time) bool {
	if now.Weekday() != time.Friday {
		return false
	}
	mins := now.Hour()*60 + now.Minute()
	return mins >= 10*60+30 && mins < 15*60+30
}

// Analyze builds the four-leg condor from today's chain.
func (z *ZeroDTE) Analyze(ctx context.Context) (*Plan, error) {
	if !z.deps.VIX.ZeroDTETradable() {
		z.logger.Info("0-DTE gate closed", "vix", z.deps.VIX.CurrentVIX())
		return nil, nil
	}

	chain, err := z.deps.Market.OptionChain(ctx, z.underlying, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("0-dte chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, nil
	}

	shortPut, ok1 := NearestByDelta(chain, types.Put, z.shortDelta, time.Time{})
	longPut, ok2 := NearestByDelta(chain, types.Put, z.longDelta, time.Time{})
	shortCall, ok3 := NearestByDelta(chain, types.Call, z.shortDelta, time.Time{})
	longCall, ok4 := NearestByDelta(chain, types.Call, z.longDelta, time.Time{})
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil
	}
	// Wings must sit outside the shorts or the structure is not a condor.
	if longPut.Contract.Strike >= shortPut.Contract.Strike ||
		longCall.Contract.Strike <= shortCall.Contract.Strike {
		return nil, nil
	}

	credit := shortPut.Mid() + shortCall.Mid() - longPut.Mid() - longCall.Mid()
	if credit <= 0 {
		return nil, nil
	}

	legs := []types.OrderLeg{
		{Contract: shortPut.Contract, Quantity: -1, Limit: shortPut.Mid()},
		{Contract: longPut.Contract, Quantity: 1, Limit: longPut.Mid()},
		{Contract: shortCall.Contract, Quantity: -1, Limit: shortCall.Mid()},
		{Contract: longCall.Contract, Quantity: 1, Limit: longCall.Mid()},
	}
	comps := []position.Component{
		condorComponent(types.LegShortPut, shortPut, -1),
		condorComponent(types.LegLongPut, longPut, 1),
		condorComponent(types.LegShortCall, shortCall, -1),
		condorComponent(types.LegLongCall, longCall, 1),
	}
	netDelta := -shortPut.Delta + longPut.Delta - shortCall.Delta + longCall.Delta

	z.logger.Info("condor selected",
		"shortPut", shortPut.Contract.Strike, "shortCall", shortCall.Contract.Strike,
		"credit", credit)
	return &Plan{
		Underlying:   z.underlying,
		Legs:         legs,
		Components:   comps,
		Quantity:     1,
		EntryCredit:  credit,
		ProfitTarget: 0.50,
		StopLoss:     2.00,
		Delta:        netDelta,
		DTE:          0,
		Tag:          "0dte-condor",
	}, nil
}

// Manage enforces the 15:30 hard exit; profit and stop are handled by the
// shared rules. The exit fires as a defensive-DTE trigger: a same-day short
// held into the close is the degenerate case of the short-DTE defense.
func (z *ZeroDTE) Manage(_ context.Context, _ *position.Position) types.Trigger {
	now := z.MarketTime()
	if now.Hour()*60+now.Minute() >= 15*60+30 {
		z.logger.Info("hard exit into the close")
		return types.TriggerDefensiveExitDTE
	}
	return ""
}

func condorComponent(lt types.LegType, c types.ChainContract, qty int) position.Component {
	return position.Component{
		LegType:      lt,
		Contract:     c.Contract,
		Quantity:     qty,
		EntryPrice:   c.Mid(),
		CurrentPrice: c.Mid(),
	}
}
