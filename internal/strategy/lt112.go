package strategy

import (
	"context"
	"fmt"
	"time"

	"condorbot/internal/position"
	"condorbot/pkg/types"
)

// LT112 is the long-duration put structure: one long debit put, one short
// debit put below it, and two short naked puts further out of the money, all
// in the same 100-120 DTE expiry. The naked puts finance the debit spread so
// the package goes on for a net credit. Half the credit is the target; the
// shared 21-DTE defense closes the package before the naked puts turn into
// gamma risk.
type LT112 struct {
	*Base
	underlying string
}

// NewLT112 builds the LT112 strategy on SPY.
func NewLT112(deps Deps) *LT112 {
	s := &LT112{underlying: "SPY"}
	s.Base = NewBase("lt112", deps, s)
	s.SetDefensiveExit(DefensiveExitDTE)
	deps.Positions.RegisterCompleteness(s.name, position.HasLegTypes(map[types.LegType]int{
		types.LegDebitLong:  1,
		types.LegDebitShort: 1,
		types.LegNakedPut:   1,
	}))
	return s
}

// InEntryWindow is the monthly anchor: the first Tuesday of the month,
// mornings.
func (s *LT112) InEntryWindow(now time.Time) bool {
	if now.Weekday() != time.Tuesday || now.Day() > 7 {
		return false
	}
	mins := now.Hour()*60 + now.Minute()
	return mins >= 10*60 && mins < 12*60
}

// Analyze builds the 1-1-2 package from the 100-120 DTE chain.
func (s *LT112) Analyze(ctx context.Context) (*Plan, error) {
	if len(s.deps.Positions.ForStrategy(s.name)) > 0 {
		return nil, nil
	}

	chain, err := s.deps.Market.OptionChain(ctx, s.underlying, 100, 120)
	if err != nil {
		return nil, fmt.Errorf("lt112 chain: %w", err)
	}
	expiry, ok := NearestExpiry(chain, s.deps.Now(), 100)
	if !ok {
		return nil, nil
	}

	longPut, ok1 := NearestByDelta(chain, types.Put, 0.25, expiry)
	shortPut, ok2 := NearestByDelta(chain, types.Put, 0.20, expiry)
	nakedPut, ok3 := NearestByDelta(chain, types.Put, 0.05, expiry)
	if !ok1 || !ok2 || !ok3 {
		return nil, nil
	}
	// Structure sanity: debit short below the long, nakeds below both.
	if shortPut.Contract.Strike >= longPut.Contract.Strike ||
		nakedPut.Contract.Strike >= shortPut.Contract.Strike {
		return nil, nil
	}

	credit := shortPut.Mid() + 2*nakedPut.Mid() - longPut.Mid()
	if credit <= 0 {
		return nil, nil
	}

	legs := []types.OrderLeg{
		{Contract: longPut.Contract, Quantity: 1, Limit: longPut.Mid()},
		{Contract: shortPut.Contract, Quantity: -1, Limit: shortPut.Mid()},
		{Contract: nakedPut.Contract, Quantity: -2, Limit: nakedPut.Mid()},
	}
	comps := []position.Component{
		{LegType: types.LegDebitLong, Contract: longPut.Contract, Quantity: 1, EntryPrice: longPut.Mid(), CurrentPrice: longPut.Mid()},
		{LegType: types.LegDebitShort, Contract: shortPut.Contract, Quantity: -1, EntryPrice: shortPut.Mid(), CurrentPrice: shortPut.Mid()},
		{LegType: types.LegNakedPut, Contract: nakedPut.Contract, Quantity: -2, EntryPrice: nakedPut.Mid(), CurrentPrice: nakedPut.Mid()},
	}
	netDelta := longPut.Delta - shortPut.Delta - 2*nakedPut.Delta

	dte := int(expiry.Sub(s.deps.Now()).Hours() / 24)
	s.logger.Info("lt112 selected",
		"long", longPut.Contract.Strike, "short", shortPut.Contract.Strike,
		"naked", nakedPut.Contract.Strike, "dte", dte, "credit", credit)
	return &Plan{
		Underlying:   s.underlying,
		Legs:         legs,
		Components:   comps,
		Quantity:     1,
		EntryCredit:  credit,
		ProfitTarget: 0.50,
		Delta:        netDelta,
		DTE:          dte,
		Tag:          "lt112",
	}, nil
}

// Manage has nothing beyond the shared rules: profit target and the 21-DTE
// defense cover the package.
func (s *LT112) Manage(context.Context, *position.Position) types.Trigger { return "" }
