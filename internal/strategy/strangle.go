package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"condorbot/internal/position"
	"condorbot/pkg/types"
)

// Strangle sells 16-delta strangles on /ES futures options: a short call and
// a short put in the same 45-60 DTE expiry, entered Monday and Thursday
// mornings. A quarter of the credit is the target, twice the entry cost the
// stop, and the shared 21-DTE defense closes aging positions. When one side
// is tested (spot within 2% of the short strike) that side rolls out to 20%
// out of the money.
type Strangle struct {
	*Base
	underlying string
}

// NewStrangle builds the futures strangle on ES.
func NewStrangle(deps Deps) *Strangle {
	s := &Strangle{underlying: "ES"}
	s.Base = NewBase("es-strangle", deps, s)
	s.SetDefensiveExit(DefensiveExitDTE)
	return s
}

// InEntryWindow is Monday and Thursday after 10:00 Eastern.
func (s *Strangle) InEntryWindow(now time.Time) bool {
	if now.Weekday() != time.Monday && now.Weekday() != time.Thursday {
		return false
	}
	mins := now.Hour()*60 + now.Minute()
	return mins >= 10*60 && mins < 15*60
}

// Analyze builds the strangle from the 45-60 DTE chain.
func (s *Strangle) Analyze(ctx context.Context) (*Plan, error) {
	if len(s.deps.Positions.ForStrategy(s.name)) > 0 {
		return nil, nil
	}

	chain, err := s.deps.Market.OptionChain(ctx, s.underlying, 45, 60)
	if err != nil {
		return nil, fmt.Errorf("strangle chain: %w", err)
	}
	expiry, ok := NearestExpiry(chain, s.deps.Now(), 45)
	if !ok {
		return nil, nil
	}

	put, ok1 := NearestByDelta(chain, types.Put, 0.16, expiry)
	call, ok2 := NearestByDelta(chain, types.Call, 0.16, expiry)
	if !ok1 || !ok2 || put.Contract.Strike >= call.Contract.Strike {
		return nil, nil
	}

	credit := put.Mid() + call.Mid()
	if credit <= 0 {
		return nil, nil
	}

	legs := []types.OrderLeg{
		{Contract: put.Contract, Quantity: -1, Limit: put.Mid()},
		{Contract: call.Contract, Quantity: -1, Limit: call.Mid()},
	}
	comps := []position.Component{
		{LegType: types.LegShortPut, Contract: put.Contract, Quantity: -1, EntryPrice: put.Mid(), CurrentPrice: put.Mid()},
		{LegType: types.LegShortCall, Contract: call.Contract, Quantity: -1, EntryPrice: call.Mid(), CurrentPrice: call.Mid()},
	}

	dte := int(expiry.Sub(s.deps.Now()).Hours() / 24)
	s.logger.Info("strangle selected",
		"put", put.Contract.Strike, "call", call.Contract.Strike, "dte", dte, "credit", credit)
	return &Plan{
		Underlying:   s.underlying,
		Legs:         legs,
		Components:   comps,
		Quantity:     1,
		EntryCredit:  credit,
		ProfitTarget: 0.25,
		StopLoss:     1.00,
		Delta:        -put.Delta - call.Delta,
		DTE:          dte,
		Tag:          "es-strangle",
	}, nil
}

// Manage rolls a tested side 20% out of the money.
func (s *Strangle) Manage(ctx context.Context, p *position.Position) types.Trigger {
	spot, err := s.deps.Market.Price(ctx, s.underlying)
	if err != nil {
		return ""
	}
	for _, c := range p.OrderedComponents() {
		if c.Status == types.ComponentClosed || !c.IsShort() {
			continue
		}
		if !sideTested(spot, c) {
			continue
		}
		if err := s.rollSide(ctx, p, c, spot); err != nil {
			s.logger.Error("roll failed", "strike", c.Contract.Strike, "error", err)
		}
	}
	return ""
}

// sideTested reports whether spot has come within 2% of the short strike.
func sideTested(spot float64, c *position.Component) bool {
	switch c.Contract.Right {
	case types.Put:
		return spot <= c.Contract.Strike*1.02
	case types.Call:
		return spot >= c.Contract.Strike*0.98
	}
	return false
}

// rollSide buys back the tested short and re-sells it 20% out of the money
// in the same expiry.
func (s *Strangle) rollSide(ctx context.Context, p *position.Position, tested *position.Component, spot float64) error {
	target := spot * 0.80
	if tested.Contract.Right == types.Call {
		target = spot * 1.20
	}

	chain, err := s.deps.Market.OptionChain(ctx, s.underlying, 20, 75)
	if err != nil {
		return err
	}
	var replacement types.ChainContract
	bestDist := math.Inf(1)
	for _, c := range chain {
		if c.Contract.Right != tested.Contract.Right || !c.Contract.Expiry.Equal(tested.Contract.Expiry) {
			continue
		}
		if d := math.Abs(c.Contract.Strike - target); d < bestDist {
			bestDist = d
			replacement = c
		}
	}
	if math.IsInf(bestDist, 1) {
		return fmt.Errorf("no replacement strike near %v", target)
	}

	legs := []types.OrderLeg{
		{Contract: tested.Contract, Quantity: -tested.Quantity},
		{Contract: replacement.Contract, Quantity: tested.Quantity, Limit: replacement.Mid()},
	}
	if !s.deps.Executor.ExecuteAtomic(ctx, legs, 1, "strangle-roll") {
		return fmt.Errorf("roll execution failed")
	}

	if err := s.deps.Positions.CloseComponent(p.ID, tested.ID); err != nil {
		return err
	}
	lt := types.LegShortPut
	if tested.Contract.Right == types.Call {
		lt = types.LegShortCall
	}
	id, err := s.deps.Positions.AttachComponent(p.ID, position.Component{
		LegType:      lt,
		Contract:     replacement.Contract,
		Quantity:     tested.Quantity,
		EntryPrice:   replacement.Mid(),
		CurrentPrice: replacement.Mid(),
	})
	if err != nil {
		return err
	}
	if err := s.deps.Positions.ComponentFilled(p.ID, id, replacement.Mid(), "strangle-roll"); err != nil {
		return err
	}
	s.logger.Info("side rolled",
		"from", tested.Contract.Strike, "to", replacement.Contract.Strike, "spot", spot)
	return nil
}
