package strategy

import (
	"context"
	"fmt"
	"time"

	"condorbot/internal/position"
	"condorbot/pkg/types"
)

// ladderRungs are the ladder's out-of-the-money distances as fractions of
// spot. Each quarter adds one position holding a rung at each distance.
var ladderRungs = []float64{0.05, 0.10, 0.15}

// LEAPLadder sells long-dated SPY puts laddered at escalating distances
// below spot, one entry per quarter. Each rung is bought back once 30% of
// its premium is captured; the remaining rungs stay on.
type LEAPLadder struct {
	*Base
	underlying string
}

// NewLEAPLadder builds the quarterly put ladder on SPY.
func NewLEAPLadder(deps Deps) *LEAPLadder {
	s := &LEAPLadder{underlying: "SPY"}
	s.Base = NewBase("leap-put-ladder", deps, s)
	return s
}

// InEntryWindow is the first week of each quarter.
func (s *LEAPLadder) InEntryWindow(now time.Time) bool {
	switch now.Month() {
	case time.January, time.April, time.July, time.October:
	default:
		return false
	}
	if now.Day() > 7 || now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	mins := now.Hour()*60 + now.Minute()
	return mins >= 10*60 && mins < 15*60
}

// Analyze sells one put per rung in a 270-400 DTE expiry.
func (s *LEAPLadder) Analyze(ctx context.Context) (*Plan, error) {
	// One ladder per quarter: decline while any rung from this quarter is on.
	if len(s.deps.Positions.ForStrategy(s.name)) > 0 {
		return nil, nil
	}

	spot, err := s.deps.Market.Price(ctx, s.underlying)
	if err != nil {
		return nil, fmt.Errorf("ladder spot: %w", err)
	}
	chain, err := s.deps.Market.OptionChain(ctx, s.underlying, 270, 400)
	if err != nil {
		return nil, fmt.Errorf("ladder chain: %w", err)
	}
	expiry, ok := NearestExpiry(chain, s.deps.Now(), 270)
	if !ok {
		return nil, nil
	}

	var legs []types.OrderLeg
	var comps []position.Component
	credit, netDelta := 0.0, 0.0
	for _, dist := range ladderRungs {
		rung, ok := nearestByStrike(chain, types.Put, spot*(1-dist), expiry)
		if !ok {
			return nil, nil
		}
		legs = append(legs, types.OrderLeg{Contract: rung.Contract, Quantity: -1, Limit: rung.Mid()})
		comps = append(comps, position.Component{
			LegType:      types.LegLadderPut,
			Contract:     rung.Contract,
			Quantity:     -1,
			EntryPrice:   rung.Mid(),
			CurrentPrice: rung.Mid(),
		})
		credit += rung.Mid()
		netDelta -= rung.Delta
	}
	if credit <= 0 {
		return nil, nil
	}

	dte := int(expiry.Sub(s.deps.Now()).Hours() / 24)
	s.logger.Info("ladder selected", "rungs", len(legs), "dte", dte, "credit", credit)
	return &Plan{
		Underlying:  s.underlying,
		Legs:        legs,
		Components:  comps,
		Quantity:    1,
		EntryCredit: credit,
		Delta:       netDelta,
		DTE:         dte,
		Tag:         "leap-ladder",
	}, nil
}

// Manage buys back each rung at 30% of its premium captured; the position
// closes once every rung is gone.
func (s *LEAPLadder) Manage(ctx context.Context, p *position.Position) types.Trigger {
	open := 0
	for _, c := range p.OrderedComponents() {
		if c.Status == types.ComponentClosed {
			continue
		}
		open++
		if c.EntryPrice <= 0 || c.CurrentPrice > c.EntryPrice*0.70 {
			continue
		}
		legs := []types.OrderLeg{{Contract: c.Contract, Quantity: -c.Quantity}}
		if !s.deps.Executor.ExecuteAtomic(ctx, legs, 1, "ladder-rung-close") {
			s.logger.Error("rung buy-back failed", "strike", c.Contract.Strike)
			continue
		}
		if err := s.deps.Positions.CloseComponent(p.ID, c.ID); err != nil {
			s.logger.Error("close rung", "error", err)
			continue
		}
		open--
		s.logger.Info("rung closed at target", "strike", c.Contract.Strike)
	}
	if open == 0 {
		return types.TriggerProfitTargetHit
	}
	return ""
}

// nearestByStrike picks the contract of the given right closest to a target
// strike within one expiry.
func nearestByStrike(chain []types.ChainContract, right types.Right, target float64, expiry time.Time) (types.ChainContract, bool) {
	var best types.ChainContract
	found := false
	for _, c := range chain {
		if c.Contract.Right != right || !c.Contract.Expiry.Equal(expiry) {
			continue
		}
		if !found || absF(c.Contract.Strike-target) < absF(best.Contract.Strike-target) {
			best = c
			found = true
		}
	}
	return best, found
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
