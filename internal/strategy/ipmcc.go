package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"condorbot/internal/position"
	"condorbot/pkg/types"
)

// ipmccVIXClose closes the whole structure early in a volatility shock.
const ipmccVIXClose = 40.0

// IPMCC runs in-perpetuity monthly covered calls: a deep in-the-money LEAP
// call (a year or more out, around 80 delta) stands in for stock, and short
// weekly calls above the LEAP strike harvest premium against it.
//
// Entry has two paths. When a LEAP already exists, the monthly anchor only
// sells a fresh weekly against it, attached to the existing position. Only
// when the book is flat does the strategy open LEAP and weekly together as
// one atomic package. Each weekly is bought back at 20% of its premium
// captured or rolled once it reaches 7 DTE; the whole structure closes early
// if VIX crosses 40 or the weekly goes deep in the money (assignment risk).
type IPMCC struct {
	*Base
	underlying string
}

// NewIPMCC builds the covered-call strategy on SPY.
func NewIPMCC(deps Deps) *IPMCC {
	s := &IPMCC{underlying: "SPY"}
	s.Base = NewBase("ipmcc", deps, s)
	deps.Positions.RegisterCompleteness(s.name, position.HasLegTypes(map[types.LegType]int{
		types.LegLeapCall:   1,
		types.LegWeeklyCall: 1,
	}))
	return s
}

// InEntryWindow is the monthly anchor: the first Monday of the month,
// mornings.
func (s *IPMCC) InEntryWindow(now time.Time) bool {
	if now.Weekday() != time.Monday || now.Day() > 7 {
		return false
	}
	mins := now.Hour()*60 + now.Minute()
	return mins >= 10*60 && mins < 12*60
}

// Analyze handles the flat-book path: open LEAP plus weekly atomically. When
// a LEAP already exists the anchor is served by Manage attaching a weekly,
// so entry analysis declines.
func (s *IPMCC) Analyze(ctx context.Context) (*Plan, error) {
	if s.existingLEAPPosition() != nil {
		return nil, nil
	}

	leapChain, err := s.deps.Market.OptionChain(ctx, s.underlying, 365, 420)
	if err != nil {
		return nil, fmt.Errorf("leap chain: %w", err)
	}
	leap, ok := NearestByDelta(leapChain, types.Call, 0.80, time.Time{})
	if !ok {
		return nil, nil
	}

	weekly, ok := s.selectWeekly(ctx, leap.Contract.Strike)
	if !ok {
		return nil, nil
	}

	legs := []types.OrderLeg{
		{Contract: leap.Contract, Quantity: 1, Limit: leap.Mid()},
		{Contract: weekly.Contract, Quantity: -1, Limit: weekly.Mid()},
	}
	comps := []position.Component{
		{LegType: types.LegLeapCall, Contract: leap.Contract, Quantity: 1, EntryPrice: leap.Mid(), CurrentPrice: leap.Mid()},
		{LegType: types.LegWeeklyCall, Contract: weekly.Contract, Quantity: -1, EntryPrice: weekly.Mid(), CurrentPrice: weekly.Mid()},
	}

	s.logger.Info("ipmcc atomic open",
		"leapStrike", leap.Contract.Strike, "weeklyStrike", weekly.Contract.Strike)
	return &Plan{
		Underlying: s.underlying,
		Legs:       legs,
		Components: comps,
		Quantity:   1,
		// Net debit: the LEAP dominates. Exits are managed per leg, not by
		// the shared credit rules.
		EntryCredit: weekly.Mid() - leap.Mid(),
		Delta:       leap.Delta - weekly.Delta,
		DTE:         weekly.Contract.DTE(s.deps.Now()),
		Tag:         "ipmcc-open",
	}, nil
}

// Manage covers the weekly lifecycle: volatility close, assignment risk,
// profit buy-back, the 7-DTE roll, and the add-weekly path when the anchor
// fires with a naked LEAP.
func (s *IPMCC) Manage(ctx context.Context, p *position.Position) types.Trigger {
	if s.deps.VIX.CurrentVIX() > ipmccVIXClose {
		s.logger.Info("volatility close", "vix", s.deps.VIX.CurrentVIX())
		return types.TriggerStopLossHit
	}

	weekly := openComponent(p, types.LegWeeklyCall)
	if weekly == nil {
		// Naked LEAP: sell a fresh weekly on the monthly anchor.
		if s.InEntryWindow(s.MarketTime()) {
			if err := s.sellWeekly(ctx, p); err != nil {
				s.logger.Error("add weekly failed", "error", err)
			}
		}
		return ""
	}

	spot, err := s.deps.Market.Price(ctx, s.underlying)
	if err == nil && spot > weekly.Contract.Strike*1.02 {
		s.logger.Info("assignment risk, closing structure",
			"spot", spot, "weeklyStrike", weekly.Contract.Strike)
		return types.TriggerStopLossHit
	}

	// 20% of the weekly premium captured: buy it back and wait for the next
	// anchor.
	if weekly.EntryPrice > 0 && weekly.CurrentPrice <= weekly.EntryPrice*0.80 {
		s.closeWeekly(ctx, p, weekly, "profit")
		return ""
	}

	if weekly.DTE(s.deps.Now()) <= 7 {
		s.closeWeekly(ctx, p, weekly, "roll")
		if err := s.sellWeekly(ctx, p); err != nil {
			s.logger.Error("roll: new weekly failed", "error", err)
		}
	}
	return ""
}

// existingLEAPPosition finds an active position that still carries the LEAP.
func (s *IPMCC) existingLEAPPosition() *position.Position {
	for _, p := range s.deps.Positions.ForStrategy(s.name) {
		if p.Status == types.PositionClosed {
			continue
		}
		if openComponent(p, types.LegLeapCall) != nil {
			return p
		}
	}
	return nil
}

// selectWeekly picks a 7-14 DTE call above the LEAP strike, around 30 delta.
func (s *IPMCC) selectWeekly(ctx context.Context, leapStrike float64) (types.ChainContract, bool) {
	chain, err := s.deps.Market.OptionChain(ctx, s.underlying, 7, 14)
	if err != nil {
		s.logger.Error("weekly chain", "error", err)
		return types.ChainContract{}, false
	}
	above := chain[:0:0]
	for _, c := range chain {
		if c.Contract.Right == types.Call && c.Contract.Strike > leapStrike {
			above = append(above, c)
		}
	}
	return NearestByDelta(above, types.Call, 0.30, time.Time{})
}

// sellWeekly sells a new weekly call against the position's LEAP and
// attaches it as a component.
func (s *IPMCC) sellWeekly(ctx context.Context, p *position.Position) error {
	leap := openComponent(p, types.LegLeapCall)
	if leap == nil {
		return fmt.Errorf("no open leap to cover")
	}
	weekly, ok := s.selectWeekly(ctx, leap.Contract.Strike)
	if !ok {
		return fmt.Errorf("no weekly candidate above %v", leap.Contract.Strike)
	}

	legs := []types.OrderLeg{{Contract: weekly.Contract, Quantity: -1, Limit: weekly.Mid()}}
	if !s.deps.Executor.ExecuteAtomic(ctx, legs, 1, "ipmcc-weekly") {
		return fmt.Errorf("weekly order failed")
	}

	id := uuid.NewString()
	if _, err := s.deps.Positions.AttachComponent(p.ID, position.Component{
		ID:           id,
		LegType:      types.LegWeeklyCall,
		Contract:     weekly.Contract,
		Quantity:     -1,
		EntryPrice:   weekly.Mid(),
		CurrentPrice: weekly.Mid(),
	}); err != nil {
		return err
	}
	if err := s.deps.Positions.ComponentFilled(p.ID, id, weekly.Mid(), "ipmcc-weekly"); err != nil {
		return err
	}
	s.logger.Info("weekly sold", "strike", weekly.Contract.Strike,
		"expiry", weekly.Contract.Expiry.Format("2006-01-02"))
	return nil
}

// closeWeekly buys back the open weekly call.
func (s *IPMCC) closeWeekly(ctx context.Context, p *position.Position, weekly *position.Component, reason string) {
	legs := []types.OrderLeg{{Contract: weekly.Contract, Quantity: -weekly.Quantity}}
	if !s.deps.Executor.ExecuteAtomic(ctx, legs, 1, "ipmcc-weekly-close") {
		s.logger.Error("weekly buy-back failed", "reason", reason)
		return
	}
	if err := s.deps.Positions.CloseComponent(p.ID, weekly.ID); err != nil {
		s.logger.Error("close weekly component", "error", err)
		return
	}
	s.logger.Info("weekly closed", "reason", reason, "strike", weekly.Contract.Strike)
}

// openComponent returns the position's first non-closed component of the
// given leg type.
func openComponent(p *position.Position, lt types.LegType) *position.Component {
	for _, c := range p.OrderedComponents() {
		if c.LegType == lt && c.Status != types.ComponentClosed && c.Status != types.ComponentCancelled {
			return c
		}
	}
	return nil
}
