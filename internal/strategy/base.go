// Package strategy implements the trading strategies and the state-machine
// scaffolding they share.
//
// Every strategy runs on the same finite-state machine: Initializing →
// Ready → Analyzing → Entering → PositionOpen → Managing → Exiting → Closed
// and back to Ready, with universal escapes to Error (SystemError) and
// Suspended (EmergencyExit, VIXSpike, MarginCall) from every working state.
// Base owns the machine and the per-state dispatch; concrete strategies
// supply an entry window, an entry analysis producing a Plan, and optional
// management overrides. One Execute call advances at most one state, so the
// coordinator's tick cadence bounds how fast a strategy can act.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"condorbot/internal/fsm"
	"condorbot/internal/position"
	"condorbot/internal/risk"
	"condorbot/pkg/types"
)

// DefensiveExitDTE closes or defends any position whose shortest-dated short
// leg reaches this many days to expiry.
const DefensiveExitDTE = 21

// MarketData is the market surface strategies consume.
type MarketData interface {
	Price(ctx context.Context, symbol string) (float64, error)
	OptionChain(ctx context.Context, underlying string, minDTE, maxDTE int) ([]types.ChainContract, error)
	IsMarketOpen(symbol string) bool
}

// VIXSource supplies the volatility inputs for sizing and gating.
type VIXSource interface {
	CurrentVIX() float64
	ZeroDTETradable() bool
	PositionSizeAdjustment() float64
}

// RiskGate is the unified risk manager's pre-trade vote plus the post-trade
// notifications that keep its plugins' usage counters current.
type RiskGate interface {
	CanOpenPosition(symbol string, quantity int, octx risk.OpenContext) (bool, string)
	OnPositionOpened(symbol string, quantity int, price float64, octx risk.OpenContext)
	OnPositionClosed(symbol string, quantity int, pnl float64, octx risk.OpenContext)
}

// AtomicExecutor places multi-leg orders all-or-nothing.
type AtomicExecutor interface {
	ExecuteAtomic(ctx context.Context, legs []types.OrderLeg, quantity int, tag string) bool
}

// Publisher is the slice of the event bus strategies need.
type Publisher interface {
	Publish(t types.EventType, data map[string]any, source string) bool
}

// Deps wires a strategy to the rest of the core.
type Deps struct {
	Market    MarketData
	VIX       VIXSource
	Risk      RiskGate
	Executor  AtomicExecutor
	Positions *position.Manager
	Bus       Publisher
	Logger    *slog.Logger
	Phase     func() types.AccountPhase
	Now       func() time.Time
}

// Plan is the output of a strategy's entry analysis: the legs to place and
// how the resulting position is managed.
type Plan struct {
	Underlying   string
	Legs         []types.OrderLeg
	Components   []position.Component
	Quantity     int
	EntryCredit  float64 // net credit per 1-lot; negative for debit structures
	ProfitTarget float64 // fraction of credit kept, e.g. 0.50
	StopLoss     float64 // loss as multiple of credit, e.g. 2.00
	Delta        float64 // net delta per 1-lot, for the risk vote
	DTE          int     // shortest-dated leg
	Tag          string
}

// Hooks are the strategy-specific pieces Base dispatches to.
type Hooks interface {
	// InEntryWindow reports whether now is inside the strategy's entry window.
	InEntryWindow(now time.Time) bool
	// Analyze inspects the market and returns an entry plan, or nil when
	// conditions are not met.
	Analyze(ctx context.Context) (*Plan, error)
	// Manage runs each tick while a position is open. Returning a non-empty
	// trigger fires it; Base has already checked the shared exit rules.
	Manage(ctx context.Context, p *position.Position) types.Trigger
}

// Base carries the machine and shared behavior. Concrete strategies embed it.
type Base struct {
	name     string
	machine  *fsm.Machine
	deps     Deps
	hooks    Hooks
	plan     *Plan  // pending between Analyzing and Entering
	posID    string // open position, "" when flat
	defendDTE int   // 0 disables the shared short-DTE defensive exit
	marketTZ *time.Location
	logger   *slog.Logger
}

// workingStates can always escape to Error or Suspended.
var workingStates = []types.StrategyState{
	types.StateInitializing, types.StateReady, types.StateAnalyzing,
	types.StateEntering, types.StatePositionOpen, types.StateManaging,
	types.StateAdjusting, types.StateExiting, types.StateClosed,
}

// NewBase builds the shared machine for a named strategy.
func NewBase(name string, deps Deps, hooks Hooks) *Base {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	tz, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(fmt.Sprintf("load market timezone: %v", err))
	}
	logger := deps.Logger.With("component", "strategy", "strategy", name)
	m := fsm.New(name, types.StateInitializing, logger)

	m.AddTransition(types.StateInitializing, types.TriggerMarketOpen, types.StateReady, nil)
	m.AddTransition(types.StateReady, types.TriggerTimeWindowStart, types.StateAnalyzing, nil)
	m.AddTransition(types.StateAnalyzing, types.TriggerEntryConditionsMet, types.StateEntering, nil)
	m.AddTransition(types.StateAnalyzing, types.TriggerEntryConditionsFail, types.StateReady, nil)
	m.AddTransition(types.StateEntering, types.TriggerOrderFilled, types.StatePositionOpen, nil)
	// A failed or vetoed entry goes back to analysis, not all the way to
	// Ready: conditions may still hold on the next tick.
	m.AddTransition(types.StateEntering, types.TriggerOrderRejected, types.StateAnalyzing, nil)
	m.AddTransition(types.StatePositionOpen, types.TriggerMarketOpen, types.StateManaging, nil)
	m.AddTransition(types.StateManaging, types.TriggerProfitTargetHit, types.StateExiting, nil)
	m.AddTransition(types.StateManaging, types.TriggerStopLossHit, types.StateExiting, nil)
	m.AddTransition(types.StateManaging, types.TriggerDefensiveExitDTE, types.StateExiting, nil)
	m.AddTransition(types.StateManaging, types.TriggerTimeWindowEnd, types.StateExiting, nil)
	m.AddTransition(types.StateManaging, types.TriggerAdjustmentNeeded, types.StateAdjusting, nil)
	m.AddTransition(types.StateAdjusting, types.TriggerOrderFilled, types.StateManaging, nil)
	m.AddTransition(types.StateAdjusting, types.TriggerOrderRejected, types.StateManaging, nil)
	m.AddTransition(types.StateExiting, types.TriggerOrderFilled, types.StateClosed, nil)
	m.AddTransition(types.StateClosed, types.TriggerMarketOpen, types.StateReady, nil)
	m.AddTransition(types.StateSuspended, types.TriggerMarketOpen, types.StateReady, nil)
	m.AddTransition(types.StateError, types.TriggerMarketOpen, types.StateInitializing, nil)

	for _, s := range workingStates {
		m.AddTransition(s, types.TriggerSystemError, types.StateError, nil)
		for _, trig := range []types.Trigger{
			types.TriggerEmergencyExit, types.TriggerVIXSpike, types.TriggerMarginCall,
		} {
			m.AddTransition(s, trig, types.StateSuspended, nil)
		}
	}

	return &Base{
		name:     name,
		machine:  m,
		deps:     deps,
		hooks:    hooks,
		marketTZ: tz,
		logger:   logger,
	}
}

// Name returns the strategy name.
func (b *Base) Name() string { return b.name }

// SetDefensiveExit arms the shared exit that fires once any short leg's DTE
// drops to dte. Strategies trading short-dated premium leave it off and
// manage expiry themselves.
func (b *Base) SetDefensiveExit(dte int) { b.defendDTE = dte }

// Machine exposes the state machine for registration with the system-state
// manager.
func (b *Base) Machine() *fsm.Machine { return b.machine }

// State returns the current machine state.
func (b *Base) State() types.StrategyState { return b.machine.Current() }

// MarketTime converts now to the exchange clock.
func (b *Base) MarketTime() time.Time { return b.deps.Now().In(b.marketTZ) }

// Execute advances the machine by at most one state per call. It implements
// the coordinator's Executor interface.
func (b *Base) Execute(data map[string]any) error {
	ctx := context.Background()

	switch b.machine.Current() {
	case types.StateInitializing:
		if b.deps.Market.IsMarketOpen("SPY") {
			b.machine.Fire(types.TriggerMarketOpen, data)
		}

	case types.StateReady:
		if b.hooks.InEntryWindow(b.MarketTime()) {
			b.machine.Fire(types.TriggerTimeWindowStart, data)
		}

	case types.StateAnalyzing:
		plan, err := b.hooks.Analyze(ctx)
		if err != nil {
			b.machine.Fire(types.TriggerSystemError, map[string]any{"error": err.Error()})
			return err
		}
		if plan == nil {
			b.machine.Fire(types.TriggerEntryConditionsFail, data)
			return nil
		}
		b.plan = plan
		b.machine.Fire(types.TriggerEntryConditionsMet, data)

	case types.StateEntering:
		b.enter(ctx, data)

	case types.StatePositionOpen:
		b.machine.Fire(types.TriggerMarketOpen, data)

	case types.StateManaging:
		b.manage(ctx, data)

	case types.StateExiting:
		b.exit(ctx, data)

	case types.StateClosed:
		b.machine.Fire(types.TriggerMarketOpen, data)
	}
	return nil
}

// enter sizes the plan, takes the risk vote, and places the legs atomically.
func (b *Base) enter(ctx context.Context, data map[string]any) {
	plan := b.plan
	if plan == nil {
		b.machine.Fire(types.TriggerOrderRejected, data)
		return
	}

	qty := b.sizedQuantity(plan.Quantity)
	phase := types.Phase2
	if b.deps.Phase != nil {
		phase = b.deps.Phase()
	}
	octx := risk.OpenContext{
		StrategyID: b.name,
		Phase:      phase,
		Delta:      plan.Delta * float64(qty),
		Contracts:  len(plan.Legs) * qty,
		DTE:        plan.DTE,
		IsShort:    plan.EntryCredit > 0,
	}
	ok, reason := b.deps.Risk.CanOpenPosition(plan.Underlying, qty, octx)
	if !ok {
		b.logger.Info("entry vetoed by risk", "reason", reason)
		b.plan = nil
		b.machine.Fire(types.TriggerOrderRejected, map[string]any{"reason": reason})
		return
	}

	if !b.deps.Executor.ExecuteAtomic(ctx, plan.Legs, qty, plan.Tag) {
		b.logger.Error("atomic execution failed", "tag", plan.Tag)
		b.plan = nil
		b.machine.Fire(types.TriggerOrderRejected, data)
		return
	}

	comps := make([]position.Component, len(plan.Components))
	copy(comps, plan.Components)
	for i := range comps {
		comps[i].Quantity *= qty
		if comps[i].ID == "" {
			comps[i].ID = uuid.NewString()
		}
	}
	id, err := b.deps.Positions.OpenPosition(b.name, plan.Underlying, comps)
	if err != nil {
		b.machine.Fire(types.TriggerSystemError, map[string]any{"error": err.Error()})
		return
	}
	if p := b.deps.Positions.Get(id); p != nil {
		p.Metadata["entryCredit"] = plan.EntryCredit
		p.Metadata["profitTarget"] = plan.ProfitTarget
		p.Metadata["stopLoss"] = plan.StopLoss
		p.Metadata["quantity"] = float64(qty)
	}
	for _, c := range comps {
		b.deps.Positions.ComponentFilled(id, c.ID, c.EntryPrice, plan.Tag)
	}
	b.posID = id
	b.deps.Risk.OnPositionOpened(plan.Underlying, qty, plan.EntryCredit, octx)
	b.logger.Info("position opened", "position", id, "qty", qty, "credit", plan.EntryCredit)
	b.plan = nil
	b.machine.Fire(types.TriggerOrderFilled, map[string]any{"positionId": id})
}

// rehydrate resolves the strategy's open position. After a restart the book
// and the machine are restored separately, so a machine resuming in Managing
// re-adopts its position from the book by strategy name.
func (b *Base) rehydrate() *position.Position {
	if b.posID != "" {
		if p := b.deps.Positions.Get(b.posID); p != nil {
			return p
		}
	}
	for _, p := range b.deps.Positions.ForStrategy(b.name) {
		b.posID = p.ID
		b.logger.Info("re-adopted open position", "position", p.ID)
		return p
	}
	return nil
}

// manage applies the shared exit rules, then the strategy's own management.
func (b *Base) manage(ctx context.Context, data map[string]any) {
	p := b.rehydrate()
	if p == nil {
		b.machine.Fire(types.TriggerSystemError, map[string]any{"error": "position lost"})
		return
	}

	now := b.deps.Now()
	if b.defendDTE > 0 && p.HasShortWithDTEAtOrBelow(b.defendDTE, now) {
		b.logger.Info("defensive exit", "dte", p.MinDTE(now))
		b.machine.Fire(types.TriggerDefensiveExitDTE, data)
		return
	}

	if credit, ok := metaFloat(p, "entryCredit"); ok && credit > 0 {
		cost := CurrentClosingCost(p)
		if target, ok := metaFloat(p, "profitTarget"); ok && target > 0 && ProfitFraction(credit, cost) >= target {
			b.logger.Info("profit target hit", "credit", credit, "cost", cost)
			b.machine.Fire(types.TriggerProfitTargetHit, data)
			return
		}
		if stop, ok := metaFloat(p, "stopLoss"); ok && stop > 0 && LossFraction(credit, cost) >= stop {
			b.logger.Info("stop loss hit", "credit", credit, "cost", cost)
			b.machine.Fire(types.TriggerStopLossHit, data)
			return
		}
	}

	if trig := b.hooks.Manage(ctx, p); trig != "" {
		b.machine.Fire(trig, data)
	}
}

// exit flattens the open position with opposing legs and closes it.
func (b *Base) exit(ctx context.Context, data map[string]any) {
	p := b.rehydrate()
	if p == nil {
		b.machine.Fire(types.TriggerOrderFilled, data)
		return
	}

	var legs []types.OrderLeg
	for _, c := range p.OrderedComponents() {
		if c.Status == types.ComponentClosed || c.Quantity == 0 {
			continue
		}
		legs = append(legs, types.OrderLeg{Contract: c.Contract, Quantity: -c.Quantity})
	}
	if len(legs) > 0 && !b.deps.Executor.ExecuteAtomic(ctx, legs, 1, b.name+"-exit") {
		b.logger.Error("exit execution failed, will retry next tick")
		return
	}

	b.deps.Positions.ClosePosition(b.posID)
	pnl := p.TotalPnL()
	qty := 1
	if q, ok := metaFloat(p, "quantity"); ok && q >= 1 {
		qty = int(q)
	}
	b.deps.Risk.OnPositionClosed(p.Underlying, qty, pnl, risk.OpenContext{StrategyID: b.name})
	b.logger.Info("position closed", "position", b.posID, "pnl", pnl)
	b.posID = ""
	b.machine.Fire(types.TriggerOrderFilled, data)
}

// sizedQuantity applies the volatility sizing ladder, never below one lot.
func (b *Base) sizedQuantity(base int) int {
	adj := 1.0
	if b.deps.VIX != nil {
		adj = b.deps.VIX.PositionSizeAdjustment()
	}
	q := int(math.Floor(float64(base) * adj))
	if q < 1 {
		q = 1
	}
	return q
}

// CurrentPosition returns the open position, nil when flat.
func (b *Base) CurrentPosition() *position.Position {
	if b.posID == "" {
		return nil
	}
	return b.deps.Positions.Get(b.posID)
}

func metaFloat(p *position.Position, key string) (float64, bool) {
	v, ok := p.Metadata[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// CurrentClosingCost is the debit required to flatten the position now, per
// structure: short legs are bought back, long legs sold.
func CurrentClosingCost(p *position.Position) float64 {
	cost := 0.0
	lots := math.Inf(1)
	for _, c := range p.OrderedComponents() {
		if c.Status == types.ComponentClosed {
			continue
		}
		cost -= float64(c.Quantity) * c.CurrentPrice
		if q := math.Abs(float64(c.Quantity)); q < lots {
			lots = q
		}
	}
	if lots == 0 || math.IsInf(lots, 1) {
		return cost
	}
	return cost / lots
}

// ProfitFraction is the share of the entry credit captured so far.
func ProfitFraction(entryCredit, currentCost float64) float64 {
	if entryCredit <= 0 {
		return 0
	}
	return (entryCredit - currentCost) / entryCredit
}

// LossFraction is the loss as a multiple of the entry credit.
func LossFraction(entryCredit, currentCost float64) float64 {
	if entryCredit <= 0 {
		return 0
	}
	return (currentCost - entryCredit) / entryCredit
}

// NearestByDelta picks the chain contract of the given right whose |delta|
// is closest to target, restricted to one expiry when expiry is non-zero.
func NearestByDelta(chain []types.ChainContract, right types.Right, target float64, expiry time.Time) (types.ChainContract, bool) {
	var best types.ChainContract
	bestDist := math.Inf(1)
	for _, c := range chain {
		if c.Contract.Right != right {
			continue
		}
		if !expiry.IsZero() && !c.Contract.Expiry.Equal(expiry) {
			continue
		}
		if d := math.Abs(math.Abs(c.Delta) - target); d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

// NearestExpiry returns the chain's earliest expiry at or beyond minDTE.
func NearestExpiry(chain []types.ChainContract, now time.Time, minDTE int) (time.Time, bool) {
	var best time.Time
	for _, c := range chain {
		if c.Contract.DTE(now) < minDTE {
			continue
		}
		if best.IsZero() || c.Contract.Expiry.Before(best) {
			best = c.Contract.Expiry
		}
	}
	return best, !best.IsZero()
}
