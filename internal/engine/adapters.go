package engine

import (
	"context"
	"log/slog"
	"time"

	"condorbot/internal/broker"
	"condorbot/internal/marketdata"
	"condorbot/internal/position"
	"condorbot/internal/risk"
	"condorbot/pkg/types"
)

// adapterTimeout bounds the synchronous broker calls made from ctx-free
// surfaces (risk desk, account snapshots, liquidation).
const adapterTimeout = 10 * time.Second

// AccountAdapter bridges the ctx-ful broker to the ctx-free account surface
// the risk and state managers consume.
type AccountAdapter struct {
	Broker broker.Broker
}

func (a AccountAdapter) Account() (types.AccountSummary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	return a.Broker.Account(ctx)
}

// DeskAdapter bridges the broker to the risk manager's order desk: the
// surface it uses to flatten open orders during emergency handling.
type DeskAdapter struct {
	Broker broker.Broker
}

func (d DeskAdapter) OpenOrders() ([]types.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	return d.Broker.OpenOrders(ctx)
}

func (d DeskAdapter) Cancel(orderID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	return d.Broker.Cancel(ctx, orderID)
}

// PriceAdapter exposes the market-data provider as the plain price source
// the VIX manager consumes.
type PriceAdapter struct {
	Provider marketdata.Provider
}

func (p PriceAdapter) Price(symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	return p.Provider.Price(ctx, symbol)
}

// OpenPositionsAdapter answers the state manager's "does this strategy hold
// positions" question from the position book.
type OpenPositionsAdapter struct {
	Positions *position.Manager
}

func (o OpenPositionsAdapter) HasOpenPositions(strategyID string) bool {
	return len(o.Positions.ForStrategy(strategyID)) > 0
}

// PositionNotifier receives post-trade close notifications; the risk manager
// implements it so forced liquidations update its plugins' usage counters.
type PositionNotifier interface {
	OnPositionClosed(symbol string, quantity int, pnl float64, octx risk.OpenContext)
}

// ShortOptionLiquidator closes every open short option leg with market
// orders. The risk manager invokes it when an emergency fires: short
// premium is the unlimited-risk side of the book, so it goes first.
// Notify is set after the risk manager exists; it may be nil.
type ShortOptionLiquidator struct {
	Broker    broker.Broker
	Positions *position.Manager
	Logger    *slog.Logger
	Notify    PositionNotifier
}

func (l ShortOptionLiquidator) CloseShortOptionPositions(reason string) int {
	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()

	closed := 0
	for _, p := range l.Positions.Active() {
		for _, c := range p.OrderedComponents() {
			if !c.IsShort() {
				continue
			}
			if c.Status != types.ComponentOpen && c.Status != types.ComponentPartiallyFilled {
				continue
			}
			ticket, err := l.Broker.MarketOrder(ctx, c.Contract.Symbol, -c.Quantity, "liquidate")
			if err != nil || ticket.Status != types.OrderFilled {
				l.Logger.Error("liquidation order failed",
					"symbol", c.Contract.Symbol, "reason", reason, "error", err)
				continue
			}
			if err := l.Positions.CloseComponent(p.ID, c.ID); err != nil {
				l.Logger.Error("liquidated leg not recorded", "component", c.ID, "error", err)
				continue
			}
			if l.Notify != nil {
				l.Notify.OnPositionClosed(c.Contract.Symbol, c.Quantity, c.PnL,
					risk.OpenContext{StrategyID: p.StrategyID, IsShort: true})
			}
			closed++
		}
	}
	if closed > 0 {
		l.Logger.Error("short option legs liquidated", "count", closed, "reason", reason)
	}
	return closed
}

// OpenOrderStatusSource reports order status from the open-orders list. An
// order absent from the list is reported unknown, never assumed filled: the
// executor resolves its own fills synchronously, so the monitor only needs
// visibility into orders still resting.
type OpenOrderStatusSource struct {
	Desk interface {
		OpenOrders() ([]types.Order, error)
	}
}

func (s OpenOrderStatusSource) OrderStatus(orderID string) (types.OrderStatus, string, bool) {
	orders, err := s.Desk.OpenOrders()
	if err != nil {
		return "", "", false
	}
	for _, o := range orders {
		if o.OrderID == orderID {
			return o.Status, o.Message, true
		}
	}
	return "", "", false
}

// PhaseFromAccount derives the account phase from the live portfolio value.
// Unreachable account data degrades to Phase 1, the most conservative tier.
func PhaseFromAccount(account interface {
	Account() (types.AccountSummary, error)
}) func() types.AccountPhase {
	return func() types.AccountPhase {
		acct, err := account.Account()
		if err != nil {
			return types.Phase1
		}
		return types.PhaseForValue(acct.PortfolioValue)
	}
}
