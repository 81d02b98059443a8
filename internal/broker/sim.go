package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"condorbot/pkg/types"
)

// Sim is a scriptable in-memory broker for tests and backtests. Fills,
// rejects, and combo support are scripted per symbol; the simulator tracks
// net quantities so tests can assert portfolio effects of partial-fill
// reversal.
type Sim struct {
	mu         sync.Mutex
	prices     map[string]float64 // fill price per symbol, default 1.00
	rejects    map[string]string  // symbol → reject reason
	comboOK    bool               // whether the venue accepts combo orders
	holdLimits bool               // limit orders stay Submitted until FillOpen

	positions map[string]int
	open      map[string]int // order id → index into submitted
	account   types.AccountSummary
	submitted []types.Order
	nextID    int
}

// NewSim creates a simulator that fills everything at 1.00 and accepts
// combo orders.
func NewSim() *Sim {
	return &Sim{
		prices:    map[string]float64{},
		rejects:   map[string]string{},
		comboOK:   true,
		positions: map[string]int{},
		open:      map[string]int{},
		account:   types.AccountSummary{PortfolioValue: 100_000, Cash: 100_000, BuyingPower: 100_000},
	}
}

// SetPrice scripts the fill price for a symbol.
func (s *Sim) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// RejectSymbol scripts a terminal reject for a symbol.
func (s *Sim) RejectSymbol(symbol, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[symbol] = reason
}

// SetComboSupported toggles combo acceptance; when false the executor must
// fall back to leg-by-leg submission.
func (s *Sim) SetComboSupported(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comboOK = ok
}

// HoldLimitOrders makes limit orders rest as Submitted instead of filling
// immediately; tests then drive fills via FillOpen or let them time out.
func (s *Sim) HoldLimitOrders(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdLimits = hold
}

// SetAccount scripts the account snapshot.
func (s *Sim) SetAccount(a types.AccountSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = a
}

// Position returns the simulator's net quantity for a symbol.
func (s *Sim) Position(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[symbol]
}

// Submitted returns every order the simulator received, in order.
func (s *Sim) Submitted() []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Order(nil), s.submitted...)
}

func (s *Sim) fillPrice(symbol string) float64 {
	if p, ok := s.prices[symbol]; ok {
		return p
	}
	return 1.00
}

func (s *Sim) id() string {
	s.nextID++
	return fmt.Sprintf("sim-%d", s.nextID)
}

func (s *Sim) record(symbol string, qty int, kind types.OrderKind, limit float64, status types.OrderStatus, tag string) types.Order {
	side := types.Buy
	if qty < 0 {
		side = types.Sell
	}
	o := types.Order{
		OrderID:    s.id(),
		Symbol:     symbol,
		Side:       side,
		Kind:       kind,
		Quantity:   qty,
		LimitPrice: limit,
		Status:     status,
		SubmitTime: time.Now(),
		Tag:        tag,
	}
	s.submitted = append(s.submitted, o)
	return o
}

// MarketOrder fills immediately unless the symbol is scripted to reject.
func (s *Sim) MarketOrder(_ context.Context, symbol string, signedQty int, tag string) (types.OrderTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason, ok := s.rejects[symbol]; ok {
		o := s.record(symbol, signedQty, types.OrderMarket, 0, types.OrderRejected, tag)
		s.submitted[len(s.submitted)-1].Message = reason
		return types.OrderTicket{OrderID: o.OrderID, Status: types.OrderRejected, Message: reason}, nil
	}
	o := s.record(symbol, signedQty, types.OrderMarket, 0, types.OrderFilled, tag)
	s.positions[symbol] += signedQty
	return types.OrderTicket{
		OrderID:      o.OrderID,
		Status:       types.OrderFilled,
		AvgFillPrice: s.fillPrice(symbol),
		FilledQty:    signedQty,
	}, nil
}

// LimitOrder fills at the limit unless limits are held or the symbol is
// scripted to reject.
func (s *Sim) LimitOrder(_ context.Context, symbol string, signedQty int, limit float64, tag string) (types.OrderTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason, ok := s.rejects[symbol]; ok {
		o := s.record(symbol, signedQty, types.OrderLimit, limit, types.OrderRejected, tag)
		s.submitted[len(s.submitted)-1].Message = reason
		return types.OrderTicket{OrderID: o.OrderID, Status: types.OrderRejected, Message: reason}, nil
	}
	if s.holdLimits {
		o := s.record(symbol, signedQty, types.OrderLimit, limit, types.OrderSubmitted, tag)
		s.open[o.OrderID] = len(s.submitted) - 1
		return types.OrderTicket{OrderID: o.OrderID, Status: types.OrderSubmitted}, nil
	}
	o := s.record(symbol, signedQty, types.OrderLimit, limit, types.OrderFilled, tag)
	s.positions[symbol] += signedQty
	return types.OrderTicket{OrderID: o.OrderID, Status: types.OrderFilled, AvgFillPrice: limit, FilledQty: signedQty}, nil
}

// ComboOrder fills all legs atomically when the venue supports combos and no
// leg is scripted to reject; otherwise the whole combo is rejected with no
// leg residue.
func (s *Sim) ComboOrder(_ context.Context, legs []types.OrderLeg, quantity int, tag string) (types.OrderTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.comboOK {
		return types.OrderTicket{}, fmt.Errorf("combo orders not supported")
	}
	for _, leg := range legs {
		if reason, ok := s.rejects[leg.Contract.Symbol]; ok {
			return types.OrderTicket{Status: types.OrderRejected, Message: reason}, nil
		}
	}

	for _, leg := range legs {
		s.positions[leg.Contract.Symbol] += leg.Quantity * quantity
		s.record(leg.Contract.Symbol, leg.Quantity*quantity, types.OrderCombo, leg.Limit, types.OrderFilled, tag)
	}
	return types.OrderTicket{OrderID: s.id(), Status: types.OrderFilled, FilledQty: quantity}, nil
}

// Cancel removes a resting order.
func (s *Sim) Cancel(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.open[orderID]; ok {
		s.submitted[i].Status = types.OrderCancelled
		delete(s.open, orderID)
		return nil
	}
	return fmt.Errorf("cancel: unknown order %s", orderID)
}

// RejectOpen rejects a resting order with a venue reason, for tests driving
// the order monitor's failure handling.
func (s *Sim) RejectOpen(orderID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.open[orderID]
	if !ok {
		return false
	}
	s.submitted[i].Status = types.OrderRejected
	s.submitted[i].Message = reason
	delete(s.open, orderID)
	return true
}

// FillOpen fills a resting order, for tests driving the order monitor.
func (s *Sim) FillOpen(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.open[orderID]
	if !ok {
		return false
	}
	s.submitted[i].Status = types.OrderFilled
	s.positions[s.submitted[i].Symbol] += s.submitted[i].Quantity
	delete(s.open, orderID)
	return true
}

// OpenOrders lists resting orders.
func (s *Sim) OpenOrders(context.Context) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Order, 0, len(s.open))
	for _, i := range s.open {
		out = append(out, s.submitted[i])
	}
	return out, nil
}

// OrderStatus reports the current status of any order the simulator has seen,
// plus the venue message for rejects.
func (s *Sim) OrderStatus(orderID string) (types.OrderStatus, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.submitted) - 1; i >= 0; i-- {
		if s.submitted[i].OrderID == orderID {
			return s.submitted[i].Status, s.submitted[i].Message, true
		}
	}
	return "", "", false
}

// Portfolio reports net quantities as holdings.
func (s *Sim) Portfolio(context.Context) (map[string]types.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]types.Holding{}
	for sym, qty := range s.positions {
		if qty == 0 {
			continue
		}
		out[sym] = types.Holding{Symbol: sym, Quantity: float64(qty), MarketPrice: s.fillPrice(sym)}
	}
	return out, nil
}

// Account returns the scripted snapshot.
func (s *Sim) Account(context.Context) (types.AccountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, nil
}
