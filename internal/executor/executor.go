// Package executor performs all-or-nothing execution of multi-leg orders and
// monitors live orders for fills, timeouts, and rejects.
//
// The preferred path submits every leg as one combo order, which the venue
// accepts or rejects atomically. When the venue cannot take combos the
// executor falls back to independent legs (buy protective legs first, then
// sell premium legs) and reverses every already-filled leg with opposing
// market orders the moment any leg fails.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"condorbot/internal/broker"
	"condorbot/pkg/types"
)

// Option price ticks: fine below the threshold, coarse above, per exchange
// convention.
var (
	tickThreshold = decimal.NewFromFloat(3.00)
	fineTick      = decimal.NewFromFloat(0.01)
	coarseTick    = decimal.NewFromFloat(0.05)
)

// Publisher is the slice of the event bus the executor needs.
type Publisher interface {
	Publish(t types.EventType, data map[string]any, source string) bool
}

// Executor submits multi-leg orders atomically.
type Executor struct {
	broker broker.Broker
	bus    Publisher
	logger *slog.Logger
}

// New creates an executor. bus may be nil.
func New(b broker.Broker, bus Publisher, logger *slog.Logger) *Executor {
	return &Executor{
		broker: b,
		bus:    bus,
		logger: logger.With("component", "executor"),
	}
}

// RoundToTick snaps a price to the venue's option tick grid: $0.01 below
// $3.00, $0.05 at or above. Decimal arithmetic avoids float drift pushing a
// limit off-grid.
func RoundToTick(price float64) float64 {
	p := decimal.NewFromFloat(price)
	tick := fineTick
	if p.GreaterThanOrEqual(tickThreshold) {
		tick = coarseTick
	}
	f, _ := p.Div(tick).Round(0).Mul(tick).Float64()
	return f
}

// ExecuteAtomic places all legs as a single unit. Returns true only when
// every leg filled. On any failure the net portfolio change over the legs is
// zero: a rejected combo leaves nothing, and a leg-by-leg failure reverses
// already-filled legs via opposing market orders before returning.
func (e *Executor) ExecuteAtomic(ctx context.Context, legs []types.OrderLeg, quantity int, tag string) bool {
	if len(legs) == 0 || quantity <= 0 {
		return false
	}
	rounded := make([]types.OrderLeg, len(legs))
	for i, leg := range legs {
		if leg.Limit > 0 {
			leg.Limit = RoundToTick(leg.Limit)
		}
		rounded[i] = leg
	}

	ticket, err := e.broker.ComboOrder(ctx, rounded, quantity, tag)
	if err == nil {
		if ticket.Status == types.OrderFilled {
			e.logger.Info("combo filled", "legs", len(rounded), "qty", quantity, "tag", tag)
			e.publishFilled(ticket, tag)
			return true
		}
		// Combo reject is atomic at the venue: nothing to reverse.
		e.logger.Error("combo rejected", "reason", ticket.Message, "tag", tag)
		e.publishFailure(ticket.Message, tag)
		return false
	}

	e.logger.Info("combo unsupported, submitting legs independently",
		"error", err, "legs", len(rounded))
	return e.executeLegs(ctx, rounded, quantity, tag)
}

// executeLegs submits legs independently, protective (long) legs first so a
// mid-sequence failure never leaves naked short premium.
func (e *Executor) executeLegs(ctx context.Context, legs []types.OrderLeg, quantity int, tag string) bool {
	ordered := make([]types.OrderLeg, 0, len(legs))
	for _, leg := range legs {
		if !leg.IsShort() {
			ordered = append(ordered, leg)
		}
	}
	for _, leg := range legs {
		if leg.IsShort() {
			ordered = append(ordered, leg)
		}
	}

	var filled []types.OrderLeg
	for _, leg := range ordered {
		qty := leg.Quantity * quantity
		var ticket types.OrderTicket
		var err error
		if leg.Limit > 0 {
			ticket, err = e.broker.LimitOrder(ctx, leg.Contract.Symbol, qty, leg.Limit, tag)
		} else {
			ticket, err = e.broker.MarketOrder(ctx, leg.Contract.Symbol, qty, tag)
		}

		if err != nil || ticket.Status != types.OrderFilled {
			reason := ticket.Message
			if err != nil {
				reason = err.Error()
			}
			e.logger.Error("leg failed, reversing filled legs",
				"symbol", leg.Contract.Symbol, "reason", reason, "filled", len(filled))
			e.reverse(ctx, filled, quantity, tag)
			e.publishFailure(reason, tag)
			return false
		}
		filled = append(filled, leg)
	}

	e.logger.Info("all legs filled", "legs", len(filled), "qty", quantity, "tag", tag)
	e.publishFilled(types.OrderTicket{Status: types.OrderFilled, FilledQty: quantity}, tag)
	return true
}

// reverse unwinds filled legs with opposing market orders. A reversal
// failure is logged loudly; the residue requires operator attention.
func (e *Executor) reverse(ctx context.Context, filled []types.OrderLeg, quantity int, tag string) {
	for i := len(filled) - 1; i >= 0; i-- {
		leg := filled[i]
		qty := -leg.Quantity * quantity
		ticket, err := e.broker.MarketOrder(ctx, leg.Contract.Symbol, qty, tag+"-reversal")
		if err != nil || ticket.Status != types.OrderFilled {
			e.logger.Error("REVERSAL FAILED, manual intervention required",
				"symbol", leg.Contract.Symbol, "qty", qty, "error", err, "status", ticket.Status)
		}
	}
}

func (e *Executor) publishFilled(ticket types.OrderTicket, tag string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.EventOrderFilled, map[string]any{
		"orderId":   ticket.OrderID,
		"filledQty": ticket.FilledQty,
		"avgPrice":  ticket.AvgFillPrice,
		"tag":       tag,
	}, "executor")
}

func (e *Executor) publishFailure(reason, tag string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.EventOrderFailure, map[string]any{
		"reason": reason,
		"tag":    tag,
	}, "executor")
}

// Order monitoring.

// MonitoredOrder is one live order under watch.
type MonitoredOrder struct {
	OrderID        string
	Symbol         string
	Quantity       int
	LimitPrice     float64
	SubmitTime     time.Time
	TimeoutMinutes int
	RetryCount     int
	MaxRetries     int
}

// StatusSource reports broker-side order status plus the venue's message for
// rejected orders, so reject causes classify correctly.
type StatusSource interface {
	OrderStatus(orderID string) (st types.OrderStatus, message string, ok bool)
}

// Canceller cancels a live order.
type Canceller interface {
	Cancel(ctx context.Context, orderID string) error
}

// Resubmit re-places a timed-out or transiently rejected order and returns
// the new ticket.
type Resubmit func(ctx context.Context, o *MonitoredOrder) (types.OrderTicket, error)

// Monitor tracks live orders and resolves them on fill, timeout, or reject.
type Monitor struct {
	status   StatusSource
	cancel   Canceller
	resubmit Resubmit
	orders   map[string]*MonitoredOrder
	bus      Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor creates an order monitor.
func NewMonitor(status StatusSource, cancel Canceller, resubmit Resubmit, bus Publisher, logger *slog.Logger) *Monitor {
	return &Monitor{
		status:   status,
		cancel:   cancel,
		resubmit: resubmit,
		orders:   map[string]*MonitoredOrder{},
		bus:      bus,
		logger:   logger.With("component", "order-monitor"),
		now:      time.Now,
	}
}

// Track adds an order to the watch list.
func (m *Monitor) Track(o MonitoredOrder) {
	if o.TimeoutMinutes <= 0 {
		o.TimeoutMinutes = 5
	}
	m.orders[o.OrderID] = &o
}

// Tracked reports how many orders are under watch.
func (m *Monitor) Tracked() int { return len(m.orders) }

// Poll checks every watched order once. Fills publish OrderFilled; timeouts
// cancel and retry up to MaxRetries; terminal rejects (insufficient funds,
// invalid symbol) publish OrderFailure without retry.
func (m *Monitor) Poll(ctx context.Context) {
	for id, o := range m.orders {
		st, msg, ok := m.status.OrderStatus(id)
		if !ok {
			continue
		}
		switch st {
		case types.OrderFilled:
			m.logger.Info("order filled", "order", id, "symbol", o.Symbol)
			if m.bus != nil {
				m.bus.Publish(types.EventOrderFilled, map[string]any{
					"orderId": id, "symbol": o.Symbol, "quantity": o.Quantity,
				}, "order-monitor")
			}
			delete(m.orders, id)

		case types.OrderRejected, types.OrderFailed:
			cause := msg
			if cause == "" {
				cause = "rejected"
			}
			m.resolveFailure(ctx, o, cause)

		case types.OrderSubmitted, types.OrderPending, types.OrderPartiallyFilled:
			if m.now().Sub(o.SubmitTime) >= time.Duration(o.TimeoutMinutes)*time.Minute {
				m.logger.Info("order timed out, cancelling", "order", id, "symbol", o.Symbol)
				if err := m.cancel.Cancel(ctx, id); err != nil {
					m.logger.Error("timeout cancel failed", "order", id, "error", err)
				}
				m.resolveFailure(ctx, o, "timeout")
			}

		case types.OrderCancelled:
			delete(m.orders, id)
		}
	}
}

// resolveFailure retries a retryable failure with the retry budget, else
// publishes a terminal OrderFailure.
func (m *Monitor) resolveFailure(ctx context.Context, o *MonitoredOrder, cause string) {
	delete(m.orders, o.OrderID)

	if TerminalReject(cause) || o.RetryCount >= o.MaxRetries || m.resubmit == nil {
		m.logger.Error("order failed terminally",
			"order", o.OrderID, "symbol", o.Symbol, "cause", cause, "retries", o.RetryCount)
		if m.bus != nil {
			m.bus.Publish(types.EventOrderFailure, map[string]any{
				"orderId": o.OrderID, "symbol": o.Symbol, "cause": cause, "retries": o.RetryCount,
			}, "order-monitor")
		}
		return
	}

	ticket, err := m.resubmit(ctx, o)
	if err != nil {
		m.logger.Error("resubmit failed", "order", o.OrderID, "error", err)
		if m.bus != nil {
			m.bus.Publish(types.EventOrderFailure, map[string]any{
				"orderId": o.OrderID, "symbol": o.Symbol, "cause": err.Error(),
			}, "order-monitor")
		}
		return
	}
	replacement := *o
	replacement.OrderID = ticket.OrderID
	replacement.RetryCount++
	replacement.SubmitTime = m.now()
	m.orders[replacement.OrderID] = &replacement
	m.logger.Info("order resubmitted",
		"old", o.OrderID, "new", replacement.OrderID, "retry", replacement.RetryCount)
}

// TerminalReject classifies a reject cause: insufficient funds and invalid
// symbols never retry.
func TerminalReject(cause string) bool {
	c := strings.ToLower(cause)
	return strings.Contains(c, "insufficient funds") || strings.Contains(c, "invalid symbol")
}
