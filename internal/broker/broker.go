// Package broker implements the brokerage adapter: the REST client used in
// live trading and a scriptable simulator used in tests and backtests.
package broker

import (
	"context"

	"condorbot/pkg/types"
)

// Broker is the order and account surface the core consumes. All calls are
// synchronous; the live client caches nothing.
type Broker interface {
	MarketOrder(ctx context.Context, symbol string, signedQty int, tag string) (types.OrderTicket, error)
	LimitOrder(ctx context.Context, symbol string, signedQty int, limit float64, tag string) (types.OrderTicket, error)
	ComboOrder(ctx context.Context, legs []types.OrderLeg, quantity int, tag string) (types.OrderTicket, error)
	Cancel(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]types.Order, error)
	Portfolio(ctx context.Context) (map[string]types.Holding, error)
	Account(ctx context.Context) (types.AccountSummary, error)
}
