package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"condorbot/pkg/types"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	DryRun  bool // mutating methods return fake success without HTTP calls
}

// Client talks to the brokerage REST gateway:
//   - MarketOrder/LimitOrder: POST /v1/orders
//   - ComboOrder:             POST /v1/orders/combo — one atomic multi-leg unit
//   - Cancel:                 DELETE /v1/orders/{id}
//   - OpenOrders:             GET /v1/orders?status=open
//   - Portfolio:              GET /v1/portfolio
//   - Account:                GET /v1/account
//
// Every request is rate-limited via per-category TokenBuckets and
// automatically retried on 5xx errors.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+cfg.APIKey)

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "broker"),
	}
}

type orderRequest struct {
	Symbol     string  `json:"symbol"`
	Quantity   int     `json:"quantity"` // signed
	Kind       string  `json:"kind"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	Tag        string  `json:"tag,omitempty"`
}

type comboRequest struct {
	Legs     []types.OrderLeg `json:"legs"`
	Quantity int              `json:"quantity"`
	Tag      string           `json:"tag,omitempty"`
}

// MarketOrder submits a market order for a signed quantity.
func (c *Client) MarketOrder(ctx context.Context, symbol string, signedQty int, tag string) (types.OrderTicket, error) {
	return c.submit(ctx, orderRequest{Symbol: symbol, Quantity: signedQty, Kind: string(types.OrderMarket), Tag: tag})
}

// LimitOrder submits a limit order for a signed quantity.
func (c *Client) LimitOrder(ctx context.Context, symbol string, signedQty int, limit float64, tag string) (types.OrderTicket, error) {
	return c.submit(ctx, orderRequest{Symbol: symbol, Quantity: signedQty, Kind: string(types.OrderLimit), LimitPrice: limit, Tag: tag})
}

func (c *Client) submit(ctx context.Context, req orderRequest) (types.OrderTicket, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order", "symbol", req.Symbol, "qty", req.Quantity)
		return types.OrderTicket{OrderID: "dry-run", Status: types.OrderFilled, FilledQty: req.Quantity}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderTicket{}, err
	}

	var ticket types.OrderTicket
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ticket).
		Post("/v1/orders")
	if err != nil {
		return types.OrderTicket{}, fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderTicket{}, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return ticket, nil
}

// ComboOrder submits all legs as one atomic multi-leg unit. The gateway
// either accepts the whole combo or rejects it; no partial leg residue.
func (c *Client) ComboOrder(ctx context.Context, legs []types.OrderLeg, quantity int, tag string) (types.OrderTicket, error) {
	if len(legs) == 0 {
		return types.OrderTicket{}, fmt.Errorf("combo order: no legs")
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit combo", "legs", len(legs), "qty", quantity)
		return types.OrderTicket{OrderID: "dry-run", Status: types.OrderFilled, FilledQty: quantity}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderTicket{}, err
	}

	var ticket types.OrderTicket
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(comboRequest{Legs: legs, Quantity: quantity, Tag: tag}).
		SetResult(&ticket).
		Post("/v1/orders/combo")
	if err != nil {
		return types.OrderTicket{}, fmt.Errorf("combo order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderTicket{}, fmt.Errorf("combo order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return ticket, nil
}

// Cancel cancels one order by id.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", orderID).
		Delete("/v1/orders/{id}")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.logger.Info("order cancelled", "order", orderID)
	return nil
}

// OpenOrders lists live orders.
func (c *Client) OpenOrders(ctx context.Context) ([]types.Order, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var orders []types.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("status", "open").
		SetResult(&orders).
		Get("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return orders, nil
}

// Portfolio fetches the holdings map keyed by symbol.
func (c *Client) Portfolio(ctx context.Context) (map[string]types.Holding, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var holdings map[string]types.Holding
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&holdings).
		Get("/v1/portfolio")
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("portfolio: status %d: %s", resp.StatusCode(), resp.String())
	}
	return holdings, nil
}

// Account fetches the account snapshot.
func (c *Client) Account(ctx context.Context) (types.AccountSummary, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return types.AccountSummary{}, err
	}

	var acct types.AccountSummary
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&acct).
		Get("/v1/account")
	if err != nil {
		return types.AccountSummary{}, fmt.Errorf("account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.AccountSummary{}, fmt.Errorf("account: status %d: %s", resp.StatusCode(), resp.String())
	}
	return acct, nil
}
