// Package marketdata supplies prices, quotes, bars, and option chains to the
// core. Provider is the surface the rest of the system consumes; Stream is
// the live WebSocket feed and Static a deterministic provider for tests and
// dry runs.
package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"condorbot/internal/greeks"
	"condorbot/pkg/types"
)

// Provider is the market-data surface consumed by strategies and managers.
// All session logic is Eastern time: the exchange clock, not the host clock.
type Provider interface {
	Price(ctx context.Context, symbol string) (float64, error)
	Quote(ctx context.Context, symbol string) (types.QuoteTick, error)
	Bar(ctx context.Context, symbol string) (types.Bar, error)
	OptionChain(ctx context.Context, underlying string, minDTE, maxDTE int) ([]types.ChainContract, error)
	IsMarketOpen(symbol string) bool
}

// futuresSymbols trade nearly around the clock; everything else keeps equity
// session hours.
var futuresSymbols = map[string]bool{
	"ES": true, "MES": true, "GC": true, "SI": true, "CL": true, "NG": true,
}

// Static is a deterministic Provider: scripted spot prices and synthetic
// option chains derived from them. Strategies exercise their full entry
// logic against it without a data vendor.
type Static struct {
	mu      sync.Mutex
	prices  map[string]float64
	baseIV  float64
	forced  *bool // overrides market hours when set
	marketTZ *time.Location
	now     func() time.Time
}

// NewStatic creates a provider with no prices loaded. Unpriced symbols
// error.
func NewStatic() *Static {
	tz, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(fmt.Sprintf("load market timezone: %v", err))
	}
	return &Static{
		prices:   map[string]float64{},
		baseIV:   0.20,
		marketTZ: tz,
		now:      time.Now,
	}
}

// SetClock injects the time source; session hours, chain expiries, and DTEs
// all derive from it.
func (s *Static) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPrice scripts the spot for a symbol.
func (s *Static) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetBaseIV scripts the at-the-money implied volatility for synthetic chains.
func (s *Static) SetBaseIV(iv float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseIV = iv
}

// ForceMarketOpen overrides session-hour logic; pass nil to restore it.
func (s *Static) ForceMarketOpen(open *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = open
}

// Price returns the scripted spot.
func (s *Static) Price(_ context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

// Quote returns a synthetic quote one cent wide around the scripted spot.
func (s *Static) Quote(ctx context.Context, symbol string) (types.QuoteTick, error) {
	p, err := s.Price(ctx, symbol)
	if err != nil {
		return types.QuoteTick{}, err
	}
	return types.QuoteTick{
		Symbol:    symbol,
		Price:     p,
		Bid:       p - 0.01,
		Ask:       p + 0.01,
		Timestamp: s.now(),
	}, nil
}

// Bar returns a flat bar at the scripted spot.
func (s *Static) Bar(ctx context.Context, symbol string) (types.Bar, error) {
	p, err := s.Price(ctx, symbol)
	if err != nil {
		return types.Bar{}, err
	}
	return types.Bar{
		Symbol: symbol, Open: p, High: p, Low: p, Close: p,
		Volume: 1_000_000, Timestamp: s.now(),
	}, nil
}

// OptionChain builds a synthetic chain: strikes every 1% of spot across
// ±15%, puts and calls, one expiry per Friday inside the DTE window. Quotes
// carry a volatility smile and model deltas so strategies can select by
// delta the same way they would against a live chain.
func (s *Static) OptionChain(ctx context.Context, underlying string, minDTE, maxDTE int) ([]types.ChainContract, error) {
	spot, err := s.Price(ctx, underlying)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	baseIV := s.baseIV
	now := s.now()
	s.mu.Unlock()

	var chain []types.ChainContract
	for _, expiry := range fridaysBetween(now, minDTE, maxDTE) {
		dte := int(expiry.Sub(now).Hours() / 24)
		for pct := -15; pct <= 15; pct++ {
			strike := math.Round(spot * (1 + float64(pct)/100))
			for _, right := range []types.Right{types.Put, types.Call} {
				iv := smileIV(baseIV, spot, strike)
				mid := syntheticPremium(spot, strike, dte, iv, right)
				g, ok := greeks.BlackScholes(spot, strike, dte, iv, right)
				if !ok {
					continue
				}
				spread := math.Max(0.02, mid*0.04)
				chain = append(chain, types.ChainContract{
					Contract:     types.NewOptionContract(underlying, expiry, right, strike, 100),
					Bid:          math.Max(0.01, mid-spread/2),
					Ask:          mid + spread/2,
					Last:         mid,
					IV:           iv,
					Delta:        g.Delta,
					OpenInterest: 1000,
				})
			}
		}
	}
	return chain, nil
}

// IsMarketOpen reports session state: 09:30–16:00 Eastern weekdays for
// equities, nearly continuous for futures (closed Saturday and before the
// Sunday 18:00 reopen).
func (s *Static) IsMarketOpen(symbol string) bool {
	s.mu.Lock()
	forced := s.forced
	now := s.now().In(s.marketTZ)
	s.mu.Unlock()

	if forced != nil {
		return *forced
	}
	if futuresSymbols[symbol] {
		switch now.Weekday() {
		case time.Saturday:
			return false
		case time.Sunday:
			return now.Hour() >= 18
		default:
			return true
		}
	}
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	mins := now.Hour()*60 + now.Minute()
	return mins >= 9*60+30 && mins < 16*60
}

// fridaysBetween lists Friday expiries whose DTE falls inside [minDTE, maxDTE].
func fridaysBetween(now time.Time, minDTE, maxDTE int) []time.Time {
	var out []time.Time
	day := now
	for dte := 0; dte <= maxDTE; dte++ {
		if day.Weekday() == time.Friday && dte >= minDTE {
			out = append(out, time.Date(day.Year(), day.Month(), day.Day(), 16, 0, 0, 0, day.Location()))
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// smileIV bends base volatility up away from the money, steeper on the put
// side.
func smileIV(base, spot, strike float64) float64 {
	m := math.Log(strike / spot)
	skew := 0.3 * m * m
	if strike < spot {
		skew *= 1.5
	}
	return base + skew
}

// syntheticPremium approximates an option price: intrinsic value plus a
// Brenner–Subrahmanyam time value damped by moneyness.
func syntheticPremium(spot, strike float64, dte int, iv float64, right types.Right) float64 {
	t := math.Max(float64(dte), 0.25) / 365.0
	atmTime := 0.4 * spot * iv * math.Sqrt(t)
	m := math.Log(strike / spot)
	timeValue := atmTime * math.Exp(-(m*m)/(2*iv*iv*t+1e-9))

	intrinsic := 0.0
	if right == types.Call && spot > strike {
		intrinsic = spot - strike
	} else if right == types.Put && strike > spot {
		intrinsic = strike - spot
	}
	return math.Max(0.01, intrinsic+timeValue)
}
