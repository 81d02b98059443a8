package greeks

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"condorbot/internal/cache"
	"condorbot/pkg/types"
)

// Greek risk thresholds: {warning, critical}. Theta thresholds are negative
// (risk grows as theta falls).
var (
	deltaThresholds = [2]float64{50, 100}
	gammaThresholds = [2]float64{10, 20}
	thetaThresholds = [2]float64{-200, -500}
	vegaThresholds  = [2]float64{500, 1000}
)

// RiskBand classifies one Greek against its thresholds.
type RiskBand string

const (
	BandSafe     RiskBand = "Safe"
	BandWarning  RiskBand = "Warning"
	BandCritical RiskBand = "Critical"
)

// LegInput is one option leg to aggregate: its contract, signed contract
// count, the underlying spot, and the quote IV (0 = estimate).
type LegInput struct {
	Contract types.OptionContract
	Quantity int
	Spot     float64
	IV       float64
}

// EquityInput is a share position contributing pure delta.
type EquityInput struct {
	Symbol string
	Shares float64
}

// PortfolioGreeks is the aggregate view plus its risk classification.
type PortfolioGreeks struct {
	Total        types.Greeks
	ByUnderlying map[string]types.Greeks
	ByExpiry     map[string]types.Greeks // keyed YYYY-MM-DD
	Bands        map[string]RiskBand     // delta/gamma/theta/vega
	RiskScore    float64                 // 0 (all safe) … 1 (all critical)
}

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(t types.EventType, data map[string]any, source string) bool
}

// Service computes leg and portfolio Greeks with caching. Per-leg results are
// cached keyed on (spot, strike, dte, iv, right); the cache layer invalidates
// them on spot moves and position-set changes.
type Service struct {
	cache     *cache.Cache
	bus       Publisher
	logger    *slog.Logger
	lastBands map[string]RiskBand
	now       func() time.Time
}

// NewService creates a Greeks service. bus may be nil.
func NewService(c *cache.Cache, bus Publisher, logger *slog.Logger) *Service {
	return &Service{
		cache:     c,
		bus:       bus,
		logger:    logger.With("component", "greeks"),
		lastBands: map[string]RiskBand{},
		now:       time.Now,
	}
}

// LegGreeks returns the position-scaled Greeks for one leg: per-contract
// Black-Scholes values × signed quantity × multiplier. Never fails; a
// degenerate computation logs a warning and contributes zeros.
func (s *Service) LegGreeks(leg LegInput) types.Greeks {
	dte := leg.Contract.DTE(s.now())
	iv := leg.IV
	if iv <= 0 {
		iv = EstimateIV(leg.Spot, leg.Contract.Strike, dte)
	}

	key := fmt.Sprintf("bs:%.4f:%.4f:%d:%.4f:%s",
		leg.Spot, leg.Contract.Strike, dte, iv, leg.Contract.Right)

	v, err := s.cache.Get(key, cache.Greeks, leg.Contract.Underlying, func() (any, error) {
		g, ok := BlackScholes(leg.Spot, leg.Contract.Strike, dte, iv, leg.Contract.Right)
		if !ok {
			s.logger.Warn("greeks computation degenerate, contributing zeros",
				"symbol", leg.Contract.Symbol, "spot", leg.Spot, "iv", iv)
		}
		return g, nil
	})
	if err != nil {
		return types.Greeks{}
	}

	g := v.(types.Greeks)
	scale := float64(leg.Quantity) * leg.Contract.Multiplier
	return types.Greeks{
		Delta: g.Delta * scale,
		Gamma: g.Gamma * scale,
		Theta: g.Theta * scale,
		Vega:  g.Vega * scale,
		Rho:   g.Rho * scale,
	}
}

// Portfolio aggregates option legs and equity holdings, classifies the
// result, and publishes GreeksCalculated plus any risk-band crossings.
func (s *Service) Portfolio(legs []LegInput, equities []EquityInput) PortfolioGreeks {
	out := PortfolioGreeks{
		ByUnderlying: map[string]types.Greeks{},
		ByExpiry:     map[string]types.Greeks{},
	}

	for _, leg := range legs {
		g := s.LegGreeks(leg)
		out.Total = out.Total.Add(g)
		out.ByUnderlying[leg.Contract.Underlying] = out.ByUnderlying[leg.Contract.Underlying].Add(g)
		expKey := leg.Contract.Expiry.Format("2006-01-02")
		out.ByExpiry[expKey] = out.ByExpiry[expKey].Add(g)
	}
	for _, eq := range equities {
		g := types.Greeks{Delta: eq.Shares}
		out.Total = out.Total.Add(g)
		out.ByUnderlying[eq.Symbol] = out.ByUnderlying[eq.Symbol].Add(g)
	}

	out.Bands = classify(out.Total)
	out.RiskScore = score(out.Bands)
	s.emitAlerts(out)
	return out
}

// classify grades each aggregate Greek into Safe/Warning/Critical.
func classify(g types.Greeks) map[string]RiskBand {
	return map[string]RiskBand{
		"delta": bandAbs(g.Delta, deltaThresholds),
		"gamma": bandAbs(g.Gamma, gammaThresholds),
		"theta": bandBelow(g.Theta, thetaThresholds),
		"vega":  bandAbs(g.Vega, vegaThresholds),
	}
}

func bandAbs(v float64, th [2]float64) RiskBand {
	a := math.Abs(v)
	switch {
	case a >= th[1]:
		return BandCritical
	case a >= th[0]:
		return BandWarning
	default:
		return BandSafe
	}
}

func bandBelow(v float64, th [2]float64) RiskBand {
	switch {
	case v <= th[1]:
		return BandCritical
	case v <= th[0]:
		return BandWarning
	default:
		return BandSafe
	}
}

func score(bands map[string]RiskBand) float64 {
	points := 0
	for _, b := range bands {
		switch b {
		case BandWarning:
			points++
		case BandCritical:
			points += 2
		}
	}
	return float64(points) / float64(2*len(bands))
}

// emitAlerts publishes the aggregate and any band crossings since the last run.
func (s *Service) emitAlerts(p PortfolioGreeks) {
	if s.bus == nil {
		s.lastBands = p.Bands
		return
	}

	s.bus.Publish(types.EventGreeksCalculated, map[string]any{
		"greeks": map[string]any{
			"delta": p.Total.Delta,
			"gamma": p.Total.Gamma,
			"theta": p.Total.Theta,
			"vega":  p.Total.Vega,
			"rho":   p.Total.Rho,
		},
		"riskAnalysis": map[string]any{
			"score": p.RiskScore,
			"delta": string(p.Bands["delta"]),
			"gamma": string(p.Bands["gamma"]),
			"theta": string(p.Bands["theta"]),
			"vega":  string(p.Bands["vega"]),
		},
	}, "greeks")

	for name, band := range p.Bands {
		if prev, ok := s.lastBands[name]; ok && prev == band {
			continue
		}
		if band == BandSafe {
			continue
		}
		s.logger.Warn("greek risk band crossed", "greek", name, "band", string(band))
		s.bus.Publish(types.EventRiskAlert, map[string]any{
			"greek": name,
			"band":  string(band),
		}, "greeks")
	}
	s.lastBands = p.Bands
}
