// Package greeks computes per-leg and portfolio-level option Greeks.
//
// Pricing is plain Black-Scholes — the core needs sensitivities, not fair
// values, so no dividend or American-exercise refinements are carried. N(d)
// and φ(d) come from gonum's standard normal. Conventions:
//
//   - Delta keeps its Black-Scholes sign and scales by signed quantity ×
//     multiplier, so short puts contribute positive portfolio delta.
//   - Theta is per calendar day, negative for long premium.
//   - Vega is per 1% IV move, Rho per 1% rate move.
//
// A computation with degenerate inputs (zero spot, zero vol) returns zeros
// with a logged warning rather than failing: one bad quote must never stop
// the portfolio aggregation.
package greeks

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"condorbot/pkg/types"
)

// RiskFreeRate is the flat annual rate used for discounting.
const RiskFreeRate = 0.05

// minYears avoids division by zero on same-day expiries: half a trading day.
const minYears = 0.5 / 365.0

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// BlackScholes returns the per-contract Greeks (unscaled by quantity or
// multiplier) for one option. dte is in calendar days; iv is annualized,
// e.g. 0.20. Degenerate inputs yield zero Greeks and ok=false.
func BlackScholes(spot, strike float64, dte int, iv float64, right types.Right) (types.Greeks, bool) {
	if spot <= 0 || strike <= 0 || iv <= 0 {
		return types.Greeks{}, false
	}

	t := float64(dte) / 365.0
	if t < minYears {
		t = minYears
	}
	sqrtT := math.Sqrt(t)

	d1 := (math.Log(spot/strike) + (RiskFreeRate+iv*iv/2)*t) / (iv * sqrtT)
	d2 := d1 - iv*sqrtT

	pdfD1 := stdNormal.Prob(d1)
	discount := math.Exp(-RiskFreeRate * t)

	var delta, theta, rho float64
	if right == types.Call {
		delta = stdNormal.CDF(d1)
		theta = -spot*pdfD1*iv/(2*sqrtT) - RiskFreeRate*strike*discount*stdNormal.CDF(d2)
		rho = strike * t * discount * stdNormal.CDF(d2) / 100
	} else {
		delta = stdNormal.CDF(d1) - 1
		theta = -spot*pdfD1*iv/(2*sqrtT) + RiskFreeRate*strike*discount*stdNormal.CDF(-d2)
		rho = -strike * t * discount * stdNormal.CDF(-d2) / 100
	}

	return types.Greeks{
		Delta: delta,
		Gamma: pdfD1 / (spot * iv * sqrtT),
		Theta: theta / 365.0,
		Vega:  spot * pdfD1 * sqrtT / 100,
		Rho:   rho,
	}, true
}

// EstimateIV produces a conservative implied-volatility estimate from
// moneyness and time to expiry, for quotes arriving without an IV. The smile
// approximation raises vol away from the money and for very short maturities.
// Clamped to [0.20, 0.80].
func EstimateIV(spot, strike float64, dte int) float64 {
	if spot <= 0 || strike <= 0 {
		return 0.20
	}
	moneyness := math.Abs(math.Log(spot / strike))
	term := 0.0
	if dte < 30 {
		term = 0.08 * math.Sqrt(30/math.Max(float64(dte), 1))
	}
	iv := 0.20 + 1.2*moneyness + term
	return math.Min(0.80, math.Max(0.20, iv))
}
