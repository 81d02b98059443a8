package risk

import (
	"fmt"
	"time"

	"condorbot/pkg/types"
)

// Circuit breaker thresholds, as fractions of the reference value.
const (
	DailyLossLimit      = 0.05
	WeeklyLossLimit     = 0.10
	MonthlyLossLimit    = 0.15
	IntradayDrawdown    = 0.03
	MaxConsecutiveLoss  = 3
	RecoveryMinElapsed  = 24 * time.Hour
	// RecoveryMaxDrawdown is the residual loss against the trip-day anchor
	// that still blocks reset: a $100k day that tripped at $94,500 unblocks
	// once the portfolio climbs back to $96,000.
	RecoveryMaxDrawdown = 0.04
)

// CircuitBreaker trips on loss thresholds and holds the system in emergency
// until both recovery conditions are met: at least 24 hours elapsed and the
// drawdown against the trip-day anchor narrowed to under RecoveryMaxDrawdown.
type CircuitBreaker struct {
	deps Deps

	dayStart       float64
	dayStartDate   time.Time
	weekStart      float64
	weekStartDate  time.Time
	monthStart     float64
	monthStartDate time.Time
	intradayPeak   float64

	consecutiveLosses int

	tripped     bool
	tripReason  string
	trippedAt   time.Time
	tripValue   float64
	tripAnchor  float64 // dayStart at trip time
	latestValue float64
}

// NewCircuitBreaker creates the plugin; reference values anchor on the first
// account observation.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{}
}

func (cb *CircuitBreaker) Name() string    { return "circuit_breaker" }
func (cb *CircuitBreaker) Version() string { return "1.0" }

func (cb *CircuitBreaker) Initialize(deps Deps) error {
	cb.deps = deps
	return nil
}

// CanOpenPosition rejects everything while tripped.
func (cb *CircuitBreaker) CanOpenPosition(string, int, OpenContext) (bool, string) {
	if cb.tripped {
		return false, "Emergency mode active: " + cb.tripReason
	}
	return true, ""
}

func (cb *CircuitBreaker) OnPositionOpened(string, int, float64, OpenContext) {}

// OnPositionClosed tracks the consecutive-loss streak.
func (cb *CircuitBreaker) OnPositionClosed(_ string, _ int, pnl float64, _ OpenContext) {
	if pnl < 0 {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}
}

func (cb *CircuitBreaker) OnMarketData(string, float64) {}

// PeriodicCheck observes the account, rolls the daily/weekly/monthly anchors,
// and trips on any threshold breach.
func (cb *CircuitBreaker) PeriodicCheck() []types.RiskEvent {
	if cb.deps.Account == nil {
		return nil
	}
	acct, err := cb.deps.Account.Account()
	if err != nil || acct.PortfolioValue <= 0 {
		return nil
	}
	value := acct.PortfolioValue
	cb.latestValue = value
	now := cb.deps.Now()
	cb.rollAnchors(value, now)

	if value > cb.intradayPeak {
		cb.intradayPeak = value
	}
	if cb.tripped {
		return nil
	}

	reason := cb.breachReason(value)
	if reason == "" {
		return nil
	}

	cb.tripped = true
	cb.tripReason = reason
	cb.trippedAt = now
	cb.tripValue = value
	cb.tripAnchor = cb.dayStart
	return []types.RiskEvent{{
		Kind:    types.RiskCircuitBreakerTriggered,
		Level:   types.RiskEmergency,
		Message: reason,
		Data: map[string]any{
			"portfolio_value": value,
			"day_start":       cb.dayStart,
			"week_start":      cb.weekStart,
			"month_start":     cb.monthStart,
		},
		Timestamp: now,
	}}
}

func (cb *CircuitBreaker) rollAnchors(value float64, now time.Time) {
	if cb.dayStart == 0 || now.YearDay() != cb.dayStartDate.YearDay() || now.Year() != cb.dayStartDate.Year() {
		cb.dayStart = value
		cb.dayStartDate = now
		cb.intradayPeak = value
	}
	y1, w1 := now.ISOWeek()
	y2, w2 := cb.weekStartDate.ISOWeek()
	if cb.weekStart == 0 || y1 != y2 || w1 != w2 {
		cb.weekStart = value
		cb.weekStartDate = now
	}
	if cb.monthStart == 0 || now.Month() != cb.monthStartDate.Month() || now.Year() != cb.monthStartDate.Year() {
		cb.monthStart = value
		cb.monthStartDate = now
	}
}

func (cb *CircuitBreaker) breachReason(value float64) string {
	if loss := 1 - value/cb.dayStart; loss >= DailyLossLimit {
		return fmt.Sprintf("daily loss %.1f%% > %.1f%%", loss*100, DailyLossLimit*100)
	}
	if loss := 1 - value/cb.weekStart; loss >= WeeklyLossLimit {
		return fmt.Sprintf("weekly loss %.1f%% > %.1f%%", loss*100, WeeklyLossLimit*100)
	}
	if loss := 1 - value/cb.monthStart; loss >= MonthlyLossLimit {
		return fmt.Sprintf("monthly loss %.1f%% > %.1f%%", loss*100, MonthlyLossLimit*100)
	}
	if dd := 1 - value/cb.intradayPeak; dd >= IntradayDrawdown {
		return fmt.Sprintf("intraday drawdown %.1f%% > %.1f%%", dd*100, IntradayDrawdown*100)
	}
	if cb.consecutiveLosses >= MaxConsecutiveLoss {
		return fmt.Sprintf("%d consecutive losses", cb.consecutiveLosses)
	}
	return ""
}

// TryReset applies the recovery conditions. Called by the manager's
// ResetEmergencyMode.
func (cb *CircuitBreaker) TryReset() (bool, string) {
	if !cb.tripped {
		return true, ""
	}
	elapsed := cb.deps.Now().Sub(cb.trippedAt)
	if elapsed < RecoveryMinElapsed {
		return false, fmt.Sprintf("only %s since trip, need %s", elapsed.Round(time.Minute), RecoveryMinElapsed)
	}
	required := cb.tripAnchor * (1 - RecoveryMaxDrawdown)
	if cb.tripAnchor > 0 && cb.latestValue < required {
		return false, fmt.Sprintf("portfolio %.0f below recovery threshold %.0f", cb.latestValue, required)
	}
	cb.tripped = false
	cb.tripReason = ""
	cb.consecutiveLosses = 0
	return true, ""
}

func (cb *CircuitBreaker) RiskMetrics() map[string]any {
	return map[string]any{
		"tripped":            cb.tripped,
		"trip_reason":        cb.tripReason,
		"day_start":          cb.dayStart,
		"week_start":         cb.weekStart,
		"month_start":        cb.monthStart,
		"intraday_peak":      cb.intradayPeak,
		"consecutive_losses": cb.consecutiveLosses,
	}
}

func (cb *CircuitBreaker) Shutdown() {}
