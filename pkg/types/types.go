// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — option
// contracts, position components, strategy states and triggers, bus events,
// risk events, and the broker/market-data wire types. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Option contracts
// ————————————————————————————————————————————————————————————————————————

// Right is the option right: call or put.
type Right string

const (
	Call Right = "C"
	Put  Right = "P"
)

// Standard contract multipliers per product family.
const (
	MultiplierEquity = 100.0 // SPY, QQQ and friends
	MultiplierES     = 50.0  // /ES futures options
	MultiplierMES    = 5.0   // /MES futures options
)

// OptionContract is the reference for a single listed option.
// Symbol is the OCC-style encoding: UNDERLYING + YYMMDD + right + strike*1000,
// e.g. "SPY250919P00447000".
type OptionContract struct {
	Symbol     string    `json:"symbol"`
	Underlying string    `json:"underlying"`
	Strike     float64   `json:"strike"`
	Expiry     time.Time `json:"expiry"`
	Right      Right     `json:"right"`
	Multiplier float64   `json:"multiplier"`
}

// OCCSymbol builds the OCC-style symbol for a contract.
func OCCSymbol(underlying string, expiry time.Time, right Right, strike float64) string {
	return fmt.Sprintf("%s%s%s%08d", underlying, expiry.Format("060102"), right, int64(math.Round(strike*1000)))
}

// NewOptionContract builds a contract with a derived OCC symbol.
func NewOptionContract(underlying string, expiry time.Time, right Right, strike, multiplier float64) OptionContract {
	return OptionContract{
		Symbol:     OCCSymbol(underlying, expiry, right, strike),
		Underlying: underlying,
		Strike:     strike,
		Expiry:     expiry,
		Right:      right,
		Multiplier: multiplier,
	}
}

// DTE returns whole calendar days until expiry, never negative.
func (c OptionContract) DTE(now time.Time) int {
	d := int(c.Expiry.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// ChainContract is one row of an option chain as served by the market-data
// adapter: the contract reference plus its current market.
type ChainContract struct {
	Contract     OptionContract
	Bid          float64
	Ask          float64
	Last         float64
	IV           float64 // implied volatility, e.g. 0.20 = 20%
	Delta        float64 // as quoted by the data source (signed)
	OpenInterest int64
}

// Mid returns the bid/ask midpoint, falling back to last when one side is empty.
func (c ChainContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// ————————————————————————————————————————————————————————————————————————
// Position model
// ————————————————————————————————————————————————————————————————————————

// ComponentStatus is the lifecycle of a single leg.
type ComponentStatus string

const (
	ComponentPending         ComponentStatus = "Pending"
	ComponentOpen            ComponentStatus = "Open"
	ComponentPartiallyFilled ComponentStatus = "PartiallyFilled"
	ComponentClosed          ComponentStatus = "Closed"
	ComponentCancelled       ComponentStatus = "Cancelled"
	ComponentAssigned        ComponentStatus = "Assigned"
)

// PositionStatus is the lifecycle of a multi-leg position.
type PositionStatus string

const (
	PositionBuilding        PositionStatus = "Building"
	PositionActive          PositionStatus = "Active"
	PositionPartiallyClosed PositionStatus = "PartiallyClosed"
	PositionClosed          PositionStatus = "Closed"
)

// LegType tags a component with its structural role inside a strategy.
type LegType string

const (
	LegLeapCall   LegType = "LEAP_CALL"
	LegWeeklyCall LegType = "WEEKLY_CALL"
	LegNakedPut   LegType = "NAKED_PUT"
	LegDebitLong  LegType = "DEBIT_LONG"
	LegDebitShort LegType = "DEBIT_SHORT"
	LegShortPut   LegType = "SHORT_PUT"
	LegShortCall  LegType = "SHORT_CALL"
	LegLongPut    LegType = "LONG_PUT"
	LegLongCall   LegType = "LONG_CALL"
	LegLadderPut  LegType = "LADDER_PUT"
)

// ————————————————————————————————————————————————————————————————————————
// Strategy state machine vocabulary
// ————————————————————————————————————————————————————————————————————————

// StrategyState is the finite set of states every strategy machine moves through.
type StrategyState string

const (
	StateInitializing StrategyState = "Initializing"
	StateReady        StrategyState = "Ready"
	StateAnalyzing    StrategyState = "Analyzing"
	StatePendingEntry StrategyState = "PendingEntry"
	StateEntering     StrategyState = "Entering"
	StatePositionOpen StrategyState = "PositionOpen"
	StateManaging     StrategyState = "Managing"
	StateAdjusting    StrategyState = "Adjusting"
	StatePendingExit  StrategyState = "PendingExit"
	StateExiting      StrategyState = "Exiting"
	StateClosed       StrategyState = "Closed"
	StateSuspended    StrategyState = "Suspended"
	StateError        StrategyState = "Error"
)

// Trigger is the closed set of transition triggers.
type Trigger string

const (
	TriggerMarketOpen          Trigger = "MarketOpen"
	TriggerMarketClose         Trigger = "MarketClose"
	TriggerTimeWindowStart     Trigger = "TimeWindowStart"
	TriggerTimeWindowEnd       Trigger = "TimeWindowEnd"
	TriggerEntryConditionsMet  Trigger = "EntryConditionsMet"
	TriggerEntryConditionsFail Trigger = "EntryConditionsFailed"
	TriggerOrderFilled         Trigger = "OrderFilled"
	TriggerOrderRejected       Trigger = "OrderRejected"
	TriggerProfitTargetHit     Trigger = "ProfitTargetHit"
	TriggerStopLossHit         Trigger = "StopLossHit"
	TriggerDefensiveExitDTE    Trigger = "DefensiveExitDTE"
	TriggerAdjustmentNeeded    Trigger = "AdjustmentNeeded"
	TriggerEmergencyExit       Trigger = "EmergencyExit"
	TriggerVIXSpike            Trigger = "VIXSpike"
	TriggerMarginCall          Trigger = "MarginCall"
	TriggerCorrelationLimit    Trigger = "CorrelationLimit"
	TriggerDataStale           Trigger = "DataStale"
	TriggerSystemError         Trigger = "SystemError"
)

// SystemState is the system-level state driven by the unified state manager.
type SystemState string

const (
	SystemInitializing SystemState = "Initializing"
	SystemMarketClosed SystemState = "MarketClosed"
	SystemPreMarket    SystemState = "PreMarket"
	SystemMarketOpen   SystemState = "MarketOpen"
	SystemEmergency    SystemState = "Emergency"
	SystemHalted       SystemState = "Halted"
	SystemShuttingDown SystemState = "ShuttingDown"
)

// ————————————————————————————————————————————————————————————————————————
// VIX regimes and account phases
// ————————————————————————————————————————————————————————————————————————

// Regime classifies the volatility environment. Ordered: Low < Normal <
// Elevated < High < Extreme < Crisis < Historic.
type Regime int

const (
	RegimeLow Regime = iota
	RegimeNormal
	RegimeElevated
	RegimeHigh
	RegimeExtreme
	RegimeCrisis
	RegimeHistoric
)

func (r Regime) String() string {
	switch r {
	case RegimeLow:
		return "Low"
	case RegimeNormal:
		return "Normal"
	case RegimeElevated:
		return "Elevated"
	case RegimeHigh:
		return "High"
	case RegimeExtreme:
		return "Extreme"
	case RegimeCrisis:
		return "Crisis"
	case RegimeHistoric:
		return "Historic"
	default:
		return fmt.Sprintf("Regime(%d)", int(r))
	}
}

// AccountPhase is the portfolio-value-indexed tier controlling BP caps and
// strategy eligibility.
type AccountPhase int

const (
	Phase1 AccountPhase = 1 // < $40k
	Phase2 AccountPhase = 2 // < $60k
	Phase3 AccountPhase = 3 // < $75k
	Phase4 AccountPhase = 4 // >= $75k
)

// PhaseForValue maps a portfolio value to its account phase.
func PhaseForValue(portfolioValue float64) AccountPhase {
	switch {
	case portfolioValue < 40_000:
		return Phase1
	case portfolioValue < 60_000:
		return Phase2
	case portfolioValue < 75_000:
		return Phase3
	default:
		return Phase4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Bus events
// ————————————————————————————————————————————————————————————————————————

// EventType discriminates bus event payloads.
type EventType string

const (
	EventMarketDataUpdated          EventType = "MarketDataUpdated"
	EventPositionOpened             EventType = "PositionOpened"
	EventPositionClosed             EventType = "PositionClosed"
	EventPositionUpdated            EventType = "PositionUpdated"
	EventGreeksCalculated           EventType = "GreeksCalculated"
	EventGreeksCalculationRequest   EventType = "GreeksCalculationRequest"
	EventGreeksCalculationResponse  EventType = "GreeksCalculationResponse"
	EventCircuitBreakerTriggered    EventType = "CircuitBreakerTriggered"
	EventVIXRegimeChange            EventType = "VIXRegimeChange"
	EventCircularDependencyDetected EventType = "CircularDependencyDetected"
	EventOrderFilled                EventType = "OrderFilled"
	EventOrderFailure               EventType = "OrderFailure"
	EventPerformanceThresholdBreach EventType = "PerformanceThresholdBreach"
	EventRiskAlert                  EventType = "RiskAlert"
	EventEmergencyHalt              EventType = "EmergencyHalt"
	EventCacheMaintenance           EventType = "CacheMaintenance"
)

// ChainLink is one hop of an event chain, used for loop detection.
type ChainLink struct {
	Type   EventType
	Source string
}

// Event is a single bus publication. Chain carries the (type, source) pairs
// of every ancestor publication so the bus can refuse cyclic re-publication.
// CorrelationID is stable across a request/response exchange.
type Event struct {
	Type          EventType
	Payload       map[string]any
	Source        string
	Timestamp     time.Time
	CorrelationID string
	Hops          int
	Chain         []ChainLink
	MaxHops       int
}

// HasLink reports whether the chain already contains the given (type, source) pair.
func (e *Event) HasLink(t EventType, source string) bool {
	for _, l := range e.Chain {
		if l.Type == t && l.Source == source {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Risk events
// ————————————————————————————————————————————————————————————————————————

// RiskEventKind names the condition a risk plugin detected.
type RiskEventKind string

const (
	RiskCircuitBreakerTriggered  RiskEventKind = "CircuitBreakerTriggered"
	RiskCorrelationLimitExceeded RiskEventKind = "CorrelationLimitExceeded"
	RiskConcentrationExceeded    RiskEventKind = "ConcentrationLimitExceeded"
	RiskMarginThresholdExceeded  RiskEventKind = "MarginThresholdExceeded"
	RiskVIXEmergency             RiskEventKind = "VIXEmergency"
	RiskRecoveryConditionsMet    RiskEventKind = "RecoveryConditionsMet"
)

// RiskLevel grades the severity of a risk event.
type RiskLevel int

const (
	RiskInfo RiskLevel = iota
	RiskWarning
	RiskCritical
	RiskEmergency
)

func (l RiskLevel) String() string {
	switch l {
	case RiskInfo:
		return "Info"
	case RiskWarning:
		return "Warning"
	case RiskCritical:
		return "Critical"
	case RiskEmergency:
		return "Emergency"
	default:
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
}

// RiskEvent is emitted by risk plugins through periodic checks and callbacks.
type RiskEvent struct {
	Kind      RiskEventKind
	Level     RiskLevel
	Message   string
	Data      map[string]any
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Greeks
// ————————————————————————————————————————————————————————————————————————

// Greeks holds the standard first-order sensitivities. Theta is per calendar
// day, Vega per 1% IV move, Rho per 1% rate move. Values are position-level
// (already scaled by signed quantity and multiplier) unless documented
// otherwise at the call site.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Add returns the component-wise sum of two Greeks.
func (g Greeks) Add(o Greeks) Greeks {
	return Greeks{
		Delta: g.Delta + o.Delta,
		Gamma: g.Gamma + o.Gamma,
		Theta: g.Theta + o.Theta,
		Vega:  g.Vega + o.Vega,
		Rho:   g.Rho + o.Rho,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Broker wire types
// ————————————————————————————————————————————————————————————————————————

// OrderSide is the direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderKind enumerates supported order types.
type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
	OrderCombo  OrderKind = "COMBO"
)

// OrderStatus is the broker-reported order lifecycle.
type OrderStatus string

const (
	OrderPending         OrderStatus = "Pending"
	OrderSubmitted       OrderStatus = "Submitted"
	OrderFilled          OrderStatus = "Filled"
	OrderPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderCancelled       OrderStatus = "Cancelled"
	OrderRejected        OrderStatus = "Rejected"
	OrderFailed          OrderStatus = "Failed"
)

// OrderLeg is one leg of a (possibly multi-leg) order. Quantity is signed:
// positive = buy to open / long, negative = sell to open / short.
type OrderLeg struct {
	Contract OptionContract `json:"contract"`
	Quantity int            `json:"quantity"`
	LegType  LegType        `json:"leg_type"`
	Limit    float64        `json:"limit,omitempty"` // 0 = market
}

// IsShort reports whether the leg sells premium.
func (l OrderLeg) IsShort() bool { return l.Quantity < 0 }

// OrderTicket is the broker's acknowledgement of a submission.
type OrderTicket struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	FilledQty    int         `json:"filled_qty"`
	Message      string      `json:"message,omitempty"`
}

// Order is a live order as reported by the broker's open-orders endpoint.
type Order struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Side       OrderSide   `json:"side"`
	Kind       OrderKind   `json:"kind"`
	Quantity   int         `json:"quantity"`
	LimitPrice float64     `json:"limit_price,omitempty"`
	StopPrice  float64     `json:"stop_price,omitempty"`
	Status     OrderStatus `json:"status"`
	Message    string      `json:"message,omitempty"` // venue text, set on rejects
	SubmitTime time.Time   `json:"submit_time"`
	Tag        string      `json:"tag,omitempty"`
}

// Holding is a single portfolio line as reported by the broker.
type Holding struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"` // signed
	AveragePrice float64 `json:"average_price"`
	MarketPrice  float64 `json:"market_price"`
}

// AccountSummary is the broker's account snapshot.
type AccountSummary struct {
	PortfolioValue  float64 `json:"portfolio_value"`
	Cash            float64 `json:"cash"`
	MarginUsed      float64 `json:"margin_used"`
	MarginRemaining float64 `json:"margin_remaining"`
	BuyingPower     float64 `json:"buying_power"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// QuoteTick is one tick of market data entering the core's data callback.
type QuoteTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is an OHLCV bar at some resolution.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}
