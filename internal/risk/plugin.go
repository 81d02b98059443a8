// Package risk is the authoritative go/no-go oracle for every position
// attempt. It hosts an ordered list of policy plugins and applies the
// unanimous-vote rule: a position may open only when every plugin approves.
//
// Plugins are isolated: a panic in any callback is caught and counted, and a
// plugin that fails ten times is disabled. A disabled plugin votes false
// (fail-safe) — the book can only get more conservative under plugin failure.
package risk

import (
	"time"

	"condorbot/pkg/types"
)

// maxPluginErrors disables a plugin once reached.
const maxPluginErrors = 10

// disabledReason is the vote reason given for a disabled plugin.
const disabledReason = "plugin disabled"

// Publisher is the slice of the event bus the risk layer needs.
type Publisher interface {
	Publish(t types.EventType, data map[string]any, source string) bool
}

// AccountSource supplies the broker account snapshot.
type AccountSource interface {
	Account() (types.AccountSummary, error)
}

// Deps is handed to every plugin at initialization. Any field may be nil;
// plugins must degrade gracefully.
type Deps struct {
	Account AccountSource
	Bus     Publisher
	Now     func() time.Time
}

// OpenContext carries the deciding inputs of a position attempt.
type OpenContext struct {
	StrategyID string
	Phase      types.AccountPhase
	Delta      float64 // net delta the position would add
	Contracts  int     // absolute contract count
	DTE        int
	IsShort    bool // sells premium
}

// Plugin is one risk policy. All callbacks are invoked by the manager only;
// plugins hold no references to each other and communicate via the bus.
type Plugin interface {
	Name() string
	Version() string
	Initialize(deps Deps) error

	// CanOpenPosition votes on a position attempt. A false vote must carry
	// a reason.
	CanOpenPosition(symbol string, quantity int, ctx OpenContext) (bool, string)

	OnPositionOpened(symbol string, quantity int, price float64, ctx OpenContext)
	OnPositionClosed(symbol string, quantity int, pnl float64, ctx OpenContext)
	OnMarketData(symbol string, price float64)

	// PeriodicCheck runs on the risk cadence and returns any detected
	// conditions.
	PeriodicCheck() []types.RiskEvent

	RiskMetrics() map[string]any
	Shutdown()
}
