package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"condorbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAccount struct{ value, marginUsed float64 }

func (f *fakeAccount) Account() (types.AccountSummary, error) {
	return types.AccountSummary{PortfolioValue: f.value, MarginUsed: f.marginUsed}, nil
}

type fakeBus struct{ events []types.EventType }

func (b *fakeBus) Publish(t types.EventType, _ map[string]any, _ string) bool {
	b.events = append(b.events, t)
	return true
}

type fakeDesk struct {
	orders    []types.Order
	cancelled []string
}

func (d *fakeDesk) OpenOrders() ([]types.Order, error) { return d.orders, nil }
func (d *fakeDesk) Cancel(id string) error {
	d.cancelled = append(d.cancelled, id)
	return nil
}

type fakeLiquidator struct{ closed int }

func (l *fakeLiquidator) CloseShortOptionPositions(string) int {
	l.closed = 2
	return 2
}

// votePlugin approves or rejects every attempt with a fixed verdict.
type votePluginStub struct {
	name   string
	ok     bool
	reason string
}

func (p *votePluginStub) Name() string              { return p.name }
func (p *votePluginStub) Version() string           { return "test" }
func (p *votePluginStub) Initialize(Deps) error     { return nil }
func (p *votePluginStub) CanOpenPosition(string, int, OpenContext) (bool, string) {
	return p.ok, p.reason
}
func (p *votePluginStub) OnPositionOpened(string, int, float64, OpenContext) {}
func (p *votePluginStub) OnPositionClosed(string, int, float64, OpenContext) {}
func (p *votePluginStub) OnMarketData(string, float64)                       {}
func (p *votePluginStub) PeriodicCheck() []types.RiskEvent                   { return nil }
func (p *votePluginStub) RiskMetrics() map[string]any                        { return map[string]any{} }
func (p *votePluginStub) Shutdown()                                          {}

// panicPlugin panics in every callback.
type panicPlugin struct{ votePluginStub }

func (p *panicPlugin) OnMarketData(string, float64) { panic("bad tick") }

func newManager(t *testing.T, deps Deps, plugins ...Plugin) *Manager {
	t.Helper()
	m := NewManager(deps, nil, nil, testLogger())
	for _, p := range plugins {
		if err := m.RegisterPlugin(p); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

// The vote is unanimous: one rejection sinks the entry.
func TestUnanimousVote(t *testing.T) {
	t.Parallel()
	yes := &votePluginStub{name: "a", ok: true}
	no := &votePluginStub{name: "b", ok: false, reason: "group cap"}

	m := newManager(t, Deps{}, yes, no)
	ok, reason := m.CanOpenPosition("SPY", -1, OpenContext{})
	if ok {
		t.Fatal("one rejection must veto")
	}
	if reason != "group cap" {
		t.Errorf("reason = %q, want first rejection propagated", reason)
	}

	all := newManager(t, Deps{}, &votePluginStub{name: "a", ok: true}, &votePluginStub{name: "b", ok: true})
	if ok, reason := all.CanOpenPosition("SPY", -1, OpenContext{}); !ok || reason != "" {
		t.Errorf("all-approve = (%v, %q), want (true, \"\")", ok, reason)
	}
}

func TestPluginDisabledAfterTenErrors(t *testing.T) {
	t.Parallel()
	p := &panicPlugin{votePluginStub{name: "flaky", ok: true}}
	m := newManager(t, Deps{}, p)

	for i := 0; i < maxPluginErrors; i++ {
		m.OnMarketData("SPY", 450)
	}

	// Disabled plugin votes false, fail-safe.
	ok, reason := m.CanOpenPosition("SPY", -1, OpenContext{})
	if ok {
		t.Fatal("disabled plugin must vote false")
	}
	if reason != "flaky: plugin disabled" {
		t.Errorf("reason = %q, want disabled reason", reason)
	}
}

func TestPluginBelowErrorThresholdStillEnabled(t *testing.T) {
	t.Parallel()
	p := &panicPlugin{votePluginStub{name: "flaky", ok: true}}
	m := newManager(t, Deps{}, p)

	// A few errors, below the disable threshold: plugin still enabled and
	// still voting.
	for i := 0; i < 3; i++ {
		m.OnMarketData("SPY", 450)
	}
	if ok, _ := m.CanOpenPosition("SPY", -1, OpenContext{}); !ok {
		t.Error("plugin below error threshold should still vote normally")
	}
}

// Circuit breaker: $100k at day start, $94,500 at 11:00.
func TestCircuitBreakerTripAndRecovery(t *testing.T) {
	t.Parallel()
	acct := &fakeAccount{value: 100_000}
	bus := &fakeBus{}
	desk := &fakeDesk{orders: []types.Order{{OrderID: "o-1"}, {OrderID: "o-2"}}}
	liq := &fakeLiquidator{}

	now := time.Date(2025, 6, 6, 9, 30, 0, 0, time.UTC)
	deps := Deps{Account: acct, Bus: bus, Now: func() time.Time { return now }}
	m := NewManager(deps, desk, liq, testLogger())
	cb := NewCircuitBreaker()
	if err := m.RegisterPlugin(cb); err != nil {
		t.Fatal(err)
	}

	// Anchor the day at 100k.
	m.PerformPeriodicChecks()

	// 11:00: portfolio down 5.5%.
	now = now.Add(90 * time.Minute)
	acct.value = 94_500
	events := m.PerformPeriodicChecks()
	if len(events) != 1 || events[0].Level != types.RiskEmergency {
		t.Fatalf("events = %+v, want one Emergency", events)
	}
	if events[0].Message != "daily loss 5.5% > 5.0%" {
		t.Errorf("message = %q", events[0].Message)
	}

	// Emergency sequence: orders cancelled, shorts liquidated, bus notified.
	if len(desk.cancelled) != 2 {
		t.Errorf("cancelled %d orders, want 2", len(desk.cancelled))
	}
	if liq.closed != 2 {
		t.Error("short-option positions not liquidated")
	}
	found := false
	for _, e := range bus.events {
		if e == types.EventCircuitBreakerTriggered {
			found = true
		}
	}
	if !found {
		t.Error("CircuitBreakerTriggered not published")
	}

	// Subsequent attempts refused with the emergency reason.
	ok, reason := m.CanOpenPosition("SPY", -1, OpenContext{})
	if ok {
		t.Fatal("position approved during emergency")
	}
	if reason != "Emergency mode active: daily loss 5.5% > 5.0%" {
		t.Errorf("reason = %q", reason)
	}

	// Too early to reset.
	if m.ResetEmergencyMode("operator") {
		t.Fatal("reset before 24h must refuse")
	}

	// t+24h but insufficient recovery: still more than 4% under the $100k
	// anchor recorded at trip time.
	now = now.Add(25 * time.Hour)
	acct.value = 95_900
	m.PerformPeriodicChecks()
	if m.ResetEmergencyMode("operator") {
		t.Fatal("reset below recovery threshold must refuse")
	}

	// Portfolio back to exactly $96,000: recovery conditions met.
	acct.value = 96_000
	m.PerformPeriodicChecks()
	if !m.ResetEmergencyMode("operator") {
		t.Fatal("reset with 24h elapsed and recovery met should succeed")
	}
	if ok, _ := m.CanOpenPosition("SPY", -1, OpenContext{}); !ok {
		t.Error("positions should open again after reset")
	}
}

func TestCircuitBreakerConsecutiveLosses(t *testing.T) {
	t.Parallel()
	acct := &fakeAccount{value: 100_000}
	now := time.Now()
	deps := Deps{Account: acct, Now: func() time.Time { return now }}
	cb := NewCircuitBreaker()
	cb.Initialize(deps)
	cb.PeriodicCheck() // anchor

	for i := 0; i < 2; i++ {
		cb.OnPositionClosed("SPY", -1, -200, OpenContext{})
	}
	if ev := cb.PeriodicCheck(); len(ev) != 0 {
		t.Fatal("two losses should not trip")
	}
	// A winner resets the streak.
	cb.OnPositionClosed("SPY", -1, 300, OpenContext{})
	cb.OnPositionClosed("SPY", -1, -100, OpenContext{})
	cb.OnPositionClosed("SPY", -1, -100, OpenContext{})
	cb.OnPositionClosed("SPY", -1, -100, OpenContext{})
	ev := cb.PeriodicCheck()
	if len(ev) != 1 {
		t.Fatal("three consecutive losses should trip")
	}
	if ev[0].Message != "3 consecutive losses" {
		t.Errorf("message = %q", ev[0].Message)
	}
}

func TestCorrelationGroupCap(t *testing.T) {
	t.Parallel()
	c := NewCorrelation()
	c.Initialize(Deps{})
	ctx := OpenContext{Phase: types.Phase1} // cap 2 per group

	if ok, _ := c.CanOpenPosition("SPY", -1, ctx); !ok {
		t.Fatal("first equity-index position should pass")
	}
	c.OnPositionOpened("SPY", -1, 1.50, ctx)
	c.OnPositionOpened("QQQ", -1, 1.10, ctx)

	ok, reason := c.CanOpenPosition("ES", -1, ctx)
	if ok {
		t.Fatal("third equity-index position should exceed phase-1 cap")
	}
	if reason == "" {
		t.Error("rejection must carry a reason")
	}

	// Phase 4 cap is higher.
	if ok, _ := c.CanOpenPosition("ES", -1, OpenContext{Phase: types.Phase4}); !ok {
		t.Error("phase-4 cap should allow a third position")
	}

	// Ungrouped symbols always pass.
	if ok, _ := c.CanOpenPosition("TLT", -1, ctx); !ok {
		t.Error("ungrouped symbol should pass")
	}

	c.OnPositionClosed("SPY", -1, 50, ctx)
	if ok, _ := c.CanOpenPosition("ES", -1, ctx); !ok {
		t.Error("closing one should free capacity")
	}
}

// The defend rule is absolute at DTE <= 21, margin pressure or profit
// notwithstanding.
func TestShouldDefendAbsolute(t *testing.T) {
	t.Parallel()
	c := NewCorrelation()

	cases := []struct {
		dte  int
		want bool
	}{
		{0, true},
		{21, true},
		{22, false},
		{45, false},
	}
	for _, tc := range cases {
		ctx := OpenContext{DTE: tc.dte, IsShort: true, Delta: 0.85} // heavy margin context
		if got := c.ShouldDefend(ctx); got != tc.want {
			t.Errorf("ShouldDefend(dte=%d) = %v, want %v", tc.dte, got, tc.want)
		}
	}
}

func TestConcentrationAllocation(t *testing.T) {
	t.Parallel()
	cn := NewConcentration()
	cn.Initialize(Deps{})

	if ok, _ := cn.RequestAllocation("condor-0dte", "iron_condor", 150, 12); !ok {
		t.Fatal("first allocation should pass")
	}
	if ok, _ := cn.RequestAllocation("lt112", "put_spread", 100, 10); !ok {
		t.Fatal("second allocation within budget should pass")
	}
	ok, reason := cn.RequestAllocation("strangle-es", "strangle", 100, 10)
	if ok {
		t.Fatalf("allocation beyond delta budget should fail")
	}
	if reason == "" {
		t.Error("rejection must carry a reason")
	}

	cn.Release("condor-0dte")
	if ok, _ := cn.RequestAllocation("strangle-es", "strangle", 100, 10); !ok {
		t.Error("release should free budget")
	}
}

// A filled entry's footprint counts against the budget without an explicit
// RequestAllocation call, and a close releases it.
func TestConcentrationRecordsUsageOnOpen(t *testing.T) {
	t.Parallel()
	cn := NewConcentration()
	cn.Initialize(Deps{})

	ctx := OpenContext{StrategyID: "lt112", Delta: 280, Contracts: 10}
	if ok, _ := cn.CanOpenPosition("SPY", -1, ctx); !ok {
		t.Fatal("first entry should pass")
	}
	cn.OnPositionOpened("SPY", -1, 2.50, ctx)

	next := OpenContext{StrategyID: "strangle-es", Delta: 50, Contracts: 4}
	if ok, _ := cn.CanOpenPosition("ES", -1, next); ok {
		t.Fatal("second entry must see the first entry's delta usage")
	}

	cn.OnPositionClosed("SPY", -1, 120, OpenContext{StrategyID: "lt112"})
	if ok, _ := cn.CanOpenPosition("ES", -1, next); !ok {
		t.Error("closing should release the allocation")
	}
}

func TestConcentrationStaleCleanup(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cn := NewConcentration()
	cn.Initialize(Deps{Now: func() time.Time { return now }})

	cn.RequestAllocation("crashed", "strangle", 200, 20)
	cn.RequestAllocation("alive", "condor", 50, 5)

	now = now.Add(25 * time.Hour)
	cn.Touch("alive")
	events := cn.PeriodicCheck()
	if len(events) != 1 {
		t.Fatalf("cleanup events = %d, want 1 (crashed strategy only)", len(events))
	}

	// Reclaimed budget is available again.
	if ok, _ := cn.RequestAllocation("strangle-es", "strangle", 200, 20); !ok {
		t.Error("reclaimed budget should be available")
	}
}

func TestConcentrationVote(t *testing.T) {
	t.Parallel()
	cn := NewConcentration()
	cn.Initialize(Deps{})
	cn.RequestAllocation("lt112", "put_spread", 280, 10)

	ok, _ := cn.CanOpenPosition("SPY", -1, OpenContext{StrategyID: "condor-0dte", Delta: 50, Contracts: 4})
	if ok {
		t.Error("vote should fail when footprint exceeds remaining delta budget")
	}
	// Non-concentrated symbols are not gated.
	if ok, _ := cn.CanOpenPosition("GLD", -1, OpenContext{StrategyID: "x", Delta: 500}); !ok {
		t.Error("non-concentrated symbol should pass")
	}
}

func TestRealizedCorrelationDetection(t *testing.T) {
	t.Parallel()
	c := NewCorrelation()
	c.Initialize(Deps{})

	// TLT and GLD (different groups) fed identical walks: correlation 1.
	px := 100.0
	for i := 0; i < correlationWindow; i++ {
		step := 1.0
		if i%3 == 0 {
			step = -0.5
		}
		px += step
		c.OnMarketData("TLT", px)
		c.OnMarketData("USO", px*2)
	}

	events := c.PeriodicCheck()
	if len(events) == 0 {
		t.Fatal("perfectly correlated ungrouped pair should be flagged")
	}
	if events[0].Kind != types.RiskCorrelationLimitExceeded {
		t.Errorf("kind = %v", events[0].Kind)
	}
}
