package strategy

import (
	"context"
	"testing"
	"time"

	"condorbot/internal/position"
	"condorbot/pkg/types"
)

// seedLEAP opens an IPMCC position holding only the LEAP call and returns it.
func seedLEAP(t *testing.T, h *harness, now time.Time) *position.Position {
	t.Helper()
	leap := types.NewOptionContract("SPY", now.AddDate(1, 0, 0), types.Call, 380, 100)
	id, err := h.positions.OpenPosition("ipmcc", "SPY", []position.Component{{
		ID:           "leap-1",
		LegType:      types.LegLeapCall,
		Contract:     leap,
		Quantity:     1,
		EntryPrice:   85.00,
		CurrentPrice: 85.00,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.positions.ComponentFilled(id, "leap-1", 85.00, "seed"); err != nil {
		t.Fatal(err)
	}
	return h.positions.Get(id)
}

// An existing LEAP and a firing monthly anchor: the strategy sells a new
// weekly against the LEAP instead of opening a second structure.
func TestIPMCCAddsWeeklyToExistingLEAP(t *testing.T) {
	t.Parallel()
	// First Monday of the month, 10:30.
	clk := nyClock(t, 2026, time.January, 5, 10, 30)
	h := newHarness(t, clk)
	h.market.SetClock(clk.now)
	s := NewIPMCC(h.deps())
	p := seedLEAP(t, h, clk.now())

	if trig := s.Manage(context.Background(), p); trig != "" {
		t.Fatalf("unexpected trigger %v", trig)
	}

	if n := len(h.positions.ForStrategy("ipmcc")); n != 1 {
		t.Fatalf("positions = %d, want 1 (no second structure)", n)
	}
	var leaps, weeklies int
	var weekly *position.Component
	for _, c := range p.OrderedComponents() {
		switch c.LegType {
		case types.LegLeapCall:
			leaps++
		case types.LegWeeklyCall:
			weeklies++
			weekly = c
		}
	}
	if leaps != 1 || weeklies != 1 {
		t.Fatalf("leaps = %d, weeklies = %d, want 1 and 1", leaps, weeklies)
	}
	if weekly.Quantity != -1 {
		t.Error("weekly must be short")
	}
	if weekly.Contract.Strike <= 380 {
		t.Errorf("weekly strike %v must sit above the LEAP strike", weekly.Contract.Strike)
	}
	if dte := weekly.DTE(clk.now()); dte < 7 || dte > 14 {
		t.Errorf("weekly DTE = %d, want [7,14]", dte)
	}
	if len(h.exec.calls) != 1 || len(h.exec.calls[0]) != 1 {
		t.Errorf("expected one single-leg order, got %v", h.exec.calls)
	}
}

// With a LEAP on the book, entry analysis declines: path 2 (atomic open)
// must not run.
func TestIPMCCAnalyzeDeclinesWithExistingLEAP(t *testing.T) {
	t.Parallel()
	clk := nyClock(t, 2026, time.January, 5, 10, 30)
	h := newHarness(t, clk)
	h.market.SetClock(clk.now)
	s := NewIPMCC(h.deps())
	seedLEAP(t, h, clk.now())

	plan, err := s.Analyze(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if plan != nil {
		t.Fatal("analysis must decline while a LEAP exists")
	}
}

// Flat book: the anchor opens LEAP and weekly together as one atomic
// package.
func TestIPMCCAtomicOpenWhenFlat(t *testing.T) {
	t.Parallel()
	clk := nyClock(t, 2026, time.January, 5, 10, 30)
	h := newHarness(t, clk)
	h.market.SetClock(clk.now)
	s := NewIPMCC(h.deps())

	plan, err := s.Analyze(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if plan == nil {
		t.Fatal("flat book on the anchor should produce a plan")
	}
	if len(plan.Legs) != 2 {
		t.Fatalf("legs = %d, want LEAP + weekly", len(plan.Legs))
	}
	leap, weekly := plan.Legs[0], plan.Legs[1]
	if leap.Quantity != 1 || weekly.Quantity != -1 {
		t.Errorf("quantities = %d/%d, want +1 LEAP, -1 weekly", leap.Quantity, weekly.Quantity)
	}
	if weekly.Contract.Strike <= leap.Contract.Strike {
		t.Error("weekly strike must sit above the LEAP strike")
	}
	if dte := leap.Contract.DTE(clk.now()); dte < 365 {
		t.Errorf("LEAP DTE = %d, want >= 365", dte)
	}
}

func TestIPMCCWeeklyProfitBuyback(t *testing.T) {
	t.Parallel()
	clk := nyClock(t, 2026, time.January, 5, 10, 30)
	h := newHarness(t, clk)
	h.market.SetClock(clk.now)
	s := NewIPMCC(h.deps())
	p := seedLEAP(t, h, clk.now())

	weekly := types.NewOptionContract("SPY", clk.now().AddDate(0, 0, 10), types.Call, 455, 100)
	id, err := h.positions.AttachComponent(p.ID, position.Component{
		LegType:      types.LegWeeklyCall,
		Contract:     weekly,
		Quantity:     -1,
		EntryPrice:   3.00,
		CurrentPrice: 3.00,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.positions.ComponentFilled(p.ID, id, 3.00, "seed"); err != nil {
		t.Fatal(err)
	}

	// Weekly decayed to 2.30: 23% captured, past the 20% target.
	h.positions.UpdatePrices(map[string]float64{weekly.Symbol: 2.30})
	// Move off the anchor window so no replacement is sold.
	clk.set(nyClock(t, 2026, time.January, 14, 11, 0).now())
	if trig := s.Manage(context.Background(), p); trig != "" {
		t.Fatalf("unexpected trigger %v", trig)
	}

	c := p.Components[id]
	if c.Status != types.ComponentClosed {
		t.Errorf("weekly status = %v, want Closed after buy-back", c.Status)
	}
	if openComponent(p, types.LegLeapCall) == nil {
		t.Error("LEAP must stay open")
	}
}

func TestIPMCCRollsWeeklyAtSevenDTE(t *testing.T) {
	t.Parallel()
	clk := nyClock(t, 2026, time.January, 5, 10, 30)
	h := newHarness(t, clk)
	h.market.SetClock(clk.now)
	s := NewIPMCC(h.deps())
	p := seedLEAP(t, h, clk.now())

	// Weekly with 6 DTE, no profit yet.
	weekly := types.NewOptionContract("SPY", clk.now().AddDate(0, 0, 6), types.Call, 455, 100)
	id, err := h.positions.AttachComponent(p.ID, position.Component{
		LegType:      types.LegWeeklyCall,
		Contract:     weekly,
		Quantity:     -1,
		EntryPrice:   3.00,
		CurrentPrice: 2.95,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.positions.ComponentFilled(p.ID, id, 3.00, "seed"); err != nil {
		t.Fatal(err)
	}

	if trig := s.Manage(context.Background(), p); trig != "" {
		t.Fatalf("unexpected trigger %v", trig)
	}

	if c := p.Components[id]; c.Status != types.ComponentClosed {
		t.Fatalf("old weekly status = %v, want Closed after roll", c.Status)
	}
	replacement := openComponent(p, types.LegWeeklyCall)
	if replacement == nil {
		t.Fatal("roll must sell a replacement weekly")
	}
	if dte := replacement.DTE(clk.now()); dte < 7 || dte > 14 {
		t.Errorf("replacement DTE = %d, want [7,14]", dte)
	}
}

func TestIPMCCVolatilityClose(t *testing.T) {
	t.Parallel()
	clk := nyClock(t, 2026, time.January, 5, 10, 30)
	h := newHarness(t, clk)
	h.market.SetClock(clk.now)
	h.vix.vix = 42
	s := NewIPMCC(h.deps())
	p := seedLEAP(t, h, clk.now())

	if trig := s.Manage(context.Background(), p); trig != types.TriggerStopLossHit {
		t.Fatalf("trigger = %v, want StopLossHit above VIX 40", trig)
	}
}

func TestIPMCCAssignmentRiskClose(t *testing.T) {
	t.Parallel()
	clk := nyClock(t, 2026, time.January, 14, 11, 0) // off the anchor
	h := newHarness(t, clk)
	h.market.SetClock(clk.now)
	s := NewIPMCC(h.deps())
	p := seedLEAP(t, h, clk.now())

	weekly := types.NewOptionContract("SPY", clk.now().AddDate(0, 0, 10), types.Call, 440, 100)
	id, err := h.positions.AttachComponent(p.ID, position.Component{
		LegType:      types.LegWeeklyCall,
		Contract:     weekly,
		Quantity:     -1,
		EntryPrice:   3.00,
		CurrentPrice: 11.00,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.positions.ComponentFilled(p.ID, id, 3.00, "seed"); err != nil {
		t.Fatal(err)
	}

	// Spot 450 is more than 2% through the 440 weekly strike.
	if trig := s.Manage(context.Background(), p); trig != types.TriggerStopLossHit {
		t.Fatalf("trigger = %v, want StopLossHit on assignment risk", trig)
	}
}
