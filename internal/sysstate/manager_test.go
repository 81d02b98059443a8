package sysstate

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"condorbot/internal/fsm"
	"condorbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeHours struct{ open bool }

func (h *fakeHours) IsMarketOpen(string) bool { return h.open }

type fakeVIX struct{ v float64 }

func (f *fakeVIX) CurrentVIX() float64 { return f.v }

type fakeAccount struct{ acct types.AccountSummary }

func (f *fakeAccount) Account() (types.AccountSummary, error) { return f.acct, nil }

type fakeBook struct{ open map[string]bool }

func (f *fakeBook) HasOpenPositions(name string) bool { return f.open[name] }

type fakeBus struct{ events []types.EventType }

func (b *fakeBus) Publish(t types.EventType, _ map[string]any, _ string) bool {
	b.events = append(b.events, t)
	return true
}

type memStore struct{ data map[string][]byte }

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Save(key string, obj any) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	s.data[key] = b
	return nil
}

func (s *memStore) Load(key string, out any) (bool, error) {
	b, ok := s.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func newStrategyMachine(name string) *fsm.Machine {
	m := fsm.New(name, types.StateInitializing, testLogger())
	m.AddTransition(types.StateInitializing, types.TriggerMarketOpen, types.StateReady, nil)
	m.AddTransition(types.StateReady, types.TriggerTimeWindowStart, types.StateAnalyzing, nil)
	m.AddTransition(types.StateManaging, types.TriggerMarketClose, types.StateExiting, nil)
	m.AddTransition(types.StateManaging, types.TriggerEmergencyExit, types.StateSuspended, nil)
	m.AddTransition(types.StateManaging, types.TriggerVIXSpike, types.StateSuspended, nil)
	m.AddTransition(types.StateReady, types.TriggerSystemError, types.StateError, nil)
	return m
}

func TestMarketOpenBroadcast(t *testing.T) {
	t.Parallel()
	hours := &fakeHours{open: true}
	m := New(hours, nil, nil, nil, nil, testLogger())

	a := newStrategyMachine("condor-0dte")
	b := newStrategyMachine("lt112")
	m.RegisterStrategy("condor-0dte", a)
	m.RegisterStrategy("lt112", b)

	if s := m.UpdateSystemState(); s != types.SystemMarketOpen {
		t.Fatalf("system state = %v, want MarketOpen", s)
	}
	if a.Current() != types.StateReady || b.Current() != types.StateReady {
		t.Errorf("strategies = %v/%v, want both Ready", a.Current(), b.Current())
	}

	// Re-derivation without change broadcasts nothing further.
	a.Fire(types.TriggerTimeWindowStart, nil)
	m.UpdateSystemState()
	if a.Current() != types.StateAnalyzing {
		t.Errorf("repeat update disturbed state: %v", a.Current())
	}
}

func TestMarketCloseBroadcast(t *testing.T) {
	t.Parallel()
	hours := &fakeHours{open: true}
	m := New(hours, nil, nil, nil, nil, testLogger())
	m.now = func() time.Time {
		return time.Date(2025, 6, 6, 16, 30, 0, 0, m.marketTZ)
	}

	sm := newStrategyMachine("lt112")
	sm.Restore(types.StateManaging, 0)
	m.RegisterStrategy("lt112", sm)

	m.UpdateSystemState() // MarketOpen
	hours.open = false
	if s := m.UpdateSystemState(); s != types.SystemMarketClosed {
		t.Fatalf("system state = %v, want MarketClosed", s)
	}
	if sm.Current() != types.StateExiting {
		t.Errorf("managing strategy = %v, want Exiting on close", sm.Current())
	}
}

func TestPreMarketDerivation(t *testing.T) {
	t.Parallel()
	m := New(&fakeHours{open: false}, nil, nil, nil, nil, testLogger())
	m.now = func() time.Time {
		// Friday 08:00 New York.
		return time.Date(2025, 6, 6, 8, 0, 0, 0, m.marketTZ)
	}
	if s := m.UpdateSystemState(); s != types.SystemPreMarket {
		t.Errorf("system state = %v, want PreMarket", s)
	}

	m.now = func() time.Time {
		return time.Date(2025, 6, 7, 8, 0, 0, 0, m.marketTZ) // Saturday
	}
	if s := m.UpdateSystemState(); s != types.SystemMarketClosed {
		t.Errorf("weekend state = %v, want MarketClosed", s)
	}
}

func TestVIXSpikeCheck(t *testing.T) {
	t.Parallel()
	vix := &fakeVIX{v: 30}
	m := New(nil, vix, nil, nil, nil, testLogger())

	sm := newStrategyMachine("lt112")
	sm.Restore(types.StateManaging, 0)
	m.RegisterStrategy("lt112", sm)

	m.CheckGlobalTriggers()
	if sm.Current() != types.StateManaging {
		t.Fatalf("VIX 30 should not spike, state = %v", sm.Current())
	}

	vix.v = 36
	m.CheckGlobalTriggers()
	if sm.Current() != types.StateSuspended {
		t.Errorf("VIX 36 should suspend, state = %v", sm.Current())
	}
}

func TestMarginCallCheck(t *testing.T) {
	t.Parallel()
	acct := &fakeAccount{acct: types.AccountSummary{PortfolioValue: 100_000, MarginUsed: 85_000}}
	m := New(nil, nil, acct, nil, nil, testLogger())

	sm := fsm.New("lt112", types.StateManaging, testLogger())
	sm.AddTransition(types.StateManaging, types.TriggerMarginCall, types.StateSuspended, nil)
	m.RegisterStrategy("lt112", sm)

	m.CheckGlobalTriggers()
	if sm.Current() != types.StateSuspended {
		t.Errorf("85%% margin should broadcast MarginCall, state = %v", sm.Current())
	}
}

func TestEmergencyOnlyHitsOpenPositions(t *testing.T) {
	t.Parallel()
	book := &fakeBook{open: map[string]bool{"lt112": true}}
	m := New(&fakeHours{}, nil, nil, book, nil, testLogger())

	withPos := newStrategyMachine("lt112")
	withPos.Restore(types.StateManaging, 0)
	without := newStrategyMachine("condor-0dte")
	without.Restore(types.StateManaging, 0)
	m.RegisterStrategy("lt112", withPos)
	m.RegisterStrategy("condor-0dte", without)

	m.mu.Lock()
	m.emergency = true
	m.mu.Unlock()
	if s := m.UpdateSystemState(); s != types.SystemEmergency {
		t.Fatalf("system state = %v, want Emergency", s)
	}

	if withPos.Current() != types.StateSuspended {
		t.Errorf("strategy with positions = %v, want Suspended", withPos.Current())
	}
	if without.Current() != types.StateManaging {
		t.Errorf("strategy without positions = %v, want untouched", without.Current())
	}
}

func TestHaltAllTrading(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	m := New(nil, nil, nil, nil, bus, testLogger())

	sm := newStrategyMachine("lt112")
	sm.Restore(types.StateManaging, 0)
	m.RegisterStrategy("lt112", sm)

	m.HaltAllTrading("circuit breaker")
	if m.State() != types.SystemHalted {
		t.Errorf("state = %v, want Halted", m.State())
	}
	if !m.EmergencyMode() {
		t.Error("emergency flag not set")
	}
	if sm.Current() != types.StateSuspended {
		t.Errorf("strategy = %v, want Suspended", sm.Current())
	}
	if len(bus.events) != 1 || bus.events[0] != types.EventEmergencyHalt {
		t.Errorf("events = %v, want one EmergencyHalt", bus.events)
	}

	// Halted is sticky until the flag clears.
	if s := m.UpdateSystemState(); s != types.SystemHalted {
		t.Errorf("state after update = %v, want sticky Halted", s)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	st := newMemStore()

	m := New(nil, nil, nil, nil, nil, testLogger())
	a := newStrategyMachine("condor-0dte")
	a.Restore(types.StateManaging, 1)
	m.RegisterStrategy("condor-0dte", a)
	m.HaltAllTrading("test")

	if err := m.SaveAllStates(st); err != nil {
		t.Fatal(err)
	}

	restored := New(nil, nil, nil, nil, nil, testLogger())
	b := newStrategyMachine("condor-0dte")
	restored.RegisterStrategy("condor-0dte", b)
	if err := restored.LoadAllStates(st); err != nil {
		t.Fatal(err)
	}

	if restored.State() != types.SystemHalted || !restored.EmergencyMode() {
		t.Errorf("restored system = %v emergency=%v", restored.State(), restored.EmergencyMode())
	}
	if b.Current() != a.Current() {
		t.Errorf("restored strategy state = %v, want %v", b.Current(), a.Current())
	}
	if b.ErrorCount() != a.ErrorCount() {
		t.Errorf("restored error count = %d, want %d", b.ErrorCount(), a.ErrorCount())
	}
}

func TestPluggableGlobalCheck(t *testing.T) {
	t.Parallel()
	m := New(nil, nil, nil, nil, nil, testLogger())
	sm := fsm.New("lt112", types.StateManaging, testLogger())
	sm.AddTransition(types.StateManaging, types.TriggerCorrelationLimit, types.StateAdjusting, nil)
	m.RegisterStrategy("lt112", sm)

	breached := false
	m.RegisterGlobalCheck(types.TriggerCorrelationLimit, func() bool { return breached })

	m.CheckGlobalTriggers()
	if sm.Current() != types.StateManaging {
		t.Fatal("check should not fire while false")
	}
	breached = true
	m.CheckGlobalTriggers()
	if sm.Current() != types.StateAdjusting {
		t.Errorf("state = %v, want Adjusting after correlation breach", sm.Current())
	}
}
