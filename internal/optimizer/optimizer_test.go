package optimizer

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"condorbot/internal/cache"
	"condorbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBus struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *fakeBus) Publish(t types.EventType, data map[string]any, source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, types.Event{Type: t, Payload: data, Source: source})
	return true
}

func (b *fakeBus) count(t types.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeCache struct {
	stats    cache.Stats
	fill     float64
	ranTimes int
}

func (c *fakeCache) Stats() cache.Stats    { return c.stats }
func (c *fakeCache) FillLevel() float64    { return c.fill }
func (c *fakeCache) PeriodicMaintenance() cache.MaintenanceReport {
	c.ranTimes++
	return cache.MaintenanceReport{}
}

func tick(symbol string, price float64) types.QuoteTick {
	return types.QuoteTick{Symbol: symbol, Price: price, Timestamp: time.Now()}
}

func TestProcessTickFiltersSmallMoves(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	o := New(nil, bus, testLogger())

	if !o.ProcessTick(tick("SPY", 450.00)) {
		t.Fatal("first tick for a symbol is always meaningful")
	}
	// 0.05% move: below the 0.1% gate.
	if o.ProcessTick(tick("SPY", 450.22)) {
		t.Error("sub-threshold move should be filtered")
	}
	// 0.2% move from the last meaningful price.
	if !o.ProcessTick(tick("SPY", 450.90)) {
		t.Error("0.2% move should pass")
	}

	if got := bus.count(types.EventMarketDataUpdated); got != 2 {
		t.Errorf("MarketDataUpdated events = %d, want 2", got)
	}
	m := o.Snapshot()
	if m.EventsProcessed != 3 || m.MeaningfulEvents != 2 || m.UnnecessaryCalculationsAvoided != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.ComputationalSavings <= 0 {
		t.Error("filtered ticks should accrue savings")
	}
}

func TestThresholdComparesAgainstLastMeaningfulPrice(t *testing.T) {
	t.Parallel()
	o := New(nil, nil, testLogger())
	o.ProcessTick(tick("SPY", 100.00))

	// Each step is below 0.1%, but they accumulate against the stored price.
	if o.ProcessTick(tick("SPY", 100.06)) {
		t.Fatal("0.06% should be filtered")
	}
	if !o.ProcessTick(tick("SPY", 100.11)) {
		t.Error("cumulative 0.11% from last meaningful price should pass")
	}
}

func TestGreeksBatchOnSymbolCount(t *testing.T) {
	t.Parallel()
	o := New(nil, nil, testLogger())
	start := time.Now()
	o.now = func() time.Time { return start }

	for i, sym := range []string{"SPY", "QQQ", "IWM", "TLT"} {
		o.ProcessTick(tick(sym, 100+float64(i)))
	}
	if o.ShouldComputeGreeks("h1") {
		t.Fatal("4 pending symbols should not trigger a batch")
	}
	o.ProcessTick(tick("GLD", 180))
	if !o.ShouldComputeGreeks("h1") {
		t.Fatal("5 pending symbols should trigger a batch")
	}
	if len(o.PendingSymbols()) != 0 {
		t.Error("batch should consume the pending set")
	}
	if o.ShouldComputeGreeks("h1") {
		t.Error("no new data after a batch should not trigger again")
	}
}

func TestGreeksBatchOnPositionChange(t *testing.T) {
	t.Parallel()
	o := New(nil, nil, testLogger())
	start := time.Now()
	o.now = func() time.Time { return start }

	if o.ShouldComputeGreeks("h1") {
		t.Fatal("first call establishes the baseline, no batch")
	}
	if !o.ShouldComputeGreeks("h2") {
		t.Error("position-set change should trigger a batch")
	}
}

func TestGreeksBatchOnInterval(t *testing.T) {
	t.Parallel()
	o := New(nil, nil, testLogger())
	start := time.Now()
	o.now = func() time.Time { return start }

	o.ProcessTick(tick("SPY", 450))
	if o.ShouldComputeGreeks("h1") {
		t.Fatal("one pending symbol, fresh clock: no batch")
	}
	o.now = func() time.Time { return start.Add(31 * time.Second) }
	if !o.ShouldComputeGreeks("h1") {
		t.Error("30s elapsed should force a batch")
	}
}

func TestCacheMaintenanceOnlyWhenOutOfBand(t *testing.T) {
	t.Parallel()
	healthy := &fakeCache{stats: cache.Stats{Hits: 90, Misses: 10}, fill: 0.50}
	o := New(healthy, nil, testLogger())
	if o.MaybeMaintainCache() {
		t.Fatal("healthy cache should not be maintained")
	}
	if healthy.ranTimes != 0 {
		t.Fatal("maintenance ran on a healthy cache")
	}

	cases := []struct {
		name string
		c    *fakeCache
	}{
		{"low hit rate", &fakeCache{stats: cache.Stats{Hits: 60, Misses: 40}, fill: 0.10}},
		{"high memory", &fakeCache{stats: cache.Stats{Hits: 99, Misses: 1, MemoryBytes: 501 << 20}, fill: 0.10}},
		{"high fill", &fakeCache{stats: cache.Stats{Hits: 99, Misses: 1}, fill: 0.95}},
	}
	for _, tc := range cases {
		o := New(tc.c, nil, testLogger())
		if !o.MaybeMaintainCache() {
			t.Errorf("%s: maintenance should run", tc.name)
		}
		if tc.c.ranTimes != 1 {
			t.Errorf("%s: ranTimes = %d, want 1", tc.name, tc.c.ranTimes)
		}
	}
}

func TestMetricsMapKeys(t *testing.T) {
	t.Parallel()
	o := New(nil, nil, testLogger())
	o.ProcessTick(tick("SPY", 450))
	o.ProcessTick(tick("SPY", 450.01))

	m := o.MetricsMap()
	for _, key := range []string{"events_processed", "computational_savings_ms", "unnecessary_calculations_avoided"} {
		if _, ok := m[key]; !ok {
			t.Errorf("metrics map missing %q", key)
		}
	}
	if m["events_processed"].(int) != 2 {
		t.Errorf("events_processed = %v", m["events_processed"])
	}
}
