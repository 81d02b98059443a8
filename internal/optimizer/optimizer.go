// Package optimizer filters the raw tick stream before it reaches the rest
// of the pipeline.
//
// Market data arrives far faster than anything downstream can usefully act
// on. The optimizer keeps the last seen price per symbol and treats a tick as
// meaningful only when the price has moved at least 0.1% since then; only
// meaningful ticks publish MarketDataUpdated and count toward the Greeks
// batch. Greeks recomputation is batched: it is requested once five
// meaningful symbols have accumulated, the invested position set changed, or
// thirty seconds have passed since the last batch, whichever comes first.
// Cache maintenance runs only when the cache is actually struggling (hit
// rate, memory, or fill level out of band).
package optimizer

import (
	"log/slog"
	"sync"
	"time"

	"condorbot/internal/cache"
	"condorbot/pkg/types"
)

const (
	// PriceChangeThreshold separates meaningful ticks from noise: 0.1%.
	PriceChangeThreshold = 0.001

	// GreeksBatchSize triggers a Greeks batch once this many distinct
	// symbols have moved meaningfully.
	GreeksBatchSize = 5

	// GreeksMaxInterval forces a Greeks batch even on a quiet tape.
	GreeksMaxInterval = 30 * time.Second

	// Cache maintenance runs only when one of these is out of band.
	cacheHitRateFloor = 0.70
	cacheMemoryLimit  = 500 << 20
	cacheFillLimit    = 0.90

	// estimatedTickCost approximates the downstream work one filtered tick
	// would have caused, for the savings counter.
	estimatedTickCost = 2 * time.Millisecond
)

// Publisher is the slice of the event bus the optimizer needs.
type Publisher interface {
	Publish(t types.EventType, data map[string]any, source string) bool
}

// MaintainableCache is the cache surface the optimizer drives.
type MaintainableCache interface {
	Stats() cache.Stats
	FillLevel() float64
	PeriodicMaintenance() cache.MaintenanceReport
}

// Metrics are the optimizer's counters, exposed as a snapshot.
type Metrics struct {
	EventsProcessed                 int
	MeaningfulEvents                int
	UnnecessaryCalculationsAvoided  int
	ComputationalSavings            time.Duration
	GreeksBatches                   int
	CacheMaintenanceRuns            int
	CacheMaintenanceSkipped         int
}

// Optimizer is the tick-stream gatekeeper.
type Optimizer struct {
	mu          sync.Mutex
	lastPrices  map[string]float64
	pending     map[string]struct{} // meaningful symbols since last batch
	lastBatch   time.Time
	lastPosHash string

	cache   MaintainableCache
	bus     Publisher
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an optimizer. cache and bus may be nil in tests.
func New(c MaintainableCache, bus Publisher, logger *slog.Logger) *Optimizer {
	return &Optimizer{
		lastPrices: map[string]float64{},
		pending:    map[string]struct{}{},
		cache:      c,
		bus:        bus,
		logger:     logger.With("component", "optimizer"),
		now:        time.Now,
	}
}

// ProcessTick reports whether the tick is meaningful. The first tick for a
// symbol always is. Meaningful ticks publish MarketDataUpdated and join the
// pending Greeks batch; the rest only bump the savings counters.
func (o *Optimizer) ProcessTick(tick types.QuoteTick) bool {
	o.mu.Lock()
	o.metrics.EventsProcessed++

	last, seen := o.lastPrices[tick.Symbol]
	meaningful := !seen || last == 0 ||
		abs(tick.Price-last)/last >= PriceChangeThreshold
	if !meaningful {
		o.metrics.UnnecessaryCalculationsAvoided++
		o.metrics.ComputationalSavings += estimatedTickCost
		o.mu.Unlock()
		return false
	}

	o.lastPrices[tick.Symbol] = tick.Price
	o.pending[tick.Symbol] = struct{}{}
	o.metrics.MeaningfulEvents++
	o.mu.Unlock()

	if o.bus != nil {
		o.bus.Publish(types.EventMarketDataUpdated, map[string]any{
			"symbol": tick.Symbol,
			"price":  tick.Price,
		}, "optimizer")
	}
	return true
}

// ShouldComputeGreeks decides whether a Greeks batch is due, given the
// current invested-position-set hash. A positive answer consumes the pending
// symbol set and resets the interval clock.
func (o *Optimizer) ShouldComputeGreeks(posHash string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if o.lastBatch.IsZero() {
		o.lastBatch = now
		o.lastPosHash = posHash
	}

	due := len(o.pending) >= GreeksBatchSize ||
		posHash != o.lastPosHash ||
		now.Sub(o.lastBatch) >= GreeksMaxInterval
	if !due {
		return false
	}

	o.logger.Debug("greeks batch due",
		"pending", len(o.pending),
		"positionChanged", posHash != o.lastPosHash,
		"elapsed", now.Sub(o.lastBatch))
	o.pending = map[string]struct{}{}
	o.lastBatch = now
	o.lastPosHash = posHash
	o.metrics.GreeksBatches++
	return true
}

// PendingSymbols returns the symbols awaiting the next Greeks batch.
func (o *Optimizer) PendingSymbols() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.pending))
	for s := range o.pending {
		out = append(out, s)
	}
	return out
}

// MaybeMaintainCache runs cache maintenance only when the cache is out of
// band: hit rate below 70%, memory above 500MB, or fill above 90%. Returns
// true when maintenance ran.
func (o *Optimizer) MaybeMaintainCache() bool {
	if o.cache == nil {
		return false
	}
	stats := o.cache.Stats()
	fill := o.cache.FillLevel()

	needed := stats.HitRate() < cacheHitRateFloor ||
		stats.MemoryBytes > cacheMemoryLimit ||
		fill > cacheFillLimit

	o.mu.Lock()
	if !needed {
		o.metrics.CacheMaintenanceSkipped++
		o.mu.Unlock()
		return false
	}
	o.metrics.CacheMaintenanceRuns++
	o.mu.Unlock()

	rep := o.cache.PeriodicMaintenance()
	o.logger.Info("cache maintenance",
		"hitRate", stats.HitRate(), "fill", fill,
		"expired", rep.Expired, "evicted", rep.Evicted)
	return true
}

// Snapshot returns a copy of the counters.
func (o *Optimizer) Snapshot() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// MetricsMap exposes the counters in reporting form.
func (o *Optimizer) MetricsMap() map[string]any {
	m := o.Snapshot()
	return map[string]any{
		"events_processed":                 m.EventsProcessed,
		"meaningful_events":                m.MeaningfulEvents,
		"unnecessary_calculations_avoided": m.UnnecessaryCalculationsAvoided,
		"computational_savings_ms":         m.ComputationalSavings.Milliseconds(),
		"greeks_batches":                   m.GreeksBatches,
		"cache_maintenance_runs":           m.CacheMaintenanceRuns,
		"cache_maintenance_skipped":        m.CacheMaintenanceSkipped,
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
