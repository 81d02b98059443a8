// Package engine is the central orchestrator of the trading core.
//
// It owns the tick pipeline: every market-data tick flows through one
// synchronous OnData pass (optimizer filter, cache fingerprints, lazy
// Greeks refresh, system-state derivation, global trigger checks, risk
// sweep, order-monitor poll, and finally the coordinator's strategy tick).
// The core is single-threaded by design; the only goroutines are the
// WebSocket feed and the cron scheduler, and both funnel back into the
// pipeline.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"condorbot/internal/broker"
	"condorbot/internal/cache"
	"condorbot/internal/coordinator"
	"condorbot/internal/executor"
	"condorbot/internal/greeks"
	"condorbot/internal/marketdata"
	"condorbot/internal/optimizer"
	"condorbot/internal/position"
	"condorbot/internal/risk"
	"condorbot/internal/store"
	"condorbot/internal/sysstate"
	"condorbot/pkg/types"
)

// Config tunes the engine's feed subscription and scheduled jobs.
type Config struct {
	Symbols         []string      // feed subscription
	StaleTimeout    time.Duration // no tick for this long trips DataStale
	PersistSpec     string        // cron spec for state persistence
	MaintenanceSpec string        // cron spec for cache maintenance
}

// SpotSink receives live spots. The static provider implements it so its
// synthetic chains track the live tape in dry runs.
type SpotSink interface {
	SetPrice(symbol string, price float64)
}

// Deps are the started subsystems the engine drives. Stream, Monitor, and
// Spots may be nil (backtests and sim runs tick the engine directly).
type Deps struct {
	Broker      broker.Broker
	Market      marketdata.Provider
	Spots       SpotSink
	Stream      *marketdata.Stream
	Cache       *cache.Cache
	Greeks      *greeks.Service
	Optimizer   *optimizer.Optimizer
	Positions   *position.Manager
	Risk        *risk.Manager
	SysState    *sysstate.Manager
	Coordinator *coordinator.Coordinator
	Monitor     *executor.Monitor
	Store       *store.Store
	Logger      *slog.Logger
}

// Engine owns the tick pipeline and the process lifecycle.
type Engine struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	lastTick time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time
}

// New wires the engine and registers its DataStale check with the state
// manager.
func New(cfg Config, deps Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
		logger: deps.Logger.With("component", "engine"),
		now:    time.Now,
	}
	if deps.SysState != nil && cfg.StaleTimeout > 0 {
		deps.SysState.RegisterGlobalCheck(types.TriggerDataStale, e.dataStale)
	}
	return e
}

// dataStale reports a dead feed: the market is open but no tick has arrived
// within the stale timeout.
func (e *Engine) dataStale() bool {
	e.mu.Lock()
	last := e.lastTick
	e.mu.Unlock()
	if last.IsZero() {
		return false
	}
	if e.deps.SysState.State() != types.SystemMarketOpen {
		return false
	}
	return e.now().Sub(last) > e.cfg.StaleTimeout
}

// OnData is the tick pipeline. One call processes one tick end to end; the
// optimizer's significance filter short-circuits sub-threshold moves before
// any downstream work runs.
func (e *Engine) OnData(tick types.QuoteTick) {
	e.mu.Lock()
	e.lastTick = e.now()
	e.mu.Unlock()

	if !e.deps.Optimizer.ProcessTick(tick) {
		return
	}

	if e.deps.Spots != nil {
		e.deps.Spots.SetPrice(tick.Symbol, tick.Price)
	}
	e.deps.Cache.SetSpot(tick.Symbol, tick.Price)
	e.deps.Positions.UpdatePrices(map[string]float64{tick.Symbol: tick.Price})
	e.deps.Risk.OnMarketData(tick.Symbol, tick.Price)

	hash := e.deps.Positions.InvestedHash()
	e.deps.Cache.SetPositionHash(hash)
	if e.deps.Optimizer.ShouldComputeGreeks(hash) {
		e.refreshGreeks()
	}

	state := e.deps.SysState.UpdateSystemState()
	e.deps.SysState.CheckGlobalTriggers()

	for _, ev := range e.deps.Risk.PerformPeriodicChecks() {
		e.logger.Warn("risk event", "kind", ev.Kind, "level", ev.Level.String(), "message", ev.Message)
	}

	if e.deps.Monitor != nil {
		e.deps.Monitor.Poll(e.ctx)
	}

	if state == types.SystemMarketOpen {
		e.deps.Coordinator.ExecuteStrategies(map[string]any{
			"symbol": tick.Symbol,
			"price":  tick.Price,
		})
	}

	e.deps.Optimizer.MaybeMaintainCache()
}

// refreshGreeks recomputes portfolio Greeks over the invested book. Spots
// are fetched once per underlying.
func (e *Engine) refreshGreeks() {
	if e.deps.Greeks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, adapterTimeout)
	defer cancel()

	spots := map[string]float64{}
	var legs []greeks.LegInput
	for _, p := range e.deps.Positions.Active() {
		for _, c := range p.OrderedComponents() {
			if c.Status != types.ComponentOpen && c.Status != types.ComponentPartiallyFilled {
				continue
			}
			spot, ok := spots[c.Underlying]
			if !ok {
				px, err := e.deps.Market.Price(ctx, c.Underlying)
				if err != nil {
					e.logger.Error("greeks spot lookup failed", "underlying", c.Underlying, "error", err)
					continue
				}
				spots[c.Underlying] = px
				spot = px
			}
			legs = append(legs, greeks.LegInput{
				Contract: c.Contract,
				Quantity: c.Quantity,
				Spot:     spot,
			})
		}
	}
	if len(legs) == 0 {
		return
	}
	pg := e.deps.Greeks.Portfolio(legs, nil)
	e.logger.Debug("portfolio greeks refreshed",
		"legs", len(legs), "delta", pg.Total.Delta, "risk_score", pg.RiskScore)
}

// Start restores persisted state, schedules the cron jobs, and launches the
// feed goroutines when a stream is configured.
func (e *Engine) Start() error {
	if e.deps.Store != nil {
		if err := e.deps.Positions.LoadState(e.deps.Store); err != nil {
			e.logger.Error("position restore failed", "error", err)
		}
		if err := e.deps.SysState.LoadAllStates(e.deps.Store); err != nil {
			e.logger.Error("state machine restore failed", "error", err)
		}
	}

	if e.cfg.PersistSpec != "" && e.deps.Store != nil {
		if _, err := e.cron.AddFunc(e.cfg.PersistSpec, e.saveAllStates); err != nil {
			return err
		}
	}
	if e.cfg.MaintenanceSpec != "" {
		if _, err := e.cron.AddFunc(e.cfg.MaintenanceSpec, func() {
			if e.deps.Optimizer.MaybeMaintainCache() {
				e.logger.Info("cache maintenance ran")
			}
		}); err != nil {
			return err
		}
	}
	e.cron.Start()

	if e.deps.Stream != nil {
		if err := e.deps.Stream.Subscribe(e.cfg.Symbols); err != nil {
			e.logger.Error("initial subscribe failed, will retry on connect", "error", err)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.deps.Stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market feed error", "error", err)
			}
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeFeed()
		}()
	}

	e.logger.Info("engine started", "symbols", e.cfg.Symbols)
	return nil
}

// consumeFeed funnels stream ticks into the pipeline. Bars are drained so
// the feed's buffer never backs up; the pipeline keys off quotes.
func (e *Engine) consumeFeed() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-e.deps.Stream.Quotes():
			e.OnData(tick)
		case <-e.deps.Stream.Bars():
		}
	}
}

// Stop shuts down: stops the scheduler and feed, cancels open orders as a
// safety net, and persists final state.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.cron.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	if orders, err := e.deps.Broker.OpenOrders(ctx); err == nil {
		for _, o := range orders {
			if err := e.deps.Broker.Cancel(ctx, o.OrderID); err != nil {
				e.logger.Error("failed to cancel order on shutdown", "order", o.OrderID, "error", err)
			}
		}
	} else {
		e.logger.Error("failed to list open orders on shutdown", "error", err)
	}

	e.saveAllStates()
	e.wg.Wait()
	if e.deps.Stream != nil {
		if err := e.deps.Stream.Close(); err != nil {
			e.logger.Error("feed close failed", "error", err)
		}
	}
	e.logger.Info("shutdown complete")
}

// saveAllStates persists the position book and the state-machine snapshot.
func (e *Engine) saveAllStates() {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Positions.SaveState(e.deps.Store); err != nil {
		e.logger.Error("failed to save positions", "error", err)
	}
	if err := e.deps.SysState.SaveAllStates(e.deps.Store); err != nil {
		e.logger.Error("failed to save state machines", "error", err)
	}
}
