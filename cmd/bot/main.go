// Condorbot — an automated options-income trading core running five
// defined-risk premium strategies on a shared event-driven pipeline.
//
// Architecture:
//
//	main.go              — entry point: config, DI container, engine, SIGINT/SIGTERM
//	engine/engine.go     — tick pipeline: optimizer filter → state/risk sweep → strategy tick
//	strategy/            — five strategies on one shared state machine (base.go)
//	coordinator/         — priority ordering, windows, throttles, resource locks
//	risk/                — unanimous-vote plugin manager: circuit breaker, correlation, concentration
//	sysstate/            — system state derivation and global trigger broadcast
//	position/            — multi-leg position book, the single source of truth
//	executor/            — atomic combo execution with leg-by-leg fallback and reversal
//	vix/, greeks/        — volatility regime ladder and portfolio Greeks
//	cache/, optimizer/   — unified cache and the tick-significance filter
//	broker/, marketdata/ — REST brokerage client / sim, WebSocket feed / static provider
//	store/               — JSON file persistence (survives restarts)
//
// How it makes money:
//
//	Every strategy sells option premium with defined or managed risk — 0DTE
//	iron condors, the LT112 put structure, covered-call diagonals (IPMCC),
//	ES strangles, and a long-dated put ladder. Entries are gated by the VIX
//	regime and a unanimous risk vote; exits are mechanical profit targets,
//	stops, and the 21-DTE defensive rule.
package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"condorbot/internal/broker"
	"condorbot/internal/bus"
	"condorbot/internal/cache"
	"condorbot/internal/config"
	"condorbot/internal/container"
	"condorbot/internal/coordinator"
	"condorbot/internal/engine"
	"condorbot/internal/executor"
	"condorbot/internal/fsm"
	"condorbot/internal/greeks"
	"condorbot/internal/marketdata"
	"condorbot/internal/optimizer"
	"condorbot/internal/position"
	"condorbot/internal/risk"
	"condorbot/internal/store"
	"condorbot/internal/strategy"
	"condorbot/internal/sysstate"
	"condorbot/internal/vix"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CONDOR_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := build(cfg, logger)
	if err != nil {
		logger.Error("failed to build trading core", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("condorbot started",
		"account", cfg.Broker.AccountID,
		"symbols", cfg.MarketData.Symbols,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

// build registers every manager in the dependency container in tiers,
// starts them in topological order, validates the hot paths, and returns
// the wired engine.
func build(cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	c := container.New(logger)

	// Tier 1: foundations with no dependencies.
	regs := []container.ManagerConfig{
		{
			Name:     "bus",
			Critical: true,
			Constructor: func(*container.Container) (any, error) {
				return bus.New(logger), nil
			},
			RequiredMethods: []string{"Publish", "Subscribe"},
		},
		{
			Name:     "store",
			Critical: true,
			Constructor: func(*container.Container) (any, error) {
				return store.Open(cfg.Store.DataDir)
			},
			RequiredMethods: []string{"Save", "Load"},
		},
		{
			Name:     "cache",
			Critical: true,
			Constructor: func(*container.Container) (any, error) {
				return cache.New(cache.Options{
					TTL:        cfg.Cache.TTL,
					MaxEntries: cfg.Cache.MaxEntries,
					MaxMemory:  int64(cfg.Cache.MaxMemoryMB) << 20,
				}, logger), nil
			},
			RequiredMethods: []string{"Get", "Stats"},
		},
		{
			Name:     "broker",
			Critical: true,
			Constructor: func(*container.Container) (any, error) {
				if cfg.DryRun {
					return broker.NewSim(), nil
				}
				return broker.NewClient(broker.ClientConfig{
					BaseURL: cfg.Broker.BaseURL,
					APIKey:  cfg.Broker.APIToken,
					Timeout: cfg.Broker.Timeout,
				}, logger), nil
			},
			RequiredMethods: []string{"MarketOrder", "ComboOrder", "Account"},
		},
		{
			Name:     "market_data",
			Critical: true,
			Constructor: func(*container.Container) (any, error) {
				// The synthetic chain source only serves dry runs; refuse
				// to trade real money against it.
				if !cfg.DryRun {
					return nil, errors.New("no live option-chain provider is wired; set dry_run: true")
				}
				return marketdata.NewStatic(), nil
			},
			RequiredMethods: []string{"Price", "OptionChain", "IsMarketOpen"},
		},

		// Tier 2: data services.
		{
			Name:         "vix_manager",
			Critical:     true,
			Dependencies: []string{"bus", "market_data"},
			Constructor: func(c *container.Container) (any, error) {
				md := c.MustGet("market_data").(marketdata.Provider)
				b := c.MustGet("bus").(*bus.Bus)
				return vix.NewManager(vix.Config{CacheTTL: cfg.VIX.CacheTTL},
					engine.PriceAdapter{Provider: md}, b, logger), nil
			},
			RequiredMethods: []string{"CurrentVIX", "Regime"},
		},
		{
			Name:         "greeks_service",
			Dependencies: []string{"bus", "cache"},
			Constructor: func(c *container.Container) (any, error) {
				return greeks.NewService(
					c.MustGet("cache").(*cache.Cache),
					c.MustGet("bus").(*bus.Bus), logger), nil
			},
			RequiredMethods: []string{"Portfolio", "LegGreeks"},
		},
		{
			Name:         "positions",
			Critical:     true,
			Dependencies: []string{"bus"},
			Constructor: func(c *container.Container) (any, error) {
				return position.NewManager(c.MustGet("bus").(*bus.Bus), logger), nil
			},
			RequiredMethods: []string{"OpenPosition", "ClosePosition", "UpdatePrices"},
		},

		// Tier 3: risk and system state.
		{
			Name:         "risk_manager",
			Critical:     true,
			Dependencies: []string{"bus", "broker", "positions"},
			Constructor: func(c *container.Container) (any, error) {
				bk := c.MustGet("broker").(broker.Broker)
				pm := c.MustGet("positions").(*position.Manager)
				b := c.MustGet("bus").(*bus.Bus)
				liq := &engine.ShortOptionLiquidator{Broker: bk, Positions: pm, Logger: logger}
				rm := risk.NewManager(
					risk.Deps{Account: engine.AccountAdapter{Broker: bk}, Bus: b},
					engine.DeskAdapter{Broker: bk},
					liq,
					logger)
				// Forced liquidations feed back into the plugins' counters.
				liq.Notify = rm
				for _, p := range []risk.Plugin{
					risk.NewCircuitBreaker(),
					risk.NewCorrelation(),
					risk.NewConcentration(),
				} {
					if err := rm.RegisterPlugin(p); err != nil {
						return nil, err
					}
				}
				return rm, nil
			},
			RequiredMethods: []string{"CanOpenPosition", "PerformPeriodicChecks"},
		},
		{
			Name:         "state_manager",
			Critical:     true,
			Dependencies: []string{"bus", "broker", "market_data", "vix_manager", "positions"},
			Constructor: func(c *container.Container) (any, error) {
				return sysstate.New(
					c.MustGet("market_data").(marketdata.Provider),
					c.MustGet("vix_manager").(*vix.Manager),
					engine.AccountAdapter{Broker: c.MustGet("broker").(broker.Broker)},
					engine.OpenPositionsAdapter{Positions: c.MustGet("positions").(*position.Manager)},
					c.MustGet("bus").(*bus.Bus), logger), nil
			},
			RequiredMethods: []string{"UpdateSystemState", "CheckGlobalTriggers", "BroadcastTrigger"},
		},

		// Tier 4: execution.
		{
			Name:         "coordinator",
			Critical:     true,
			Dependencies: []string{"state_manager"},
			Constructor: func(*container.Container) (any, error) {
				return coordinator.New(logger), nil
			},
			RequiredMethods: []string{"RegisterStrategy", "ExecuteStrategies"},
		},
		{
			Name:         "atomic_executor",
			Critical:     true,
			Dependencies: []string{"bus", "broker"},
			Constructor: func(c *container.Container) (any, error) {
				return executor.New(
					c.MustGet("broker").(broker.Broker),
					c.MustGet("bus").(*bus.Bus), logger), nil
			},
			RequiredMethods: []string{"ExecuteAtomic"},
		},
		{
			Name:         "order_monitor",
			Dependencies: []string{"bus", "broker"},
			Constructor: func(c *container.Container) (any, error) {
				bk := c.MustGet("broker").(broker.Broker)
				return executor.NewMonitor(
					engine.OpenOrderStatusSource{Desk: engine.DeskAdapter{Broker: bk}},
					bk, nil,
					c.MustGet("bus").(*bus.Bus), logger), nil
			},
			RequiredMethods: []string{"Poll", "Track"},
		},

		// Tier 5: the optimizer sits last; strategies and the engine are
		// wired after startup from the started instances.
		{
			Name:         "optimizer",
			Critical:     true,
			Dependencies: []string{"bus", "cache"},
			Constructor: func(c *container.Container) (any, error) {
				return optimizer.New(
					c.MustGet("cache").(*cache.Cache),
					c.MustGet("bus").(*bus.Bus), logger), nil
			},
			RequiredMethods: []string{"ProcessTick", "ShouldComputeGreeks"},
		},
	}
	for _, r := range regs {
		if err := c.Register(r); err != nil {
			return nil, err
		}
	}
	if err := c.StartAll(); err != nil {
		return nil, err
	}
	if err := c.ValidateHotPaths(map[string][]string{
		"vix_manager":     {"CurrentVIX"},
		"state_manager":   {"UpdateSystemState", "CheckGlobalTriggers"},
		"risk_manager":    {"CanOpenPosition", "OnMarketData"},
		"coordinator":     {"ExecuteStrategies"},
		"atomic_executor": {"ExecuteAtomic"},
		"optimizer":       {"ProcessTick", "MaybeMaintainCache"},
	}); err != nil {
		return nil, err
	}

	md := c.MustGet("market_data").(*marketdata.Static)
	bk := c.MustGet("broker").(broker.Broker)
	b := c.MustGet("bus").(*bus.Bus)
	pm := c.MustGet("positions").(*position.Manager)
	rm := c.MustGet("risk_manager").(*risk.Manager)
	sys := c.MustGet("state_manager").(*sysstate.Manager)
	coord := c.MustGet("coordinator").(*coordinator.Coordinator)
	exec := c.MustGet("atomic_executor").(*executor.Executor)
	vm := c.MustGet("vix_manager").(*vix.Manager)

	registerStrategies(cfg, coord, sys, strategy.Deps{
		Market:    md,
		VIX:       vm,
		Risk:      rm,
		Executor:  exec,
		Positions: pm,
		Bus:       b,
		Logger:    logger,
		Phase:     engine.PhaseFromAccount(engine.AccountAdapter{Broker: bk}),
	})

	var stream *marketdata.Stream
	if cfg.MarketData.WSURL != "" {
		stream = marketdata.NewStream(cfg.MarketData.WSURL, logger)
	}

	return engine.New(engine.Config{
		Symbols:         cfg.MarketData.Symbols,
		StaleTimeout:    cfg.MarketData.StaleTimeout,
		PersistSpec:     cfg.Engine.PersistSpec,
		MaintenanceSpec: cfg.Engine.MaintenanceSpec,
	}, engine.Deps{
		Broker:      bk,
		Market:      md,
		Spots:       md,
		Stream:      stream,
		Cache:       c.MustGet("cache").(*cache.Cache),
		Greeks:      c.MustGet("greeks_service").(*greeks.Service),
		Optimizer:   c.MustGet("optimizer").(*optimizer.Optimizer),
		Positions:   pm,
		Risk:        rm,
		SysState:    sys,
		Coordinator: coord,
		Monitor:     c.MustGet("order_monitor").(*executor.Monitor),
		Store:       c.MustGet("store").(*store.Store),
		Logger:      logger,
	}), nil
}

// tradingStrategy is what every strategy exposes: a name, its state machine
// for the state manager, and the coordinator's Execute surface.
type tradingStrategy interface {
	Name() string
	Machine() *fsm.Machine
	Execute(data map[string]any) error
}

// registerStrategies creates the enabled strategies, hands their machines to
// the state manager, and schedules them with the coordinator. Entry windows
// live inside the strategies; the coordinator must keep ticking open
// positions outside them, so no coordinator windows are set.
func registerStrategies(cfg *config.Config, coord *coordinator.Coordinator, sys *sysstate.Manager, deps strategy.Deps) {
	type reg struct {
		enabled  bool
		s        tradingStrategy
		priority coordinator.Priority
	}
	for _, r := range []reg{
		{cfg.Strategies.ZeroDTE, strategy.NewZeroDTE(deps), coordinator.PriorityHigh},
		{cfg.Strategies.LT112, strategy.NewLT112(deps), coordinator.PriorityMedium},
		{cfg.Strategies.Strangle, strategy.NewStrangle(deps), coordinator.PriorityMedium},
		{cfg.Strategies.IPMCC, strategy.NewIPMCC(deps), coordinator.PriorityLow},
		{cfg.Strategies.Ladder, strategy.NewLEAPLadder(deps), coordinator.PriorityLow},
	} {
		if !r.enabled {
			continue
		}
		coord.RegisterStrategy(r.s.Name(), r.priority, r.s)
		sys.RegisterStrategy(r.s.Name(), r.s.Machine())
		if cfg.Coordinator.Throttle > 0 {
			coord.SetThrottle(r.s.Name(), cfg.Coordinator.Throttle)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
