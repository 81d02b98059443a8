// Package container is the dependency-ordered manager factory. Managers are
// declared with their dependencies and required methods; startup
// topologically sorts them, instantiates in order, and verifies each
// manager's interface by reflection before any trading tick runs.
//
// A missing method or a failed critical manager aborts startup. A failed
// non-critical manager is recorded and its failure propagates to every
// dependant.
package container

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
)

// ManagerConfig declares one manager.
type ManagerConfig struct {
	Name            string
	Constructor     func(c *Container) (any, error)
	Dependencies    []string
	RequiredMethods []string
	Critical        bool
}

// Container holds registered configs and started instances.
type Container struct {
	mu        sync.Mutex
	configs   map[string]ManagerConfig
	regOrder  []string
	instances map[string]any
	failed    map[string]error
	started   bool
	logger    *slog.Logger
}

// New creates an empty container.
func New(logger *slog.Logger) *Container {
	return &Container{
		configs:   map[string]ManagerConfig{},
		instances: map[string]any{},
		failed:    map[string]error{},
		logger:    logger.With("component", "container"),
	}
}

// Register declares a manager. Duplicate names are an error.
func (c *Container) Register(cfg ManagerConfig) error {
	if cfg.Name == "" || cfg.Constructor == nil {
		return fmt.Errorf("register manager: name and constructor are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.configs[cfg.Name]; ok {
		return fmt.Errorf("register manager %s: already registered", cfg.Name)
	}
	c.configs[cfg.Name] = cfg
	c.regOrder = append(c.regOrder, cfg.Name)
	return nil
}

// Get returns a started manager instance, or nil when absent or failed.
func (c *Container) Get(name string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances[name]
}

// MustGet returns a started manager or panics. For use after a successful
// StartAll, where absence is a programming error.
func (c *Container) MustGet(name string) any {
	v := c.Get(name)
	if v == nil {
		panic(fmt.Sprintf("container: manager %s not available", name))
	}
	return v
}

// Failed returns the startup error of a manager, nil if it started.
func (c *Container) Failed(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed[name]
}

// StartAll instantiates every registered manager in dependency order and
// validates its required methods. Returns the first fatal error.
func (c *Container) StartAll() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("container already started")
	}
	c.started = true
	c.mu.Unlock()

	order, err := c.topoSort()
	if err != nil {
		return err
	}

	for _, name := range order {
		cfg := c.configs[name]

		if depErr := c.failedDependency(cfg); depErr != nil {
			err := fmt.Errorf("manager %s: dependency failed: %w", name, depErr)
			if cfg.Critical {
				return err
			}
			c.markFailed(name, err)
			continue
		}

		inst, err := c.construct(cfg)
		if err == nil {
			err = validateMethods(inst, cfg.RequiredMethods)
		}
		if err != nil {
			err = fmt.Errorf("manager %s: %w", name, err)
			if cfg.Critical {
				c.logger.Error("critical manager failed, aborting startup",
					"manager", name, "error", err)
				return err
			}
			c.logger.Error("non-critical manager failed", "manager", name, "error", err)
			c.markFailed(name, err)
			continue
		}

		c.mu.Lock()
		c.instances[name] = inst
		c.mu.Unlock()
		c.logger.Info("manager started", "manager", name)
	}
	return nil
}

// construct runs the constructor with panic containment.
func (c *Container) construct(cfg ManagerConfig) (inst any, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst = nil
			err = fmt.Errorf("constructor panic: %v", r)
		}
	}()
	return cfg.Constructor(c)
}

func (c *Container) markFailed(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[name] = err
}

func (c *Container) failedDependency(cfg ManagerConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dep := range cfg.Dependencies {
		if err, ok := c.failed[dep]; ok {
			return err
		}
	}
	return nil
}

// topoSort orders managers leaves-first (Kahn), breaking ties by
// registration order for determinism. Unknown dependencies and cycles are
// fatal.
func (c *Container) topoSort() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	indegree := map[string]int{}
	dependants := map[string][]string{}
	for name, cfg := range c.configs {
		indegree[name] += 0
		for _, dep := range cfg.Dependencies {
			if _, ok := c.configs[dep]; !ok {
				return nil, fmt.Errorf("manager %s depends on unknown manager %s", name, dep)
			}
			indegree[name]++
			dependants[dep] = append(dependants[dep], name)
		}
	}

	regIndex := map[string]int{}
	for i, name := range c.regOrder {
		regIndex[name] = i
	}

	var ready []string
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return regIndex[ready[i]] < regIndex[ready[j]] })
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependants[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(c.configs) {
		return nil, fmt.Errorf("dependency cycle among managers")
	}
	return order, nil
}

// validateMethods verifies each required method exists and is callable on
// the instance.
func validateMethods(inst any, methods []string) error {
	if len(methods) == 0 {
		return nil
	}
	v := reflect.ValueOf(inst)
	if !v.IsValid() {
		return fmt.Errorf("constructor returned nil")
	}
	for _, m := range methods {
		if !v.MethodByName(m).IsValid() {
			return fmt.Errorf("required method %s missing", m)
		}
	}
	return nil
}

// ValidateHotPaths re-checks a hand-selected list of hot-path methods on
// started managers after startup. Any missing manager or method is fatal.
func (c *Container) ValidateHotPaths(checks map[string][]string) error {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		inst := c.Get(name)
		if inst == nil {
			return fmt.Errorf("hot-path validation: manager %s not started", name)
		}
		if err := validateMethods(inst, checks[name]); err != nil {
			return fmt.Errorf("hot-path validation: manager %s: %w", name, err)
		}
	}
	c.logger.Info("hot-path validation passed", "managers", len(checks))
	return nil
}
