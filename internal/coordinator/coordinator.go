// Package coordinator schedules strategy execution: priority ordering,
// mutual exclusion, advisory resource locks, time-window gating, and
// per-strategy throttling.
//
// Locks here are coarse and advisory — holding one only blocks the
// coordinator from granting it again; it never blocks the brokerage. Stale
// locks are broken automatically after their timeout.
package coordinator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Priority orders strategies within a tick. Lower value runs first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityIdle
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	case PriorityLow:
		return "Low"
	case PriorityIdle:
		return "Idle"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Shared resource lock names.
const (
	LockOrderPlacement = "order_placement"
	LockOptionChain    = "option_chain"
	LockMargin         = "margin"
	LockSPYPositions   = "spy_positions"
	LockVIXData        = "vix_data"
)

// DefaultThrottle is the minimum interval between executions of one strategy.
const DefaultThrottle = 5 * time.Minute

// Executor is the strategy surface the coordinator drives.
type Executor interface {
	Execute(data map[string]any) error
}

// Window is an execution window in the market timezone, e.g. 10:30–15:30.
// A zero Window means always eligible.
type Window struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

func (w Window) zero() bool {
	return w.StartHour == 0 && w.StartMin == 0 && w.EndHour == 0 && w.EndMin == 0
}

// contains reports whether t (already in market time) falls inside the window.
func (w Window) contains(t time.Time) bool {
	if w.zero() {
		return true
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= w.StartHour*60+w.StartMin && mins < w.EndHour*60+w.EndMin
}

type registration struct {
	name      string
	priority  Priority
	exec      Executor
	window    Window
	conflicts map[string]bool
	lastRun   time.Time
	throttle  time.Duration
	runs      int
	failures  int
}

type resourceLock struct {
	owner    string
	acquired time.Time
}

// ExecutionRecord is one entry of the bounded execution history.
type ExecutionRecord struct {
	Strategy string
	Start    time.Time
	Err      string
}

const historySize = 128

// Coordinator arbitrates strategy execution.
type Coordinator struct {
	mu         sync.Mutex
	strategies map[string]*registration
	active     map[string]bool
	blocked    map[string]bool
	locks      map[string]*resourceLock
	history    []ExecutionRecord
	conflicts  []string // conflict log
	exclusive  string   // owner of the exclusive execution lock, "" if free
	marketTZ   *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a coordinator. The market timezone is America/New_York; a
// lookup failure falls back to UTC.
func New(logger *slog.Logger) *Coordinator {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Coordinator{
		strategies: map[string]*registration{},
		active:     map[string]bool{},
		blocked:    map[string]bool{},
		locks:      map[string]*resourceLock{},
		marketTZ:   loc,
		logger:     logger.With("component", "coordinator"),
		now:        time.Now,
	}
}

// RegisterStrategy registers a strategy at a priority. Idempotent per
// process: a second registration with the same name is a no-op returning
// false.
func (c *Coordinator) RegisterStrategy(name string, priority Priority, exec Executor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.strategies[name]; ok {
		c.logger.Debug("duplicate strategy registration ignored", "strategy", name)
		return false
	}
	c.strategies[name] = &registration{
		name:      name,
		priority:  priority,
		exec:      exec,
		conflicts: map[string]bool{},
		throttle:  DefaultThrottle,
	}
	c.logger.Info("strategy registered", "strategy", name, "priority", priority.String())
	return true
}

// SetWindow restricts a strategy to an execution window in market time.
func (c *Coordinator) SetWindow(name string, w Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.strategies[name]; ok {
		r.window = w
	}
}

// SetConflicts declares strategies that must not run concurrently with name.
func (c *Coordinator) SetConflicts(name string, others ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.strategies[name]; ok {
		for _, o := range others {
			r.conflicts[o] = true
		}
	}
}

// SetThrottle overrides the per-strategy minimum execution interval.
func (c *Coordinator) SetThrottle(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.strategies[name]; ok {
		r.throttle = d
	}
}

// IsActive reports whether the strategy is currently executing.
func (c *Coordinator) IsActive(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[name]
}

// IsBlocked reports whether the strategy is paused by a conflict.
func (c *Coordinator) IsBlocked(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked[name]
}

// RequestExecution runs the callback under the coordinator's arbitration.
// Returns false without running when the strategy is unregistered, out of
// window, blocked, or conflicted. Critical-priority strategies preempt:
// conflicting active strategies are paused for the duration. With exclusive
// set, every other non-Critical strategy is paused for the duration.
func (c *Coordinator) RequestExecution(name string, callback func() error, exclusive bool) bool {
	c.mu.Lock()
	r, ok := c.strategies[name]
	if !ok {
		c.mu.Unlock()
		c.logger.Error("execution requested by unregistered strategy", "strategy", name)
		return false
	}
	if !r.window.contains(c.now().In(c.marketTZ)) {
		c.mu.Unlock()
		return false
	}
	if c.blocked[name] {
		c.mu.Unlock()
		return false
	}

	var paused []string
	for other := range r.conflicts {
		if !c.active[other] {
			continue
		}
		if r.priority == PriorityCritical {
			// Preempt: pause the conflicting strategy for the duration.
			c.blocked[other] = true
			paused = append(paused, other)
			c.conflicts = append(c.conflicts,
				fmt.Sprintf("%s preempted %s", name, other))
		} else {
			c.conflicts = append(c.conflicts,
				fmt.Sprintf("%s blocked by active conflict %s", name, other))
			c.mu.Unlock()
			return false
		}
	}

	if exclusive {
		if c.exclusive != "" && c.exclusive != name {
			c.mu.Unlock()
			return false
		}
		c.exclusive = name
		for other, reg := range c.strategies {
			if other != name && reg.priority != PriorityCritical && !c.blocked[other] {
				c.blocked[other] = true
				paused = append(paused, other)
			}
		}
	} else if c.exclusive != "" && c.exclusive != name {
		c.mu.Unlock()
		return false
	}

	c.active[name] = true
	c.mu.Unlock()

	start := c.now()
	err := runGuarded(callback)

	c.mu.Lock()
	delete(c.active, name)
	for _, p := range paused {
		delete(c.blocked, p)
	}
	if exclusive && c.exclusive == name {
		c.exclusive = ""
	}
	r.runs++
	rec := ExecutionRecord{Strategy: name, Start: start}
	if err != nil {
		r.failures++
		rec.Err = err.Error()
	}
	c.history = append(c.history, rec)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("strategy execution failed", "strategy", name, "error", err)
	}
	return err == nil
}

// runGuarded converts a callback panic into an error so one strategy cannot
// take down the tick.
func runGuarded(callback func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("strategy panic: %v", rec)
		}
	}()
	return callback()
}

// AcquireResourceLock grants a named lock when it is free, already held by
// the requester, or stale (held longer than timeout, in which case the stale
// lock is broken).
func (c *Coordinator) AcquireResourceLock(resource, name string, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, held := c.locks[resource]
	if held && l.owner != name {
		if c.now().Sub(l.acquired) < timeout {
			return false
		}
		c.logger.Error("breaking stale resource lock",
			"resource", resource, "owner", l.owner, "held", c.now().Sub(l.acquired))
	}
	c.locks[resource] = &resourceLock{owner: name, acquired: c.now()}
	return true
}

// ReleaseResourceLock releases the lock if the caller owns it.
func (c *Coordinator) ReleaseResourceLock(resource, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[resource]; ok && l.owner == name {
		delete(c.locks, resource)
	}
}

// WithResourceLock runs fn while holding the lock, releasing on every exit
// path including panic.
func (c *Coordinator) WithResourceLock(resource, name string, timeout time.Duration, fn func() error) error {
	if !c.AcquireResourceLock(resource, name, timeout) {
		return fmt.Errorf("resource %s held by another strategy", resource)
	}
	defer c.ReleaseResourceLock(resource, name)
	return fn()
}

// ExecutionOrder returns eligible strategies Critical-first: registered, in
// window, not blocked. Ties break by name for determinism.
func (c *Coordinator) ExecutionOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executionOrderLocked()
}

func (c *Coordinator) executionOrderLocked() []string {
	nowMarket := c.now().In(c.marketTZ)
	var regs []*registration
	for _, r := range c.strategies {
		if c.blocked[r.name] || !r.window.contains(nowMarket) {
			continue
		}
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].name < regs[j].name
	})
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.name
	}
	return out
}

// ExecuteStrategies runs one tick: each eligible strategy in priority order,
// honouring the per-strategy throttle. A throttled strategy is skipped
// silently; a failing strategy never halts the remainder.
func (c *Coordinator) ExecuteStrategies(data map[string]any) {
	c.mu.Lock()
	order := c.executionOrderLocked()
	now := c.now()
	var due []*registration
	for _, name := range order {
		r := c.strategies[name]
		if !r.lastRun.IsZero() && now.Sub(r.lastRun) < r.throttle {
			continue
		}
		r.lastRun = now
		due = append(due, r)
	}
	c.mu.Unlock()

	for _, r := range due {
		ok := c.RequestExecution(r.name, func() error {
			if r.exec == nil {
				return nil
			}
			return r.exec.Execute(data)
		}, false)
		if !ok {
			c.logger.Debug("strategy skipped or failed", "strategy", r.name)
		}
	}
}

// ConflictLog returns a copy of recorded conflicts.
func (c *Coordinator) ConflictLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.conflicts...)
}

// History returns a copy of the execution history, oldest first.
func (c *Coordinator) History() []ExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ExecutionRecord(nil), c.history...)
}
