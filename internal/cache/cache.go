// Package cache implements the unified intelligent cache.
//
// One cache replaces what used to be three: a general TTL cache, a
// market-data cache, and a position-aware cache. Every entry carries a type
// tag and a source fingerprint; on Get the fingerprint is re-checked so
// entries go stale the moment their inputs move, not just when the TTL runs
// out:
//
//   - MarketData / Greeks / OptionChain entries record the underlying spot at
//     store time and are invalid once spot has moved ≥ 0.1%.
//   - Greeks / Position entries record a hash of the invested position set
//     and are invalid once the set changes.
//   - Everything expires on TTL (default 5 minutes).
//
// Maintenance evicts expired entries and, over the soft memory cap, evicts by
// LRU within type groups — Greeks first, since they are the cheapest to
// recompute from cached inputs.
//
// All entry points are guarded by a single mutex; the cache is the shared
// service every manager reads through.
package cache

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Type tags a cache entry with its invalidation family.
type Type int

const (
	General Type = iota
	MarketData
	Greeks
	OptionChain
	Position
	Account
)

func (t Type) String() string {
	switch t {
	case General:
		return "general"
	case MarketData:
		return "market_data"
	case Greeks:
		return "greeks"
	case OptionChain:
		return "option_chain"
	case Position:
		return "position"
	case Account:
		return "account"
	default:
		return "unknown"
	}
}

const (
	// spotMoveThreshold invalidates market-sensitive entries: 0.1%.
	spotMoveThreshold = 0.001

	// DefaultTTL is the default entry lifetime.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxMemory is the soft memory cap (bytes).
	DefaultMaxMemory = 175 << 20

	// DefaultMaxEntries bounds entry count independent of the byte estimate.
	DefaultMaxEntries = 50_000

	// entryOverhead approximates per-entry bookkeeping bytes for the memory
	// estimate. Values are interface-boxed so this is deliberately coarse.
	entryOverhead = 512
)

// marketSensitive types re-check the spot fingerprint on Get.
func marketSensitive(t Type) bool {
	return t == MarketData || t == Greeks || t == OptionChain
}

// positionSensitive types re-check the position-set fingerprint on Get.
func positionSensitive(t Type) bool {
	return t == Greeks || t == Position
}

type entry struct {
	key        string
	typ        Type
	value      any
	expiresAt  time.Time
	lastAccess time.Time
	symbol     string  // underlying for market-sensitive entries
	spotAt     float64 // spot snapshot at store time
	posHashAt  string  // position-set hash at store time
	sizeBytes  int
}

// Options configure the cache. Zero values take the defaults above.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	MaxMemory  int64
}

// Stats are the cache's observability counters.
type Stats struct {
	Hits         int
	Misses       int
	Invalidated  int
	Evicted      int
	Entries      int
	MemoryBytes  int64
}

// HitRate returns hits/(hits+misses), 1.0 when idle.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1.0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the unified intelligent cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	maxN    int
	maxMem  int64
	mem     int64

	spots   map[string]float64 // current spot per underlying
	posHash string             // current invested-position-set hash

	stats  Stats
	logger *slog.Logger
	now    func() time.Time // injectable clock for tests
}

// New creates a cache with the given options.
func New(opts Options, logger *slog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = DefaultMaxMemory
	}
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     opts.TTL,
		maxN:    opts.MaxEntries,
		maxMem:  opts.MaxMemory,
		spots:   make(map[string]float64),
		logger:  logger.With("component", "cache"),
		now:     time.Now,
	}
}

// SetSpot records the current spot for an underlying. Market-sensitive
// entries stored under that underlying invalidate once spot moves ≥ 0.1%
// from their snapshot.
func (c *Cache) SetSpot(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spots[symbol] = price
}

// SetPositionHash records the hash of the currently invested option set.
func (c *Cache) SetPositionHash(h string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posHash = h
}

// Get returns the cached value for key when it is fresh, otherwise calls
// factory, stores the result and returns it. symbol associates
// market-sensitive entries with their underlying; pass "" for others.
func (c *Cache) Get(key string, typ Type, symbol string, factory func() (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.freshLocked(e) {
		e.lastAccess = c.now()
		c.stats.Hits++
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.stats.Misses++
	spot := c.spots[symbol]
	posHash := c.posHash
	c.mu.Unlock()

	// Factory runs without the lock; a concurrent Get for the same key may
	// duplicate work but never deadlock.
	v, err := factory()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.storeLocked(&entry{
		key:        key,
		typ:        typ,
		value:      v,
		expiresAt:  c.now().Add(c.ttl),
		lastAccess: c.now(),
		symbol:     symbol,
		spotAt:     spot,
		posHashAt:  posHash,
		sizeBytes:  entryOverhead + len(key),
	})
	c.mu.Unlock()
	return v, nil
}

// Invalidate removes a single key. Returns true if it was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
		c.stats.Invalidated++
		return true
	}
	return false
}

// InvalidateByType removes every entry of the given type, returning the count.
func (c *Cache) InvalidateByType(typ Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.typ == typ {
			c.removeLocked(e)
			n++
		}
	}
	c.stats.Invalidated += n
	return n
}

// MaintenanceReport summarizes one PeriodicMaintenance pass.
type MaintenanceReport struct {
	Expired int
	Evicted int
}

// PeriodicMaintenance removes expired entries, then evicts by LRU while the
// entry count or memory estimate exceeds the caps. Eviction prefers Greeks
// entries, then walks the remaining type groups.
func (c *Cache) PeriodicMaintenance() MaintenanceReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rep MaintenanceReport
	now := c.now()
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e)
			rep.Expired++
		}
	}

	if len(c.entries) <= c.maxN && c.mem <= c.maxMem {
		return rep
	}

	// LRU within type groups, Greeks group first.
	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		gi, gj := candidates[i].typ == Greeks, candidates[j].typ == Greeks
		if gi != gj {
			return gi
		}
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})
	for _, e := range candidates {
		if len(c.entries) <= c.maxN && c.mem <= c.maxMem {
			break
		}
		c.removeLocked(e)
		rep.Evicted++
	}
	c.stats.Evicted += rep.Evicted
	if rep.Evicted > 0 {
		c.logger.Debug("cache eviction", "evicted", rep.Evicted, "expired", rep.Expired)
	}
	return rep
}

// Stats returns a copy of the counters plus current entry count and memory.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.MemoryBytes = c.mem
	return s
}

// FillLevel returns entries/maxEntries in [0,1].
func (c *Cache) FillLevel() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(len(c.entries)) / float64(c.maxN)
}

// ————————————————————————————————————————————————————————————————————————
// internals (caller holds c.mu)
// ————————————————————————————————————————————————————————————————————————

func (c *Cache) freshLocked(e *entry) bool {
	if c.now().After(e.expiresAt) {
		return false
	}
	if marketSensitive(e.typ) && e.spotAt > 0 {
		if spot, ok := c.spots[e.symbol]; ok {
			// Tolerance keeps a move landing exactly on the threshold stale
			// even when the float64 ratio rounds a hair under it.
			if math.Abs(spot-e.spotAt)/e.spotAt >= spotMoveThreshold*(1-1e-9) {
				return false
			}
		}
	}
	if positionSensitive(e.typ) && e.posHashAt != c.posHash {
		return false
	}
	return true
}

func (c *Cache) storeLocked(e *entry) {
	if old, ok := c.entries[e.key]; ok {
		c.mem -= int64(old.sizeBytes)
	}
	c.entries[e.key] = e
	c.mem += int64(e.sizeBytes)
}

func (c *Cache) removeLocked(e *entry) {
	if _, ok := c.entries[e.key]; ok {
		delete(c.entries, e.key)
		c.mem -= int64(e.sizeBytes)
	}
}
