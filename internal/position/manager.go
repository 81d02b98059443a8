package position

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"condorbot/internal/store"
	"condorbot/pkg/types"
)

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(t types.EventType, data map[string]any, source string) bool
}

// ObjectStore is the persistence surface the manager needs.
type ObjectStore interface {
	Save(key string, obj any) error
	Load(key string, out any) (bool, error)
}

const snapshotVersion = "1"

type snapshot struct {
	Positions map[string]*Position `json:"positions"`
	Metadata  snapshotMeta         `json:"metadata"`
}

type snapshotMeta struct {
	LastUpdated time.Time `json:"last_updated"`
	Version     string    `json:"version"`
}

// Manager owns the position book. All mutations go through one lock.
type Manager struct {
	mu         sync.Mutex
	positions  map[string]*Position
	predicates map[string]CompletePredicate // strategy id → completeness
	bus        Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates an empty position book. bus may be nil.
func NewManager(bus Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		positions:  map[string]*Position{},
		predicates: map[string]CompletePredicate{},
		bus:        bus,
		logger:     logger.With("component", "position"),
		now:        time.Now,
	}
}

// RegisterCompleteness sets the structural-complete predicate for a strategy.
// Strategies without one use AllFilled.
func (m *Manager) RegisterCompleteness(strategyID string, pred CompletePredicate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predicates[strategyID] = pred
}

// OpenPosition atomically attaches all components as a new Building position
// and returns its id. Components without ids are assigned one.
func (m *Manager) OpenPosition(strategyID, underlying string, comps []Component) (string, error) {
	if len(comps) == 0 {
		return "", fmt.Errorf("open position for %s: no components", strategyID)
	}

	m.mu.Lock()
	p := &Position{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Underlying: underlying,
		Components: map[string]*Component{},
		EntryTime:  m.now(),
		Metadata:   map[string]any{},
		Status:     types.PositionBuilding,
	}
	for i := range comps {
		c := comps[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.StrategyID = strategyID
		if c.Underlying == "" {
			c.Underlying = underlying
		}
		if c.Status == "" {
			c.Status = types.ComponentPending
		}
		if c.Multiplier == 0 {
			c.Multiplier = c.Contract.Multiplier
		}
		p.Components[c.ID] = &c
		p.ComponentOrder = append(p.ComponentOrder, c.ID)
	}
	m.refreshStatusLocked(p)
	m.positions[p.ID] = p
	m.mu.Unlock()

	m.logger.Info("position opened", "position", p.ID, "strategy", strategyID,
		"underlying", underlying, "legs", len(comps))
	m.publish(types.EventPositionOpened, p)
	return p.ID, nil
}

// AttachComponent adds a leg to an existing position (e.g. a new weekly call
// on an existing LEAP). Returns the component id.
func (m *Manager) AttachComponent(positionID string, c Component) (string, error) {
	m.mu.Lock()
	p, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("attach component: unknown position %s", positionID)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.StrategyID = p.StrategyID
	if c.Underlying == "" {
		c.Underlying = p.Underlying
	}
	if c.Status == "" {
		c.Status = types.ComponentPending
	}
	if c.Multiplier == 0 {
		c.Multiplier = c.Contract.Multiplier
	}
	p.Components[c.ID] = &c
	p.ComponentOrder = append(p.ComponentOrder, c.ID)
	m.refreshStatusLocked(p)
	m.mu.Unlock()

	m.publish(types.EventPositionUpdated, p)
	return c.ID, nil
}

// ComponentFilled marks a component Open at the fill price and links it to
// the broker order.
func (m *Manager) ComponentFilled(positionID, componentID string, fillPrice float64, orderID string) error {
	m.mu.Lock()
	p, c, err := m.lookupLocked(positionID, componentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	now := m.now()
	c.Status = types.ComponentOpen
	c.EntryPrice = fillPrice
	c.CurrentPrice = fillPrice
	c.OrderID = orderID
	c.FilledAt = &now
	c.recomputePnL()
	m.refreshStatusLocked(p)
	m.mu.Unlock()

	m.publish(types.EventPositionUpdated, p)
	return nil
}

// CloseComponent transitions one component to Closed and refreshes the
// position status. The last close publishes PositionClosed.
func (m *Manager) CloseComponent(positionID, componentID string) error {
	m.mu.Lock()
	p, c, err := m.lookupLocked(positionID, componentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	c.Status = types.ComponentClosed
	m.refreshStatusLocked(p)
	closed := p.Status == types.PositionClosed
	m.mu.Unlock()

	if closed {
		m.logger.Info("position closed", "position", positionID, "pnl", p.TotalPnL())
		m.publish(types.EventPositionClosed, p)
	} else {
		m.publish(types.EventPositionUpdated, p)
	}
	return nil
}

// ClosePosition closes every remaining component.
func (m *Manager) ClosePosition(positionID string) error {
	m.mu.Lock()
	p, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("close position: unknown position %s", positionID)
	}
	for _, c := range p.Components {
		if c.Status != types.ComponentClosed && c.Status != types.ComponentCancelled {
			c.Status = types.ComponentClosed
		}
	}
	m.refreshStatusLocked(p)
	m.mu.Unlock()

	m.logger.Info("position closed", "position", positionID, "pnl", p.TotalPnL())
	m.publish(types.EventPositionClosed, p)
	return nil
}

// UpdatePrices refreshes current prices (keyed by contract symbol) and
// recomputes sign-aware component P&L.
func (m *Manager) UpdatePrices(prices map[string]float64) {
	m.mu.Lock()
	var touched []*Position
	for _, p := range m.positions {
		hit := false
		for _, c := range p.Components {
			if px, ok := prices[c.Contract.Symbol]; ok {
				c.CurrentPrice = px
				c.recomputePnL()
				hit = true
			}
		}
		if hit {
			touched = append(touched, p)
		}
	}
	m.mu.Unlock()

	for _, p := range touched {
		m.publish(types.EventPositionUpdated, p)
	}
}

// PositionDTE returns the minimum days-to-expiry across the position's open
// components.
func (m *Manager) PositionDTE(positionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("position dte: unknown position %s", positionID)
	}
	return p.MinDTE(m.now()), nil
}

// Get returns the position, or nil when unknown.
func (m *Manager) Get(positionID string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[positionID]
}

// ForStrategy returns the strategy's non-closed positions.
func (m *Manager) ForStrategy(strategyID string) []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Position
	for _, p := range m.positions {
		if p.StrategyID == strategyID && p.Status != types.PositionClosed {
			out = append(out, p)
		}
	}
	return out
}

// Active returns every non-closed position.
func (m *Manager) Active() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Position
	for _, p := range m.positions {
		if p.Status != types.PositionClosed {
			out = append(out, p)
		}
	}
	return out
}

// TotalPnL sums P&L across the whole book, closed positions included.
func (m *Manager) TotalPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, p := range m.positions {
		sum += p.TotalPnL()
	}
	return sum
}

// InvestedHash fingerprints the invested option set (symbol and quantity) so
// the cache can invalidate position-sensitive entries on change.
func (m *Manager) InvestedHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parts []string
	for _, p := range m.positions {
		for _, c := range p.Components {
			if c.Status == types.ComponentOpen || c.Status == types.ComponentPartiallyFilled {
				parts = append(parts, fmt.Sprintf("%s:%d", c.Contract.Symbol, c.Quantity))
			}
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// SyncWithBroker walks the broker holdings, compares against the book, and
// logs discrepancies. It never auto-corrects: resolving a mismatch is an
// operator decision. Returns the discrepancy descriptions.
func (m *Manager) SyncWithBroker(holdings map[string]types.Holding) []string {
	m.mu.Lock()
	book := map[string]int{}
	for _, p := range m.positions {
		for _, c := range p.Components {
			if c.Status == types.ComponentOpen || c.Status == types.ComponentPartiallyFilled {
				book[c.Contract.Symbol] += c.Quantity
			}
		}
	}
	m.mu.Unlock()

	var discrepancies []string
	for sym, h := range holdings {
		if got := book[sym]; got != int(h.Quantity) {
			discrepancies = append(discrepancies,
				fmt.Sprintf("%s: book %d vs broker %v", sym, got, h.Quantity))
		}
		delete(book, sym)
	}
	for sym, qty := range book {
		if qty != 0 {
			discrepancies = append(discrepancies,
				fmt.Sprintf("%s: book %d vs broker 0", sym, qty))
		}
	}

	for _, d := range discrepancies {
		m.logger.Error("broker reconciliation mismatch", "detail", d)
	}
	return discrepancies
}

// SaveState persists the full book under the positions key.
func (m *Manager) SaveState(st ObjectStore) error {
	m.mu.Lock()
	snap := snapshot{
		Positions: m.positions,
		Metadata:  snapshotMeta{LastUpdated: m.now(), Version: snapshotVersion},
	}
	m.mu.Unlock()
	return st.Save(store.KeyPositions, snap)
}

// LoadState restores the book from the positions key. A missing snapshot is
// a fresh start, not an error.
func (m *Manager) LoadState(st ObjectStore) error {
	var snap snapshot
	found, err := st.Load(store.KeyPositions, &snap)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if !found {
		return nil
	}

	m.mu.Lock()
	m.positions = snap.Positions
	if m.positions == nil {
		m.positions = map[string]*Position{}
	}
	n := len(m.positions)
	m.mu.Unlock()

	m.logger.Info("position book restored", "positions", n)
	return nil
}

// refreshStatusLocked recomputes position status. Caller holds m.mu.
// Closed iff every component is Closed or Cancelled; PartiallyClosed when
// some are; Active iff the strategy's completeness predicate holds.
func (m *Manager) refreshStatusLocked(p *Position) {
	allClosed := true
	anyClosed := false
	for _, c := range p.Components {
		switch c.Status {
		case types.ComponentClosed, types.ComponentCancelled:
			anyClosed = true
		default:
			allClosed = false
		}
	}

	switch {
	case allClosed && len(p.Components) > 0:
		p.Status = types.PositionClosed
	case anyClosed:
		p.Status = types.PositionPartiallyClosed
	default:
		pred := m.predicates[p.StrategyID]
		if pred == nil {
			pred = AllFilled
		}
		if pred(p) {
			p.Status = types.PositionActive
		} else {
			p.Status = types.PositionBuilding
		}
	}
}

func (m *Manager) lookupLocked(positionID, componentID string) (*Position, *Component, error) {
	p, ok := m.positions[positionID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown position %s", positionID)
	}
	c, ok := p.Components[componentID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown component %s in position %s", componentID, positionID)
	}
	return p, c, nil
}

func (m *Manager) publish(t types.EventType, p *Position) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(t, map[string]any{
		"positionId": p.ID,
		"strategyId": p.StrategyID,
		"symbol":     p.Underlying,
		"status":     string(p.Status),
		"pnl":        p.TotalPnL(),
		"timestamp":  m.now(),
	}, "position")
}
