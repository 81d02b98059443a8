// Package bus implements the event bus the managers communicate over.
//
// The bus is a synchronous, priority-ordered publish/subscribe hub with three
// extras the manager graph depends on:
//
//   - Loop detection: every event carries the (type, source) chain of its
//     ancestor publications. A publication whose chain already contains its
//     own (type, source) pair, or whose hop count reached the cap, is refused
//     and surfaced as a CircularDependencyDetected event. This is what lets
//     VIX, sizing, Greeks and risk subscribe to each other without the cyclic
//     dependency re-triggering itself forever.
//
//   - Request/response: publishRequestResponse pairs a request event with an
//     expected response type under a shared correlation ID, invoking the
//     caller's callback when the matching response arrives. Pending requests
//     expire after a timeout and are reaped on subsequent publish cycles.
//
//   - Failure isolation: a handler panic is recovered and counted against the
//     handler; sibling handlers always run. Publish reports overall success.
//
// Dispatch is synchronous and nested publications are allowed — the loop
// detector bounds the depth. Subscription and bookkeeping maps are guarded by
// a mutex, but the lock is never held across handler invocation, so handlers
// may publish freely.
package bus

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"condorbot/pkg/types"
)

const (
	// DefaultMaxHops caps the length of any event chain.
	DefaultMaxHops = 10

	// DefaultRequestTimeout is how long a pending request waits for its response.
	DefaultRequestTimeout = 5 * time.Second

	// recentWindow is the tail of the chain checked for indirect cycles.
	recentWindow = 3

	// payloadScanDepth bounds the cyclic-reference scan of payload maps.
	payloadScanDepth = 8

	historySize = 256
)

// Handler processes one event. Returning an error marks the publication as
// partially failed without affecting sibling handlers.
type Handler func(evt *types.Event) error

// subscription is one registered handler with its ordering priority.
type subscription struct {
	handler  Handler
	source   string
	priority int
	seq      int // insertion order, for stable sort within a priority
	failures int
}

// pendingRequest tracks an in-flight request/response exchange.
type pendingRequest struct {
	callback  Handler
	deadline  time.Time
	respType  types.EventType
}

// Stats are the bus's observability counters.
type Stats struct {
	Published      int
	Failed         int
	LoopsPrevented int
	RequestsSent   int
	ResponsesMatched int
	RequestsExpired  int
}

// Bus is the event bus. Safe for use from multiple goroutines, though the
// trading core drives it from a single tick loop.
type Bus struct {
	mu       sync.Mutex
	subs     map[types.EventType][]*subscription
	pending  map[string]*pendingRequest // correlation ID → pending
	history  []*types.Event             // ring, newest last
	stats    Stats
	seq      int
	maxHops  int
	logger   *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:    make(map[types.EventType][]*subscription),
		pending: make(map[string]*pendingRequest),
		maxHops: DefaultMaxHops,
		logger:  logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for an event type. Handlers run in descending
// priority order; equal priorities preserve registration order.
func (b *Bus) Subscribe(t types.EventType, handler Handler, source string, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.subs[t] = append(b.subs[t], &subscription{
		handler:  handler,
		source:   source,
		priority: priority,
		seq:      b.seq,
	})
	sort.SliceStable(b.subs[t], func(i, j int) bool {
		si, sj := b.subs[t][i], b.subs[t][j]
		if si.priority != sj.priority {
			return si.priority > sj.priority
		}
		return si.seq < sj.seq
	})
}

// Publish fans an event out to all handlers for its type, in priority order.
// Returns true iff the payload was valid and every handler succeeded.
func (b *Bus) Publish(t types.EventType, data map[string]any, source string) bool {
	return b.publish(&types.Event{
		Type:      t,
		Payload:   data,
		Source:    source,
		Timestamp: time.Now(),
		MaxHops:   b.maxHops,
		Chain:     []types.ChainLink{{Type: t, Source: source}},
		Hops:      1,
	})
}

// PublishWithLoopDetection publishes a child event of parent, refusing the
// publication when it would close a cycle:
//
//	(a) the parent chain already reached the hop cap,
//	(b) (t, source) is already anywhere in the chain, or
//	(c) (t, source) appears in the last three chain entries (indirect cycle).
//
// A refused publication emits CircularDependencyDetected and returns false.
// A nil parent behaves exactly like Publish.
func (b *Bus) PublishWithLoopDetection(t types.EventType, data map[string]any, source string, parent *types.Event) bool {
	if parent == nil {
		return b.Publish(t, data, source)
	}

	if reason, looped := b.detectLoop(t, source, parent); looped {
		b.mu.Lock()
		b.stats.LoopsPrevented++
		b.mu.Unlock()
		b.logger.Warn("publication refused, loop detected",
			"type", string(t), "source", source, "reason", reason)

		// The circular-dependency notice intentionally starts a fresh chain:
		// it must never be refused itself.
		b.Publish(types.EventCircularDependencyDetected, map[string]any{
			"type":   string(t),
			"source": source,
			"reason": reason,
			"chain":  chainStrings(parent.Chain),
		}, "bus")
		return false
	}

	chain := make([]types.ChainLink, len(parent.Chain), len(parent.Chain)+1)
	copy(chain, parent.Chain)
	chain = append(chain, types.ChainLink{Type: t, Source: source})

	return b.publish(&types.Event{
		Type:          t,
		Payload:       data,
		Source:        source,
		Timestamp:     time.Now(),
		CorrelationID: parent.CorrelationID,
		Hops:          parent.Hops + 1,
		Chain:         chain,
		MaxHops:       b.maxHops,
	})
}

// PublishRequestResponse publishes a request event and registers callback to
// receive the response event carrying the same correlation ID. The callback
// is dropped with a log if no response arrives within timeout (zero timeout
// uses the default).
func (b *Bus) PublishRequestResponse(reqType, respType types.EventType, data map[string]any, source string, callback Handler, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	corrID := uuid.NewString()

	b.mu.Lock()
	if _, routed := b.respRoutedLocked(respType); !routed {
		b.subscribeResponseRouterLocked(respType)
	}
	b.pending[corrID] = &pendingRequest{
		callback: callback,
		deadline: time.Now().Add(timeout),
		respType: respType,
	}
	b.stats.RequestsSent++
	b.mu.Unlock()

	if data == nil {
		data = map[string]any{}
	}
	data["correlation_id"] = corrID
	data["response_type"] = string(respType)

	ok := b.publish(&types.Event{
		Type:          reqType,
		Payload:       data,
		Source:        source,
		Timestamp:     time.Now(),
		CorrelationID: corrID,
		Hops:          1,
		Chain:         []types.ChainLink{{Type: reqType, Source: source}},
		MaxHops:       b.maxHops,
	})
	if !ok {
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
	}
	return ok
}

// Respond publishes a response to a request event, preserving its correlation ID.
func (b *Bus) Respond(req *types.Event, respType types.EventType, data map[string]any, source string) bool {
	if data == nil {
		data = map[string]any{}
	}
	data["correlation_id"] = req.CorrelationID
	return b.PublishWithLoopDetection(respType, data, source, req)
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// History returns the most recent events, oldest first.
func (b *Bus) History() []*types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Event, len(b.history))
	copy(out, b.history)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// internals
// ————————————————————————————————————————————————————————————————————————

func (b *Bus) publish(evt *types.Event) bool {
	if err := validatePayload(evt.Payload); err != nil {
		b.mu.Lock()
		b.stats.Failed++
		b.mu.Unlock()
		b.logger.Error("invalid payload", "type", string(evt.Type), "error", err)
		return false
	}

	b.mu.Lock()
	b.reapExpiredLocked()
	b.stats.Published++
	b.history = append(b.history, evt)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	// Copy the handler slice so dispatch runs without the lock — handlers
	// may publish nested events.
	handlers := make([]*subscription, len(b.subs[evt.Type]))
	copy(handlers, b.subs[evt.Type])
	b.mu.Unlock()

	allOK := true
	for _, sub := range handlers {
		if err := b.invoke(sub, evt); err != nil {
			allOK = false
			b.mu.Lock()
			sub.failures++
			b.stats.Failed++
			b.mu.Unlock()
			b.logger.Error("handler failed",
				"type", string(evt.Type),
				"handler_source", sub.source,
				"error", err,
			)
		}
	}
	return allOK
}

// invoke runs one handler, converting panics into errors.
func (b *Bus) invoke(sub *subscription, evt *types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(evt)
}

func (b *Bus) detectLoop(t types.EventType, source string, parent *types.Event) (string, bool) {
	if parent.Hops >= b.maxHops {
		return fmt.Sprintf("hop count %d reached cap %d", parent.Hops, b.maxHops), true
	}
	if parent.HasLink(t, source) {
		return "(type, source) already in chain", true
	}
	start := len(parent.Chain) - recentWindow
	if start < 0 {
		start = 0
	}
	for _, l := range parent.Chain[start:] {
		if l.Type == t && l.Source == source {
			return "(type, source) repeated in recent chain window", true
		}
	}
	return "", false
}

// respRoutedLocked reports whether the internal response router is already
// subscribed for respType. Caller holds b.mu.
func (b *Bus) respRoutedLocked(respType types.EventType) (*subscription, bool) {
	for _, s := range b.subs[respType] {
		if s.source == "bus.response-router" {
			return s, true
		}
	}
	return nil, false
}

// subscribeResponseRouterLocked installs the global handler that routes
// responses with a known correlation ID to their pending callbacks.
// Registered at the highest priority so callbacks observe responses before
// ordinary subscribers. Caller holds b.mu.
func (b *Bus) subscribeResponseRouterLocked(respType types.EventType) {
	b.seq++
	router := &subscription{
		source:   "bus.response-router",
		priority: 1 << 20,
		seq:      b.seq,
	}
	router.handler = func(evt *types.Event) error {
		corrID := evt.CorrelationID
		if corrID == "" {
			if v, ok := evt.Payload["correlation_id"].(string); ok {
				corrID = v
			}
		}
		if corrID == "" {
			return nil
		}

		b.mu.Lock()
		req, ok := b.pending[corrID]
		if ok && req.respType == evt.Type {
			delete(b.pending, corrID)
			b.stats.ResponsesMatched++
		} else {
			ok = false
		}
		b.mu.Unlock()

		if !ok {
			return nil
		}
		return req.callback(evt)
	}
	b.subs[respType] = append([]*subscription{router}, b.subs[respType]...)
}

// reapExpiredLocked drops pending requests past their deadline. Caller holds b.mu.
func (b *Bus) reapExpiredLocked() {
	now := time.Now()
	for id, req := range b.pending {
		if now.After(req.deadline) {
			delete(b.pending, id)
			b.stats.RequestsExpired++
			b.logger.Warn("request expired without response",
				"correlation_id", id, "response_type", string(req.respType))
		}
	}
}

// validatePayload rejects nil-typed non-map payloads and payloads containing
// cyclic references, using a bounded-depth scan over maps and slices.
func validatePayload(p map[string]any) error {
	if p == nil {
		return nil
	}
	seen := map[uintptr]bool{}
	return scanValue(reflect.ValueOf(p), seen, 0)
}

func scanValue(v reflect.Value, seen map[uintptr]bool, depth int) error {
	if depth > payloadScanDepth {
		return fmt.Errorf("payload nesting exceeds depth %d", payloadScanDepth)
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return scanValue(v.Elem(), seen, depth)
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return fmt.Errorf("cyclic reference in payload")
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		for _, k := range v.MapKeys() {
			if err := scanValue(v.MapIndex(k), seen, depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return fmt.Errorf("cyclic reference in payload")
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		for i := 0; i < v.Len(); i++ {
			if err := scanValue(v.Index(i), seen, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func chainStrings(chain []types.ChainLink) []any {
	out := make([]any, len(chain))
	for i, l := range chain {
		out[i] = fmt.Sprintf("%s/%s", l.Type, l.Source)
	}
	return out
}
