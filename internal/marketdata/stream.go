// stream.go implements the live WebSocket market-data feed.
//
// One connection carries quote ticks and minute bars for every subscribed
// symbol. The feed auto-reconnects with exponential backoff (1s to 30s max)
// and re-subscribes to all tracked symbols on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed pings.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"condorbot/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	quoteBufferSize  = 256
	barBufferSize    = 64
)

type wsSubscribeMsg struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	Symbols   []string `json:"symbols"`
}

// Stream manages the market-data WebSocket connection: lifecycle,
// subscription tracking, message routing, and automatic reconnection.
type Stream struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	quoteCh chan types.QuoteTick
	barCh   chan types.Bar

	logger *slog.Logger
}

// NewStream creates a market-data feed for the given WebSocket URL.
func NewStream(wsURL string, logger *slog.Logger) *Stream {
	return &Stream{
		url:        wsURL,
		subscribed: make(map[string]bool),
		quoteCh:    make(chan types.QuoteTick, quoteBufferSize),
		barCh:      make(chan types.Bar, barBufferSize),
		logger:     logger.With("component", "ws_marketdata"),
	}
}

// Quotes returns a read-only channel of quote ticks.
func (s *Stream) Quotes() <-chan types.QuoteTick { return s.quoteCh }

// Bars returns a read-only channel of minute bars.
func (s *Stream) Bars() <-chan types.Bar { return s.barCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the feed.
func (s *Stream) Subscribe(symbols []string) error {
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(wsSubscribeMsg{Operation: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols from the feed.
func (s *Stream) Unsubscribe(symbols []string) error {
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(wsSubscribeMsg{Operation: "unsubscribe", Symbols: symbols})
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "symbols", s.subscriberCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *Stream) subscriberCount() int {
	s.subscribedMu.RLock()
	defer s.subscribedMu.RUnlock()
	return len(s.subscribed)
}

func (s *Stream) resubscribe() error {
	s.subscribedMu.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return s.writeJSON(wsSubscribeMsg{Operation: "subscribe", Symbols: symbols})
}

func (s *Stream) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "quote":
		var tick types.QuoteTick
		if err := json.Unmarshal(data, &tick); err != nil {
			s.logger.Error("unmarshal quote", "error", err)
			return
		}
		select {
		case s.quoteCh <- tick:
		default:
			s.logger.Warn("quote channel full, dropping tick", "symbol", tick.Symbol)
		}

	case "bar":
		var bar types.Bar
		if err := json.Unmarshal(data, &bar); err != nil {
			s.logger.Error("unmarshal bar", "error", err)
			return
		}
		select {
		case s.barCh <- bar:
		default:
			s.logger.Warn("bar channel full, dropping bar", "symbol", bar.Symbol)
		}

	case "heartbeat", "subscription_ack":
		s.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
