package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	// URL is the http(s) base URL of the chat server; it is rewritten to
	// ws(s) and suffixed with the realtime path.
	URL   string
	Token string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// WSTransport is the production Transport: a WebSocket client with
// auto-reconnect, heartbeat, and synchronous in-order event dispatch. It is
// an at-most-once, non-durable channel; gap recovery after a reconnect is
// the listener's job, not the transport's.
type WSTransport struct {
	config *WSConfig
	bus    *bus
	recon  *reconnector
	logger *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc

	pingMu       sync.Mutex
	pingCounter  int
	pendingPings map[string]chan pongPayload
}

// NewWSTransport creates a WebSocket transport. Call Connect to establish
// the connection.
func NewWSTransport(config WSConfig) *WSTransport {
	config.defaults()
	return &WSTransport{
		config:       &config,
		bus:          newBus(),
		recon:        newReconnector(&config),
		logger:       config.Logger,
		state:        StateDisconnected,
		pendingPings: make(map[string]chan pongPayload),
	}
}

// On registers an event handler and returns its disposable handle.
// Subscriptions survive reconnects; handlers are never duplicated by a
// reconnect.
func (t *WSTransport) On(event string, h EventHandler) Subscription {
	return t.bus.on(event, h)
}

// OnStateChange registers a connection-state handler.
func (t *WSTransport) OnStateChange(h StateHandler) Subscription {
	return t.bus.onState(h)
}

// State returns the current connection state.
func (t *WSTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the WebSocket connection.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()
	t.bus.dispatchState(StateConnecting)

	wsURL := strings.Replace(t.config.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws"
	if t.config.Token != "" {
		wsURL += "?token=" + t.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
	})
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.mu.Unlock()
	t.recon.markConnected()
	t.logger.Info("transport connected", zap.String("url", wsURL))
	t.bus.dispatchState(StateConnected)

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelFn = cancel
	t.mu.Unlock()

	go t.readLoop(connCtx)
	go t.heartbeatLoop(connCtx)

	return nil
}

// Close gracefully closes the connection and suppresses auto-reconnect.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.clearPendingPings()
	t.bus.dispatchState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends one event to the server.
func (t *WSTransport) Emit(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends an application-level ping and waits for the matching pong.
func (t *WSTransport) Ping(ctx context.Context) error {
	t.pingMu.Lock()
	t.pingCounter++
	requestID := fmt.Sprintf("ping-%d", t.pingCounter)
	ch := make(chan pongPayload, 1)
	t.pendingPings[requestID] = ch
	t.pingMu.Unlock()

	drop := func() {
		t.pingMu.Lock()
		delete(t.pendingPings, requestID)
		t.pingMu.Unlock()
	}

	if err := t.Emit(ctx, "ping", map[string]string{"requestId": requestID}); err != nil {
		drop()
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			// Channel closed by a disconnect, not answered by a pong.
			return fmt.Errorf("connection lost awaiting pong")
		}
		return nil
	case <-time.After(10 * time.Second):
		drop()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

// ── Internals ────────────────────────────────────────────────────────────

func (t *WSTransport) setState(state ConnState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	t.bus.dispatchState(state)
}

func (t *WSTransport) readLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			t.mu.Unlock()
			if intentional {
				return
			}

			t.mu.Lock()
			t.state = StateDisconnected
			t.conn = nil
			t.mu.Unlock()
			t.clearPendingPings()
			t.logger.Warn("transport read failed", zap.Error(err))
			t.bus.dispatchState(StateDisconnected)

			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				t.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				t.pingMu.Lock()
				ch, ok := t.pendingPings[p.RequestID]
				if ok {
					delete(t.pendingPings, p.RequestID)
				}
				t.pingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		// Synchronous dispatch keeps per-conversation arrival order.
		t.bus.dispatch(env.Type, env.Payload)
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateConnected {
				return
			}
			if err := t.Ping(ctx); err != nil {
				t.logger.Warn("heartbeat failed", zap.Error(err))
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (t *WSTransport) scheduleReconnect() {
	delay := t.recon.nextDelay()
	t.setState(StateReconnecting)
	t.logger.Info("transport reconnecting",
		zap.Int("attempt", t.recon.attempt),
		zap.Duration("delay", delay))

	time.Sleep(delay)

	t.mu.Lock()
	intentional := t.intentionalClose
	t.mu.Unlock()
	if intentional {
		return
	}

	if err := t.Connect(context.Background()); err != nil {
		if t.config.AutoReconnect && t.recon.shouldReconnect() {
			t.scheduleReconnect()
		} else {
			t.setState(StateDisconnected)
		}
	}
}

func (t *WSTransport) clearPendingPings() {
	t.pingMu.Lock()
	for k, ch := range t.pendingPings {
		close(ch)
		delete(t.pendingPings, k)
	}
	t.pingMu.Unlock()
}
