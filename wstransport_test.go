package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	cfg := &WSConfig{}
	cfg.defaults()
	r := newReconnector(cfg)

	t.Run("delays grow and stay within bounds", func(t *testing.T) {
		var prev time.Duration
		for i := 0; i < 10; i++ {
			d := r.nextDelay()
			require.GreaterOrEqual(t, d, cfg.ReconnectBaseDelay)
			require.LessOrEqual(t, d, cfg.ReconnectMaxDelay)
			if prev < cfg.ReconnectMaxDelay/2 {
				require.GreaterOrEqual(t, d, prev)
			}
			prev = d
		}
	})

	t.Run("attempts are capped", func(t *testing.T) {
		require.False(t, r.shouldReconnect())
	})

	t.Run("a long stable connection resets the attempt count", func(t *testing.T) {
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		d := r.nextDelay()
		require.Less(t, d, 2*cfg.ReconnectBaseDelay)
		require.True(t, r.shouldReconnect())
	})
}

// ============================================================================
// WebSocket Round Trip
// ============================================================================

// wsEchoServer accepts one connection on /ws, immediately pushes a
// message.new event, and forwards everything the client emits.
func wsEchoServer(t *testing.T, received chan<- Envelope) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()

		push := inbound("m1", "bob", "welcome", "", testEpoch)
		raw, _ := json.Marshal(push)
		data, _ := json.Marshal(Envelope{Type: EventMessageNew, Payload: raw})
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			if env.Type == "ping" {
				pong, _ := json.Marshal(Envelope{Type: "pong", Payload: env.Payload})
				if conn.Write(ctx, websocket.MessageText, pong) != nil {
					return
				}
				continue
			}
			select {
			case received <- env:
			case <-ctx.Done():
				return
			}
		}
	}))
}

func TestWSTransportRoundTrip(t *testing.T) {
	received := make(chan Envelope, 8)
	srv := wsEchoServer(t, received)
	defer srv.Close()

	transport := NewWSTransport(WSConfig{URL: srv.URL, Token: "tok-1"})
	defer transport.Close()

	var states []ConnState
	transport.OnStateChange(func(s ConnState) { states = append(states, s) })

	pushed := make(chan InboundMessagePayload, 1)
	transport.On(EventMessageNew, func(_ string, payload json.RawMessage) {
		var p InboundMessagePayload
		if json.Unmarshal(payload, &p) == nil {
			pushed <- p
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Connect(ctx))
	require.Equal(t, StateConnected, transport.State())
	require.Equal(t, []ConnState{StateConnecting, StateConnected}, states)

	// Connect is idempotent while connected.
	require.NoError(t, transport.Connect(ctx))

	select {
	case p := <-pushed:
		require.Equal(t, "m1", p.ID)
		require.Equal(t, "welcome", p.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("server push never dispatched")
	}

	require.NoError(t, transport.Emit(ctx, EventTypingStart,
		TypingPayload{ConversationID: "conv-1", UserID: "alice", Typing: true}))

	select {
	case env := <-received:
		require.Equal(t, EventTypingStart, env.Type)
		var p TypingPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		require.True(t, p.Typing)
	case <-time.After(2 * time.Second):
		t.Fatal("emitted event never reached the server")
	}

	require.NoError(t, transport.Ping(ctx))
}

func TestWSTransportPingAbandoned(t *testing.T) {
	// A server that accepts the connection but never answers pings.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	transport := NewWSTransport(WSConfig{URL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Connect(ctx))

	errCh := make(chan error, 1)
	go func() { errCh <- transport.Ping(ctx) }()

	require.Eventually(t, func() bool {
		transport.pingMu.Lock()
		defer transport.pingMu.Unlock()
		return len(transport.pendingPings) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, transport.Close())

	// The disconnect abandoned the ping; that must surface as an error,
	// never as a successful pong.
	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Contains(t, err.Error(), "connection lost")
	case <-time.After(2 * time.Second):
		t.Fatal("ping never returned after disconnect")
	}
}

func TestWSTransportDisconnected(t *testing.T) {
	transport := NewWSTransport(WSConfig{URL: "http://127.0.0.1:1"})

	require.ErrorIs(t, transport.Emit(context.Background(), EventTypingStart, TypingPayload{}), ErrNotConnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, transport.Connect(ctx))
	require.Equal(t, StateDisconnected, transport.State())
}
