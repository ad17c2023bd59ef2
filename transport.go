package chatsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// ============================================================================
// Transport Contract
// ============================================================================

// ConnState represents the transport connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// EventHandler receives one transport event. Handlers for a given event are
// invoked in arrival order on the transport's read goroutine; they must not
// block for long.
type EventHandler func(event string, payload json.RawMessage)

// StateHandler receives connection-state changes.
type StateHandler func(state ConnState)

// Subscription is a disposable handle returned by On and OnStateChange.
// Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Transport is the opaque real-time channel the engine depends on. The
// engine never assumes a specific implementation; WSTransport is the
// production one and tests supply in-memory fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Emit(ctx context.Context, event string, payload any) error
	On(event string, h EventHandler) Subscription
	OnStateChange(h StateHandler) Subscription
	State() ConnState
}

// ============================================================================
// Event Bus
// ============================================================================

// bus is the typed subscribe/unsubscribe dispatcher shared by transport
// implementations. Events are delivered synchronously so per-conversation
// arrival order is preserved.
type bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]EventHandler
	states   map[int]StateHandler
}

func newBus() *bus {
	return &bus{
		handlers: make(map[string]map[int]EventHandler),
		states:   make(map[int]StateHandler),
	}
}

type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Unsubscribe() { s.once.Do(s.cancel) }

func (b *bus) on(event string, h EventHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]EventHandler)
	}
	b.handlers[event][id] = h
	return &subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}}
}

func (b *bus) onState(h StateHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.states[id] = h
	return &subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.states, id)
	}}
}

// dispatch delivers an event to every handler registered for its type, in
// registration order.
func (b *bus) dispatch(event string, payload json.RawMessage) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[event]))
	for id := range b.handlers[event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[event][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event, payload)
	}
}

func (b *bus) dispatchState(state ConnState) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.states))
	for id := range b.states {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]StateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.states[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(state)
	}
}
