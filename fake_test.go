package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMsg(id, sender, content string, offset time.Duration) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		ContentType:    "text",
		CreatedAt:      testEpoch.Add(offset),
		DeliveryState:  DeliverySent,
	}
}

func ids(items []Message) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.ID
	}
	return out
}

// fakeTransport is an in-memory Transport: Emit records events, deliver and
// setState push events and state changes through the shared bus exactly like
// the real read loop would.
type fakeTransport struct {
	bus *bus

	mu      sync.Mutex
	state   ConnState
	emitted []fakeEmit
	emitErr error
}

type fakeEmit struct {
	event   string
	payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bus: newBus(), state: StateConnected}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.setState(StateConnected)
	return nil
}

func (t *fakeTransport) Close() error {
	t.setState(StateDisconnected)
	return nil
}

func (t *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.emitErr != nil {
		return t.emitErr
	}
	t.emitted = append(t.emitted, fakeEmit{event: event, payload: payload})
	return nil
}

func (t *fakeTransport) On(event string, h EventHandler) Subscription {
	return t.bus.on(event, h)
}

func (t *fakeTransport) OnStateChange(h StateHandler) Subscription {
	return t.bus.onState(h)
}

func (t *fakeTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// deliver simulates a server push.
func (t *fakeTransport) deliver(tb testing.TB, event string, payload any) {
	tb.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		tb.Fatalf("marshal %s payload: %v", event, err)
	}
	t.bus.dispatch(event, raw)
}

func (t *fakeTransport) setState(state ConnState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	t.bus.dispatchState(state)
}

func (t *fakeTransport) emittedEvents(event string) []fakeEmit {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []fakeEmit
	for _, e := range t.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeFetcher serves canned history pages.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[int]*MessagePage
	err   error
	calls int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[int]*MessagePage)}
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.pages[page]
	if !ok {
		return nil, fmt.Errorf("no such page %d", page)
	}
	return p, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}
