package chatsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, opts ...SessionOption) (*Session, *fakeTransport, *fakeFetcher) {
	t.Helper()
	transport := newFakeTransport()
	fetcher := newFakeFetcher()
	s := NewSession(transport, fetcher, StaticIdentity("alice"), opts...)
	t.Cleanup(func() { s.Close() })
	return s, transport, fetcher
}

func seedPage(n int) *MessagePage {
	items := make([]Message, 0, n)
	for i := n; i >= 1; i-- { // newest first, like the backend
		items = append(items, testMsg(fmt.Sprintf("m%02d", i), "bob", fmt.Sprintf("msg %d", i), time.Duration(i)*time.Second))
	}
	return &MessagePage{Items: items, Page: 1, LastPage: 1}
}

// ============================================================================
// Open / Seed / Live
// ============================================================================

func TestSessionOpen(t *testing.T) {
	t.Run("seeds history then absorbs live messages", func(t *testing.T) {
		s, transport, fetcher := newTestSession(t)
		fetcher.pages[1] = seedPage(10)

		engine, err := s.Open(context.Background(), "conv-1")
		require.NoError(t, err)
		require.Equal(t, 10, len(engine.Messages()))

		transport.deliver(t, EventMessageNew, inbound("m11", "bob", "fresh", "", testEpoch.Add(11*time.Second)))

		require.Eventually(t, func() bool { return len(engine.Messages()) == 11 }, time.Second, 5*time.Millisecond)
		msgs := engine.Messages()
		require.Equal(t, "m11", msgs[len(msgs)-1].ID)
	})

	t.Run("opening twice returns the same engine", func(t *testing.T) {
		s, _, fetcher := newTestSession(t)
		fetcher.pages[1] = seedPage(1)

		a, err := s.Open(context.Background(), "conv-1")
		require.NoError(t, err)
		b, err := s.Open(context.Background(), "conv-1")
		require.NoError(t, err)
		require.Same(t, a, b)
	})

	t.Run("seed failure is retriable via Reload", func(t *testing.T) {
		s, _, fetcher := newTestSession(t)
		fetcher.setErr(fmt.Errorf("backend down"))

		engine, err := s.Open(context.Background(), "conv-1")
		var fe *TransientFetchError
		require.True(t, errors.As(err, &fe))
		require.NotNil(t, engine)
		require.Empty(t, engine.Messages())

		fetcher.setErr(nil)
		fetcher.pages[1] = seedPage(3)
		require.NoError(t, engine.Reload(context.Background()))
		require.Equal(t, 3, len(engine.Messages()))
	})

	t.Run("conversations are isolated", func(t *testing.T) {
		s, transport, fetcher := newTestSession(t)
		fetcher.pages[1] = seedPage(2)

		a, err := s.Open(context.Background(), "conv-1")
		require.NoError(t, err)
		b, err := s.Open(context.Background(), "conv-2")
		require.NoError(t, err)

		live := inbound("x1", "bob", "only conv-1", "", testEpoch.Add(time.Hour))
		transport.deliver(t, EventMessageNew, live)

		require.Eventually(t, func() bool { return len(a.Messages()) == 3 }, time.Second, 5*time.Millisecond)
		require.Equal(t, 2, len(b.Messages()))
	})
}

// ============================================================================
// Send Round Trip
// ============================================================================

func TestSessionSendRoundTrip(t *testing.T) {
	s, transport, fetcher := newTestSession(t)
	fetcher.pages[1] = seedPage(2)

	engine, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)

	localID, err := engine.Send(context.Background(), "hello there", "text")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m, ok := engine.store.Get(localID)
		return ok && m.DeliveryState == DeliveryPending
	}, time.Second, 5*time.Millisecond)

	sends := transport.emittedEvents(EventMessageSend)
	require.Len(t, sends, 1)
	require.Equal(t, localID, sends[0].payload.(OutboundMessagePayload).CorrelationID)

	// Server broadcasts the echo with our correlation id.
	transport.deliver(t, EventMessageNew, inbound("srv-9", "alice", "hello there", localID, testEpoch.Add(time.Hour)))

	require.Eventually(t, func() bool {
		m, ok := engine.store.Get(localID)
		return ok && m.DeliveryState == DeliverySent && m.ID == "srv-9"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, len(engine.Messages()))
}

func TestSessionSendFailureFlow(t *testing.T) {
	s, _, fetcher := newTestSession(t, WithSendTimeout(20*time.Millisecond))
	fetcher.pages[1] = seedPage(1)

	engine, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)

	failed := make(chan string, 1)
	engine.OnSendFailed(func(localID string, err error) { failed <- localID })

	localID, err := engine.Send(context.Background(), "doomed", "text")
	require.NoError(t, err)

	select {
	case got := <-failed:
		require.Equal(t, localID, got)
	case <-time.After(time.Second):
		t.Fatal("send failure callback never fired")
	}

	require.NoError(t, engine.Retry(context.Background(), localID))
	require.Eventually(t, func() bool {
		m, _ := engine.store.Get(localID)
		return m.DeliveryState == DeliveryFailed
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, engine.Rollback(localID))
	require.Eventually(t, func() bool { return len(engine.Messages()) == 1 }, time.Second, 5*time.Millisecond)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSessionLifecycle(t *testing.T) {
	t.Run("closing a conversation discards late work", func(t *testing.T) {
		s, transport, fetcher := newTestSession(t)
		fetcher.pages[1] = seedPage(2)

		engine, err := s.Open(context.Background(), "conv-1")
		require.NoError(t, err)

		s.CloseConversation("conv-1")
		_, err = engine.Send(context.Background(), "late", "text")
		require.ErrorIs(t, err, ErrEngineClosed)

		// Detached: live traffic no longer reaches the old store.
		transport.deliver(t, EventMessageNew, inbound("m9", "bob", "late", "", testEpoch.Add(time.Hour)))
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, 2, len(engine.Messages()))
	})

	t.Run("reopening yields a fresh engine", func(t *testing.T) {
		s, _, fetcher := newTestSession(t)
		fetcher.pages[1] = seedPage(2)

		a, err := s.Open(context.Background(), "conv-1")
		require.NoError(t, err)
		s.CloseConversation("conv-1")

		b, err := s.Open(context.Background(), "conv-1")
		require.NoError(t, err)
		require.NotSame(t, a, b)
		require.Equal(t, 2, len(b.Messages()))
	})

	t.Run("session close rejects further opens", func(t *testing.T) {
		s, _, fetcher := newTestSession(t)
		fetcher.pages[1] = seedPage(1)
		require.NoError(t, s.Close())

		_, err := s.Open(context.Background(), "conv-1")
		require.ErrorIs(t, err, ErrEngineClosed)
	})
}

// ============================================================================
// Paging Through the Engine
// ============================================================================

func TestSessionLoadEarlier(t *testing.T) {
	s, _, fetcher := newTestSession(t, WithPageSize(2))
	fetcher.pages[1] = &MessagePage{
		Items: []Message{
			testMsg("m4", "bob", "four", 4*time.Second),
			testMsg("m3", "bob", "three", 3*time.Second),
		},
		Page: 1, LastPage: 2,
	}
	fetcher.pages[2] = &MessagePage{
		Items: []Message{
			testMsg("m2", "bob", "two", 2*time.Second),
			testMsg("m1", "bob", "one", time.Second),
		},
		Page: 2, LastPage: 2,
	}

	engine, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	require.True(t, engine.HasMore())

	anchor, err := engine.LoadEarlier(context.Background())
	require.NoError(t, err)
	require.Equal(t, "m3", anchor.MessageID)
	require.Equal(t, 2, anchor.Index)
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(engine.Messages()))
	require.False(t, engine.HasMore())
}
