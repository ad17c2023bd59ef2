package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Live Event Listener
// ============================================================================

// Listener subscribes to one conversation's push channel and routes
// new-message, typing, read-receipt, and presence events, in arrival order,
// into the engine's serialized apply queue.
//
// On transport reconnect it re-joins the channel, resets presence to unknown,
// and triggers a single-flight gap-fill: the first history page is re-fetched
// and merged through the store's dedup-by-id path. That gap-fill is the
// primary correctness mechanism against the at-most-once transport.
type Listener struct {
	conversationID string
	transport      Transport
	loader         *HistoryLoader
	store          *Store
	outbox         *Outbox
	presence       *PresenceTracker
	typing         *RemoteTyping
	identity       Identity
	apply          func(fn func())
	logger         *zap.Logger
	now            func() time.Time

	mu           sync.Mutex
	subs         []Subscription
	attached     bool
	wasConnected bool
	gapFilling   bool
	reads        map[string]string
}

// NewListener wires a listener for one conversation.
func NewListener(
	conversationID string,
	transport Transport,
	loader *HistoryLoader,
	store *Store,
	outbox *Outbox,
	presence *PresenceTracker,
	typing *RemoteTyping,
	identity Identity,
	apply func(fn func()),
	logger *zap.Logger,
) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if apply == nil {
		apply = func(fn func()) { fn() }
	}
	return &Listener{
		conversationID: conversationID,
		transport:      transport,
		loader:         loader,
		store:          store,
		outbox:         outbox,
		presence:       presence,
		typing:         typing,
		identity:       identity,
		apply:          apply,
		logger:         logger,
		now:            time.Now,
		reads:          make(map[string]string),
	}
}

// Attach joins the conversation's channel and registers all handlers.
// Attaching twice is a no-op.
func (l *Listener) Attach(ctx context.Context) {
	l.mu.Lock()
	if l.attached {
		l.mu.Unlock()
		return
	}
	l.attached = true
	l.wasConnected = l.transport.State() == StateConnected
	l.subs = []Subscription{
		l.transport.On(EventMessageNew, l.handleMessage),
		l.transport.On(EventTypingStart, l.handleTyping),
		l.transport.On(EventTypingStop, l.handleTyping),
		l.transport.On(EventReadReceipt, l.handleRead),
		l.transport.On(EventPresenceUpdate, l.handlePresence),
		l.transport.OnStateChange(l.handleState),
	}
	l.mu.Unlock()

	l.join(ctx)
}

// Detach leaves the channel and disposes every subscription, so no event
// for a closed conversation can reach the store.
func (l *Listener) Detach(ctx context.Context) {
	l.mu.Lock()
	if !l.attached {
		l.mu.Unlock()
		return
	}
	l.attached = false
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if err := l.transport.Emit(ctx, EventChannelLeave, ChannelPayload{ConversationID: l.conversationID}); err != nil {
		l.logger.Debug("channel leave emit failed", zap.Error(err))
	}
}

// LastReadBy returns the newest message id a user has acknowledged reading.
func (l *Listener) LastReadBy(userID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.reads[userID]
	return id, ok
}

// ── Handlers (transport read goroutine) ──────────────────────────────────

func (l *Listener) handleMessage(_ string, payload json.RawMessage) {
	var p InboundMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID != l.conversationID {
		return
	}

	msg := p.Message()
	local := p.CorrelationID != "" && p.SenderID == l.identity.CurrentUserID()
	if local {
		// The echo for one of our own sends: cancel the bounded wait, then
		// let the store resolve the pending entry in place.
		l.outbox.Confirm(p.CorrelationID)
		// Sending ends a typing burst on the remote view too.
		l.typing.Set(l.conversationID, p.SenderID, false)
	} else {
		// Correlation ids are only meaningful for locally-originated sends.
		msg.LocalID = ""
		l.typing.Set(l.conversationID, p.SenderID, false)
	}

	l.apply(func() { l.store.UpsertLive(msg) })
}

func (l *Listener) handleTyping(event string, payload json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID != l.conversationID {
		return
	}
	if p.UserID == l.identity.CurrentUserID() {
		return
	}
	typing := p.Typing && event != EventTypingStop
	l.typing.Set(p.ConversationID, p.UserID, typing)
}

func (l *Listener) handleRead(_ string, payload json.RawMessage) {
	var p ReadReceiptPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID != l.conversationID {
		return
	}
	l.mu.Lock()
	l.reads[p.UserID] = p.MessageID
	l.mu.Unlock()
}

func (l *Listener) handlePresence(_ string, payload json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		return
	}
	l.presence.Apply(p, l.now())
}

func (l *Listener) handleState(state ConnState) {
	l.mu.Lock()
	was := l.wasConnected
	if state == StateConnected {
		l.wasConnected = true
	}
	l.mu.Unlock()

	if state != StateConnected || !was {
		return
	}
	l.onReconnect()
}

// ── Reconnect recovery ───────────────────────────────────────────────────

// onReconnect re-joins the channel and gap-fills. Idempotent under repeated
// reconnect signals: handlers live in the bus and are never re-registered,
// the channel join is a server-side no-op when already joined, and the
// gap-fill is single-flight.
func (l *Listener) onReconnect() {
	l.presence.ResetAll()
	l.join(context.Background())

	l.mu.Lock()
	if l.gapFilling {
		l.mu.Unlock()
		return
	}
	l.gapFilling = true
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			l.gapFilling = false
			l.mu.Unlock()
		}()

		items, err := l.loader.FirstPage(context.Background())
		if err != nil {
			l.logger.Warn("gap-fill fetch failed",
				zap.String("conversation", l.conversationID), zap.Error(err))
			return
		}
		l.apply(func() {
			added := 0
			for _, m := range items {
				if l.store.UpsertLive(m) {
					added++
				}
			}
			l.logger.Info("gap-fill merged",
				zap.String("conversation", l.conversationID),
				zap.Int("fetched", len(items)),
				zap.Int("added", added))
		})
	}()
}

func (l *Listener) join(ctx context.Context) {
	if err := l.transport.Emit(ctx, EventChannelJoin, ChannelPayload{ConversationID: l.conversationID}); err != nil {
		l.logger.Debug("channel join emit failed", zap.Error(err))
	}
}
