package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSendTimeout is the bounded confirmation wait for optimistic sends.
const DefaultSendTimeout = 10 * time.Second

// ============================================================================
// Outbox / Optimistic Send Manager
// ============================================================================

// Outbox creates pending messages, emits them through the transport's send
// path, and reconciles or fails them. It is the only component allowed to
// transition a message's delivery state.
//
// State machine: pending → sent on a matching confirmation, pending → failed
// on timeout, failed → pending on retry. Sent is terminal. At most one
// attempt per local id is in flight at a time.
type Outbox struct {
	store          *Store
	transport      Transport
	identity       Identity
	policy         ContentPolicy
	conversationID string
	timeout        time.Duration
	logger         *zap.Logger

	// apply serializes store transitions through the owning engine's queue.
	apply func(fn func())

	// onFailed notifies the engine when a send times out.
	onFailed func(localID string, err error)

	now func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewOutbox creates an outbox for one conversation.
func NewOutbox(store *Store, transport Transport, identity Identity, conversationID string) *Outbox {
	return &Outbox{
		store:          store,
		transport:      transport,
		identity:       identity,
		conversationID: conversationID,
		timeout:        DefaultSendTimeout,
		logger:         zap.NewNop(),
		apply:          func(fn func()) { fn() },
		now:            time.Now,
		inflight:       make(map[string]chan struct{}),
	}
}

// Send validates content, inserts a pending entry, and emits the outbound
// event carrying the local id as correlation field. It returns the local id
// of the new entry. A policy violation fails synchronously and never creates
// an entry. An offline transport does not fail the send immediately; the
// entry fails when the confirmation wait expires.
func (o *Outbox) Send(ctx context.Context, content, contentType string) (string, error) {
	if o.policy != nil {
		if err := o.policy.ValidateContent(content); err != nil {
			return "", &ValidationError{Reason: err.Error()}
		}
	}
	if contentType == "" {
		contentType = "text"
	}

	localID := uuid.NewString()
	msg := Message{
		LocalID:        localID,
		ConversationID: o.conversationID,
		SenderID:       o.identity.CurrentUserID(),
		Content:        content,
		ContentType:    contentType,
		CreatedAt:      o.now(),
		DeliveryState:  DeliveryPending,
	}
	o.apply(func() { o.store.UpsertLive(msg) })

	o.dispatch(ctx, localID, content, contentType, o.register(localID))
	return localID, nil
}

// Retry re-sends a failed entry under its original local id. The attempt is
// registered in the same critical section as the in-flight check, so two
// concurrent retries for one local id can never both dispatch.
func (o *Outbox) Retry(ctx context.Context, localID string) error {
	o.mu.Lock()
	if _, busy := o.inflight[localID]; busy {
		o.mu.Unlock()
		return ErrSendInFlight
	}
	ch := make(chan struct{})
	o.inflight[localID] = ch
	o.mu.Unlock()

	msg, ok := o.store.Get(localID)
	if !ok {
		o.deregister(localID)
		return ErrUnknownLocalID
	}
	if msg.DeliveryState != DeliveryFailed {
		o.deregister(localID)
		return ErrNotFailed
	}

	at := o.now()
	o.apply(func() { o.store.MarkPending(localID, at) })

	o.dispatch(ctx, localID, msg.Content, msg.ContentType, ch)
	return nil
}

// Rollback removes a failed entry from the list. This is the explicit
// failed-send rollback and the only deletion path in the engine.
func (o *Outbox) Rollback(localID string) error {
	msg, ok := o.store.Get(localID)
	if !ok {
		return ErrUnknownLocalID
	}
	if msg.DeliveryState != DeliveryFailed {
		return ErrNotFailed
	}
	o.apply(func() { o.store.Remove(localID) })
	return nil
}

// Confirm cancels the bounded wait for a local id. The listener calls it
// when a correlated echo arrives; the echo itself resolves the entry through
// the store. Returns false when no attempt was waiting.
func (o *Outbox) Confirm(localID string) bool {
	o.mu.Lock()
	ch, ok := o.inflight[localID]
	if ok {
		delete(o.inflight, localID)
		close(ch)
	}
	o.mu.Unlock()
	return ok
}

// register creates and tracks the confirmation channel for an attempt.
func (o *Outbox) register(localID string) chan struct{} {
	o.mu.Lock()
	ch := make(chan struct{})
	o.inflight[localID] = ch
	o.mu.Unlock()
	return ch
}

func (o *Outbox) deregister(localID string) {
	o.mu.Lock()
	delete(o.inflight, localID)
	o.mu.Unlock()
}

// dispatch emits the outbound event and starts the confirmation wait. Emit
// failures are deliberately absorbed: an offline send stays pending until
// the wait expires, matching the failure model for lost confirmations.
func (o *Outbox) dispatch(ctx context.Context, localID, content, contentType string, confirmed chan struct{}) {
	payload := OutboundMessagePayload{
		ConversationID: o.conversationID,
		SenderID:       o.identity.CurrentUserID(),
		MessageType:    contentType,
		Content:        content,
		CorrelationID:  localID,
	}
	if err := o.transport.Emit(ctx, EventMessageSend, payload); err != nil {
		o.logger.Warn("outbound emit failed, awaiting timeout",
			zap.String("localId", localID), zap.Error(err))
	}

	go o.await(localID, confirmed)
}

func (o *Outbox) await(localID string, confirmed chan struct{}) {
	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case <-confirmed:
		return
	case <-timer.C:
	}

	o.mu.Lock()
	delete(o.inflight, localID)
	o.mu.Unlock()

	err := &SendTimeoutError{LocalID: localID, Wait: o.timeout}
	o.apply(func() {
		if !o.store.MarkFailed(localID) {
			// Confirmation squeaked in ahead of the timeout transition.
			return
		}
		o.logger.Warn("send timed out", zap.String("localId", localID))
		if o.onFailed != nil {
			o.onFailed(localID, err)
		}
	})
}
