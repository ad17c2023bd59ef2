package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default typing windows.
const (
	// DefaultTypingIdle is the local inactivity window after which one
	// stop-typing is emitted.
	DefaultTypingIdle = 1200 * time.Millisecond

	// DefaultTypingTTL is how long a remote typing indicator survives
	// without refresh before the consuming side clears it.
	DefaultTypingTTL = 5 * time.Second
)

// ============================================================================
// Local Typing Debouncer
// ============================================================================

// TypingDebouncer rate-limits local typing signals for one conversation:
// the first keystroke emits typing immediately, further keystrokes only push
// the inactivity window out, and exactly one stop-typing follows: either
// when the window elapses or immediately when the message is sent.
type TypingDebouncer struct {
	transport      Transport
	identity       Identity
	conversationID string
	idle           time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// NewTypingDebouncer creates a debouncer for one conversation.
func NewTypingDebouncer(transport Transport, identity Identity, conversationID string, idle time.Duration, logger *zap.Logger) *TypingDebouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingDebouncer{
		transport:      transport,
		identity:       identity,
		conversationID: conversationID,
		idle:           idle,
		logger:         logger,
	}
}

// Touch records local input activity.
func (d *TypingDebouncer) Touch(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		d.active = true
		d.emit(ctx, EventTypingStart)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, d.expire)
}

// MessageSent emits the stop immediately; sending ends the typing burst.
func (d *TypingDebouncer) MessageSent(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(ctx)
}

// Stop cancels any pending window and emits stop-typing if a burst was
// active. Called when the conversation closes.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(context.Background())
}

func (d *TypingDebouncer) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}
	d.active = false
	d.timer = nil
	d.emit(context.Background(), EventTypingStop)
}

func (d *TypingDebouncer) stopLocked(ctx context.Context) {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.active {
		return
	}
	d.active = false
	d.emit(ctx, EventTypingStop)
}

func (d *TypingDebouncer) emit(ctx context.Context, event string) {
	payload := TypingPayload{
		ConversationID: d.conversationID,
		UserID:         d.identity.CurrentUserID(),
		Typing:         event == EventTypingStart,
	}
	if err := d.transport.Emit(ctx, event, payload); err != nil {
		d.logger.Debug("typing emit failed", zap.String("event", event), zap.Error(err))
	}
}

// ============================================================================
// Remote Typing Tracker
// ============================================================================

// RemoteTyping tracks which remote users are typing in which conversation.
// Entries expire after a fixed TTL if not refreshed, independent of an
// explicit stop event, so a lost stop can never leave the indicator stuck.
// Process-wide, written only by the listener.
type RemoteTyping struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	states map[string]TypingState
}

// NewRemoteTyping creates a tracker with the given TTL.
func NewRemoteTyping(ttl time.Duration) *RemoteTyping {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &RemoteTyping{
		ttl:    ttl,
		now:    time.Now,
		states: make(map[string]TypingState),
	}
}

// Set applies a typing or stop-typing event.
func (r *RemoteTyping) Set(conversationID, userID string, typing bool) {
	key := conversationID + "/" + userID
	r.mu.Lock()
	if typing {
		r.states[key] = TypingState{
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       true,
			ExpiresAt:      r.now().Add(r.ttl),
		}
	} else {
		delete(r.states, key)
	}
	r.mu.Unlock()
}

// IsTyping reports whether a user's indicator is live, expiring it lazily.
func (r *RemoteTyping) IsTyping(conversationID, userID string) bool {
	key := conversationID + "/" + userID
	r.mu.RLock()
	s, ok := r.states[key]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if r.now().After(s.ExpiresAt) {
		r.mu.Lock()
		if cur, still := r.states[key]; still && cur.ExpiresAt.Equal(s.ExpiresAt) {
			delete(r.states, key)
		}
		r.mu.Unlock()
		return false
	}
	return true
}

// TypingUsers lists users with a live indicator in a conversation.
func (r *RemoteTyping) TypingUsers(conversationID string) []string {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var users []string
	for _, s := range r.states {
		if s.ConversationID == conversationID && now.Before(s.ExpiresAt) {
			users = append(users, s.UserID)
		}
	}
	return users
}
