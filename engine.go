package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Conversation Engine
// ============================================================================

// Engine owns one conversation's reconciliation store and serializes every
// write to it (history merges, live events, outbox transitions) through a
// single apply goroutine. Engines for different conversations never block
// one another.
//
// An Engine is created by Session.Open and is single-use: Close stops the
// apply loop for good, and any result still in flight for the old instance
// is dropped rather than applied to a newer store. Reopening a conversation
// yields a fresh engine with a fresh store.
type Engine struct {
	conversationID string
	store          *Store
	loader         *HistoryLoader
	outbox         *Outbox
	listener       *Listener
	typing         *TypingDebouncer
	logger         *zap.Logger

	cmds      chan func()
	quit      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	opened       bool
	onSendFailed func(localID string, err error)
}

func newEngine(conversationID string, store *Store, logger *zap.Logger) *Engine {
	return &Engine{
		conversationID: conversationID,
		store:          store,
		logger:         logger,
		cmds:           make(chan func(), 256),
		quit:           make(chan struct{}),
	}
}

// ConversationID returns the conversation this engine serves.
func (e *Engine) ConversationID() string { return e.conversationID }

// OnSendFailed registers a callback invoked from the apply goroutine when an
// optimistic send times out. A callback registered late misses failures that
// already happened; the store still holds them marked failed.
func (e *Engine) OnSendFailed(fn func(localID string, err error)) {
	e.mu.Lock()
	e.onSendFailed = fn
	e.mu.Unlock()
}

// Open starts the apply loop, attaches the live listener, and seeds the
// store from the first history page. A seed fetch failure leaves the engine
// open with an empty list; the error is retriable via Reload.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.opened {
		e.mu.Unlock()
		return nil
	}
	e.opened = true
	e.mu.Unlock()

	go e.run()
	e.listener.Attach(ctx)
	return e.loader.LoadFirst(ctx)
}

// Reload re-seeds the store from the first page; a full resync.
func (e *Engine) Reload(ctx context.Context) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.loader.LoadFirst(ctx)
}

// Close leaves the channel, stops typing signals, and halts the apply loop.
// Any in-flight result targeting this engine is discarded, never applied.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.typing.Stop()
		e.listener.Detach(context.Background())
		close(e.quit)
		e.logger.Debug("engine closed", zap.String("conversation", e.conversationID))
	})
}

// ── Message operations ───────────────────────────────────────────────────

// Messages returns the current ordered snapshot of the conversation.
func (e *Engine) Messages() []Message {
	return e.store.Snapshot()
}

// Send performs an optimistic send and returns the new entry's local id.
// Sending also ends the local typing burst.
func (e *Engine) Send(ctx context.Context, content, contentType string) (string, error) {
	if e.isClosed() {
		return "", ErrEngineClosed
	}
	localID, err := e.outbox.Send(ctx, content, contentType)
	if err != nil {
		return "", err
	}
	e.typing.MessageSent(ctx)
	return localID, nil
}

// Retry re-sends a failed entry under its original local id.
func (e *Engine) Retry(ctx context.Context, localID string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.outbox.Retry(ctx, localID)
}

// Rollback removes a failed entry from the list.
func (e *Engine) Rollback(localID string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.outbox.Rollback(localID)
}

// LoadEarlier pages older history in at the head and returns the restored
// scroll anchor.
func (e *Engine) LoadEarlier(ctx context.Context) (Anchor, error) {
	if e.isClosed() {
		return Anchor{Index: -1}, ErrEngineClosed
	}
	return e.loader.LoadEarlier(ctx)
}

// HasMore reports whether earlier history remains on the server.
func (e *Engine) HasMore() bool {
	return e.loader.HasMore()
}

// TypingActivity records local input activity for the typing debouncer.
func (e *Engine) TypingActivity(ctx context.Context) {
	if e.isClosed() {
		return
	}
	e.typing.Touch(ctx)
}

// LastReadBy returns the newest message id a participant has read.
func (e *Engine) LastReadBy(userID string) (string, bool) {
	return e.listener.LastReadBy(userID)
}

// ── Apply queue ──────────────────────────────────────────────────────────

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.quit:
			return
		}
	}
}

// enqueue submits a write without waiting. After Close it is a silent drop.
func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.quit:
	}
}

// enqueueWait submits a write and blocks until the apply loop ran it, or
// gives up once the engine closes.
func (e *Engine) enqueueWait(fn func()) {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.quit:
		return
	}
	select {
	case <-done:
	case <-e.quit:
	}
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

func (e *Engine) sendFailed(localID string, err error) {
	e.mu.Lock()
	fn := e.onSendFailed
	e.mu.Unlock()
	if fn != nil {
		fn(localID, err)
	}
}
