// Package chatsync keeps one ordered message list per conversation
// consistent across three concurrently-arriving sources: paginated history
// retrieval, a live push channel, and locally-originated messages awaiting
// server confirmation. It also tracks ephemeral typing and presence signals
// and survives transport disconnects without producing duplicates, gaps, or
// out-of-order flicker.
//
// Example:
//
//	transport := chatsync.NewWSTransport(chatsync.WSConfig{URL: baseURL, Token: token, AutoReconnect: true})
//	rest := chatsync.NewRESTClient(baseURL, chatsync.WithRESTToken(token))
//	session := chatsync.NewSession(transport, rest, chatsync.StaticIdentity(userID))
//
//	if err := session.Connect(ctx); err != nil { ... }
//	engine, err := session.Open(ctx, conversationID)
//	localID, _ := engine.Send(ctx, "hello", "text")
//	defer session.CloseConversation(conversationID)
package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRetainedPages bounds per-conversation memory: the store keeps at
// most this many pages' worth of confirmed entries.
const DefaultRetainedPages = 10

// ============================================================================
// Session
// ============================================================================

// Session is the explicit, injectable service holding the shared transport,
// REST collaborator, identity, and the process-wide presence and typing
// maps. One session per authenticated user; one engine per open
// conversation. Nothing in this package is ambient global state.
type Session struct {
	transport    Transport
	fetcher      MessageFetcher
	identity     Identity
	policy       ContentPolicy
	presence     *PresenceTracker
	remoteTyping *RemoteTyping
	logger       *zap.Logger

	sendTimeout time.Duration
	typingIdle  time.Duration
	typingTTL   time.Duration
	pageSize    int
	retained    int

	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithLogger attaches a logger; the default is a nop, the library is silent.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithSendTimeout sets the bounded confirmation wait for optimistic sends.
func WithSendTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.sendTimeout = d }
}

// WithTypingIdle sets the local typing inactivity window.
func WithTypingIdle(d time.Duration) SessionOption {
	return func(s *Session) { s.typingIdle = d }
}

// WithTypingTTL sets the remote typing indicator expiry.
func WithTypingTTL(d time.Duration) SessionOption {
	return func(s *Session) { s.typingTTL = d }
}

// WithPageSize sets the history page size.
func WithPageSize(n int) SessionOption {
	return func(s *Session) { s.pageSize = n }
}

// WithRetainedPages bounds how many pages' worth of messages a conversation
// keeps in memory; 0 means unbounded.
func WithRetainedPages(n int) SessionOption {
	return func(s *Session) { s.retained = n }
}

// WithContentPolicy installs the outbound content policy. Without one, all
// content passes.
func WithContentPolicy(p ContentPolicy) SessionOption {
	return func(s *Session) { s.policy = p }
}

// NewSession assembles a session from its collaborators.
func NewSession(transport Transport, fetcher MessageFetcher, identity Identity, opts ...SessionOption) *Session {
	s := &Session{
		transport:   transport,
		fetcher:     fetcher,
		identity:    identity,
		logger:      zap.NewNop(),
		sendTimeout: DefaultSendTimeout,
		typingIdle:  DefaultTypingIdle,
		typingTTL:   DefaultTypingTTL,
		pageSize:    DefaultPageSize,
		retained:    DefaultRetainedPages,
		engines:     make(map[string]*Engine),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.presence = NewPresenceTracker()
	s.remoteTyping = NewRemoteTyping(s.typingTTL)
	return s
}

// Connect establishes the shared transport connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.transport.Connect(ctx)
}

// Open creates (or returns) the engine for a conversation and seeds it.
// When the seed fetch fails, the engine is still returned alongside the
// retriable error: its list is simply empty until Reload succeeds. Errors
// are scoped to this conversation and never affect another's state.
func (s *Session) Open(ctx context.Context, conversationID string) (*Engine, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if e, ok := s.engines[conversationID]; ok {
		s.mu.Unlock()
		return e, nil
	}

	retained := 0
	if s.retained > 0 {
		retained = s.retained * s.pageSize
	}
	store := NewStore(retained)
	engine := newEngine(conversationID, store, s.logger)

	engine.loader = NewHistoryLoader(s.fetcher, store, conversationID, s.pageSize, engine.enqueueWait, s.logger)

	outbox := NewOutbox(store, s.transport, s.identity, conversationID)
	outbox.timeout = s.sendTimeout
	outbox.policy = s.policy
	outbox.logger = s.logger
	outbox.apply = engine.enqueue
	outbox.onFailed = engine.sendFailed
	engine.outbox = outbox

	engine.typing = NewTypingDebouncer(s.transport, s.identity, conversationID, s.typingIdle, s.logger)
	engine.listener = NewListener(conversationID, s.transport, engine.loader, store, outbox,
		s.presence, s.remoteTyping, s.identity, engine.enqueue, s.logger)

	s.engines[conversationID] = engine
	s.mu.Unlock()

	err := engine.Open(ctx)
	return engine, err
}

// CloseConversation tears down a conversation's engine. Reopening later
// yields a fresh engine with a fresh store; results still in flight for the
// old one are discarded.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	engine, ok := s.engines[conversationID]
	delete(s.engines, conversationID)
	s.mu.Unlock()
	if ok {
		engine.Close()
	}
}

// Engine returns the open engine for a conversation, if any.
func (s *Session) Engine(conversationID string) (*Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[conversationID]
	return e, ok
}

// Presence exposes the process-wide presence tracker.
func (s *Session) Presence() *PresenceTracker {
	return s.presence
}

// TypingUsers lists remote users currently typing in a conversation.
func (s *Session) TypingUsers(conversationID string) []string {
	return s.remoteTyping.TypingUsers(conversationID)
}

// CurrentUserID returns the identity this session acts as.
func (s *Session) CurrentUserID() string {
	return s.identity.CurrentUserID()
}

// Close tears down every engine and the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	engines := make([]*Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.engines = make(map[string]*Engine)
	s.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
	return s.transport.Close()
}
