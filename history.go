package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultPageSize is the history page size used when none is configured.
const DefaultPageSize = 30

// ============================================================================
// History Loader
// ============================================================================

// Anchor captures the scroll position across a "load earlier" merge: the
// message that was at the head of the list before the merge, and its index
// after it. A UI restores its viewport against this entry so prepending
// history never moves what the user is looking at.
type Anchor struct {
	MessageID string
	Index     int
}

// HistoryLoader pulls persisted pages from the REST collaborator and feeds
// them to the reconciliation store. The backend returns pages newest-first;
// the loader normalizes to ascending createdAt before any merge. Fetches run
// on the caller's goroutine; the merge itself is committed through the
// owning engine's apply queue so it cannot race live events.
type HistoryLoader struct {
	fetcher        MessageFetcher
	store          *Store
	conversationID string
	pageSize       int
	apply          func(fn func())
	logger         *zap.Logger

	mu          sync.Mutex
	seeded      bool
	loadedPages int
	lastPage    int
}

// NewHistoryLoader creates a loader for one conversation. apply commits a
// merge inside the conversation's serialization context and blocks until it
// ran (or the engine closed); nil means commit directly.
func NewHistoryLoader(fetcher MessageFetcher, store *Store, conversationID string, pageSize int, apply func(fn func()), logger *zap.Logger) *HistoryLoader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if apply == nil {
		apply = func(fn func()) { fn() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryLoader{
		fetcher:        fetcher,
		store:          store,
		conversationID: conversationID,
		pageSize:       pageSize,
		apply:          apply,
		logger:         logger,
	}
}

// LoadFirst fetches page one and seeds the store. If entries were inserted
// while the fetch was in flight the page is merged instead, entry by entry.
// A fetch failure surfaces a retriable TransientFetchError and leaves
// existing state untouched.
func (l *HistoryLoader) LoadFirst(ctx context.Context) error {
	page, err := l.fetcher.FetchMessages(ctx, l.conversationID, 1, l.pageSize)
	if err != nil {
		return &TransientFetchError{ConversationID: l.conversationID, Page: 1, Err: err}
	}

	items := normalizeAscending(page.Items)
	l.apply(func() {
		if l.store.Len() == 0 {
			l.store.Seed(items)
			return
		}
		// Live events or pending sends may have landed while the fetch was
		// in flight; merge so they are not wiped by a wholesale replace.
		for _, m := range items {
			l.store.UpsertLive(m)
		}
	})

	l.mu.Lock()
	l.seeded = true
	l.loadedPages = 1
	l.lastPage = page.LastPage
	l.mu.Unlock()

	l.logger.Debug("seeded conversation",
		zap.String("conversation", l.conversationID),
		zap.Int("messages", len(items)),
		zap.Int("lastPage", page.LastPage))
	return nil
}

// HasMore reports whether earlier pages remain on the server.
func (l *HistoryLoader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seeded && l.loadedPages < l.lastPage
}

// LoadEarlier fetches the next earlier page and merges it at the head. The
// returned Anchor locates the previous head entry after the merge; a zero
// MessageID means nothing was loaded.
func (l *HistoryLoader) LoadEarlier(ctx context.Context) (Anchor, error) {
	l.mu.Lock()
	if !l.seeded || l.loadedPages >= l.lastPage {
		l.mu.Unlock()
		return Anchor{Index: -1}, nil
	}
	next := l.loadedPages + 1
	l.mu.Unlock()

	page, err := l.fetcher.FetchMessages(ctx, l.conversationID, next, l.pageSize)
	if err != nil {
		return Anchor{Index: -1}, &TransientFetchError{ConversationID: l.conversationID, Page: next, Err: err}
	}

	items := normalizeAscending(page.Items)

	// Anchor capture, merge, and re-resolution happen in one committed step
	// so a live insert cannot slip between them.
	anchor := Anchor{Index: -1}
	added := 0
	l.apply(func() {
		if snap := l.store.Snapshot(); len(snap) > 0 {
			anchor.MessageID = snap[0].ID
		}
		added = l.store.Append(items, PositionHead)
		anchor.Index = l.store.IndexOf(anchor.MessageID)
	})

	l.mu.Lock()
	l.loadedPages = next
	if page.LastPage > 0 {
		l.lastPage = page.LastPage
	}
	l.mu.Unlock()

	l.logger.Debug("loaded earlier page",
		zap.String("conversation", l.conversationID),
		zap.Int("page", next),
		zap.Int("added", added))

	return anchor, nil
}

// FirstPage fetches page one without touching the store. Used by the
// listener's reconnect gap-fill, which merges through UpsertLive instead.
func (l *HistoryLoader) FirstPage(ctx context.Context) ([]Message, error) {
	page, err := l.fetcher.FetchMessages(ctx, l.conversationID, 1, l.pageSize)
	if err != nil {
		return nil, &TransientFetchError{ConversationID: l.conversationID, Page: 1, Err: err}
	}
	return normalizeAscending(page.Items), nil
}

// normalizeAscending flips a newest-first page into ascending createdAt.
// Pages already ascending pass through unchanged.
func normalizeAscending(items []Message) []Message {
	out := make([]Message, len(items))
	copy(out, items)
	if len(out) > 1 && out[0].CreatedAt.After(out[len(out)-1].CreatedAt) {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}
