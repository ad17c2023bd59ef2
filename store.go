package chatsync

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Reconciliation Store
// ============================================================================

// Position selects which end of the list a history page merges into.
type Position string

const (
	PositionHead Position = "head"
	PositionTail Position = "tail"
)

// Store is the sole mutable, ordered message list for one conversation.
// History pages, live events, and outbox transitions all write into it;
// nothing else is authoritative.
//
// Invariants: the list is strictly ordered by (CreatedAt, SequenceHint),
// holds no two entries with the same server id, and at most one entry per
// local id. A pending entry transitions to sent in place; no second entry is
// ever inserted for the same local id.
type Store struct {
	mu          sync.RWMutex
	items       []Message
	ids         map[string]struct{}
	locals      map[string]struct{}
	maxRetained int

	// seq stamps every inserted message with a monotonic tie-breaker.
	seq atomic.Int64
}

// NewStore creates an empty store. maxRetained bounds how many entries are
// kept in memory; 0 means unbounded. Trimming only ever drops confirmed
// entries from the head, never pending or failed ones.
func NewStore(maxRetained int) *Store {
	return &Store{
		ids:         make(map[string]struct{}),
		locals:      make(map[string]struct{}),
		maxRetained: maxRetained,
	}
}

// Seed replaces the list wholesale. Used only for first load or full resync.
func (s *Store) Seed(items []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = s.items[:0]
	s.ids = make(map[string]struct{}, len(items))
	s.locals = make(map[string]struct{})

	for _, m := range items {
		if m.ID != "" {
			if _, dup := s.ids[m.ID]; dup {
				continue
			}
		}
		if m.LocalID != "" {
			if _, dup := s.locals[m.LocalID]; dup {
				continue
			}
		}
		s.insertLocked(m)
	}
	s.sortLocked()
}

// Append merges a history page without creating duplicate ids. Head merges
// are "load earlier" pages; tail merges are catch-up pages.
func (s *Store) Append(items []Message, pos Position) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, m := range items {
		if m.ID != "" {
			if _, dup := s.ids[m.ID]; dup {
				continue
			}
		}
		if m.LocalID != "" {
			if _, dup := s.locals[m.LocalID]; dup {
				continue
			}
		}
		s.insertLocked(m)
		added++
	}
	s.sortLocked()
	if pos == PositionTail {
		s.trimLocked()
	}
	return added
}

// UpsertLive applies a single live message. If its local id matches an
// existing pending entry, that entry is resolved in place (ordering may shift
// because CreatedAt becomes server-authoritative, but no duplicate appears).
// A message whose id is already present is absorbed silently. Anything else
// inserts at the sorted position.
//
// Returns true if the store changed.
func (s *Store) UpsertLive(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.LocalID != "" {
		if _, known := s.locals[m.LocalID]; known {
			for i := range s.items {
				if s.items[i].LocalID != m.LocalID {
					continue
				}
				if s.items[i].DeliveryState == DeliverySent {
					// Confirmation echo already applied.
					return false
				}
				resolved := m
				resolved.DeliveryState = DeliverySent
				resolved.SequenceHint = s.items[i].SequenceHint
				if resolved.ContentType == "" {
					resolved.ContentType = s.items[i].ContentType
				}
				s.items[i] = resolved
				if resolved.ID != "" {
					s.ids[resolved.ID] = struct{}{}
				}
				s.sortLocked()
				return true
			}
			return false
		}
	}

	if m.ID != "" {
		if _, dup := s.ids[m.ID]; dup {
			return false
		}
	}

	s.insertLocked(m)
	s.sortLocked()
	s.trimLocked()
	return true
}

// ── Outbox-only delivery transitions ─────────────────────────────────────

// MarkFailed transitions a pending entry to failed. Failed entries stay in
// the list, visibly marked.
func (s *Store) MarkFailed(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].LocalID == localID && s.items[i].DeliveryState == DeliveryPending {
			s.items[i].DeliveryState = DeliveryFailed
			return true
		}
	}
	return false
}

// MarkPending transitions a failed entry back to pending for a retry. The
// same local id is reused; the client-clock estimate is refreshed.
func (s *Store) MarkPending(localID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].LocalID == localID && s.items[i].DeliveryState == DeliveryFailed {
			s.items[i].DeliveryState = DeliveryPending
			s.items[i].CreatedAt = at
			s.items[i].SequenceHint = s.seq.Add(1)
			s.sortLocked()
			return true
		}
	}
	return false
}

// Remove drops a failed entry. This is the explicit failed-send rollback,
// the only path that ever deletes a message.
func (s *Store) Remove(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].LocalID == localID && s.items[i].DeliveryState == DeliveryFailed {
			s.dropLocked(i)
			return true
		}
	}
	return false
}

// ── Reads ────────────────────────────────────────────────────────────────

// Get returns the entry for a local id.
func (s *Store) Get(localID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.items {
		if s.items[i].LocalID == localID {
			return s.items[i], true
		}
	}
	return Message{}, false
}

// Snapshot returns a copy of the ordered list.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of entries, including pending and failed ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// ConfirmedCount returns the number of server-confirmed entries. Failed
// entries never count toward pagination totals.
func (s *Store) ConfirmedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.items {
		if s.items[i].DeliveryState == DeliverySent {
			n++
		}
	}
	return n
}

// IndexOf returns the position of a server id, or -1.
func (s *Store) IndexOf(id string) int {
	if id == "" {
		return -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// ── Internals ────────────────────────────────────────────────────────────

func (s *Store) insertLocked(m Message) {
	m.SequenceHint = s.seq.Add(1)
	if m.ID != "" {
		s.ids[m.ID] = struct{}{}
	}
	if m.LocalID != "" {
		s.locals[m.LocalID] = struct{}{}
	}
	s.items = append(s.items, m)
}

func (s *Store) dropLocked(i int) {
	m := s.items[i]
	if m.ID != "" {
		delete(s.ids, m.ID)
	}
	if m.LocalID != "" {
		delete(s.locals, m.LocalID)
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].Before(s.items[j])
	})
}

func (s *Store) trimLocked() {
	if s.maxRetained <= 0 {
		return
	}
	for len(s.items) > s.maxRetained && s.items[0].DeliveryState == DeliverySent {
		s.dropLocked(0)
	}
}
