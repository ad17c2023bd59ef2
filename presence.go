package chatsync

import (
	"sync"
	"time"
)

// ============================================================================
// Presence Tracker
// ============================================================================

// PresenceTracker maintains best-effort online/offline state per user, fed
// purely by presence-update push events. There is no polling fallback. It is
// process-wide: read by every conversation, written only by the listener.
type PresenceTracker struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{entries: make(map[string]PresenceEntry)}
}

// Apply records a presence event, last-write-wins.
func (p *PresenceTracker) Apply(payload PresencePayload, at time.Time) {
	seen := parseWireTime(payload.LastSeenAt)
	if seen.IsZero() {
		seen = at
	}
	p.mu.Lock()
	p.entries[payload.UserID] = PresenceEntry{
		UserID:     payload.UserID,
		Online:     payload.Online,
		LastSeenAt: seen,
	}
	p.mu.Unlock()
}

// Get returns a user's presence. ok is false while the state is unknown,
// which includes the window after a reconnect until fresh events arrive.
func (p *PresenceTracker) Get(userID string) (PresenceEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[userID]
	return e, ok
}

// ResetAll clears every entry back to unknown. Called on transport
// reconnect: stale pre-disconnect state must not masquerade as current.
func (p *PresenceTracker) ResetAll() {
	p.mu.Lock()
	p.entries = make(map[string]PresenceEntry)
	p.mu.Unlock()
}

// Snapshot returns a copy of all known entries.
func (p *PresenceTracker) Snapshot() []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}
