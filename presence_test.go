package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPresenceTracker(t *testing.T) {
	t.Run("unknown until an event arrives", func(t *testing.T) {
		p := NewPresenceTracker()
		_, ok := p.Get("bob")
		require.False(t, ok)
	})

	t.Run("last write wins", func(t *testing.T) {
		p := NewPresenceTracker()
		p.Apply(PresencePayload{UserID: "bob", Online: true}, testEpoch)
		p.Apply(PresencePayload{UserID: "bob", Online: false}, testEpoch.Add(time.Second))

		e, ok := p.Get("bob")
		require.True(t, ok)
		require.False(t, e.Online)
		require.Equal(t, testEpoch.Add(time.Second), e.LastSeenAt)
	})

	t.Run("server lastSeenAt is preferred over arrival time", func(t *testing.T) {
		p := NewPresenceTracker()
		seen := testEpoch.Add(-time.Hour)
		p.Apply(PresencePayload{
			UserID:     "bob",
			Online:     false,
			LastSeenAt: seen.Format(time.RFC3339Nano),
		}, testEpoch)

		e, _ := p.Get("bob")
		require.True(t, e.LastSeenAt.Equal(seen))
	})

	t.Run("reset returns every user to unknown", func(t *testing.T) {
		p := NewPresenceTracker()
		p.Apply(PresencePayload{UserID: "bob", Online: true}, testEpoch)
		p.Apply(PresencePayload{UserID: "carol", Online: true}, testEpoch)
		require.Len(t, p.Snapshot(), 2)

		p.ResetAll()
		require.Empty(t, p.Snapshot())
		_, ok := p.Get("bob")
		require.False(t, ok)
	})
}
