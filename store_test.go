package nimbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore() *Store {
	s := NewStore(Identity{ID: 1, Username: "alice"}, 0)
	s.selectPeer(User{ID: 2, Username: "bob"})
	return s
}

func TestStoreAppendsActiveConversation(t *testing.T) {
	s := testStore()

	s.ApplyIncomingMessage(Message{ID: 1, Sender: "bob", Text: "hi", Timestamp: time.Now()})
	s.ApplyIncomingMessage(Message{ID: 2, Sender: "alice", Text: "hey", Timestamp: time.Now()})

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Empty(t, s.Unread(), "active-conversation traffic never counts as unread")
}

func TestStoreUnreadForInactivePeers(t *testing.T) {
	s := testStore()

	s.ApplyIncomingMessage(Message{ID: 1, Sender: "carol", Text: "psst"})
	s.ApplyIncomingMessage(Message{ID: 2, Sender: "carol", Text: "psst again"})
	s.ApplyIncomingMessage(Message{ID: 3, Sender: "dave", Text: "yo"})

	assert.Empty(t, s.Messages(), "inactive-peer messages stay out of the active list")
	assert.Equal(t, map[string]int{"carol": 2, "dave": 1}, s.Unread())
}

func TestStoreSelectPeerClearsOnlyThatUnread(t *testing.T) {
	s := testStore()
	s.ApplyIncomingMessage(Message{ID: 1, Sender: "carol", Text: "a"})
	s.ApplyIncomingMessage(Message{ID: 2, Sender: "dave", Text: "b"})

	s.selectPeer(User{ID: 3, Username: "carol"})

	unread := s.Unread()
	assert.NotContains(t, unread, "carol", "selecting a peer clears its unread count")
	assert.Equal(t, 1, unread["dave"], "other peers' counts are untouched")
	assert.Empty(t, s.Messages(), "prior conversation is discarded wholesale")
}

func TestStoreOrderingStaysNonDecreasing(t *testing.T) {
	s := testStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.ApplyIncomingMessage(Message{ID: 1, Sender: "bob", Text: "a", Timestamp: base.Add(2 * time.Minute)})
	s.ApplyIncomingMessage(Message{ID: 2, Sender: "bob", Text: "b", Timestamp: base.Add(1 * time.Minute)})
	s.ApplyIncomingMessage(Message{ID: 3, Sender: "bob", Text: "c", Timestamp: base.Add(3 * time.Minute)})

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp),
			"displayed order must be non-decreasing by timestamp")
	}
}

func TestStoreReactionUnloadedMessageIsDropped(t *testing.T) {
	s := testStore()
	s.ApplyIncomingMessage(Message{ID: 1, Sender: "bob", Text: "x", Reactions: map[int64]string{}})

	// Addressing paged-out history: accepted lost update, no error.
	s.ApplyReaction(999, 3, "👍")

	_, ok := s.Reaction(999, 3)
	assert.False(t, ok)
	msgs := s.Messages()
	assert.Empty(t, msgs[0].Reactions, "other messages are untouched")
}

func TestStoreReactionSetReplaceClear(t *testing.T) {
	s := testStore()
	s.ApplyIncomingMessage(Message{ID: 1, Sender: "bob", Text: "x", Reactions: map[int64]string{}})

	s.ApplyReaction(1, 3, "👍")
	v, ok := s.Reaction(1, 3)
	require.True(t, ok)
	assert.Equal(t, "👍", v)

	s.ApplyReaction(1, 3, "😂")
	v, _ = s.Reaction(1, 3)
	assert.Equal(t, "😂", v, "setting a new value replaces the prior one")

	s.ApplyReaction(1, 3, "")
	_, ok = s.Reaction(1, 3)
	assert.False(t, ok, "empty value removes the entry")
}

func TestStorePresenceExcludesSelf(t *testing.T) {
	s := testStore()

	s.ReplacePresence([]User{
		{ID: 1, Username: "alice"},
		{ID: 2, Username: "bob"},
		{ID: 3, Username: "carol"},
	})

	presence := s.Presence()
	require.Len(t, presence, 2)
	for _, u := range presence {
		assert.NotEqual(t, int64(1), u.ID)
	}

	// Wholesale replacement, not a patch.
	s.ReplacePresence([]User{{ID: 3, Username: "carol"}})
	assert.Equal(t, []User{{ID: 3, Username: "carol"}}, s.Presence())
}

func TestStoreTypingSet(t *testing.T) {
	s := testStore()

	s.ApplyTyping("bob", true)
	s.ApplyTyping("carol", true)
	assert.Equal(t, []string{"bob", "carol"}, s.TypingUsers())

	s.ApplyTyping("bob", true) // refresh, not duplicate
	assert.Equal(t, []string{"bob", "carol"}, s.TypingUsers())

	s.ApplyTyping("bob", false)
	assert.Equal(t, []string{"carol"}, s.TypingUsers())
}

func TestStoreTypingImplicitExpiry(t *testing.T) {
	s := NewStore(Identity{ID: 1, Username: "alice"}, 30*time.Millisecond)
	defer s.close()

	s.ApplyTyping("bob", true)
	require.Equal(t, []string{"bob"}, s.TypingUsers())

	assert.Eventually(t, func() bool {
		return len(s.TypingUsers()) == 0
	}, time.Second, 5*time.Millisecond, "entries with no stop event must expire")
}

// An expiry from before a refresh must not remove the refreshed entry,
// even if its timer fired before the refresh could stop it.
func TestStoreTypingStaleExpiryIgnored(t *testing.T) {
	s := NewStore(Identity{ID: 1, Username: "alice"}, time.Hour)
	defer s.close()

	s.ApplyTyping("bob", true)
	s.ApplyTyping("bob", true) // refresh supersedes the first window

	s.expireTyping("bob", 1)
	assert.Equal(t, []string{"bob"}, s.TypingUsers(), "stale window expiry is a no-op")

	s.expireTyping("bob", 2)
	assert.Empty(t, s.TypingUsers(), "current window expiry removes the entry")
}

func TestStoreSearch(t *testing.T) {
	s := testStore()
	s.replaceMessages([]Message{
		{ID: 1, Sender: "bob", Text: "deploy went fine"},
		{ID: 2, Sender: "alice", Text: "Deploy broke staging"},
		{ID: 3, Sender: "bob", Text: "lunch?"},
	})

	hits := s.Search("deploy")
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].ID)

	assert.Len(t, s.Search(""), 3)
	assert.Empty(t, s.Search("kubernetes"))
}
