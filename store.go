package nimbus

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Conversation State Store
// ============================================================================

// Store is the authoritative in-memory model of the active session's
// conversation state: messages, reactions, presence, typing indicators
// and unread counts. It is mutated only through its own operations; the
// mutex serializes them so no two mutations ever interleave partially.
//
// State belongs to the active peer only. Switching peers discards the
// loaded messages wholesale; nothing is cached across switches and
// nothing is persisted.
type Store struct {
	mu   sync.Mutex
	self Identity

	peer     *User
	messages []Message
	presence []User
	unread   map[string]int

	typing       map[string]*time.Timer
	typingGen    map[string]uint64
	typingExpiry time.Duration
	onChange     func()
}

// NewStore creates a store for the given session identity. typingExpiry
// bounds how long a "typing started" entry survives without a stop event
// or a refresh; zero disables the implicit expiry.
func NewStore(self Identity, typingExpiry time.Duration) *Store {
	return &Store{
		self:         self,
		unread:       map[string]int{},
		typing:       map[string]*time.Timer{},
		typingGen:    map[string]uint64{},
		typingExpiry: typingExpiry,
	}
}

// setOnChange installs a callback fired after every successful mutation,
// outside the lock.
func (s *Store) setOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ----------------------------------------------------------------------------
// Inbound applies
// ----------------------------------------------------------------------------

// ApplyIncomingMessage merges one server-confirmed message. Messages from
// the active peer (or our own echoes) are appended to the conversation;
// messages from anyone else only bump that sender's unread counter.
func (s *Store) ApplyIncomingMessage(msg Message) {
	s.mu.Lock()
	own := msg.Sender == s.self.Username
	active := s.peer != nil && msg.Sender == s.peer.Username
	if own || active {
		s.messages = append(s.messages, msg)
		// Displayed order stays non-decreasing by timestamp even if the
		// server's clock hiccups across a reconnect.
		n := len(s.messages)
		if n > 1 && s.messages[n-1].Timestamp.Before(s.messages[n-2].Timestamp) {
			sort.SliceStable(s.messages, func(i, j int) bool {
				return s.messages[i].Timestamp.Before(s.messages[j].Timestamp)
			})
		}
	} else {
		s.unread[msg.Sender]++
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyReaction mutates exactly the addressed message's reaction map.
// Last write wins per user; an empty value clears the entry. Reactions
// addressing messages that are not loaded are dropped: a known, accepted
// lost update for paged-out history.
func (s *Store) ApplyReaction(messageID, userID int64, value string) {
	s.mu.Lock()
	changed := false
	for i := range s.messages {
		if s.messages[i].ID != messageID {
			continue
		}
		if s.messages[i].Reactions == nil {
			s.messages[i].Reactions = map[int64]string{}
		}
		if value == "" {
			delete(s.messages[i].Reactions, userID)
		} else {
			s.messages[i].Reactions[userID] = value
		}
		changed = true
		break
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// ApplyTyping adds or removes a sender from the typing set. An entry with
// no stop event expires on its own after the configured window. Every
// transition bumps the sender's generation so an expiry timer that
// already fired for a prior window cannot remove a refreshed entry.
func (s *Store) ApplyTyping(sender string, isTyping bool) {
	s.mu.Lock()
	s.typingGen[sender]++
	gen := s.typingGen[sender]
	if t, ok := s.typing[sender]; ok {
		if t != nil {
			t.Stop()
		}
		delete(s.typing, sender)
	}
	if isTyping {
		var expiry *time.Timer
		if s.typingExpiry > 0 {
			expiry = time.AfterFunc(s.typingExpiry, func() {
				s.expireTyping(sender, gen)
			})
		}
		s.typing[sender] = expiry
	}
	s.mu.Unlock()
	s.notify()
}

// expireTyping removes a sender whose window elapsed, unless a newer
// transition superseded that window in the meantime.
func (s *Store) expireTyping(sender string, gen uint64) {
	s.mu.Lock()
	if s.typingGen[sender] != gen {
		s.mu.Unlock()
		return
	}
	delete(s.typing, sender)
	s.mu.Unlock()
	s.notify()
}

// ReplacePresence replaces the presence set wholesale, excluding the
// session's own identity.
func (s *Store) ReplacePresence(users []User) {
	filtered := make([]User, 0, len(users))
	for _, u := range users {
		if u.ID != s.self.ID {
			filtered = append(filtered, u)
		}
	}
	s.mu.Lock()
	s.presence = filtered
	s.mu.Unlock()
	s.notify()
}

// ----------------------------------------------------------------------------
// Peer selection and page merges
// ----------------------------------------------------------------------------

// selectPeer switches the active conversation: prior messages are
// discarded and the new peer's unread counter is cleared. The pagination
// loader's initial fetch is triggered by the session, not here.
func (s *Store) selectPeer(peer User) {
	s.mu.Lock()
	p := peer
	s.peer = &p
	s.messages = nil
	delete(s.unread, peer.Username)
	s.mu.Unlock()
	s.notify()
}

// replaceMessages installs an initial history page (already oldest-first).
func (s *Store) replaceMessages(msgs []Message) {
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	s.notify()
}

// prependMessages puts an older page (oldest-first) in front of the
// currently loaded list without disturbing displayed state.
func (s *Store) prependMessages(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	s.messages = append(append([]Message{}, msgs...), s.messages...)
	s.mu.Unlock()
	s.notify()
}

// close stops every pending typing-expiry timer.
func (s *Store) close() {
	s.mu.Lock()
	for sender, t := range s.typing {
		if t != nil {
			t.Stop()
		}
		delete(s.typing, sender)
	}
	s.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// Peer returns the active conversation partner, if any.
func (s *Store) Peer() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return User{}, false
	}
	return *s.peer, true
}

// Messages returns a copy of the loaded conversation, oldest first.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessageCount returns how many messages are currently loaded.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Reaction returns the given user's reaction on a message, if both exist.
func (s *Store) Reaction(messageID, userID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			v, ok := s.messages[i].Reactions[userID]
			return v, ok
		}
	}
	return "", false
}

// Presence returns the online peers, excluding self.
func (s *Store) Presence() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, len(s.presence))
	copy(out, s.presence)
	return out
}

// TypingUsers returns the display names currently typing, sorted for
// stable rendering.
func (s *Store) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for sender := range s.typing {
		out = append(out, sender)
	}
	sort.Strings(out)
	return out
}

// Unread returns a copy of the per-peer pending message counts.
func (s *Store) Unread() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.unread))
	for k, v := range s.unread {
		out[k] = v
	}
	return out
}

// Search returns the loaded messages whose text contains the query,
// case-insensitively. An empty query matches everything.
func (s *Store) Search(query string) []Message {
	q := strings.ToLower(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if strings.Contains(strings.ToLower(m.Text), q) {
			out = append(out, m)
		}
	}
	return out
}
