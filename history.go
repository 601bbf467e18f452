package nimbus

import (
	"context"
	"sync"
)

// DefaultPageSize is the fixed history page size.
const DefaultPageSize = 20

// ============================================================================
// Pagination Loader
// ============================================================================

// HistoryLoader fetches historical messages for the active conversation
// in fixed-size pages and merges them into the store. Pages arrive
// newest-first from the server and are reversed before merging.
//
// Only one fetch may be in flight per conversation; a second call while
// one is outstanding is dropped, not queued. In-flight fetches are never
// aborted, but switching peers supersedes them: a superseded fetch
// discards its page instead of merging it into the new conversation.
type HistoryLoader struct {
	client   *Client
	store    *Store
	self     Identity
	pageSize int

	mu       sync.Mutex
	peer     User
	hasPeer  bool
	gen      uint64
	inFlight bool
	hasMore  bool
}

func newHistoryLoader(client *Client, store *Store, self Identity, pageSize int) *HistoryLoader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryLoader{client: client, store: store, self: self, pageSize: pageSize}
}

// HasMore reports whether older history pages may still exist.
func (l *HistoryLoader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// Loading reports whether a page fetch is currently in flight.
func (l *HistoryLoader) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// LoadInitial fetches the most recent page for the given peer and
// replaces the loaded message list. hasMore is set exactly when the page
// came back full; a short page signals exhaustion.
//
// A stale fetch for a previous peer never blocks this call: selecting a
// peer bumps the generation, and the superseded fetch discards its
// result when it completes.
func (l *HistoryLoader) LoadInitial(ctx context.Context, peer User) error {
	l.mu.Lock()
	if l.inFlight && l.hasPeer && l.peer.ID == peer.ID {
		l.mu.Unlock()
		return nil
	}
	l.gen++
	gen := l.gen
	l.inFlight = true
	l.peer = peer
	l.hasPeer = true
	l.hasMore = false
	l.mu.Unlock()

	page, err := l.client.FetchMessages(ctx, l.self.ID, peer.ID, l.pageSize, 0)

	l.mu.Lock()
	if l.gen != gen {
		// Superseded by a later peer switch; the page belongs to a
		// conversation that is no longer on screen.
		l.mu.Unlock()
		return nil
	}
	l.inFlight = false
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.hasMore = len(page) == l.pageSize
	l.mu.Unlock()

	l.store.replaceMessages(reverseMessages(page))
	return nil
}

// LoadMore fetches the next older page, offset by the count of currently
// loaded messages, and prepends it. No-op while a fetch is in flight or
// once exhaustion has been reached.
func (l *HistoryLoader) LoadMore(ctx context.Context) error {
	l.mu.Lock()
	if l.inFlight || !l.hasMore || !l.hasPeer {
		l.mu.Unlock()
		return nil
	}
	gen := l.gen
	l.inFlight = true
	peer := l.peer
	l.mu.Unlock()

	offset := l.store.MessageCount()
	page, err := l.client.FetchMessages(ctx, l.self.ID, peer.ID, l.pageSize, offset)

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return nil
	}
	l.inFlight = false
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if len(page) < l.pageSize {
		l.hasMore = false
	}
	l.mu.Unlock()

	l.store.prependMessages(reverseMessages(page))
	return nil
}

// reset clears pagination state for a fresh peer selection and
// invalidates any fetch still in flight for the prior peer.
func (l *HistoryLoader) reset() {
	l.mu.Lock()
	l.gen++
	l.hasMore = false
	l.hasPeer = false
	l.inFlight = false
	l.mu.Unlock()
}

// reverseMessages flips a newest-first server page to oldest-first.
func reverseMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
