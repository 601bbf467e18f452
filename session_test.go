package nimbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport for exercising the session
// without a server. Frames are delivered by calling deliver directly.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []json.RawMessage
	opens    int
	openErrs []error // consumed per Open; nil entry means success
	onFrame  func([]byte)
	onClosed func(error)
}

func (t *fakeTransport) Bind(onFrame func([]byte), onClosed func(error)) {
	t.onFrame = onFrame
	t.onClosed = onClosed
}

func (t *fakeTransport) Open(ctx context.Context, identity Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if len(t.openErrs) > 0 {
		err := t.openErrs[0]
		t.openErrs = t.openErrs[1:]
		return err
	}
	return nil
}

func (t *fakeTransport) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, data)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) deliver(tb testing.TB, v any) {
	tb.Helper()
	data, err := json.Marshal(v)
	require.NoError(tb, err)
	t.onFrame(data)
}

func (t *fakeTransport) deliverRaw(raw string) {
	t.onFrame([]byte(raw))
}

func (t *fakeTransport) dropConnection(err error) {
	t.onClosed(err)
}

func (t *fakeTransport) sentFrames() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]json.RawMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// historyServer serves fixed history pages: limit/offset are honored
// against the provided newest-first record list.
func historyServer(tb testing.TB, records []map[string]any) *httptest.Server {
	tb.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := 20, 0
		fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)
		fmt.Sscanf(r.URL.Query().Get("offset"), "%d", &offset)

		end := offset + limit
		if offset > len(records) {
			offset = len(records)
		}
		if end > len(records) {
			end = len(records)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records[offset:end])
	})
	return httptest.NewServer(mux)
}

func syntheticHistory(n int) []map[string]any {
	// Newest-first, like the server returns.
	records := make([]map[string]any, n)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := n - i
		records[i] = map[string]any{
			"id":        id,
			"sender":    "bob",
			"text":      fmt.Sprintf("msg %d", id),
			"timestamp": base.Add(time.Duration(id) * time.Minute).Format(time.RFC3339),
			"reactions": map[int64]string{},
		}
	}
	return records
}

func newTestSession(tb testing.TB, baseURL string, transport Transport) *Session {
	tb.Helper()
	cfg := &SessionConfig{
		Transport:  transport,
		TypingIdle: 50 * time.Millisecond,
	}
	return NewSession(NewClient(baseURL), Identity{ID: 1, Username: "alice"}, cfg)
}

// ----------------------------------------------------------------------------
// Session wiring
// ----------------------------------------------------------------------------

func TestSessionOpenRequiresIdentity(t *testing.T) {
	ft := &fakeTransport{}
	s := NewSession(NewClient(""), Identity{}, &SessionConfig{Transport: ft})

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, 0, ft.openCount(), "open with no identity must not dial")
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionInboundMessageFlow(t *testing.T) {
	srv := historyServer(t, nil)
	defer srv.Close()
	ft := &fakeTransport{}
	s := newTestSession(t, srv.URL, ft)
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.SelectPeer(context.Background(), User{ID: 2, Username: "bob"}))

	var got []Message
	s.OnMessage(func(m Message) { got = append(got, m) })

	ft.deliver(t, map[string]any{
		"type": "message", "id": 7, "sender": "bob", "text": "hello",
		"timestamp": "2025-06-01T12:00:00Z",
	})

	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].ID)

	msgs := s.Store().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.NotNil(t, msgs[0].Reactions, "reactions default to empty, not nil")
}

// The send-then-echo scenario: no pending or duplicate entries, exactly
// one server-confirmed message.
func TestSessionSendEchoScenario(t *testing.T) {
	srv := historyServer(t, nil)
	defer srv.Close()
	ft := &fakeTransport{}
	s := newTestSession(t, srv.URL, ft)
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.SelectPeer(context.Background(), User{ID: 2, Username: "bob"}))

	require.NoError(t, s.SendMessage(context.Background(), "hi"))
	assert.Empty(t, s.Store().Messages(), "no optimistic echo before server confirmation")

	ft.deliver(t, map[string]any{
		"type": "message", "id": 1, "sender": "alice", "text": "hi",
		"timestamp": "2025-06-01T12:00:00Z",
	})

	msgs := s.Store().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestSessionMalformedFrameIsDroppedNotFatal(t *testing.T) {
	srv := historyServer(t, nil)
	defer srv.Close()
	ft := &fakeTransport{}
	s := newTestSession(t, srv.URL, ft)
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.SelectPeer(context.Background(), User{ID: 2, Username: "bob"}))

	var errs []error
	s.OnError(func(err error) { errs = append(errs, err) })

	ft.deliverRaw(`{not json`)
	ft.deliverRaw(`{"type":"wat"}`)
	ft.deliver(t, map[string]any{
		"type": "message", "id": 3, "sender": "bob", "text": "still alive",
	})

	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrMalformedFrame)
	require.Len(t, s.Store().Messages(), 1, "receive path must survive malformed frames")
}

func TestSessionSendWhileClosed(t *testing.T) {
	srv := historyServer(t, nil)
	defer srv.Close()
	ft := &fakeTransport{}
	s := newTestSession(t, srv.URL, ft)
	defer s.Close()

	// Peer selected but channel never opened.
	require.NoError(t, s.SelectPeer(context.Background(), User{ID: 2, Username: "bob"}))

	var errs []error
	s.OnError(func(err error) { errs = append(errs, err) })

	err := s.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, s.Store().Messages(), "failed send must not mutate the store")
	assert.Empty(t, ft.sentFrames())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNotConnected)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, "http://unused", ft)

	require.NoError(t, s.Open(context.Background()))
	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

// ----------------------------------------------------------------------------
// Reconnection
// ----------------------------------------------------------------------------

func TestReconnectorBackoffSequence(t *testing.T) {
	r := &reconnector{
		baseDelay:   1000 * time.Millisecond,
		maxDelay:    10000 * time.Millisecond,
		maxAttempts: 5,
	}

	want := []time.Duration{
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for i, w := range want {
		delay, ok := r.next()
		require.True(t, ok, "attempt %d should be allowed", i+1)
		assert.Equal(t, w, delay, "attempt %d", i+1)
	}

	_, ok := r.next()
	assert.False(t, ok, "budget of 5 attempts is spent")
	assert.Equal(t, 0, r.attempt, "exhaustion resets the counter for a manual reconnect")
}

func TestReconnectorResetOnSuccessfulOpen(t *testing.T) {
	r := &reconnector{baseDelay: time.Second, maxDelay: 10 * time.Second, maxAttempts: 5}
	r.next()
	r.next()
	r.reset()

	delay, ok := r.next()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, delay, "first delay again after reset")
}

func TestConnManagerAutoReconnects(t *testing.T) {
	ft := &fakeTransport{}
	s := NewSession(NewClient(""), Identity{ID: 1, Username: "alice"}, &SessionConfig{
		Transport:          ft,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  4 * time.Millisecond,
	})
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))
	require.Equal(t, StateOpen, s.State())

	ft.dropConnection(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return s.State() == StateOpen && ft.openCount() == 2
	}, time.Second, 5*time.Millisecond, "manager should redial after a drop")
}

func TestConnManagerTerminalFailure(t *testing.T) {
	ft := &fakeTransport{}
	// Every redial fails; only the very first Open succeeds.
	ft.openErrs = []error{nil,
		errors.New("down"), errors.New("down"), errors.New("down"),
		errors.New("down"), errors.New("down"),
	}

	s := NewSession(NewClient(""), Identity{ID: 1, Username: "alice"}, &SessionConfig{
		Transport:            ft,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    2 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	defer s.Close()

	errCh := make(chan error, 16)
	s.OnError(func(err error) { errCh <- err })

	require.NoError(t, s.Open(context.Background()))
	ft.dropConnection(errors.New("connection reset"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrReconnectFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal reconnect failure to be reported")
	}
	assert.Equal(t, 6, ft.openCount(), "1 initial open + 5 reconnect attempts")
}
