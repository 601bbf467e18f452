package nimbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Session configuration
// ============================================================================

// SessionConfig tunes a Session. The zero value gives the production
// defaults.
type SessionConfig struct {
	// Transport overrides the channel backend. Defaults to the
	// WebSocket backend against the client's base URL.
	Transport Transport

	ReconnectBaseDelay   time.Duration // default 1s
	ReconnectMaxDelay    time.Duration // default 10s
	MaxReconnectAttempts int           // default 5

	// TypingIdle is how long after the last keystroke a "stopped
	// typing" transition is sent. Default 1s.
	TypingIdle time.Duration

	// TypingExpiry bounds how long an inbound "typing started" entry
	// survives without a stop event. Default 5s.
	TypingExpiry time.Duration

	PageSize int // default 20

	Logger *zap.Logger // default zap.NewNop()
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 10 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 1 * time.Second
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 5 * time.Second
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is the explicitly owned core object for one logged-in
// identity: it owns the connection manager, the conversation state
// store, the pagination loader and the outbound dispatcher, and routes
// every inbound frame through the normalizer into the store.
type Session struct {
	client   *Client
	identity Identity
	config   *SessionConfig
	log      *zap.Logger

	conn   *ConnManager
	store  *Store
	loader *HistoryLoader

	handlersMu sync.RWMutex
	onMessage  []func(Message)
	onTyping   []func(sender string, isTyping bool)
	onPresence []func([]User)
	onReaction []func(messageID, userID int64, value string)
	onState    []func(ConnState)
	onError    []func(error)

	typingMu    sync.Mutex
	typingLive  bool
	typingTimer *time.Timer
}

// NewSession assembles a session for an identity supplied by the login
// flow. Call Open to establish the channel.
func NewSession(client *Client, identity Identity, config *SessionConfig) *Session {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	transport := cfg.Transport
	if transport == nil {
		transport = NewWSTransport(client.BaseURL())
	}

	s := &Session{
		client:   client,
		identity: identity,
		config:   &cfg,
		log:      cfg.Logger,
	}
	s.store = NewStore(identity, cfg.TypingExpiry)
	s.loader = newHistoryLoader(client, s.store, identity, cfg.PageSize)
	s.conn = newConnManager(transport, &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}, cfg.Logger)
	s.conn.onFrame = s.handleFrame
	s.conn.onState = s.emitState
	s.conn.onError = s.emitError
	return s
}

// Identity returns the session identity.
func (s *Session) Identity() Identity { return s.identity }

// Store returns the conversation state store for reads.
func (s *Session) Store() *Store { return s.store }

// History returns the pagination loader.
func (s *Session) History() *HistoryLoader { return s.loader }

// State returns the connection lifecycle state.
func (s *Session) State() ConnState { return s.conn.State() }

// Open establishes the live channel. A session without a valid identity
// is a silent no-op, matching the login-first contract.
func (s *Session) Open(ctx context.Context) error {
	return s.conn.Open(ctx, s.identity)
}

// Close tears the session down: channel, reconnect timer, typing timers.
// It is idempotent.
func (s *Session) Close() {
	s.typingMu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingLive = false
	s.typingMu.Unlock()

	s.store.close()
	s.conn.Close()
}

// SelectPeer switches the active conversation: clears that peer's unread
// counter, discards the prior peer's messages, and loads the initial
// history page.
func (s *Session) SelectPeer(ctx context.Context, peer User) error {
	s.store.selectPeer(peer)
	s.loader.reset()
	return s.loader.LoadInitial(ctx, peer)
}

// ----------------------------------------------------------------------------
// Handler registration
// ----------------------------------------------------------------------------

// OnMessage registers a handler for messages merged into the active
// conversation or counted as unread.
func (s *Session) OnMessage(h func(Message)) {
	s.handlersMu.Lock()
	s.onMessage = append(s.onMessage, h)
	s.handlersMu.Unlock()
}

// OnTyping registers a handler for typing transitions.
func (s *Session) OnTyping(h func(sender string, isTyping bool)) {
	s.handlersMu.Lock()
	s.onTyping = append(s.onTyping, h)
	s.handlersMu.Unlock()
}

// OnPresence registers a handler for presence snapshots.
func (s *Session) OnPresence(h func([]User)) {
	s.handlersMu.Lock()
	s.onPresence = append(s.onPresence, h)
	s.handlersMu.Unlock()
}

// OnReaction registers a handler for applied reaction changes.
func (s *Session) OnReaction(h func(messageID, userID int64, value string)) {
	s.handlersMu.Lock()
	s.onReaction = append(s.onReaction, h)
	s.handlersMu.Unlock()
}

// OnUpdate registers a coarse hook fired after any store mutation, for
// UIs that re-render wholesale instead of tracking individual events.
// Only one hook is kept; it must not call back into the store's writers.
func (s *Session) OnUpdate(h func()) {
	s.store.setOnChange(h)
}

// OnStateChange registers a handler for connectivity transitions.
func (s *Session) OnStateChange(h func(ConnState)) {
	s.handlersMu.Lock()
	s.onState = append(s.onState, h)
	s.handlersMu.Unlock()
}

// OnError registers a handler for terminal connectivity failures,
// malformed inbound frames, and send-while-closed attempts.
func (s *Session) OnError(h func(error)) {
	s.handlersMu.Lock()
	s.onError = append(s.onError, h)
	s.handlersMu.Unlock()
}

// ----------------------------------------------------------------------------
// Inbound path
// ----------------------------------------------------------------------------

// handleFrame is the single entry point for inbound wire data. Frames
// that fail normalization are logged, reported and dropped; nothing in
// here may take the receive path down.
func (s *Session) handleFrame(data []byte) {
	event, err := ParseFrame(data)
	if err != nil {
		s.log.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("frame", data))
		s.emitError(err)
		return
	}

	switch e := event.(type) {
	case PresenceSnapshot:
		s.store.ReplacePresence(e.Users)
		s.handlersMu.RLock()
		handlers := s.onPresence
		s.handlersMu.RUnlock()
		for _, h := range handlers {
			h(s.store.Presence())
		}

	case MessageReceived:
		s.store.ApplyIncomingMessage(e.Message)
		s.handlersMu.RLock()
		handlers := s.onMessage
		s.handlersMu.RUnlock()
		for _, h := range handlers {
			h(e.Message)
		}

	case TypingChanged:
		s.store.ApplyTyping(e.Sender, e.IsTyping)
		s.handlersMu.RLock()
		handlers := s.onTyping
		s.handlersMu.RUnlock()
		for _, h := range handlers {
			h(e.Sender, e.IsTyping)
		}

	case ReactionChanged:
		s.store.ApplyReaction(e.MessageID, e.UserID, e.Reaction)
		s.handlersMu.RLock()
		handlers := s.onReaction
		s.handlersMu.RUnlock()
		for _, h := range handlers {
			h(e.MessageID, e.UserID, e.Reaction)
		}
	}
}

func (s *Session) emitState(state ConnState) {
	s.handlersMu.RLock()
	handlers := s.onState
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(state)
	}
}

func (s *Session) emitError(err error) {
	s.handlersMu.RLock()
	handlers := s.onError
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}
