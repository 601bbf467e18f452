package nimbus

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

// APIError represents an error reported by the Nimbus backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrNotConnected is returned when a send is attempted while the
	// channel is not open. The request is dropped, never queued.
	ErrNotConnected = errors.New("nimbus: not connected")

	// ErrReconnectFailed is reported once the automatic reconnect
	// attempt budget is exhausted. A manual Open starts a fresh budget.
	ErrReconnectFailed = errors.New("nimbus: reconnect attempts exhausted")

	// ErrMalformedFrame is reported when an inbound frame fails
	// normalization. The frame is dropped; the receive path continues.
	ErrMalformedFrame = errors.New("nimbus: malformed inbound frame")

	// ErrNoPeer is returned by outbound actions that need an active
	// conversation partner.
	ErrNoPeer = errors.New("nimbus: no active peer selected")
)

// ============================================================================
// Identity and users
// ============================================================================

// Identity is the logged-in user's id and display name for this client
// instance. It is set at login and immutable for the session's lifetime.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Valid reports whether the identity has been populated by a login flow.
func (id Identity) Valid() bool {
	return id.ID != 0
}

// User is a peer as reported by presence snapshots.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ============================================================================
// Messages
// ============================================================================

// Message is one conversation entry. ID is assigned by the server and
// never changes afterwards; the client does not create entries without
// one (no local echo before the server's broadcast comes back).
//
// Reactions maps a user id to that user's single emoji token. Setting a
// new value replaces the prior one; an empty value removes the entry.
type Message struct {
	ID        int64            `json:"id"`
	Sender    string           `json:"sender"`
	Text      string           `json:"text"`
	Timestamp time.Time        `json:"timestamp"`
	Reactions map[int64]string `json:"reactions"`
}

// historyRecord is the shape of one message in a history page. Timestamps
// arrive as RFC 3339 strings and reactions may be absent entirely.
type historyRecord struct {
	ID        int64            `json:"id"`
	Sender    string           `json:"sender"`
	Text      string           `json:"text"`
	Timestamp string           `json:"timestamp"`
	Reactions map[int64]string `json:"reactions"`
}

func (r historyRecord) message() Message {
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	reactions := r.Reactions
	if reactions == nil {
		reactions = map[int64]string{}
	}
	return Message{ID: r.ID, Sender: r.Sender, Text: r.Text, Timestamp: ts, Reactions: reactions}
}

// ============================================================================
// Wire frames
// ============================================================================

// Outbound frame kinds. The channel carries JSON frames discriminated by
// a "type" field in both directions.
type messageFrame struct {
	Type        string `json:"type"`
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
	Text        string `json:"text"`
}

type typingFrame struct {
	Type        string `json:"type"`
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
	IsTyping    bool   `json:"is_typing"`
}

type reactionFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Reaction  string `json:"reaction"`
}

// wireFrame is the inbound superset: every recognized field of every
// frame kind. Individual event constructors pick out what they need.
type wireFrame struct {
	Type      string           `json:"type"`
	Users     []User           `json:"users"`
	ID        int64            `json:"id"`
	Sender    *string          `json:"sender"`
	Text      *string          `json:"text"`
	Timestamp string           `json:"timestamp"`
	Reactions map[int64]string `json:"reactions"`
	IsTyping  *bool            `json:"is_typing"`
	MessageID *int64           `json:"message_id"`
	UserID    *int64           `json:"user_id"`
	Reaction  json.RawMessage  `json:"reaction"`
}

// ============================================================================
// Auth collaborator payloads
// ============================================================================

// Credentials is the login/signup request body. The SDK forwards it and
// never stores the password.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResult is the identity handed back by the external auth flow.
type AuthResult struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Error    string `json:"error,omitempty"`
}

// Identity converts an auth result into a session identity.
func (a *AuthResult) Identity() Identity {
	return Identity{ID: a.ID, Username: a.Username}
}
