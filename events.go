package nimbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Canonical Events
// ============================================================================

// Event is one canonical inbound event. Exactly one concrete type is
// produced per accepted frame; frames that fail normalization produce an
// error instead and are dropped by the caller.
type Event interface {
	eventKind() string
}

// PresenceSnapshot replaces the entire presence set.
type PresenceSnapshot struct {
	Users []User
}

// MessageReceived carries one server-confirmed message.
type MessageReceived struct {
	Message Message
}

// TypingChanged marks a peer starting or stopping typing.
type TypingChanged struct {
	Sender   string
	IsTyping bool
}

// ReactionChanged sets (or, with an empty value, clears) one user's
// reaction on one message.
type ReactionChanged struct {
	MessageID int64
	UserID    int64
	Reaction  string
}

func (PresenceSnapshot) eventKind() string { return "users" }
func (MessageReceived) eventKind() string  { return "message" }
func (TypingChanged) eventKind() string    { return "typing" }
func (ReactionChanged) eventKind() string  { return "reaction" }

// ============================================================================
// Normalization
// ============================================================================

// ParseFrame normalizes a raw inbound payload into exactly one canonical
// event. It never panics: anything it cannot make sense of comes back as
// an error wrapping ErrMalformedFrame.
func ParseFrame(data []byte) (Event, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case "users":
		if f.Users == nil {
			return nil, fmt.Errorf("%w: users frame without user list", ErrMalformedFrame)
		}
		return PresenceSnapshot{Users: f.Users}, nil

	case "message":
		if f.ID == 0 || f.Sender == nil || f.Text == nil {
			return nil, fmt.Errorf("%w: message frame missing id, sender or text", ErrMalformedFrame)
		}
		ts, err := time.Parse(time.RFC3339, f.Timestamp)
		if err != nil {
			// Timestamp defaults to the moment of receipt.
			ts = time.Now()
		}
		reactions := f.Reactions
		if reactions == nil {
			reactions = map[int64]string{}
		}
		return MessageReceived{Message: Message{
			ID:        f.ID,
			Sender:    *f.Sender,
			Text:      *f.Text,
			Timestamp: ts,
			Reactions: reactions,
		}}, nil

	case "typing":
		if f.Sender == nil || f.IsTyping == nil {
			return nil, fmt.Errorf("%w: typing frame missing sender or is_typing", ErrMalformedFrame)
		}
		return TypingChanged{Sender: *f.Sender, IsTyping: *f.IsTyping}, nil

	case "reaction":
		if f.MessageID == nil || f.UserID == nil {
			return nil, fmt.Errorf("%w: reaction frame missing message_id or user_id", ErrMalformedFrame)
		}
		value, err := normalizeReaction(f.Reaction)
		if err != nil {
			return nil, err
		}
		return ReactionChanged{MessageID: *f.MessageID, UserID: *f.UserID, Reaction: value}, nil

	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, f.Type)
	}
}

// normalizeReaction collapses the three historical encodings of a
// reaction value into one string (empty means "cleared"):
//
//   - bare string:            "👍"
//   - single-element array:   ["👍"]
//   - object with a field:    {"reaction": "👍"}
//
// Anything else is rejected rather than coerced.
func normalizeReaction(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return "", nil
		}
		return list[0], nil
	}

	var obj struct {
		Reaction string `json:"reaction"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Reaction, nil
	}

	return "", fmt.Errorf("%w: unrecognized reaction value %s", ErrMalformedFrame, raw)
}
