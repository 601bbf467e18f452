package nimbus

import (
	"context"
	"strings"
	"time"
)

// ============================================================================
// Outbound Action Dispatcher
// ============================================================================

// SendMessage transmits a message to the active peer. Blank text or a
// missing peer is a silent no-op. The message is NOT appended locally:
// the authoritative entry is created when the server's broadcast comes
// back through the inbound path, so reactions always have a
// server-assigned id to address.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	peer, ok := s.store.Peer()
	if !ok {
		return ErrNoPeer
	}

	return s.send(ctx, messageFrame{
		Type:        "message",
		SenderID:    s.identity.ID,
		RecipientID: peer.ID,
		Text:        text,
	})
}

// SetTyping transmits a typing-state change for the active peer without
// any debouncing. Most callers want NotifyTyping instead.
func (s *Session) SetTyping(ctx context.Context, isTyping bool) error {
	peer, ok := s.store.Peer()
	if !ok {
		return ErrNoPeer
	}
	return s.send(ctx, typingFrame{
		Type:        "typing",
		SenderID:    s.identity.ID,
		RecipientID: peer.ID,
		IsTyping:    isTyping,
	})
}

// NotifyTyping records one keystroke. The first keystroke transmits a
// single "started typing"; further keystrokes within the idle window
// only push the stop timer back, and one "stopped typing" goes out after
// the window elapses with no more activity.
func (s *Session) NotifyTyping(ctx context.Context) error {
	s.typingMu.Lock()
	wasLive := s.typingLive
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = s.afterTypingIdle()
	s.typingMu.Unlock()

	if wasLive {
		return nil
	}
	err := s.SetTyping(ctx, true)
	if err != nil {
		// The start never reached the wire, so the next keystroke must
		// try again instead of assuming the peer saw it.
		return err
	}
	s.typingMu.Lock()
	s.typingLive = true
	s.typingMu.Unlock()
	return nil
}

// StopTyping ends the typing transition immediately, for callers that
// just sent a message. Idempotent.
func (s *Session) StopTyping(ctx context.Context) error {
	s.typingMu.Lock()
	wasLive := s.typingLive
	s.typingLive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingMu.Unlock()

	if !wasLive {
		return nil
	}
	return s.SetTyping(ctx, false)
}

func (s *Session) afterTypingIdle() *time.Timer {
	return time.AfterFunc(s.config.TypingIdle, func() {
		s.typingMu.Lock()
		live := s.typingLive
		s.typingLive = false
		s.typingTimer = nil
		s.typingMu.Unlock()
		if live {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.SetTyping(ctx, false)
		}
	})
}

// SendReaction toggles the session user's reaction on a message: picking
// the emoji already set clears it, anything else replaces it. The local
// reaction map is updated optimistically before the wire request goes
// out; no rollback is attempted if the server later disagrees — the last
// event to arrive wins.
func (s *Session) SendReaction(ctx context.Context, messageID int64, emoji string) error {
	value := emoji
	if current, ok := s.store.Reaction(messageID, s.identity.ID); ok && current == emoji {
		value = ""
	}

	s.store.ApplyReaction(messageID, s.identity.ID, value)

	return s.send(ctx, reactionFrame{
		Type:      "reaction",
		MessageID: messageID,
		UserID:    s.identity.ID,
		Reaction:  value,
	})
}

// send forwards one frame to the connection manager and surfaces
// send-while-closed to the error handlers. The action is never retried
// here.
func (s *Session) send(ctx context.Context, v any) error {
	err := s.conn.Send(ctx, v)
	if err != nil {
		s.emitError(err)
	}
	return err
}
