package session

import (
	"context"
	"errors"

	"chat-sync/internal/conn"
	"chat-sync/internal/delivery"
	"chat-sync/internal/models"
	"chat-sync/internal/protocol"
)

// Send submits a message. The returned message is the optimistic entry;
// when the connection refuses it the message is already FAILED and the
// error says why.
func (s *Session) Send(ctx context.Context, d delivery.Draft) (models.Message, error) {
	var msg models.Message
	err := s.call(ctx, func() error {
		var err error
		msg, err = s.coord.Submit(d)
		if msg.ID != "" {
			s.emit(Update{Kind: UpdateMessage, Message: msg, Err: err})
		}
		return err
	})
	return msg, err
}

// Retry resubmits a FAILED message under a new temp id.
func (s *Session) Retry(ctx context.Context, tempID string) (models.Message, error) {
	var msg models.Message
	err := s.call(ctx, func() error {
		var err error
		msg, err = s.coord.Retry(tempID)
		return err
	})
	return msg, err
}

// Cancel withdraws a message that has not been acknowledged yet.
func (s *Session) Cancel(ctx context.Context, tempID string) error {
	return s.call(ctx, func() error { return s.coord.Cancel(tempID) })
}

// Edit replaces the body of one of the user's messages.
func (s *Session) Edit(ctx context.Context, messageID, body string) (models.Message, error) {
	var msg models.Message
	err := s.call(ctx, func() error {
		var err error
		msg, err = s.coord.Edit(messageID, body)
		return err
	})
	return msg, err
}

// Delete soft-deletes one of the user's messages.
func (s *Session) Delete(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := s.call(ctx, func() error {
		var err error
		msg, err = s.coord.Delete(messageID)
		return err
	})
	return msg, err
}

// React adds or removes the user's reaction to a message.
func (s *Session) React(ctx context.Context, messageID, emoji string, action protocol.ReactionAction) (models.Message, error) {
	var msg models.Message
	err := s.call(ctx, func() error {
		var err error
		msg, err = s.coord.React(messageID, emoji, action)
		return err
	})
	return msg, err
}

// MarkRead marks a conversation read through messageID.
func (s *Session) MarkRead(ctx context.Context, conversationID, messageID string) error {
	return s.call(ctx, func() error { return s.coord.MarkRead(conversationID, messageID) })
}

// MarkNotificationRead is idempotent.
func (s *Session) MarkNotificationRead(ctx context.Context, id string) error {
	return s.call(ctx, func() error { return s.fanout.MarkRead(id) })
}

// Typing announces that the user is typing in a conversation. Repeated
// calls within half the typing TTL are coalesced; while offline the
// indicator is dropped.
func (s *Session) Typing(ctx context.Context, conversationID string, stopped bool) error {
	return s.call(ctx, func() error {
		now := s.clock.Now()
		if last, ok := s.typingSent[conversationID]; ok && !stopped && now.Sub(last) < s.cfg.TypingTTL/2 {
			return nil
		}
		_, err := s.conn.Send(protocol.ChannelPresence, protocol.EventTyping, protocol.Typing{
			UserID:         s.selfID,
			ConversationID: conversationID,
			Timestamp:      now,
			Stopped:        stopped,
		})
		if errors.Is(err, conn.ErrNotConnected) {
			return nil
		}
		if err != nil {
			return err
		}
		if stopped {
			delete(s.typingSent, conversationID)
		} else {
			s.typingSent[conversationID] = now
		}
		return nil
	})
}

// SetFocus tells the fan-out whether the app is foregrounded and which
// conversation is open.
func (s *Session) SetFocus(focused bool, openConversation string) {
	s.fanout.SetFocus(focused, openConversation)
}

// RotateCredential swaps the session credential without dropping the
// connection.
func (s *Session) RotateCredential(token string) error {
	return s.conn.RotateCredential(token)
}

// Resync asks the server for everything after the local watermarks.
func (s *Session) Resync() {
	select {
	case s.resync <- conn.SyncReconnect:
	default:
	}
}

// Conversation returns a conversation's messages in display order.
func (s *Session) Conversation(id string) []models.Message {
	return s.store.GetConversation(id)
}

// Conversations returns conversation previews, newest first.
func (s *Session) Conversations() []models.Conversation {
	return s.store.Conversations()
}

// Message returns one cached message by temp or permanent id.
func (s *Session) Message(id string) (models.Message, bool) {
	return s.store.Get(id)
}

// Failure explains why a FAILED message failed.
func (s *Session) Failure(tempID string) error {
	return s.coord.Failure(tempID)
}

// Presence returns the current presence of a user.
func (s *Session) Presence(userID string) models.PresenceState {
	return s.presence.Get(userID)
}

// SubscribePresence streams the latest presence of a user.
func (s *Session) SubscribePresence(userID string) (<-chan models.PresenceState, func()) {
	return s.presence.Subscribe(userID)
}

// TypingIn returns who is typing in a conversation.
func (s *Session) TypingIn(conversationID string) []models.TypingIndicator {
	return s.typing.Active(conversationID)
}

// Inbox returns unread, unexpired notifications.
func (s *Session) Inbox() []models.Notification {
	return s.fanout.Inbox()
}

// State returns the connection state.
func (s *Session) State() conn.State {
	return s.conn.State()
}

// Buffered returns how many frames wait for the transport.
func (s *Session) Buffered() int {
	return s.conn.Buffered()
}
