package session

import (
	"chat-sync/internal/models"
	"chat-sync/internal/notify"
	"chat-sync/internal/protocol"
	"chat-sync/internal/store"
)

// event is one decoded inbound frame queued for the loop.
type event interface {
	kind() string
	apply(s *Session) error
}

// register routes every inbound event the client understands into the
// loop. Decoding happens on the channel's dispatcher so malformed frames
// count toward the connection's protocol error threshold.
func (s *Session) register() {
	route := func(channel protocol.Channel, name protocol.Event, decode func(protocol.Envelope) (event, error)) {
		s.conn.On(channel, name, func(env protocol.Envelope) error {
			ev, err := decode(env)
			if err != nil {
				return err
			}
			return s.post(ev)
		})
	}

	route(protocol.ChannelChat, protocol.EventMessageNew, decodeAs(func(m models.Message) event { return messageNew(m) }))
	route(protocol.ChannelChat, protocol.EventMessageAck, decodeAck)
	route(protocol.ChannelChat, protocol.EventMessageNack, decodeAs(func(p protocol.MessageNack) event { return messageNack(p) }))
	route(protocol.ChannelChat, protocol.EventMessageDelivered, decodeAs(func(p protocol.MessageDelivered) event { return messageDelivered(p) }))
	route(protocol.ChannelChat, protocol.EventMessageRead, decodeAs(func(p protocol.MessageRead) event { return messageRead(p) }))
	route(protocol.ChannelChat, protocol.EventMessageReaction, decodeAs(func(p protocol.MessageReaction) event { return messageReaction(p) }))
	route(protocol.ChannelChat, protocol.EventMessageEdit, decodeAs(func(p protocol.MessageEdit) event { return messageEdit(p) }))
	route(protocol.ChannelChat, protocol.EventMessageDelete, decodeAs(func(p protocol.MessageDelete) event { return messageDelete(p) }))
	route(protocol.ChannelChat, protocol.EventSyncResponse, decodeAs(func(p protocol.SyncResponse) event { return syncResponse(p) }))
	route(protocol.ChannelPresence, protocol.EventPresenceUpdate, decodeAs(func(p protocol.PresenceUpdate) event { return presenceUpdate(p) }))
	route(protocol.ChannelPresence, protocol.EventTyping, decodeAs(func(p protocol.Typing) event { return typingEvent(p) }))
	route(protocol.ChannelNotification, protocol.EventNotifyPush, decodeAs(func(p protocol.NotifyPush) event { return notifyPush(p) }))
	route(protocol.ChannelNotification, protocol.EventNotifyRead, decodeAs(func(p protocol.NotifyRead) event { return notifyRead(p) }))
	route(protocol.ChannelSystem, protocol.EventError, decodeAs(func(p protocol.ErrorPayload) event { return serverError(p) }))
}

func decodeAs[T any](wrap func(T) event) func(protocol.Envelope) (event, error) {
	return func(env protocol.Envelope) (event, error) {
		var v T
		if err := protocol.DecodePayload(env, &v); err != nil {
			return nil, err
		}
		return wrap(v), nil
	}
}

func decodeAck(env protocol.Envelope) (event, error) {
	var ack protocol.MessageAck
	if err := protocol.DecodePayload(env, &ack); err != nil {
		return nil, err
	}
	if ack.TempID == "" || ack.ServerID == "" {
		return nil, &protocol.ProtocolError{Channel: env.Channel, Event: env.Event, Reason: "ack without ids"}
	}
	return messageAck(ack), nil
}

type messageNew models.Message

func (e messageNew) kind() string { return string(protocol.EventMessageNew) }

func (e messageNew) apply(s *Session) error {
	msg, err := s.appendMessage(models.Message(e))
	if err != nil {
		return err
	}
	s.emit(Update{Kind: UpdateMessage, Message: msg})
	if s.fanout.OnMessage(msg) == notify.Render {
		s.emit(Update{Kind: UpdateNotification, Message: msg})
	}
	return nil
}

// appendMessage merges a server message. A peer's message reaching this
// client is DELIVERED from the recipient's side. Our own message echoing a
// pending temp id settles that send as if acked.
func (s *Session) appendMessage(msg models.Message) (models.Message, error) {
	if s.coord.Discard(msg) {
		return models.Message{}, protocol.ErrDuplicateEvent
	}
	if settled, ok := s.coord.Adopt(msg); ok {
		return settled, nil
	}
	outcome, err := s.store.Append(msg)
	if err != nil {
		return models.Message{}, err
	}
	if outcome == store.Unchanged {
		return models.Message{}, protocol.ErrDuplicateEvent
	}
	if outcome == store.Inserted && msg.SenderID != s.selfID {
		s.store.SetStatus(msg.ID, models.StatusDelivered)
	}
	merged, _ := s.store.Get(msg.ID)
	return merged, nil
}

type messageAck protocol.MessageAck

func (e messageAck) kind() string { return string(protocol.EventMessageAck) }

func (e messageAck) apply(s *Session) error {
	msg, err := s.coord.HandleAck(protocol.MessageAck(e))
	if err != nil {
		return err
	}
	s.emit(Update{Kind: UpdateMessage, Message: msg})
	return nil
}

type messageNack protocol.MessageNack

func (e messageNack) kind() string { return string(protocol.EventMessageNack) }

func (e messageNack) apply(s *Session) error {
	msg, err := s.coord.HandleNack(protocol.MessageNack(e))
	if err != nil {
		return err
	}
	s.emit(Update{Kind: UpdateMessage, Message: msg, Err: s.coord.Failure(e.TempID)})
	return nil
}

type messageDelivered protocol.MessageDelivered

func (e messageDelivered) kind() string { return string(protocol.EventMessageDelivered) }

func (e messageDelivered) apply(s *Session) error {
	if !s.store.ApplyDelivered(protocol.MessageDelivered(e)) {
		return protocol.ErrDuplicateEvent
	}
	if msg, ok := s.store.Get(e.MessageID); ok {
		s.emit(Update{Kind: UpdateMessage, Message: msg})
	}
	return nil
}

type messageRead protocol.MessageRead

func (e messageRead) kind() string { return string(protocol.EventMessageRead) }

func (e messageRead) apply(s *Session) error {
	changed := s.store.MarkReadUpTo(protocol.MessageRead(e))
	s.emit(Update{Kind: UpdateReceipt, Messages: changed})
	return nil
}

type messageReaction protocol.MessageReaction

func (e messageReaction) kind() string { return string(protocol.EventMessageReaction) }

func (e messageReaction) apply(s *Session) error {
	msg, changed := s.store.ApplyReaction(protocol.MessageReaction(e))
	if !changed {
		return protocol.ErrDuplicateEvent
	}
	s.emit(Update{Kind: UpdateMessage, Message: msg})
	return nil
}

type messageEdit protocol.MessageEdit

func (e messageEdit) kind() string { return string(protocol.EventMessageEdit) }

func (e messageEdit) apply(s *Session) error {
	msg, changed := s.store.ApplyEdit(protocol.MessageEdit(e))
	if !changed {
		return protocol.ErrDuplicateEvent
	}
	s.emit(Update{Kind: UpdateMessage, Message: msg})
	return nil
}

type messageDelete protocol.MessageDelete

func (e messageDelete) kind() string { return string(protocol.EventMessageDelete) }

func (e messageDelete) apply(s *Session) error {
	msg, changed := s.store.ApplyDelete(protocol.MessageDelete(e))
	if !changed {
		return protocol.ErrDuplicateEvent
	}
	s.emit(Update{Kind: UpdateMessage, Message: msg})
	return nil
}

// syncResponse folds a resync batch in through the same idempotent paths
// as live events.
type syncResponse protocol.SyncResponse

func (e syncResponse) kind() string { return string(protocol.EventSyncResponse) }

func (e syncResponse) apply(s *Session) error {
	for _, conv := range e.Conversations {
		s.store.UpsertConversation(conv)
	}
	applied := 0
	for _, msg := range e.Messages {
		if merged, err := s.appendMessage(msg); err == nil {
			s.syncApplied = append(s.syncApplied, merged)
			applied++
		}
	}
	for _, receipt := range e.Receipts {
		s.store.MarkReadUpTo(protocol.MessageRead{
			ConversationID: receipt.ConversationID,
			UpToMessageID:  receipt.UpToMessageID,
			UserID:         receipt.UserID,
			At:             receipt.At,
		})
	}
	for _, update := range e.Presence {
		if s.presence.Apply(update) {
			s.emit(Update{Kind: UpdatePresence, Presence: s.presence.Get(update.UserID)})
		}
	}
	for _, push := range e.Notifications {
		s.fanout.OnEvent(push)
	}
	readElsewhere := 0
	for _, read := range e.NotificationReads {
		if s.fanout.ApplyRead(read) {
			readElsewhere++
		}
	}
	s.logger.Printf("resync applied messages=%d new=%d receipts=%d notifications=%d read_elsewhere=%d more=%d",
		len(e.Messages), applied, len(e.Receipts), len(e.Notifications), readElsewhere, len(e.More))

	if len(e.More) > 0 {
		_, err := s.conn.Send(protocol.ChannelChat, protocol.EventSyncRequest, protocol.SyncRequest{Cursors: e.More})
		if err == nil {
			return nil
		}
		s.logger.Printf("resync continuation not sent conversations=%d err=%v", len(e.More), err)
		s.finishSync("incomplete")
		return nil
	}
	s.finishSync("applied")
	return nil
}

type presenceUpdate protocol.PresenceUpdate

func (e presenceUpdate) kind() string { return string(protocol.EventPresenceUpdate) }

func (e presenceUpdate) apply(s *Session) error {
	if !s.presence.Apply(protocol.PresenceUpdate(e)) {
		return protocol.ErrDuplicateEvent
	}
	s.emit(Update{Kind: UpdatePresence, Presence: s.presence.Get(e.UserID)})
	return nil
}

type typingEvent protocol.Typing

func (e typingEvent) kind() string { return string(protocol.EventTyping) }

func (e typingEvent) apply(s *Session) error {
	if e.UserID == s.selfID {
		return nil
	}
	s.typing.Apply(protocol.Typing(e))
	s.emit(Update{
		Kind:    UpdateTyping,
		Typing:  models.TypingIndicator{UserID: e.UserID, ConversationID: e.ConversationID, At: e.Timestamp},
		Stopped: e.Stopped,
	})
	return nil
}

type notifyPush protocol.NotifyPush

func (e notifyPush) kind() string { return string(protocol.EventNotifyPush) }

func (e notifyPush) apply(s *Session) error {
	if s.fanout.OnEvent(protocol.NotifyPush(e)) == notify.Suppress {
		return protocol.ErrDuplicateEvent
	}
	s.emit(Update{Kind: UpdateNotification, Notification: protocol.NotificationFromPush(protocol.NotifyPush(e))})
	return nil
}

type notifyRead protocol.NotifyRead

func (e notifyRead) kind() string { return string(protocol.EventNotifyRead) }

func (e notifyRead) apply(s *Session) error {
	if !s.fanout.ApplyRead(protocol.NotifyRead(e)) {
		return protocol.ErrDuplicateEvent
	}
	return nil
}

type serverError protocol.ErrorPayload

func (e serverError) kind() string { return string(protocol.EventError) }

func (e serverError) apply(s *Session) error {
	s.logger.Printf("server error code=%s ref=%s message=%q", e.Code, e.Ref, e.Message)
	s.emit(Update{Kind: UpdateServerError, Err: &protocol.ProtocolError{
		Channel: protocol.ChannelSystem,
		Event:   protocol.EventError,
		Reason:  e.Code + ": " + e.Message,
	}})
	return nil
}
