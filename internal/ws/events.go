package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-sync/internal/models"
	"chat-sync/internal/protocol"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

var (
	errUnknownEvent = errors.New("unknown event")
	errEndSession   = errors.New("session ended")
)

func errorCode(err error) string {
	var perr *protocol.ProtocolError
	switch {
	case errors.Is(err, errUnknownEvent):
		return "unknown_event"
	case errors.As(err, &perr):
		return "bad_payload"
	case errors.Is(err, ErrNotParticipant), errors.Is(err, repositories.ErrNotMessageOwner):
		return "forbidden"
	case errors.Is(err, repositories.ErrMessageNotFound), errors.Is(err, repositories.ErrNotificationNotFound),
		errors.Is(err, repositories.ErrConversationNotFound):
		return "not_found"
	case errors.Is(err, repositories.ErrMessageDeleted):
		return "conflict"
	default:
		return "internal"
	}
}

func (r *Relay) dispatch(ctx context.Context, c *Client, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventPing:
		r.reply(c, protocol.ChannelSystem, protocol.EventPong, protocol.Heartbeat{At: r.clock.Now()})
		return nil
	case protocol.EventPong:
		return nil
	case protocol.EventRefresh:
		return r.onRefresh(ctx, c, env)
	case protocol.EventMessageSend:
		return r.onSend(ctx, c, env)
	case protocol.EventMessageRead:
		return r.onRead(ctx, c, env)
	case protocol.EventMessageReaction:
		return r.onReaction(ctx, c, env)
	case protocol.EventMessageEdit:
		return r.onEdit(ctx, c, env)
	case protocol.EventMessageDelete:
		return r.onDelete(ctx, c, env)
	case protocol.EventTyping:
		return r.onTyping(ctx, c, env)
	case protocol.EventSyncRequest:
		return r.onSync(ctx, c, env)
	case protocol.EventNotifyRead:
		var p protocol.NotifyRead
		if err := protocol.DecodePayload(env, &p); err != nil {
			return err
		}
		return r.MarkNotificationRead(ctx, c.info.UserID, p.NotificationID, c)
	}
	return fmt.Errorf("%w: %s", errUnknownEvent, env.Event)
}

func (r *Relay) onRefresh(ctx context.Context, c *Client, env protocol.Envelope) error {
	var p protocol.Refresh
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	claims, err := r.validator.Validate(p.Token)
	if err != nil || claims.UserID != c.info.UserID {
		reason := "foreign subject"
		if err != nil {
			reason = err.Error()
		}
		r.cfg.Audit.Emit(ctx, telemetry.AuditRecord{
			Action:    telemetry.ActionCredentialRejected,
			Level:     "WARN",
			Subject:   c.info.ConnID,
			Detail:    reason,
			RequestID: c.info.RequestID,
			UserID:    c.info.UserID,
		})
		r.reply(c, protocol.ChannelSession, protocol.EventRejected, protocol.Rejected{Reason: "invalid credential"})
		c.close()
		return errEndSession
	}
	r.reply(c, protocol.ChannelSession, protocol.EventRefreshed, struct{}{})
	return nil
}

func (r *Relay) requireParticipant(ctx context.Context, conversationID, userID string) error {
	member, err := r.convs.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotParticipant
	}
	return nil
}

func (r *Relay) onSend(ctx context.Context, c *Client, env protocol.Envelope) error {
	var p protocol.MessageSend
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if p.TempID == "" {
		return &protocol.ProtocolError{Channel: env.Channel, Event: env.Event, Reason: "missing tempId"}
	}
	nack := func(reason string) error {
		r.reply(c, protocol.ChannelChat, protocol.EventMessageNack, protocol.MessageNack{TempID: p.TempID, Reason: reason})
		return nil
	}
	if strings.TrimSpace(p.Body) == "" && p.Media == nil {
		return nack("empty message")
	}
	if err := r.requireParticipant(ctx, p.ConversationID, c.info.UserID); err != nil {
		if errors.Is(err, ErrNotParticipant) {
			return nack("not a participant")
		}
		return err
	}
	if p.ReplyToID != "" {
		target, err := r.messages.Get(ctx, p.ReplyToID)
		if errors.Is(err, repositories.ErrMessageNotFound) || (err == nil && target.ConversationID != p.ConversationID) {
			return nack("reply target outside conversation")
		}
		if err != nil {
			return err
		}
	}

	stored, created, err := r.messages.Create(ctx, models.Message{
		TempID:         p.TempID,
		ConversationID: p.ConversationID,
		SenderID:       c.info.UserID,
		Body:           p.Body,
		Media:          p.Media,
		ReplyToID:      p.ReplyToID,
	})
	if err != nil {
		return err
	}
	r.reply(c, protocol.ChannelChat, protocol.EventMessageAck, protocol.MessageAck{
		TempID:         p.TempID,
		ServerID:       stored.ID,
		ConversationID: stored.ConversationID,
		Timestamp:      stored.CreatedAt,
	})
	if !created {
		return nil
	}

	participants, err := r.convs.Participants(ctx, stored.ConversationID)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.ChannelChat, protocol.EventMessageNew, stored)
	if err != nil {
		return err
	}
	var recipient string
	for _, userID := range participants {
		accepted := r.hub.Deliver(userID, frame, c)
		if accepted > 0 && userID != c.info.UserID && recipient == "" {
			recipient = userID
		}
	}
	if recipient == "" {
		return nil
	}
	advanced, err := r.messages.AdvanceStatus(ctx, stored.ID, models.StatusDelivered)
	if err != nil || !advanced {
		return err
	}
	r.fanOut([]string{c.info.UserID}, protocol.ChannelChat, protocol.EventMessageDelivered, protocol.MessageDelivered{
		MessageID:      stored.ID,
		ConversationID: stored.ConversationID,
		UserID:         recipient,
		At:             r.clock.Now(),
	}, nil)
	return nil
}

func (r *Relay) onRead(ctx context.Context, c *Client, env protocol.Envelope) error {
	var p protocol.MessageRead
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if err := r.requireParticipant(ctx, p.ConversationID, c.info.UserID); err != nil {
		return err
	}
	target, err := r.messages.Get(ctx, p.UpToMessageID)
	if err != nil {
		return err
	}
	if target.ConversationID != p.ConversationID {
		return repositories.ErrMessageNotFound
	}

	receipt := models.ReadReceipt{
		ConversationID: p.ConversationID,
		UserID:         c.info.UserID,
		UpToMessageID:  p.UpToMessageID,
		At:             r.clock.Now(),
	}
	advanced, err := r.messages.MarkRead(ctx, receipt)
	if err != nil || !advanced {
		return err
	}
	participants, err := r.convs.Participants(ctx, p.ConversationID)
	if err != nil {
		return err
	}
	r.fanOut(participants, protocol.ChannelChat, protocol.EventMessageRead, protocol.MessageRead{
		ConversationID: receipt.ConversationID,
		UpToMessageID:  receipt.UpToMessageID,
		UserID:         receipt.UserID,
		At:             receipt.At,
	}, c)
	return nil
}

// targetMessage loads a message the caller may act on.
func (r *Relay) targetMessage(ctx context.Context, c *Client, messageID string) (models.Message, []string, error) {
	msg, err := r.messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, nil, err
	}
	if err := r.requireParticipant(ctx, msg.ConversationID, c.info.UserID); err != nil {
		return models.Message{}, nil, err
	}
	participants, err := r.convs.Participants(ctx, msg.ConversationID)
	return msg, participants, err
}

func (r *Relay) onReaction(ctx context.Context, c *Client, env protocol.Envelope) error {
	var p protocol.MessageReaction
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if p.Emoji == "" || (p.Action != protocol.ReactionAdd && p.Action != protocol.ReactionRemove) {
		return &protocol.ProtocolError{Channel: env.Channel, Event: env.Event, Reason: "reaction needs emoji and action"}
	}
	msg, participants, err := r.targetMessage(ctx, c, p.MessageID)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return repositories.ErrMessageDeleted
	}
	changed, err := r.messages.SetReaction(ctx, msg.ID, p.Emoji, c.info.UserID, p.Action == protocol.ReactionAdd)
	if err != nil || !changed {
		return err
	}
	r.fanOut(participants, protocol.ChannelChat, protocol.EventMessageReaction, protocol.MessageReaction{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Emoji:          p.Emoji,
		UserID:         c.info.UserID,
		Action:         p.Action,
		At:             r.clock.Now(),
	}, c)
	return nil
}

func (r *Relay) onEdit(ctx context.Context, c *Client, env protocol.Envelope) error {
	var p protocol.MessageEdit
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Body) == "" {
		return &protocol.ProtocolError{Channel: env.Channel, Event: env.Event, Reason: "empty body"}
	}
	editedAt := p.EditedAt
	if editedAt.IsZero() {
		editedAt = r.clock.Now()
	}
	msg, err := r.messages.Edit(ctx, p.MessageID, c.info.UserID, p.Body, editedAt)
	if errors.Is(err, repositories.ErrStaleEdit) {
		return nil
	}
	if err != nil {
		return err
	}
	participants, err := r.convs.Participants(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	r.fanOut(participants, protocol.ChannelChat, protocol.EventMessageEdit, protocol.MessageEdit{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Body:           msg.Body,
		EditedAt:       editedAt,
	}, c)
	return nil
}

func (r *Relay) onDelete(ctx context.Context, c *Client, env protocol.Envelope) error {
	var p protocol.MessageDelete
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	msg, err := r.messages.Delete(ctx, p.MessageID, c.info.UserID)
	if err != nil {
		return err
	}
	participants, err := r.convs.Participants(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	r.fanOut(participants, protocol.ChannelChat, protocol.EventMessageDelete, protocol.MessageDelete{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		At:             msg.UpdatedAt,
	}, c)
	r.cfg.Audit.Emit(ctx, telemetry.AuditRecord{
		Action:    telemetry.ActionMessageDeleted,
		Subject:   msg.ID,
		Detail:    "conversation_id=" + msg.ConversationID,
		RequestID: c.info.RequestID,
		UserID:    c.info.UserID,
	})
	return nil
}

// onTyping relays typing to the other participants. Repeats within half
// the typing TTL are dropped; stops always pass.
func (r *Relay) onTyping(ctx context.Context, c *Client, env protocol.Envelope) error {
	var p protocol.Typing
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if err := r.requireParticipant(ctx, p.ConversationID, c.info.UserID); err != nil {
		return err
	}
	now := r.clock.Now()
	key := typingKey{c.info.UserID, p.ConversationID}
	r.typingMu.Lock()
	last, seen := r.typingSent[key]
	if p.Stopped {
		delete(r.typingSent, key)
	} else if seen && now.Sub(last) < r.cfg.TypingTTL/2 {
		r.typingMu.Unlock()
		return nil
	} else {
		r.typingSent[key] = now
	}
	r.typingMu.Unlock()

	participants, err := r.convs.Participants(ctx, p.ConversationID)
	if err != nil {
		return err
	}
	others := participants[:0:0]
	for _, userID := range participants {
		if userID != c.info.UserID {
			others = append(others, userID)
		}
	}
	r.fanOut(others, protocol.ChannelPresence, protocol.EventTyping, protocol.Typing{
		UserID:         c.info.UserID,
		ConversationID: p.ConversationID,
		Timestamp:      now,
		Stopped:        p.Stopped,
	}, nil)
	return nil
}

// onSync answers a resync from the database, strictly after the client's
// watermarks. A conversation with more changes than one page gets a
// cursor in More; the continuation request pages only those.
func (r *Relay) onSync(ctx context.Context, c *Client, env protocol.Envelope) error {
	var p protocol.SyncRequest
	if len(env.Payload) > 0 {
		if err := protocol.DecodePayload(env, &p); err != nil {
			return err
		}
	}
	if len(p.Cursors) > 0 {
		return r.onSyncContinue(ctx, c, p.Cursors)
	}
	userID := c.info.UserID
	now := r.clock.Now()

	convs, err := r.convs.ListForUser(ctx, userID)
	if err != nil {
		return err
	}
	resp := protocol.SyncResponse{Conversations: convs, Messages: []models.Message{}, ServerTime: now}
	earliest := p.Since
	for _, conv := range convs {
		after, ok := p.Watermarks[conv.ID]
		if !ok {
			after = p.Since
		}
		if after.Before(earliest) {
			earliest = after
		}
		if err := r.syncPage(ctx, &resp, conv.ID, protocol.SyncCursor{UpdatedAt: after}); err != nil {
			return err
		}
	}

	if resp.Receipts, err = r.messages.ReceiptsSince(ctx, userID, earliest); err != nil {
		return err
	}
	notes, err := r.notes.Since(ctx, userID, p.NotificationsSince, now)
	if err != nil {
		return err
	}
	for _, n := range notes {
		resp.Notifications = append(resp.Notifications, protocol.PushFromNotification(n))
	}
	readIDs, err := r.notes.ReadSince(ctx, userID, p.NotificationsSince, r.cfg.SyncPageSize)
	if err != nil {
		return err
	}
	for _, id := range readIDs {
		resp.NotificationReads = append(resp.NotificationReads, protocol.NotifyRead{NotificationID: id})
	}
	peers, err := r.convs.Peers(ctx, userID)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		resp.Presence = append(resp.Presence, r.hub.Presence(peer))
	}

	r.reply(c, protocol.ChannelChat, protocol.EventSyncResponse, resp)
	return nil
}

func (r *Relay) onSyncContinue(ctx context.Context, c *Client, cursors map[string]protocol.SyncCursor) error {
	resp := protocol.SyncResponse{Messages: []models.Message{}, ServerTime: r.clock.Now()}
	for convID, cursor := range cursors {
		if err := r.requireParticipant(ctx, convID, c.info.UserID); err != nil {
			return err
		}
		if err := r.syncPage(ctx, &resp, convID, cursor); err != nil {
			return err
		}
	}
	r.reply(c, protocol.ChannelChat, protocol.EventSyncResponse, resp)
	return nil
}

// syncPage appends one page of convID's changes after cursor to resp.
func (r *Relay) syncPage(ctx context.Context, resp *protocol.SyncResponse, convID string, cursor protocol.SyncCursor) error {
	limit := r.cfg.SyncPageSize
	msgs, err := r.messages.ListChanged(ctx, convID, cursor.UpdatedAt, cursor.MessageID, limit)
	if err != nil {
		return err
	}
	resp.Messages = append(resp.Messages, msgs...)
	if len(msgs) < limit {
		return nil
	}
	last := msgs[len(msgs)-1]
	if resp.More == nil {
		resp.More = make(map[string]protocol.SyncCursor)
	}
	resp.More[convID] = protocol.SyncCursor{UpdatedAt: last.UpdatedAt, MessageID: last.ID}
	return nil
}
