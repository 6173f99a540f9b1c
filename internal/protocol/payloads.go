package protocol

import (
	"time"

	"chat-sync/internal/models"
)

type Welcome struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type Rejected struct {
	Reason string `json:"reason"`
}

type Refresh struct {
	Token string `json:"token"`
}

type Heartbeat struct {
	At time.Time `json:"at"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

type MessageSend struct {
	TempID         string             `json:"tempId"`
	ConversationID string             `json:"conversationId"`
	Body           string             `json:"body"`
	Media          *models.Attachment `json:"media,omitempty"`
	ReplyToID      string             `json:"replyToId,omitempty"`
}

type MessageAck struct {
	TempID         string    `json:"tempId"`
	ServerID       string    `json:"serverId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type MessageNack struct {
	TempID string `json:"tempId"`
	Reason string `json:"reason"`
}

type MessageDelivered struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	At             time.Time `json:"at"`
}

// MessageRead travels client→server without UserID and comes back to the
// other participants with it.
type MessageRead struct {
	ConversationID string    `json:"conversationId"`
	UpToMessageID  string    `json:"upToMessageId"`
	UserID         string    `json:"userId,omitempty"`
	At             time.Time `json:"at,omitempty"`
}

type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

type MessageReaction struct {
	MessageID      string         `json:"messageId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Emoji          string         `json:"emoji"`
	UserID         string         `json:"userId"`
	Action         ReactionAction `json:"action"`
	At             time.Time      `json:"at,omitempty"`
}

type MessageEdit struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Body           string    `json:"body"`
	EditedAt       time.Time `json:"editedAt,omitempty"`
}

type MessageDelete struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	At             time.Time `json:"at,omitempty"`
}

// SyncRequest asks for everything strictly after the given watermarks.
// Since is the global watermark used for conversations absent from
// Watermarks. A request carrying Cursors continues an earlier response
// and pages only those conversations.
type SyncRequest struct {
	Watermarks         map[string]time.Time  `json:"watermarks,omitempty"`
	Since              time.Time             `json:"since,omitempty"`
	NotificationsSince time.Time             `json:"notificationsSince,omitempty"`
	Cursors            map[string]SyncCursor `json:"cursors,omitempty"`
}

// SyncCursor is the position after the last message of a page. Pages are
// ordered by (UpdatedAt, MessageID).
type SyncCursor struct {
	UpdatedAt time.Time `json:"updatedAt"`
	MessageID string    `json:"messageId"`
}

// SyncResponse answers a SyncRequest. More holds a cursor for every
// conversation whose page was full.
type SyncResponse struct {
	Messages          []models.Message      `json:"messages"`
	More              map[string]SyncCursor `json:"more,omitempty"`
	Receipts          []models.ReadReceipt  `json:"receipts,omitempty"`
	Notifications     []NotifyPush          `json:"notifications,omitempty"`
	NotificationReads []NotifyRead          `json:"notificationReads,omitempty"`
	Presence          []PresenceUpdate      `json:"presence,omitempty"`
	Conversations     []models.Conversation `json:"conversations,omitempty"`
	ServerTime        time.Time             `json:"serverTime"`
}

type PresenceTransition string

const (
	PresenceConnect    PresenceTransition = "connect"
	PresenceDisconnect PresenceTransition = "disconnect"
)

// PresenceUpdate is either a snapshot (ConnectionID empty) or a
// per-connection delta.
type PresenceUpdate struct {
	UserID       string             `json:"userId"`
	Online       bool               `json:"online"`
	LastSeen     time.Time          `json:"lastSeen,omitempty"`
	ConnectionID string             `json:"connectionId,omitempty"`
	State        PresenceTransition `json:"state,omitempty"`
	At           time.Time          `json:"at,omitempty"`
}

type Typing struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
	Stopped        bool      `json:"stopped,omitempty"`
}

type NotifyPush struct {
	ID           string                  `json:"id"`
	Type         models.NotificationType `json:"type"`
	Title        string                  `json:"title"`
	Body         string                  `json:"body"`
	TargetUserID string                  `json:"targetUserId"`
	CreatedAt    time.Time               `json:"createdAt,omitempty"`
	ExpiresAt    *time.Time              `json:"expiresAt,omitempty"`
}

type NotifyRead struct {
	NotificationID string `json:"notificationId"`
}

// NotificationFromPush converts a wire notification to the domain type.
func NotificationFromPush(p NotifyPush) models.Notification {
	return models.Notification{
		ID:           p.ID,
		Type:         p.Type,
		Title:        p.Title,
		Body:         p.Body,
		TargetUserID: p.TargetUserID,
		CreatedAt:    p.CreatedAt,
		ExpiresAt:    p.ExpiresAt,
	}
}

// PushFromNotification converts a domain notification to its wire form.
func PushFromNotification(n models.Notification) NotifyPush {
	return NotifyPush{
		ID:           n.ID,
		Type:         n.Type,
		Title:        n.Title,
		Body:         n.Body,
		TargetUserID: n.TargetUserID,
		CreatedAt:    n.CreatedAt,
		ExpiresAt:    n.ExpiresAt,
	}
}
