package models

import (
	"fmt"
	"time"
)

// Role is the platform role a participant holds.
type Role string

const (
	RoleClient  Role = "client"
	RoleTrainer Role = "trainer"
	RoleAdmin   Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleClient, RoleTrainer, RoleAdmin:
		return Role(value), nil
	}
	return "", fmt.Errorf("unknown role %q", value)
}

// Participant is one member of a conversation.
type Participant struct {
	UserID string `db:"user_id" json:"userId"`
	Role   Role   `db:"role" json:"role"`
}

// Conversation is a chat between an ordered set of participants.
// UnreadCount and LastReadID are from the viewing participant's side.
type Conversation struct {
	ID            string        `json:"id"`
	Participants  []Participant `json:"participants"`
	UnreadCount   int           `json:"unreadCount"`
	LastMessageID string        `json:"lastMessageId,omitempty"`
	LastMessageAt time.Time     `json:"lastMessageAt,omitempty"`
	LastReadID    string        `json:"lastReadId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt,omitempty"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ReadReceipt records how far a participant has read a conversation.
type ReadReceipt struct {
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	UserID         string    `db:"user_id" json:"userId"`
	UpToMessageID  string    `db:"up_to_message_id" json:"upToMessageId"`
	At             time.Time `db:"updated_at" json:"at"`
}
