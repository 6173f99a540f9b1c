package models

import "time"

// PresenceState is the derived online state of one user.
type PresenceState struct {
	UserID      string    `json:"userId"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"lastSeen,omitempty"`
	Connections int       `json:"connections"`
	// Stale is set while the local client is disconnected and cannot
	// receive presence deltas.
	Stale bool `json:"stale,omitempty"`
}

// TypingIndicator is an ephemeral "user is typing" marker.
type TypingIndicator struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	At             time.Time `json:"timestamp"`
}
