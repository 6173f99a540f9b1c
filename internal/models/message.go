package models

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a message as seen by its sender.
type Status int

const (
	StatusComposing Status = iota
	StatusSent
	StatusAcknowledged
	StatusDelivered
	StatusRead
	// StatusFailed is reachable only from StatusSent.
	StatusFailed
)

var statusNames = map[Status]string{
	StatusComposing:    "COMPOSING",
	StatusSent:         "SENT",
	StatusAcknowledged: "ACKNOWLEDGED",
	StatusDelivered:    "DELIVERED",
	StatusRead:         "READ",
	StatusFailed:       "FAILED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(text))
}

// CanAdvanceTo reports whether moving from s to next keeps the status
// monotonic. A FAILED message may still be confirmed by a late server
// acknowledgement.
func (s Status) CanAdvanceTo(next Status) bool {
	switch {
	case next == s, next == StatusComposing:
		return false
	case next == StatusFailed:
		return s == StatusSent
	case s == StatusFailed:
		return next >= StatusAcknowledged && next <= StatusRead
	default:
		return next > s
	}
}

// Attachment is the optional media part of a message body.
type Attachment struct {
	Type     string            `json:"type"`
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Message is a chat message. ID holds the temporary client id until the
// server assigns a permanent one; TempID keeps the client id afterwards.
type Message struct {
	ID             string      `json:"id"`
	TempID         string      `json:"tempId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Body           string      `json:"body"`
	Media          *Attachment `json:"media,omitempty"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	Status         Status      `json:"status"`
	Deleted        bool        `json:"deleted"`
	Reactions      Reactions   `json:"reactions,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	LocalTime      time.Time   `json:"localTime,omitempty"`
}

// IsTemporary reports whether the message still carries its client id.
func (m Message) IsTemporary() bool {
	return m.TempID != "" && m.ID == m.TempID
}

// SortTime is the ordering timestamp: server time when known, local send
// time otherwise.
func (m Message) SortTime() time.Time {
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.LocalTime
}

// Before orders messages by SortTime with the id as tie-break.
func (m Message) Before(other Message) bool {
	a, b := m.SortTime(), other.SortTime()
	if !a.Equal(b) {
		return a.Before(b)
	}
	return m.ID < other.ID
}

// Redacted returns the message as readers see it: deleted messages keep
// their identity and timestamps but lose body and media.
func (m Message) Redacted() Message {
	out := m
	out.Reactions = m.Reactions.Clone()
	if m.Media != nil {
		media := *m.Media
		out.Media = &media
	}
	if m.Deleted {
		out.Body = ""
		out.Media = nil
		out.Reactions = nil
	}
	return out
}

// Reactions maps an emoji to the sorted set of users that reacted with it.
type Reactions map[string][]string

// Add records userID under emoji. It reports whether the set changed.
func (r Reactions) Add(emoji, userID string) bool {
	users := r[emoji]
	i := sort.SearchStrings(users, userID)
	if i < len(users) && users[i] == userID {
		return false
	}
	users = append(users, "")
	copy(users[i+1:], users[i:])
	users[i] = userID
	r[emoji] = users
	return true
}

// Remove drops userID from emoji. It reports whether the set changed.
func (r Reactions) Remove(emoji, userID string) bool {
	users := r[emoji]
	i := sort.SearchStrings(users, userID)
	if i >= len(users) || users[i] != userID {
		return false
	}
	users = append(users[:i], users[i+1:]...)
	if len(users) == 0 {
		delete(r, emoji)
	} else {
		r[emoji] = users
	}
	return true
}

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	users := r[emoji]
	i := sort.SearchStrings(users, userID)
	return i < len(users) && users[i] == userID
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}
