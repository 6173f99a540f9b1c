package models

import "time"

// NotificationType classifies a notification for display.
type NotificationType string

const (
	NotificationSuccess NotificationType = "SUCCESS"
	NotificationError   NotificationType = "ERROR"
	NotificationWarning NotificationType = "WARNING"
	NotificationInfo    NotificationType = "INFO"
)

// Notification is a server-created alert addressed to a single user.
type Notification struct {
	ID           string           `db:"id" json:"id"`
	Type         NotificationType `db:"type" json:"type"`
	Title        string           `db:"title" json:"title"`
	Body         string           `db:"body" json:"body"`
	Read         bool             `db:"read" json:"read"`
	TargetUserID string           `db:"user_id" json:"targetUserId"`
	CreatedAt    time.Time        `db:"created_at" json:"createdAt"`
	ExpiresAt    *time.Time       `db:"expires_at" json:"expiresAt,omitempty"`
}

// Expired reports whether the notification is past its retention window.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}
