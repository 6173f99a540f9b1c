package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

var ErrNotificationNotFound = errors.New("notification not found")

// NotificationRepository stores per-user notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n models.Notification) (models.Notification, error)
	ListUnread(ctx context.Context, userID string, now time.Time) ([]models.Notification, error)
	Since(ctx context.Context, userID string, since, now time.Time) ([]models.Notification, error)
	// MarkRead is idempotent: marking a read notification again succeeds
	// with changed=false.
	MarkRead(ctx context.Context, userID, notificationID string) (changed bool, err error)
	// ReadSince returns ids of the user's notifications marked read after
	// since, newest first.
	ReadSince(ctx context.Context, userID string, since time.Time, limit int) ([]string, error)
}

// NotificationRepo is a sqlx-backed repository.
type NotificationRepo struct {
	db *sqlx.DB
}

// NewNotificationRepo constructs NotificationRepo.
func NewNotificationRepo(db *sqlx.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

const notificationColumns = `id, type, title, body, read, user_id, created_at, expires_at`

// Create stores a notification; the caller assigns the id.
func (r *NotificationRepo) Create(ctx context.Context, n models.Notification) (models.Notification, error) {
	var stored models.Notification
	err := r.db.GetContext(ctx, &stored, `INSERT INTO notifications (id, user_id, type, title, body, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING `+notificationColumns, n.ID, n.TargetUserID, string(n.Type), n.Title, n.Body, n.ExpiresAt)
	return stored, err
}

// ListUnread returns unread, unexpired notifications, newest first.
func (r *NotificationRepo) ListUnread(ctx context.Context, userID string, now time.Time) ([]models.Notification, error) {
	notes := []models.Notification{}
	err := r.db.SelectContext(ctx, &notes, `SELECT `+notificationColumns+` FROM notifications
        WHERE user_id=$1 AND read=FALSE AND (expires_at IS NULL OR expires_at > $2)
        ORDER BY created_at DESC`, userID, now)
	return notes, err
}

// Since returns unread, unexpired notifications created after since,
// oldest first, for resync.
func (r *NotificationRepo) Since(ctx context.Context, userID string, since, now time.Time) ([]models.Notification, error) {
	notes := []models.Notification{}
	err := r.db.SelectContext(ctx, &notes, `SELECT `+notificationColumns+` FROM notifications
        WHERE user_id=$1 AND read=FALSE AND created_at > $2 AND (expires_at IS NULL OR expires_at > $3)
        ORDER BY created_at ASC`, userID, since, now)
	return notes, err
}

// MarkRead flags a notification as read for its owner.
func (r *NotificationRepo) MarkRead(ctx context.Context, userID, notificationID string) (bool, error) {
	var wasRead bool
	err := r.db.GetContext(ctx, &wasRead, `SELECT read FROM notifications WHERE id=$1 AND user_id=$2`, notificationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotificationNotFound
	}
	if err != nil {
		return false, err
	}
	if wasRead {
		return false, nil
	}
	_, err = r.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE, read_at=NOW() WHERE id=$1 AND user_id=$2`, notificationID, userID)
	return err == nil, err
}

// ReadSince lets a device that was offline learn which notifications were
// read elsewhere.
func (r *NotificationRepo) ReadSince(ctx context.Context, userID string, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	ids := []string{}
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM notifications
        WHERE user_id=$1 AND read_at > $2
        ORDER BY read_at DESC
        LIMIT $3`, userID, since, limit)
	return ids, err
}
