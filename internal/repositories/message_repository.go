package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-sync/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotMessageOwner = errors.New("only the sender may change a message")
	ErrMessageDeleted  = errors.New("message is deleted")
	ErrStaleEdit       = errors.New("a newer edit is already stored")
)

// MessageRepository defines persistence for conversation messages, their
// reactions and read receipts.
type MessageRepository interface {
	// Create stores msg once per (sender, temp id). A retried send returns
	// the stored copy with created=false.
	Create(ctx context.Context, msg models.Message) (stored models.Message, created bool, err error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	ListAfter(ctx context.Context, conversationID string, after time.Time, limit int) ([]models.Message, error)
	// ListChanged pages messages in (updated_at, id) order strictly after
	// the position (after, afterID). An empty afterID means strictly after
	// the timestamp alone.
	ListChanged(ctx context.Context, conversationID string, after time.Time, afterID string, limit int) ([]models.Message, error)
	AdvanceStatus(ctx context.Context, messageID string, status models.Status) (bool, error)
	SetReaction(ctx context.Context, messageID, emoji, userID string, add bool) (bool, error)
	Edit(ctx context.Context, messageID, senderID, body string, editedAt time.Time) (models.Message, error)
	Delete(ctx context.Context, messageID, senderID string) (models.Message, error)
	// MarkRead moves the reader's receipt forward and marks other senders'
	// messages up to it READ. It reports false when the receipt is not newer.
	MarkRead(ctx context.Context, receipt models.ReadReceipt) (bool, error)
	ReceiptsSince(ctx context.Context, userID string, since time.Time) ([]models.ReadReceipt, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, client_temp_id, body, media, reply_to_id, status, deleted, created_at, updated_at, edited_at`

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	ClientTempID   string         `db:"client_temp_id"`
	Body           string         `db:"body"`
	Media          []byte         `db:"media"`
	ReplyToID      sql.NullString `db:"reply_to_id"`
	Status         int            `db:"status"`
	Deleted        bool           `db:"deleted"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	EditedAt       sql.NullTime   `db:"edited_at"`
}

func (row messageRow) model() models.Message {
	msg := models.Message{
		ID:             row.ID,
		TempID:         row.ClientTempID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Body:           row.Body,
		ReplyToID:      row.ReplyToID.String,
		Status:         models.Status(row.Status),
		Deleted:        row.Deleted,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if len(row.Media) > 0 {
		var media models.Attachment
		if err := json.Unmarshal(row.Media, &media); err == nil {
			msg.Media = &media
		}
	}
	if row.EditedAt.Valid {
		edited := row.EditedAt.Time
		msg.EditedAt = &edited
	}
	return msg
}

// Create stores a message in a conversation.
func (r *MessageRepo) Create(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	var media []byte
	if msg.Media != nil {
		encoded, err := json.Marshal(msg.Media)
		if err != nil {
			return models.Message{}, false, err
		}
		media = encoded
	}
	replyTo := sql.NullString{String: msg.ReplyToID, Valid: msg.ReplyToID != ""}

	var row messageRow
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, client_temp_id, body, media, reply_to_id, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (sender_id, client_temp_id) DO NOTHING
        RETURNING `+messageColumns,
		uuid.NewString(), msg.ConversationID, msg.SenderID, msg.TempID, msg.Body, media, replyTo, int(models.StatusAcknowledged)).
		StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		err = r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE sender_id=$1 AND client_temp_id=$2`,
			msg.SenderID, msg.TempID)
		if err != nil {
			return models.Message{}, false, err
		}
		stored, err := r.withReactions(ctx, []messageRow{row})
		if err != nil {
			return models.Message{}, false, err
		}
		return stored[0], false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	return row.model(), true, nil
}

// Get retrieves a single message with its reactions.
func (r *MessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := r.withReactions(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// ListAfter returns messages changed strictly after the watermark, oldest
// first. Edits, deletes and reactions bump updated_at so they resync too.
func (r *MessageRepo) ListAfter(ctx context.Context, conversationID string, after time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND updated_at > $2
        ORDER BY created_at ASC, id ASC
        LIMIT $3`, conversationID, after, limit)
	if err != nil {
		return nil, err
	}
	return r.withReactions(ctx, rows)
}

// ListChanged returns the next resync page. Status changes, receipts,
// edits, deletes and reactions all bump updated_at, so a page boundary
// never hides a row that changed earlier.
func (r *MessageRepo) ListChanged(ctx context.Context, conversationID string, after time.Time, afterID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, changedQuery(afterID), conversationID, after, afterID, limit)
	if err != nil {
		return nil, err
	}
	return r.withReactions(ctx, rows)
}

func changedQuery(afterID string) string {
	position := `updated_at > $2 AND $3 = ''`
	if afterID != "" {
		position = `(updated_at, id) > ($2, $3)`
	}
	return `SELECT ` + messageColumns + ` FROM messages
        WHERE conversation_id=$1 AND ` + position + `
        ORDER BY updated_at ASC, id ASC
        LIMIT $4`
}

func (r *MessageRepo) withReactions(ctx context.Context, rows []messageRow) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(rows))
	if len(rows) == 0 {
		return msgs, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var reactions []struct {
		MessageID string `db:"message_id"`
		Emoji     string `db:"emoji"`
		UserID    string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &reactions, `SELECT message_id, emoji, user_id FROM message_reactions
        WHERE message_id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, err
	}
	byMessage := map[string]models.Reactions{}
	for _, rc := range reactions {
		set, ok := byMessage[rc.MessageID]
		if !ok {
			set = models.Reactions{}
			byMessage[rc.MessageID] = set
		}
		set.Add(rc.Emoji, rc.UserID)
	}

	for _, row := range rows {
		msg := row.model()
		if !msg.Deleted {
			msg.Reactions = byMessage[row.ID]
			if msg.Reactions == nil {
				msg.Reactions = models.Reactions{}
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// AdvanceStatus moves a message's status forward only.
func (r *MessageRepo) AdvanceStatus(ctx context.Context, messageID string, status models.Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status=$2, updated_at=NOW() WHERE id=$1 AND status < $2`,
		messageID, int(status))
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// SetReaction adds or removes one (emoji, user) reaction.
func (r *MessageRepo) SetReaction(ctx context.Context, messageID, emoji, userID string, add bool) (bool, error) {
	query := `DELETE FROM message_reactions WHERE message_id=$1 AND emoji=$2 AND user_id=$3`
	if add {
		query = `INSERT INTO message_reactions (message_id, emoji, user_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	}
	res, err := r.db.ExecContext(ctx, query, messageID, emoji, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil || count == 0 {
		return false, err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE messages SET updated_at=NOW() WHERE id=$1`, messageID)
	return true, err
}

// Edit replaces the body of a sender's own message. Older edits lose.
func (r *MessageRepo) Edit(ctx context.Context, messageID, senderID, body string, editedAt time.Time) (models.Message, error) {
	current, err := r.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if current.SenderID != senderID {
		return models.Message{}, ErrNotMessageOwner
	}
	if current.Deleted {
		return models.Message{}, ErrMessageDeleted
	}

	var row messageRow
	err = r.db.GetContext(ctx, &row, `UPDATE messages SET body=$2, edited_at=$3, updated_at=NOW()
        WHERE id=$1 AND (edited_at IS NULL OR edited_at < $3)
        RETURNING `+messageColumns, messageID, body, editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrStaleEdit
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := r.withReactions(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// Delete soft-deletes a sender's own message and drops its content.
func (r *MessageRepo) Delete(ctx context.Context, messageID, senderID string) (models.Message, error) {
	current, err := r.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if current.SenderID != senderID {
		return models.Message{}, ErrNotMessageOwner
	}
	if current.Deleted {
		return current, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var row messageRow
	if err := tx.GetContext(ctx, &row, `UPDATE messages SET deleted=TRUE, body='', media=NULL, updated_at=NOW()
        WHERE id=$1 RETURNING `+messageColumns, messageID); err != nil {
		return models.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1`, messageID); err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return row.model(), nil
}

// MarkRead stores a receipt monotonically, ordered by the target message's
// creation time.
func (r *MessageRepo) MarkRead(ctx context.Context, receipt models.ReadReceipt) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO read_receipts (conversation_id, user_id, up_to_message_id, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (conversation_id, user_id) DO UPDATE
        SET up_to_message_id = EXCLUDED.up_to_message_id, updated_at = EXCLUDED.updated_at
        WHERE (SELECT created_at FROM messages WHERE id = EXCLUDED.up_to_message_id)
            > (SELECT created_at FROM messages WHERE id = read_receipts.up_to_message_id)`,
		receipt.ConversationID, receipt.UserID, receipt.UpToMessageID, receipt.At)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil || count == 0 {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status=$4, updated_at=NOW()
        WHERE conversation_id=$1 AND sender_id<>$2 AND status < $4
        AND created_at <= (SELECT created_at FROM messages WHERE id=$3)`,
		receipt.ConversationID, receipt.UserID, receipt.UpToMessageID, int(models.StatusRead)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ReceiptsSince returns receipts in the user's conversations updated after
// since.
func (r *MessageRepo) ReceiptsSince(ctx context.Context, userID string, since time.Time) ([]models.ReadReceipt, error) {
	var receipts []models.ReadReceipt
	err := r.db.SelectContext(ctx, &receipts, `SELECT rr.conversation_id, rr.user_id, rr.up_to_message_id, rr.updated_at
        FROM read_receipts rr
        JOIN conversation_participants me ON me.conversation_id = rr.conversation_id AND me.user_id = $1
        WHERE rr.updated_at > $2
        ORDER BY rr.updated_at`, userID, since)
	return receipts, err
}
