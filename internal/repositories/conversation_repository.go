package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTooFewParticipants   = errors.New("a conversation needs at least two participants")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	Create(ctx context.Context, participants []models.Participant) (models.Conversation, error)
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
	Peers(ctx context.Context, userID string) ([]string, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

type participantRow struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Role           string `db:"role"`
}

// Create stores a conversation with its participants in the given order.
func (r *ConversationRepo) Create(ctx context.Context, participants []models.Participant) (models.Conversation, error) {
	seen := map[string]struct{}{}
	var unique []models.Participant
	for _, p := range participants {
		if _, dup := seen[p.UserID]; dup || p.UserID == "" {
			continue
		}
		seen[p.UserID] = struct{}{}
		unique = append(unique, p)
	}
	if len(unique) < 2 {
		return models.Conversation{}, ErrTooFewParticipants
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer tx.Rollback()

	conv := models.Conversation{ID: uuid.NewString(), Participants: unique}
	if err := tx.QueryRowxContext(ctx, `INSERT INTO conversations (id) VALUES ($1) RETURNING created_at`, conv.ID).
		Scan(&conv.CreatedAt); err != nil {
		return models.Conversation{}, err
	}
	for i, p := range unique {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id, role, position) VALUES ($1, $2, $3, $4)`,
			conv.ID, p.UserID, string(p.Role), i); err != nil {
			return models.Conversation{}, fmt.Errorf("add participant %s: %w", p.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// Get fetches a conversation with its participants.
func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `SELECT id, created_at FROM conversations WHERE id=$1`, conversationID).
		Scan(&conv.ID, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	var rows []participantRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT conversation_id, user_id, role FROM conversation_participants
        WHERE conversation_id=$1 ORDER BY position`, conversationID); err != nil {
		return models.Conversation{}, err
	}
	for _, p := range rows {
		conv.Participants = append(conv.Participants, models.Participant{UserID: p.UserID, Role: models.Role(p.Role)})
	}
	return conv, nil
}

// ListForUser returns the user's conversations, newest activity first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	query := `SELECT c.id, c.created_at,
            COALESCE(last.id, '') AS last_message_id,
            COALESCE(last.created_at, c.created_at) AS last_message_at
        FROM conversations c
        JOIN conversation_participants me ON me.conversation_id = c.id AND me.user_id = $1
        LEFT JOIN LATERAL (
            SELECT id, created_at FROM messages m WHERE m.conversation_id = c.id
            ORDER BY created_at DESC, id DESC LIMIT 1
        ) last ON TRUE
        ORDER BY last_message_at DESC`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Conversation
	index := map[string]int{}
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.CreatedAt, &conv.LastMessageID, &conv.LastMessageAt); err != nil {
			return nil, err
		}
		index[conv.ID] = len(result)
		result = append(result, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return result, nil
	}

	var members []participantRow
	if err := r.db.SelectContext(ctx, &members, `SELECT p.conversation_id, p.user_id, p.role
        FROM conversation_participants p
        JOIN conversation_participants me ON me.conversation_id = p.conversation_id AND me.user_id = $1
        ORDER BY p.conversation_id, p.position`, userID); err != nil {
		return nil, err
	}
	for _, p := range members {
		if i, ok := index[p.ConversationID]; ok {
			result[i].Participants = append(result[i].Participants, models.Participant{UserID: p.UserID, Role: models.Role(p.Role)})
		}
	}
	return result, nil
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`,
		conversationID, userID)
	return exists, err
}

// Participants returns the user ids of a conversation.
func (r *ConversationRepo) Participants(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM conversation_participants WHERE conversation_id=$1 ORDER BY position`, conversationID)
	return ids, err
}

// Peers returns every user sharing at least one conversation with userID.
func (r *ConversationRepo) Peers(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT DISTINCT p.user_id FROM conversation_participants p
        JOIN conversation_participants me ON me.conversation_id = p.conversation_id AND me.user_id = $1
        WHERE p.user_id <> $1`, userID)
	sort.Strings(ids)
	return ids, err
}
