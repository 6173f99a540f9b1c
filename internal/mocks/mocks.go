package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)

func (m *ConversationRepositoryMock) Create(ctx context.Context, participants []models.Participant) (models.Conversation, error) {
	args := m.Called(ctx, participants)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) Participants(ctx context.Context, conversationID string) ([]string, error) {
	args := m.Called(ctx, conversationID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *ConversationRepositoryMock) Peers(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)

func (m *MessageRepositoryMock) Create(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListAfter(ctx context.Context, conversationID string, after time.Time, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, after, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ListChanged(ctx context.Context, conversationID string, after time.Time, afterID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, after, afterID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) AdvanceStatus(ctx context.Context, messageID string, status models.Status) (bool, error) {
	args := m.Called(ctx, messageID, status)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) SetReaction(ctx context.Context, messageID, emoji, userID string, add bool) (bool, error) {
	args := m.Called(ctx, messageID, emoji, userID, add)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) Edit(ctx context.Context, messageID, senderID, body string, editedAt time.Time) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID, body, editedAt)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) Delete(ctx context.Context, messageID, senderID string) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, receipt models.ReadReceipt) (bool, error) {
	args := m.Called(ctx, receipt)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) ReceiptsSince(ctx context.Context, userID string, since time.Time) ([]models.ReadReceipt, error) {
	args := m.Called(ctx, userID, since)
	var receipts []models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipts = val.([]models.ReadReceipt)
	}
	return receipts, args.Error(1)
}

type NotificationRepositoryMock struct {
	mock.Mock
}

var _ repositories.NotificationRepository = (*NotificationRepositoryMock)(nil)

func (m *NotificationRepositoryMock) Create(ctx context.Context, n models.Notification) (models.Notification, error) {
	args := m.Called(ctx, n)
	var stored models.Notification
	switch val := args.Get(0).(type) {
	case models.Notification:
		stored = val
	case func(context.Context, models.Notification) models.Notification:
		stored = val(ctx, n)
	}
	return stored, args.Error(1)
}

func (m *NotificationRepositoryMock) ListUnread(ctx context.Context, userID string, now time.Time) ([]models.Notification, error) {
	args := m.Called(ctx, userID, now)
	var notes []models.Notification
	if val := args.Get(0); val != nil {
		notes = val.([]models.Notification)
	}
	return notes, args.Error(1)
}

func (m *NotificationRepositoryMock) Since(ctx context.Context, userID string, since, now time.Time) ([]models.Notification, error) {
	args := m.Called(ctx, userID, since, now)
	var notes []models.Notification
	if val := args.Get(0); val != nil {
		notes = val.([]models.Notification)
	}
	return notes, args.Error(1)
}

func (m *NotificationRepositoryMock) MarkRead(ctx context.Context, userID, notificationID string) (bool, error) {
	args := m.Called(ctx, userID, notificationID)
	return args.Bool(0), args.Error(1)
}

func (m *NotificationRepositoryMock) ReadSince(ctx context.Context, userID string, since time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, userID, since, limit)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}
