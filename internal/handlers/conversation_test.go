package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

func setupConversationRouter(handler *ConversationHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "u1")
		c.Set("role", "trainer")
		c.Next()
	})
	r.GET("/conversations", handler.ListConversations)
	r.POST("/conversations", handler.StartConversation)
	r.GET("/conversations/:id/messages", handler.GetMessages)
	return r
}

func TestListConversationsSuccess(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, nil))

	convs.On("ListForUser", mock.Anything, "u1").Return([]models.Conversation{{
		ID:           "c1",
		Participants: []models.Participant{{UserID: "u1", Role: models.RoleTrainer}, {UserID: "u2", Role: models.RoleClient}},
		UnreadCount:  2,
	}}, nil).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "c1", resp.Conversations[0].ID)
	assert.Equal(t, 2, resp.Conversations[0].UnreadCount)
	convs.AssertExpectations(t)
}

func TestListConversationsEmptyIsArray(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, nil))
	convs.On("ListForUser", mock.Anything, "u1").Return(nil, nil).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())
}

func TestListConversationsRepoError(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, nil))
	convs.On("ListForUser", mock.Anything, "u1").Return(nil, assert.AnError).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	convs.AssertExpectations(t)
}

func TestStartConversationPutsCallerFirst(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, nil))

	want := []models.Participant{
		{UserID: "u1", Role: models.RoleTrainer},
		{UserID: "u2", Role: models.RoleClient},
	}
	convs.On("Create", mock.Anything, want).Return(models.Conversation{ID: "c9", Participants: want}, nil).Once()

	body := bytes.NewBufferString(`{"participants":[{"userId":"u2"}]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/conversations", body))

	require.Equal(t, http.StatusCreated, rec.Code)
	var conv models.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))
	assert.Equal(t, "c9", conv.ID)
	convs.AssertExpectations(t)
}

func TestStartConversationRejectsUnknownRole(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, nil))

	body := bytes.NewBufferString(`{"participants":[{"userId":"u2","role":"owner"}]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/conversations", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	convs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestStartConversationWithOnlyCaller(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, nil))
	convs.On("Create", mock.Anything, mock.Anything).Return(nil, repositories.ErrTooFewParticipants).Once()

	body := bytes.NewBufferString(`{"participants":[{"userId":"u1"}]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/conversations", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMessagesAfterTimestamp(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, messages))

	after := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	convs.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil).Once()
	messages.On("ListAfter", mock.Anything, "c1", after, 20).Return([]models.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hi", Status: models.StatusDelivered, CreatedAt: after.Add(time.Second)},
	}, nil).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/c1/messages?after=2026-03-01T09:00:00Z&limit=20", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string][]map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp["messages"], 1)
	assert.Equal(t, "m1", resp["messages"][0]["id"])
	convs.AssertExpectations(t)
	messages.AssertExpectations(t)
}

func TestGetMessagesCapsLimit(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, messages))

	convs.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil).Once()
	messages.On("ListAfter", mock.Anything, "c1", time.Time{}, maxHistoryLimit).Return(nil, nil).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/c1/messages?limit=100000", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
	messages.AssertExpectations(t)
}

func TestGetMessagesForbiddenForOutsider(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	router := setupConversationRouter(NewConversationHandler(convs, messages))
	convs.On("IsParticipant", mock.Anything, "c1", "u1").Return(false, nil).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/c1/messages", nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
	messages.AssertNotCalled(t, "ListAfter", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetMessagesInvalidAfter(t *testing.T) {
	router := setupConversationRouter(NewConversationHandler(new(mocks.ConversationRepositoryMock), nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/c1/messages?after=yesterday", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
