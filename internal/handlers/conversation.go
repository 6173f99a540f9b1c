package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// ConversationHandler serves the REST side of conversations.
type ConversationHandler struct {
	convs    repositories.ConversationRepository
	messages repositories.MessageRepository
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(convs repositories.ConversationRepository, messages repositories.MessageRepository) *ConversationHandler {
	return &ConversationHandler{convs: convs, messages: messages}
}

// ListConversations returns the caller's conversations, newest activity first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetString("userID")

	convs, err := h.convs.ListForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// StartConversation creates a conversation with the caller as first participant.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		Participants []struct {
			UserID string `json:"userId" binding:"required"`
			Role   string `json:"role"`
		} `json:"participants" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("userID")
	callerRole, err := models.ParseRole(c.GetString("role"))
	if err != nil {
		callerRole = models.RoleClient
	}
	participants := []models.Participant{{UserID: userID, Role: callerRole}}
	for _, p := range req.Participants {
		role := models.RoleClient
		if p.Role != "" {
			if role, err = models.ParseRole(p.Role); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		participants = append(participants, models.Participant{UserID: p.UserID, Role: role})
	}

	conv, err := h.convs.Create(c.Request.Context(), participants)
	if errors.Is(err, repositories.ErrTooFewParticipants) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// GetMessages returns messages created after the optional "after" RFC3339
// timestamp in ascending order.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	convID := c.Param("id")
	userID := c.GetString("userID")

	var after time.Time
	if raw := c.Query("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after timestamp"})
			return
		}
		after = parsed
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	member, err := h.convs.IsParticipant(c.Request.Context(), convID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return
	}

	msgs, err := h.messages.ListAfter(c.Request.Context(), convID, after, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
