package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

// Notifier creates and acknowledges notifications. *ws.Relay satisfies it.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) (models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string, origin *ws.Client) error
}

// NotificationHandler serves notification endpoints.
type NotificationHandler struct {
	notes    repositories.NotificationRepository
	notifier Notifier
	audit    *telemetry.AuditEmitter
	clock    clockwork.Clock
}

func NewNotificationHandler(notes repositories.NotificationRepository, notifier Notifier, audit *telemetry.AuditEmitter, clock clockwork.Clock) *NotificationHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NotificationHandler{notes: notes, notifier: notifier, audit: audit, clock: clock}
}

// ListUnread returns the caller's unread, unexpired notifications.
func (h *NotificationHandler) ListUnread(c *gin.Context) {
	userID := c.GetString("userID")
	notes, err := h.notes.ListUnread(c.Request.Context(), userID, h.clock.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load notifications"})
		return
	}
	if notes == nil {
		notes = []models.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notes})
}

// CreateNotification lets trainers and admins alert a user.
func (h *NotificationHandler) CreateNotification(c *gin.Context) {
	role := models.Role(c.GetString("role"))
	if role != models.RoleTrainer && role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "role may not create notifications"})
		return
	}

	var req struct {
		TargetUserID string `json:"targetUserId" binding:"required"`
		Type         string `json:"type"`
		Title        string `json:"title" binding:"required"`
		Body         string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := models.NotificationType(req.Type)
	switch kind {
	case "":
		kind = models.NotificationInfo
	case models.NotificationSuccess, models.NotificationError, models.NotificationWarning, models.NotificationInfo:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown notification type"})
		return
	}

	stored, err := h.notifier.Notify(c.Request.Context(), models.Notification{
		TargetUserID: req.TargetUserID,
		Type:         kind,
		Title:        req.Title,
		Body:         req.Body,
	})
	if errors.Is(err, ws.ErrInvalidNotification) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create notification"})
		return
	}
	h.audit.Emit(c.Request.Context(), telemetry.AuditRecord{
		Action:    telemetry.ActionNotificationCreated,
		Subject:   stored.ID,
		Detail:    "target_user_id=" + stored.TargetUserID,
		RequestID: requestIDFromContext(c),
		UserID:    userIDFromContext(c),
	})
	c.JSON(http.StatusCreated, stored)
}

// MarkRead acknowledges a notification. Repeated calls succeed.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID := c.GetString("userID")
	err := h.notifier.MarkNotificationRead(c.Request.Context(), userID, c.Param("id"), nil)
	if errors.Is(err, repositories.ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark notification"})
		return
	}
	c.Status(http.StatusNoContent)
}
