package telemetry

import (
	"context"
	"log"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditAction names a relay action that changes shared history or ends a
// session.
type AuditAction string

const (
	ActionMessageDeleted      AuditAction = "message.deleted"
	ActionNotificationCreated AuditAction = "notification.created"
	ActionCredentialRejected  AuditAction = "credential.rejected"
	ActionAuditTest           AuditAction = "audit.test"
)

// AuditRecord is one audited action. Subject is the id the action applied
// to: a message, a notification or a connection.
type AuditRecord struct {
	Action    AuditAction
	Level     string
	Subject   string
	Detail    string
	RequestID string
	UserID    string
}

// AuditEmitter publishes audit records for message deletes, notification
// triggers and credentials rejected on refresh.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Action  AuditAction `json:"action"`
	Level   string      `json:"level"`
	Subject string      `json:"subject,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit is safe on a nil emitter. Level defaults to INFO.
func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}
	if rec.Level == "" {
		rec.Level = "INFO"
	}
	var userID *string
	if rec.UserID != "" {
		user := rec.UserID
		userID = &user
	}

	log.Printf("audit emit action=%s level=%s subject=%s request_id=%s user_id=%s",
		rec.Action, rec.Level, rec.Subject, rec.RequestID, rec.UserID)
	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     "chat_audit",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		UserID:        userID,
		Payload: AuditPayload{
			Action:  rec.Action,
			Level:   rec.Level,
			Subject: rec.Subject,
			Detail:  rec.Detail,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		log.Printf("audit publish failed routing_key=%s action=%s err=%v", e.routingKey, rec.Action, err)
	}
}
