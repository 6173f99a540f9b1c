package rabbitmq

import (
	"context"
	"errors"

	"chat-sync/internal/notify"
)

// PushRoutingKey is where background push jobs land; a push worker
// consumes them and renders a system notification on the user's devices.
const PushRoutingKey = "push.jobs"

// PushPublisher hands background push jobs to the push exchange.
type PushPublisher struct {
	publisher Publisher
}

var _ notify.BackgroundPusher = (*PushPublisher)(nil)

func NewPushPublisher(publisher Publisher) *PushPublisher {
	return &PushPublisher{publisher: publisher}
}

func (p *PushPublisher) Push(ctx context.Context, job notify.PushJob) error {
	if job.TargetUserID == "" || job.NotificationID == "" {
		return errors.New("push job needs a target user and a notification id")
	}
	return p.publisher.PublishJSON(ctx, PushRoutingKey, job, map[string]string{
		"x-target-user-id": job.TargetUserID,
	})
}
