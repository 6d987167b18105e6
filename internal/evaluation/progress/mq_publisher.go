package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"cloudeval/internal/common/mq"
	appErr "cloudeval/pkg/errors"
	"cloudeval/pkg/utils/logger"

	"go.uber.org/zap"
)

// MQPublisher publishes progress events to a message queue topic, keyed by job id
// so events of one job stay ordered within a partition.
type MQPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQPublisher creates a publisher for topic.
func NewMQPublisher(queue mq.Producer, topic string) *MQPublisher {
	return &MQPublisher{queue: queue, topic: topic}
}

// Publish sends one event and reports failures.
func (p *MQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("progress publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("progress topic is required")
	}
	if event.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.JobID
	message.SetHeader(mq.HeaderEvent, string(event.Name))
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.MessageQueueError, "publish progress event failed")
	}
	return nil
}

// Emit publishes the event and logs failures.
func (p *MQPublisher) Emit(ctx context.Context, event Event) {
	if err := p.Publish(ctx, event); err != nil {
		logger.Warn(ctx, "publish progress event failed",
			zap.String("event", string(event.Name)),
			zap.String("job_id", event.JobID),
			zap.Error(err),
		)
	}
}
