package scheduler

import (
	"context"
	"fmt"

	"github.com/cuongbtq/file-converter/internal/domain"
)

// JSONPublisher publishes a JSON encoded message. *rabbitmq.Client implements it.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, v interface{}) error
}

// QueueDispatcher publishes claimed jobs for the worker service
type QueueDispatcher struct {
	publisher JSONPublisher
}

// NewQueueDispatcher creates a dispatcher publishing through p
func NewQueueDispatcher(p JSONPublisher) *QueueDispatcher {
	return &QueueDispatcher{publisher: p}
}

// Dispatch publishes {"job_id": jobID}
func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if err := d.publisher.PublishJSON(ctx, domain.JobMessage{JobID: jobID}); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}
