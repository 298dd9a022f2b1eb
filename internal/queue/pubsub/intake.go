// Package pubsub feeds jobs from a Google Cloud Pub/Sub subscription into
// the local queue, letting external producers submit crawl work without
// touching the HTTP API.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/pipeline"
	"github.com/aegiscrawl/aegis/internal/queue"
)

// Intake subscribes to a Pub/Sub topic carrying job JSON and enqueues each
// message locally. Malformed messages are acked and dropped; enqueue
// failures nack so Pub/Sub re-delivers.
type Intake struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	queue  queue.Queue
	logger *zap.Logger
}

// NewIntake connects to the subscription using Application Default
// Credentials and verifies it exists.
func NewIntake(ctx context.Context, projectID, subscriptionID string, q queue.Queue, logger *zap.Logger) (*Intake, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after subscription check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check subscription %q: %w", subscriptionID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after missing subscription", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", subscriptionID, projectID)
	}
	return &Intake{client: client, sub: sub, queue: q, logger: logger}, nil
}

// Run blocks receiving messages until the context ends.
func (i *Intake) Run(ctx context.Context) error {
	err := i.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var job pipeline.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			i.logger.Warn("dropping malformed job message", zap.Error(err))
			msg.Ack()
			return
		}
		if job.URL == "" {
			i.logger.Warn("dropping job message without url", zap.String("job_id", job.ID))
			msg.Ack()
			return
		}
		if err := i.queue.Enqueue(ctx, job, 0); err != nil {
			i.logger.Warn("enqueue from pubsub failed, redelivering",
				zap.String("job_id", job.ID), zap.Error(err))
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close releases the underlying client connection.
func (i *Intake) Close() error {
	if err := i.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
