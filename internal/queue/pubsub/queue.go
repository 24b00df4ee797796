// Package pubsub adapts a Google Cloud Pub/Sub topic and pull subscription to
// the pipeline queue contract. Dead-lettering is configured on the
// subscription (dead letter policy), so DeliveryAttempt is populated only when
// that policy is set.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

// Publisher is the subset of the Pub/Sub publisher client the queue calls.
type Publisher interface {
	Publish(ctx context.Context, req *pubsubpb.PublishRequest, opts ...gax.CallOption) (*pubsubpb.PublishResponse, error)
	Close() error
}

// Subscriber is the subset of the Pub/Sub subscriber client the queue calls.
type Subscriber interface {
	Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error)
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...gax.CallOption) error
	Close() error
}

// Config names the topic and subscription.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
	// AckDeadline must match the subscription's ack deadline; it only sets Lease.ExpiresAt.
	AckDeadline time.Duration
	// PollInterval is the pause after an empty pull.
	PollInterval time.Duration
}

// Queue implements pipeline.Queue on Pub/Sub.
type Queue struct {
	pub    Publisher
	sub    Subscriber
	topic  string
	subs   string
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger
}

// Dial creates real publisher and subscriber clients and wraps them.
func Dial(ctx context.Context, cfg Config, clock pipeline.Clock, logger *zap.Logger, opts ...option.ClientOption) (*Queue, error) {
	pub, err := pubsubapi.NewPublisherClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub publisher: %w", err)
	}
	sub, err := pubsubapi.NewSubscriberClient(ctx, opts...)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("failed to create pubsub subscriber: %w", err)
	}
	q, err := New(pub, sub, cfg, clock, logger)
	if err != nil {
		_ = pub.Close()
		_ = sub.Close()
		return nil, err
	}
	return q, nil
}

// New wraps existing clients.
func New(pub Publisher, sub Subscriber, cfg Config, clock pipeline.Clock, logger *zap.Logger) (*Queue, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("pubsub: publisher and subscriber are required")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub: project id is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub: topic and subscription are required")
	}
	if cfg.AckDeadline <= 0 {
		return nil, errors.New("pubsub: ack deadline must be > 0")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if clock == nil {
		return nil, errors.New("pubsub: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		pub:    pub,
		sub:    sub,
		topic:  fullName(cfg.ProjectID, "topics", cfg.Topic),
		subs:   fullName(cfg.ProjectID, "subscriptions", cfg.Subscription),
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}, nil
}

func fullName(projectID, kind, id string) string {
	if strings.HasPrefix(id, "projects/") {
		return id
	}
	return fmt.Sprintf("projects/%s/%s/%s", projectID, kind, id)
}

// Enqueue publishes item and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, item pipeline.WorkItem) error {
	item.DeliveryAttempt = 0
	if err := item.Validate(); err != nil {
		return err
	}
	body, err := pipeline.EncodeWorkItem(item)
	if err != nil {
		return err
	}
	if _, err := q.pub.Publish(ctx, &pubsubpb.PublishRequest{
		Topic: q.topic,
		Messages: []*pubsubpb.PubsubMessage{{
			Data:       body,
			Attributes: map[string]string{"domain": item.Domain},
		}},
	}); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

// Receive pulls one message at a time until a decodable one arrives.
func (q *Queue) Receive(ctx context.Context) (pipeline.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", err)
		}
		resp, err := q.sub.Pull(ctx, &pubsubpb.PullRequest{
			Subscription: q.subs,
			MaxMessages:  1,
		})
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
			}
			return pipeline.Delivery{}, fmt.Errorf("pubsub pull: %w", err)
		}
		now := q.clock.Now()
		for _, received := range resp.GetReceivedMessages() {
			msg := received.GetMessage()
			item, err := pipeline.DecodeWorkItem(msg.GetData())
			if err != nil {
				q.logger.Error("leaving undecodable message for dead-letter policy",
					zap.String("message_id", msg.GetMessageId()),
					zap.Error(err),
				)
				continue
			}
			item.DeliveryAttempt = int(received.GetDeliveryAttempt())
			if item.DeliveryAttempt < 1 {
				item.DeliveryAttempt = 1
			}
			return pipeline.Delivery{
				MessageID: msg.GetMessageId(),
				Item:      item,
				Lease: pipeline.Lease{
					Receipt:   received.GetAckId(),
					ExpiresAt: now.Add(q.cfg.AckDeadline),
				},
			}, nil
		}
		if len(resp.GetReceivedMessages()) > 0 {
			continue
		}

		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Delete acknowledges the delivery.
func (q *Queue) Delete(ctx context.Context, delivery pipeline.Delivery) error {
	if err := q.sub.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: q.subs,
		AckIds:       []string{delivery.Lease.Receipt},
	}); err != nil {
		return fmt.Errorf("pubsub acknowledge: %w", err)
	}
	return nil
}

// Close releases both clients.
func (q *Queue) Close() error {
	return errors.Join(q.pub.Close(), q.sub.Close())
}
