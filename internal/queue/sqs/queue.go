// Package sqs adapts an Amazon SQS queue to the pipeline queue contract.
// Redrive to a dead-letter queue is configured on the SQS queue itself
// (maxReceiveCount), so this package never dead-letters on its own.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

// API is the subset of the SQS client the queue calls.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config identifies the queue and its receive parameters.
type Config struct {
	QueueURL          string
	VisibilityTimeout time.Duration
	// WaitTime is the long-poll duration of one ReceiveMessage call (max 20s).
	WaitTime time.Duration
}

// Queue implements pipeline.Queue on SQS.
type Queue struct {
	api    API
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger
}

// New creates a Queue.
func New(api API, cfg Config, clock pipeline.Clock, logger *zap.Logger) (*Queue, error) {
	if api == nil {
		return nil, errors.New("sqs: api is required")
	}
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, errors.New("sqs: queue url is required")
	}
	if cfg.VisibilityTimeout < time.Second {
		return nil, errors.New("sqs: visibility timeout must be at least 1s")
	}
	if cfg.WaitTime < 0 || cfg.WaitTime > 20*time.Second {
		return nil, errors.New("sqs: wait time must be between 0 and 20s")
	}
	if clock == nil {
		return nil, errors.New("sqs: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{api: api, cfg: cfg, clock: clock, logger: logger}, nil
}

// Enqueue sends item as a JSON message body.
func (q *Queue) Enqueue(ctx context.Context, item pipeline.WorkItem) error {
	item.DeliveryAttempt = 0
	if err := item.Validate(); err != nil {
		return err
	}
	body, err := pipeline.EncodeWorkItem(item)
	if err != nil {
		return err
	}
	if _, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

// Receive long-polls until one valid message arrives or ctx ends.
func (q *Queue) Receive(ctx context.Context) (pipeline.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", err)
		}
		out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.cfg.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
			VisibilityTimeout:   int32(q.cfg.VisibilityTimeout / time.Second),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
			}
			return pipeline.Delivery{}, fmt.Errorf("sqs receive: %w", err)
		}
		// The lease starts when SQS hands out the message, not when the call returns.
		now := q.clock.Now()
		for _, msg := range out.Messages {
			item, err := pipeline.DecodeWorkItem([]byte(aws.ToString(msg.Body)))
			if err != nil {
				q.logger.Error("dropping undecodable message until redrive",
					zap.String("message_id", aws.ToString(msg.MessageId)),
					zap.Error(err),
				)
				continue
			}
			item.DeliveryAttempt = receiveCount(msg.Attributes)
			return pipeline.Delivery{
				MessageID: aws.ToString(msg.MessageId),
				Item:      item,
				Lease: pipeline.Lease{
					Receipt:   aws.ToString(msg.ReceiptHandle),
					ExpiresAt: now.Add(q.cfg.VisibilityTimeout),
				},
			}, nil
		}
	}
}

// Delete removes the message. An invalid or expired receipt handle is a no-op.
func (q *Queue) Delete(ctx context.Context, delivery pipeline.Delivery) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(delivery.Lease.Receipt),
	})
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		q.logger.Debug("ignoring delete with stale receipt", zap.String("message_id", delivery.MessageID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
