package lambdahost

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/telemetry"
	"github.com/JakeFAU/webshot/internal/worker"
)

// errBatchConsumer is returned if the worker loop is started on a batch consumer.
var errBatchConsumer = errors.New("lambdahost: batch consumer does not receive")

// batchConsumer lets the analysis worker acknowledge messages of an SQS event.
// The event source mapping deletes every message that is not reported as a
// batch item failure, so Delete only marks the message as done.
type batchConsumer struct {
	mu    sync.Mutex
	acked map[string]struct{}
}

func (b *batchConsumer) Receive(context.Context) (pipeline.Delivery, error) {
	return pipeline.Delivery{}, errBatchConsumer
}

func (b *batchConsumer) Delete(_ context.Context, d pipeline.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked[d.MessageID] = struct{}{}
	return nil
}

func (b *batchConsumer) isAcked(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.acked[id]
	return ok
}

// AnalysisHandler processes SQS events, reporting partial batch failures.
type AnalysisHandler struct {
	objects  pipeline.ObjectReader
	records  pipeline.MetadataWriter
	analyzer pipeline.Analyzer
	clock    pipeline.Clock
	hook     telemetry.Hook
	cfg      worker.Config
	logger   *zap.Logger
}

// NewAnalysisHandler builds an AnalysisHandler.
func NewAnalysisHandler(
	objects pipeline.ObjectReader,
	records pipeline.MetadataWriter,
	analyzer pipeline.Analyzer,
	clock pipeline.Clock,
	hook telemetry.Hook,
	cfg worker.Config,
	logger *zap.Logger,
) (*AnalysisHandler, error) {
	if objects == nil || records == nil || analyzer == nil || clock == nil {
		return nil, errors.New("lambdahost: object reader, metadata writer, analyzer and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisHandler{
		objects:  objects,
		records:  records,
		analyzer: analyzer,
		clock:    clock,
		hook:     hook,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Handle is the Lambda entry point. Messages that fail are returned as batch
// item failures so SQS redelivers them and its redrive policy dead-letters
// them after maxReceiveCount.
func (h *AnalysisHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	consumer := &batchConsumer{acked: make(map[string]struct{})}
	w, err := worker.New(consumer, h.objects, h.records, h.analyzer, h.clock, h.hook, h.cfg, h.logger)
	if err != nil {
		return events.SQSEventResponse{}, err
	}

	var resp events.SQSEventResponse
	for _, msg := range event.Records {
		logger := h.logger.With(zap.String("message_id", msg.MessageId))
		item, err := pipeline.DecodeWorkItem([]byte(msg.Body))
		if err != nil {
			logger.Error("undecodable message", zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: msg.MessageId})
			continue
		}
		item.DeliveryAttempt = receiveCount(msg.Attributes)

		delivery := pipeline.Delivery{
			MessageID: msg.MessageId,
			Item:      item,
			Lease:     pipeline.Lease{Receipt: msg.ReceiptHandle},
		}
		if err := w.Process(ctx, delivery); err != nil || !consumer.isAcked(msg.MessageId) {
			logger.Warn("analysis failed, leaving message for redelivery",
				zap.String("object_key", item.ObjectKey),
				zap.Int("delivery_attempt", item.DeliveryAttempt),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: msg.MessageId})
		}
	}
	return resp, nil
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs["ApproximateReceiveCount"])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
