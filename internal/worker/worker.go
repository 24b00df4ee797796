// Package worker implements the analysis execution loop: receive a work item,
// load its screenshot, extract content and upsert the metadata record.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/backoff"
	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultReceiveBackoff  = 100 * time.Millisecond
	defaultReceiveMaxDelay = 5 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	// Timeout bounds a single Analyze call.
	Timeout time.Duration
	// ReceiveBackoff and ReceiveMaxDelay shape the jittered retry after a
	// failed receive.
	ReceiveBackoff  time.Duration
	ReceiveMaxDelay time.Duration
}

// Worker consumes work items one at a time.
type Worker struct {
	queue    pipeline.QueueConsumer
	objects  pipeline.ObjectReader
	records  pipeline.MetadataWriter
	analyzer pipeline.Analyzer
	clock    pipeline.Clock
	hook     telemetry.Hook
	backoff  *backoff.Exponential
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue pipeline.QueueConsumer,
	objects pipeline.ObjectReader,
	records pipeline.MetadataWriter,
	analyzer pipeline.Analyzer,
	clock pipeline.Clock,
	hook telemetry.Hook,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if queue == nil || objects == nil || records == nil || analyzer == nil || clock == nil {
		return nil, errors.New("worker: queue, object reader, metadata writer, analyzer and clock are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = defaultReceiveBackoff
	}
	if cfg.ReceiveMaxDelay <= 0 {
		cfg.ReceiveMaxDelay = defaultReceiveMaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		objects:  objects,
		records:  records,
		analyzer: analyzer,
		clock:    clock,
		hook:     hook,
		backoff:  backoff.New(cfg.ReceiveBackoff, cfg.ReceiveMaxDelay),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Run blocks, consuming deliveries until ctx ends or the queue closes.
// Processing failures are logged and left to the queue's redelivery policy.
func (w *Worker) Run(ctx context.Context) error {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	failures := 0
	for {
		delivery, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, pipeline.ErrQueueClosed) {
				w.logger.Info("queue closed, worker stopping")
				return nil
			}
			failures++
			w.logger.Error("queue receive failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if werr := w.backoff.Wait(ctx, failures); werr != nil {
				return nil
			}
			continue
		}
		failures = 0

		if err := w.Process(ctx, delivery); err != nil {
			w.logger.Warn("analysis attempt failed",
				zap.String("object_key", delivery.Item.ObjectKey),
				zap.Int("delivery_attempt", delivery.Item.DeliveryAttempt),
				zap.String("code", string(pipeline.CodeOf(err))),
				zap.Error(err),
			)
		}
	}
}

// Process handles one delivery. The delivery is deleted only after its record
// was written; any returned error leaves it for redelivery.
func (w *Worker) Process(ctx context.Context, delivery pipeline.Delivery) (err error) {
	item := delivery.Item
	ctx, end := w.hook.Start(ctx, "analyze",
		attribute.String("domain", item.Domain),
		attribute.String("object_key", item.ObjectKey),
		attribute.Int("delivery_attempt", item.DeliveryAttempt),
	)
	defer func() { end(err) }()

	logger := w.logger.With(
		zap.String("object_key", item.ObjectKey),
		zap.String("domain", item.Domain),
		zap.Int("delivery_attempt", item.DeliveryAttempt),
	)

	defer func() {
		if err == nil {
			return
		}
		telemetry.ObserveAnalysis(outcomeFor(err))
		w.recordFailure(ctx, delivery, err, logger)
	}()

	image, err := w.objects.GetObject(ctx, item.ObjectKey)
	if err != nil {
		if errors.Is(err, pipeline.ErrObjectNotFound) {
			return pipeline.MissingArtifact(item.ObjectKey, err)
		}
		return pipeline.AnalysisFailed("read", err)
	}

	result, err := w.analyze(ctx, image)
	if err != nil {
		if !errors.Is(err, pipeline.ErrUnreadableImage) {
			return pipeline.AnalysisFailed("analyze", err)
		}
		logger.Warn("image rejected by analyzer, recording failure", zap.Error(err))
		result = pipeline.AnalysisResult{Status: pipeline.StatusFailed, Content: err.Error()}
	}

	record := pipeline.AnalysisRecord{
		Domain:           item.Domain,
		CapturedAt:       item.CapturedAt,
		ObjectKey:        item.ObjectKey,
		ExtractedContent: result.Content,
		Status:           result.Status,
		AnalyzedAt:       w.clock.Now().UTC(),
	}
	if err := w.records.UpsertRecord(ctx, record); err != nil {
		return pipeline.StorageWriteFailed("upsert", err)
	}
	telemetry.ObserveAnalysis(string(result.Status))

	if err := w.queue.Delete(ctx, delivery); err != nil {
		logger.Error("delete after upsert failed, item will be redelivered", zap.Error(err))
		return nil
	}
	logger.Info("analysis recorded", zap.String("status", string(result.Status)))
	return nil
}

func (w *Worker) analyze(ctx context.Context, image []byte) (pipeline.AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	result, err := w.analyzer.Analyze(ctx, image)
	if err != nil {
		return pipeline.AnalysisResult{}, err
	}
	if !result.Status.Valid() {
		result.Status = pipeline.StatusOK
	}
	return result, nil
}

func (w *Worker) recordFailure(ctx context.Context, delivery pipeline.Delivery, cause error, logger *zap.Logger) {
	recorder, ok := w.queue.(pipeline.FailureRecorder)
	if !ok {
		return
	}
	if err := recorder.RecordFailure(ctx, delivery, cause); err != nil {
		logger.Warn("record failure on delivery", zap.Error(err))
	}
}

func outcomeFor(err error) string {
	switch pipeline.CodeOf(err) {
	case pipeline.CodeMissingArtifact:
		return "missing_artifact"
	case pipeline.CodeStorageWrite:
		return "upsert_failed"
	}
	if pipeline.IsTimeout(err) {
		return "timeout"
	}
	return "error"
}
