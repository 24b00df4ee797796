// Package capture renders a target page, stores the screenshot and hands the
// capture off to the analysis queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultContentType = "image/png"
)

// Metric outcomes recorded per capture.
const (
	outcomeOK            = "ok"
	outcomeInvalidTarget = "invalid_target"
	outcomeRenderFailed  = "render_failed"
	outcomeTimeout       = "timeout"
	outcomePutFailed     = "put_failed"
	outcomeEnqueueFailed = "enqueue_failed"
)

// Config tunes a capture Worker.
type Config struct {
	Timeout      time.Duration
	ObjectPrefix string
	ContentType  string
}

// Worker is stateless; one instance serves any number of concurrent captures.
type Worker struct {
	renderer pipeline.Renderer
	objects  pipeline.ObjectWriter
	queue    pipeline.QueueSender
	hasher   pipeline.Hasher
	clock    pipeline.Clock
	hook     telemetry.Hook
	cfg      Config
	logger   *zap.Logger
	stamps   *stamper
}

// New wires a capture Worker. The worker only ever writes objects and sends
// work items.
func New(
	renderer pipeline.Renderer,
	objects pipeline.ObjectWriter,
	queue pipeline.QueueSender,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	hook telemetry.Hook,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if renderer == nil || objects == nil || queue == nil {
		return nil, errors.New("capture: renderer, object writer and queue are required")
	}
	if hasher == nil || clock == nil {
		return nil, errors.New("capture: hasher and clock are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		renderer: renderer,
		objects:  objects,
		queue:    queue,
		hasher:   hasher,
		clock:    clock,
		hook:     hook,
		cfg:      cfg,
		logger:   logger,
		stamps:   newStamper(),
	}, nil
}

// Capture screenshots req.TargetURL and stores it. When only the enqueue step
// fails the stored artifact is returned along with the error; the object is
// not removed.
func (w *Worker) Capture(ctx context.Context, req pipeline.CaptureRequest) (artifact pipeline.CaptureArtifact, err error) {
	start := w.clock.Now()
	outcome := outcomeOK
	defer func() {
		telemetry.ObserveCapture(outcome, artifact.ByteSize, w.clock.Now().Sub(start))
	}()

	target, err := pipeline.ParseTarget(req.TargetURL)
	if err != nil {
		outcome = outcomeInvalidTarget
		return pipeline.CaptureArtifact{}, err
	}
	domain := pipeline.DomainOf(target)

	ctx, end := w.hook.Start(ctx, "capture", attribute.String("domain", domain))
	defer func() { end(err) }()

	logger := w.logger.With(zap.String("domain", domain), zap.String("url", target.String()))

	image, err := w.render(ctx, target.String())
	if err != nil {
		outcome = outcomeRenderFailed
		if pipeline.IsTimeout(err) {
			outcome = outcomeTimeout
		}
		logger.Warn("render failed", zap.Error(err))
		return pipeline.CaptureArtifact{}, err
	}

	capturedAt := w.stamps.next(domain, pipeline.CapturedAt(start))
	key := pipeline.ObjectKey(w.cfg.ObjectPrefix, domain, capturedAt)
	digest, err := w.hasher.Hash(image)
	if err != nil {
		outcome = outcomeRenderFailed
		return pipeline.CaptureArtifact{}, pipeline.CaptureFailed("hash", err)
	}

	uri, err := w.objects.PutObject(ctx, key, w.cfg.ContentType, image)
	if err != nil {
		outcome = outcomePutFailed
		logger.Error("object put failed", zap.String("object_key", key), zap.Error(err))
		return pipeline.CaptureArtifact{}, pipeline.StorageWriteFailed("put", err)
	}

	artifact = pipeline.CaptureArtifact{
		ObjectKey:   key,
		Domain:      domain,
		CapturedAt:  capturedAt,
		ByteSize:    int64(len(image)),
		ContentType: w.cfg.ContentType,
		SHA256:      digest,
		URI:         uri,
	}

	if err := w.queue.Enqueue(ctx, pipeline.WorkItemFor(artifact)); err != nil {
		outcome = outcomeEnqueueFailed
		logger.Error("enqueue failed, artifact stored without analysis",
			zap.String("object_key", key),
			zap.Error(err),
		)
		return artifact, pipeline.StorageWriteFailed("enqueue", err)
	}

	logger.Info("capture stored",
		zap.String("object_key", key),
		zap.Int64("byte_size", artifact.ByteSize),
		zap.Duration("elapsed", w.clock.Now().Sub(start)),
	)
	return artifact, nil
}

func (w *Worker) render(ctx context.Context, target string) ([]byte, error) {
	renderCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	image, err := w.renderer.Render(renderCtx, target)
	if err != nil {
		if errors.Is(renderCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return nil, pipeline.CaptureFailed("render", err)
	}
	if len(image) == 0 {
		return nil, pipeline.CaptureFailed("render", errors.New("renderer returned an empty image"))
	}
	return image, nil
}
