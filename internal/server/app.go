// Package server builds the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	dynamodbsdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	s3sdk "github.com/aws/aws-sdk-go-v2/service/s3"
	sqssdk "github.com/aws/aws-sdk-go-v2/service/sqs"
	textractsdk "github.com/aws/aws-sdk-go-v2/service/textract"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/analyzer/textract"
	"github.com/JakeFAU/webshot/internal/awsutil"
	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/clock/system"
	"github.com/JakeFAU/webshot/internal/config"
	"github.com/JakeFAU/webshot/internal/deadletter"
	"github.com/JakeFAU/webshot/internal/dispatcher"
	"github.com/JakeFAU/webshot/internal/hash/sha256"
	"github.com/JakeFAU/webshot/internal/id/uuid"
	"github.com/JakeFAU/webshot/internal/ingress"
	"github.com/JakeFAU/webshot/internal/lambdahost"
	"github.com/JakeFAU/webshot/internal/logging"
	ddbstore "github.com/JakeFAU/webshot/internal/metadata/dynamodb"
	memorymeta "github.com/JakeFAU/webshot/internal/metadata/memory"
	pgstore "github.com/JakeFAU/webshot/internal/metadata/postgres"
	redisstore "github.com/JakeFAU/webshot/internal/metadata/redis"
	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/policy/ratelimit"
	memoryqueue "github.com/JakeFAU/webshot/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/webshot/internal/queue/pubsub"
	sqsqueue "github.com/JakeFAU/webshot/internal/queue/sqs"
	"github.com/JakeFAU/webshot/internal/render/headless"
	gcsstore "github.com/JakeFAU/webshot/internal/storage/gcs"
	localstore "github.com/JakeFAU/webshot/internal/storage/local"
	memorystore "github.com/JakeFAU/webshot/internal/storage/memory"
	s3store "github.com/JakeFAU/webshot/internal/storage/s3"
	"github.com/JakeFAU/webshot/internal/telemetry"
	"github.com/JakeFAU/webshot/internal/worker"
)

const readinessTimeout = 2 * time.Second

// Option overrides a collaborator Build would otherwise construct.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	clock    pipeline.Clock
	renderer pipeline.Renderer
	analyzer pipeline.Analyzer
}

// WithLogger uses logger instead of building one from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces the wall clock.
func WithClock(clock pipeline.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithRenderer replaces the headless Chrome renderer.
func WithRenderer(renderer pipeline.Renderer) Option {
	return func(o *options) { o.renderer = renderer }
}

// WithAnalyzer replaces the Textract analyzer.
func WithAnalyzer(analyzer pipeline.Analyzer) Option {
	return func(o *options) { o.analyzer = analyzer }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pipeline.Clock
	hook   telemetry.Hook

	awsCfg      *aws.Config
	objects     pipeline.ObjectStore
	records     pipeline.MetadataStore
	queue       pipeline.Queue
	deadLetters pipeline.DeadLetterSink
	renderer    pipeline.Renderer
	analyzer    pipeline.Analyzer

	capture  *capture.Worker
	ingress  *ingress.Server
	dispatch *dispatcher.Dispatcher

	memoryQueue    *memoryqueue.Queue
	closers        []func(context.Context) error
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Observability.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	clock := o.clock
	if clock == nil {
		clock = system.New()
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		renderer: o.renderer,
		analyzer: o.analyzer,
	}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("metadata_backend", cfg.Metadata.Backend),
	)

	tp, shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.TracingConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ProfilingGroup: cfg.Observability.ProfilingGroup,
		SampleRatio:    cfg.Observability.SampleRatio,
		Exporter:       cfg.Observability.Exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = shutdown
	app.hook = telemetry.NewHook(tp.Tracer("github.com/JakeFAU/webshot"))

	steps := []func(context.Context) error{
		app.setupStorage,
		app.setupMetadata,
		app.setupQueue,
		app.setupRenderer,
		app.setupAnalyzer,
		app.setupCapture,
		app.setupDispatcher,
		app.setupIngress,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure(ctx)
			app.closeObservability(ctx)
			return nil, err
		}
	}
	return app, nil
}

// Handler returns the ingress router.
func (a *App) Handler() http.Handler {
	return a.ingress.Handler()
}

// Queue exposes the configured durable queue.
func (a *App) Queue() pipeline.Queue {
	return a.queue
}

// DeadLetters returns the in-process dead-letter sink, or nil when dead
// letters are kept by the queue service.
func (a *App) DeadLetters() pipeline.DeadLetterSink {
	return a.deadLetters
}

// Records exposes the metadata store for reads.
func (a *App) Records() pipeline.MetadataReader {
	return a.records
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// CaptureHandler adapts the capture worker to API Gateway events.
func (a *App) CaptureHandler() (*lambdahost.CaptureHandler, error) {
	allowlist, err := ingress.ParseAllowlist(a.cfg.Ingress.IPAllowlist)
	if err != nil {
		return nil, err
	}
	signer, _ := a.objects.(pipeline.URLSigner)
	return lambdahost.NewCaptureHandler(a.capture, signer, a.clock, lambdahost.CaptureConfig{
		FaviconURL: a.cfg.Ingress.FaviconURL,
		Allowlist:  allowlist,
		PresignTTL: a.cfg.Capture.PresignTTL,
	}, a.logger.Named("lambda_capture"))
}

// AnalysisHandler adapts the analysis worker to SQS events.
func (a *App) AnalysisHandler() (*lambdahost.AnalysisHandler, error) {
	return lambdahost.NewAnalysisHandler(
		a.objects,
		a.records,
		a.analyzer,
		a.clock,
		a.hook,
		worker.Config{Timeout: a.cfg.Analysis.Timeout},
		a.logger.Named("lambda_analysis"),
	)
}

// Run serves HTTP and, when analysis is embedded, runs the worker pool until
// ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan error, 1)
	if a.cfg.Analysis.Embedded {
		go func() {
			workersDone <- a.dispatch.Run(ctx)
		}()
	} else {
		if a.memoryQueue != nil {
			a.logger.Warn("memory queue without embedded analysis; work items will not be consumed")
		}
		close(workersDone)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-workersDone; err != nil {
		a.logger.Error("analysis workers failed", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// RunWorkers runs only the analysis worker pool.
func (a *App) RunWorkers(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := a.dispatch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if cerr := a.Close(shutdownCtx); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsutil.Load(ctx, a.cfg.AWS.Region, a.cfg.AWS.EndpointURL)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config init failed: %w", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.BackendS3:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return err
		}
		client := s3sdk.NewFromConfig(awsCfg, func(o *s3sdk.Options) {
			if a.cfg.AWS.EndpointURL != "" {
				o.UsePathStyle = true
			}
		})
		store, err := s3store.NewFromClient(client, cfg.Bucket)
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.objects = store
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		a.objects = store
	case config.BackendLocal:
		store, err := localstore.New(localstore.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.objects = store
	default:
		a.objects = memorystore.NewBlobStore()
	}
	a.logger.Info("object store ready", zap.String("backend", cfg.Backend), zap.String("bucket", cfg.Bucket))
	return nil
}

func (a *App) setupMetadata(ctx context.Context) error {
	cfg := a.cfg.Metadata
	switch cfg.Backend {
	case config.BackendDynamoDB:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return err
		}
		store, err := ddbstore.New(dynamodbsdk.NewFromConfig(awsCfg), cfg.Table)
		if err != nil {
			return fmt.Errorf("dynamodb store init failed: %w", err)
		}
		a.records = store
	case config.BackendPostgres:
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.onClose(func(context.Context) error { store.Close(); return nil })
		a.records = store
	case config.BackendRedis:
		store, err := redisstore.NewStore(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Table + ":",
		})
		if err != nil {
			return fmt.Errorf("redis store init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		a.records = store
	default:
		a.records = memorymeta.NewStore()
	}
	a.logger.Info("metadata store ready", zap.String("backend", cfg.Backend), zap.String("table", cfg.Table))
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	cfg := a.cfg.Queue
	logger := a.logger.Named("queue")
	switch cfg.Backend {
	case config.BackendSQS:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return err
		}
		q, err := sqsqueue.New(sqssdk.NewFromConfig(awsCfg), sqsqueue.Config{
			QueueURL:          cfg.Endpoint,
			VisibilityTimeout: cfg.VisibilityTimeout,
			WaitTime:          cfg.WaitTime,
		}, a.clock, logger)
		if err != nil {
			return fmt.Errorf("sqs queue init failed: %w", err)
		}
		a.queue = q
	case config.BackendPubSub:
		q, err := pubsubqueue.Dial(ctx, pubsubqueue.Config{
			ProjectID:    a.cfg.GCP.ProjectID,
			Topic:        cfg.Endpoint,
			Subscription: cfg.Subscription,
			AckDeadline:  cfg.VisibilityTimeout,
		}, a.clock, logger)
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return q.Close() })
		a.queue = q
	default:
		sink := deadletter.NewSink()
		q, err := memoryqueue.NewQueue(memoryqueue.Config{
			VisibilityTimeout: cfg.VisibilityTimeout,
			MaxAttempts:       cfg.MaxAttempts,
		}, a.clock, uuid.New(), sink, logger)
		if err != nil {
			return fmt.Errorf("memory queue init failed: %w", err)
		}
		a.memoryQueue = q
		a.deadLetters = sink
		a.queue = q
	}
	a.logger.Info("queue ready",
		zap.String("backend", cfg.Backend),
		zap.Duration("visibility_timeout", cfg.VisibilityTimeout),
		zap.Int("max_attempts", cfg.MaxAttempts),
	)
	return nil
}

func (a *App) setupRenderer(context.Context) error {
	if a.renderer != nil {
		return nil
	}
	cfg := a.cfg.Capture
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.DomainRPS,
		DefaultBurst: cfg.DomainBurst,
	})
	renderer, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Ingress.ReservedConcurrency,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.Timeout,
		ViewportWidth:     cfg.ViewportWidth,
		ViewportHeight:    cfg.ViewportHeight,
	}, limiter)
	if err != nil {
		return fmt.Errorf("renderer init failed: %w", err)
	}
	a.onClose(func(context.Context) error { renderer.Close(); return nil })
	a.renderer = renderer
	a.logger.Info("headless renderer ready",
		zap.Int("max_parallel", a.cfg.Ingress.ReservedConcurrency),
		zap.Float64("domain_rps", cfg.DomainRPS),
	)
	return nil
}

func (a *App) setupAnalyzer(ctx context.Context) error {
	if a.analyzer != nil {
		return nil
	}
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return err
	}
	analyzer, err := textract.New(textractsdk.NewFromConfig(awsCfg), a.cfg.Analysis.MinConfidence,
		textract.WithMaxImageBytes(a.cfg.Analysis.MaxImageBytes))
	if err != nil {
		return fmt.Errorf("textract analyzer init failed: %w", err)
	}
	a.analyzer = analyzer
	return nil
}

func (a *App) setupCapture(context.Context) error {
	w, err := capture.New(
		a.renderer,
		a.objects,
		a.queue,
		sha256.New(),
		a.clock,
		a.hook,
		capture.Config{
			Timeout:      a.cfg.Capture.Timeout,
			ObjectPrefix: a.cfg.Capture.ObjectPrefix,
			ContentType:  a.cfg.Capture.ContentType,
		},
		a.logger.Named("capture"),
	)
	if err != nil {
		return fmt.Errorf("capture worker init failed: %w", err)
	}
	a.capture = w
	return nil
}

func (a *App) setupDispatcher(context.Context) error {
	workerCfg := worker.Config{Timeout: a.cfg.Analysis.Timeout}
	runners := make([]dispatcher.Runner, 0, a.cfg.Analysis.Instances)
	for i := 0; i < a.cfg.Analysis.Instances; i++ {
		w, err := worker.New(
			a.queue,
			a.objects,
			a.records,
			a.analyzer,
			a.clock,
			a.hook,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		)
		if err != nil {
			return fmt.Errorf("analysis worker init failed: %w", err)
		}
		runners = append(runners, w)
	}
	a.dispatch = dispatcher.New(runners, a.logger.Named("dispatcher"))
	a.logger.Info("analysis pool configured",
		zap.Int("instances", a.cfg.Analysis.Instances),
		zap.Duration("timeout", workerCfg.Timeout),
		zap.Bool("embedded", a.cfg.Analysis.Embedded),
	)
	return nil
}

func (a *App) setupIngress(context.Context) error {
	allowlist, err := ingress.ParseAllowlist(a.cfg.Ingress.IPAllowlist)
	if err != nil {
		return err
	}
	deps := ingress.Dependencies{
		Records: a.records,
		Ready:   a.ready,
		Clock:   a.clock,
	}
	if a.deadLetters != nil {
		deps.DeadLetters = a.deadLetters
		deps.Replayer = a.queue
	}
	if signer, ok := a.objects.(pipeline.URLSigner); ok {
		deps.Signer = signer
	}
	srv, err := ingress.NewServer(a.capture, deps, ingress.Config{
		FaviconURL:          a.cfg.Ingress.FaviconURL,
		Allowlist:           allowlist,
		ReservedConcurrency: a.cfg.Ingress.ReservedConcurrency,
		QueueWait:           a.cfg.Ingress.QueueWait,
		PresignTTL:          a.cfg.Capture.PresignTTL,
		TrustProxyHeaders:   a.cfg.Ingress.TrustProxyHeaders,
	}, a.logger.Named("ingress"))
	if err != nil {
		return fmt.Errorf("ingress init failed: %w", err)
	}
	a.ingress = srv
	return nil
}

// ready checks the metadata store with a bounded query.
func (a *App) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()
	if _, err := a.records.QueryRecords(ctx, pipeline.RecordQuery{Domain: "readyz.invalid", Limit: 1}); err != nil {
		return fmt.Errorf("metadata store not ready: %w", err)
	}
	return nil
}
