// Package ingress exposes the HTTP front door: capture requests on any path,
// a favicon bypass and operational routes under /_/.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/clock/system"
	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

const (
	defaultPresignTTL = time.Hour
	opsTimeout        = 30 * time.Second
)

// Capturer runs one capture. It is satisfied by *capture.Worker.
type Capturer interface {
	Capture(ctx context.Context, req pipeline.CaptureRequest) (pipeline.CaptureArtifact, error)
}

// Config controls admission and response shaping.
type Config struct {
	FaviconURL          string
	Allowlist           Allowlist
	ReservedConcurrency int
	// QueueWait is how long a capture waits for a free slot before 429.
	QueueWait  time.Duration
	PresignTTL time.Duration
	// TrustProxyHeaders makes X-Forwarded-For / X-Real-IP the client address.
	TrustProxyHeaders bool
}

// Dependencies are the optional collaborators behind the operational routes.
// Nil members disable the matching routes.
type Dependencies struct {
	Records     pipeline.MetadataReader
	DeadLetters pipeline.DeadLetterSink
	Replayer    pipeline.QueueSender
	Signer      pipeline.URLSigner
	Ready       func(ctx context.Context) error
	Clock       pipeline.Clock
}

// Server wires HTTP handlers to the capture worker and stores.
type Server struct {
	router   chi.Router
	capturer Capturer
	deps     Dependencies
	cfg      Config
	favicon  http.Handler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(capturer Capturer, deps Dependencies, cfg Config, logger *zap.Logger) (*Server, error) {
	if capturer == nil {
		return nil, errors.New("ingress: capturer is required")
	}
	if cfg.ReservedConcurrency <= 0 {
		return nil, fmt.Errorf("ingress: reserved concurrency must be > 0, got %d", cfg.ReservedConcurrency)
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	favicon, err := newFaviconProxy(cfg.FaviconURL, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		capturer: capturer,
		deps:     deps,
		cfg:      cfg,
		favicon:  favicon,
		logger:   logger,
	}

	r := chi.NewRouter()
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Handle("/favicon.ico", s.favicon)

	r.Route("/_", func(r chi.Router) {
		r.Use(timeoutMiddleware(opsTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Handle("/metrics", telemetry.Handler())
		if deps.Records != nil {
			r.Get("/records/{domain}", s.listRecords)
		}
		if deps.DeadLetters != nil {
			r.Get("/dead-letters", s.listDeadLetters)
			if deps.Replayer != nil {
				r.Post("/dead-letters/{id}/replay", s.replayDeadLetter)
			}
		}
	})

	r.With(
		allowlistMiddleware(cfg.Allowlist, logger),
		concurrencyMiddleware(cfg.ReservedConcurrency, cfg.QueueWait, logger),
	).HandleFunc("/*", s.capture)

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	start := s.deps.Clock.Now()
	target := TargetFromRequest(r)
	logger := s.logger.With(zap.String("request_id", RequestID(r.Context())), zap.String("target", target))

	artifact, err := s.capturer.Capture(r.Context(), pipeline.CaptureRequest{TargetURL: target})
	if err != nil {
		logger.Warn("capture failed",
			zap.String("code", ErrorCode(err)),
			zap.Int("status", StatusFor(err)),
			zap.Error(err),
		)
		writeCaptureError(logger, w, err, artifact)
		return
	}

	resp := CaptureResponse{
		CaptureArtifact: artifact,
		ElapsedSeconds:  s.deps.Clock.Now().Sub(start).Seconds(),
	}
	if s.deps.Signer != nil {
		signed, err := s.deps.Signer.PresignGet(r.Context(), artifact.ObjectKey, s.cfg.PresignTTL)
		if err != nil {
			logger.Warn("presign failed", zap.String("object_key", artifact.ObjectKey), zap.Error(err))
		} else {
			resp.URL = signed
		}
	}

	if WantsHTML(r.Header.Get("Accept")) {
		writeCaptureHTML(logger, w, target, resp)
		return
	}
	writeJSON(logger, w, http.StatusCreated, resp)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(s.logger, w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
			return
		}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func newFaviconProxy(raw string, logger *zap.Logger) (http.Handler, error) {
	if raw == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}), nil
	}
	upstream, err := url.Parse(raw)
	if err != nil || !upstream.IsAbs() || upstream.Host == "" {
		return nil, fmt.Errorf("ingress: invalid favicon url %q", raw)
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			out := *upstream
			pr.Out.URL = &out
			pr.Out.Host = upstream.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("favicon upstream failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.Error(err),
			)
			writeError(logger, w, http.StatusBadGateway, codeUnavailable, "favicon upstream unavailable")
		},
	}, nil
}
