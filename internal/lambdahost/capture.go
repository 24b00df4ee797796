// Package lambdahost adapts the capture and analysis workers to AWS Lambda
// event sources: API Gateway HTTP APIs for capture and SQS for analysis.
package lambdahost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/ingress"
	"github.com/JakeFAU/webshot/internal/pipeline"
)

const faviconPath = "/favicon.ico"

// CaptureConfig shapes the API Gateway capture handler.
type CaptureConfig struct {
	FaviconURL string
	Allowlist  ingress.Allowlist
	PresignTTL time.Duration
}

// CaptureHandler serves API Gateway v2 HTTP requests.
type CaptureHandler struct {
	capturer ingress.Capturer
	signer   pipeline.URLSigner
	clock    pipeline.Clock
	cfg      CaptureConfig
	logger   *zap.Logger
}

// NewCaptureHandler builds a CaptureHandler. signer may be nil.
func NewCaptureHandler(
	capturer ingress.Capturer,
	signer pipeline.URLSigner,
	clock pipeline.Clock,
	cfg CaptureConfig,
	logger *zap.Logger,
) (*CaptureHandler, error) {
	if capturer == nil || clock == nil {
		return nil, errors.New("lambdahost: capturer and clock are required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureHandler{
		capturer: capturer,
		signer:   signer,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Handle is the Lambda entry point.
func (h *CaptureHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	start := h.clock.Now()
	logger := h.logger.With(
		zap.String("request_id", req.RequestContext.RequestID),
		zap.String("source_ip", req.RequestContext.HTTP.SourceIP),
	)

	if req.RawPath == faviconPath {
		if h.cfg.FaviconURL == "" {
			return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNoContent}, nil
		}
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusFound,
			Headers:    map[string]string{"Location": h.cfg.FaviconURL},
		}, nil
	}

	if !h.cfg.Allowlist.Allows(req.RequestContext.HTTP.SourceIP) {
		logger.Warn("source address not allowed")
		return jsonResponse(http.StatusForbidden, ingress.ErrorBody{
			Error:   "Forbidden",
			Message: "not allowed - IP " + req.RequestContext.HTTP.SourceIP,
		}), nil
	}

	param, hasParam := req.QueryStringParameters["url"]
	target := ingress.ResolveTarget(param, hasParam, req.RawPath, req.RawQueryString)

	artifact, err := h.capturer.Capture(ctx, pipeline.CaptureRequest{TargetURL: target})
	if err != nil {
		logger.Warn("capture failed", zap.String("target", target), zap.Error(err))
		return jsonResponse(ingress.StatusFor(err), ingress.CaptureErrorBody(err, artifact)), nil
	}

	resp := ingress.CaptureResponse{
		CaptureArtifact: artifact,
		ElapsedSeconds:  h.clock.Now().Sub(start).Seconds(),
	}
	if h.signer != nil {
		signed, err := h.signer.PresignGet(ctx, artifact.ObjectKey, h.cfg.PresignTTL)
		if err != nil {
			logger.Warn("presign failed", zap.String("object_key", artifact.ObjectKey), zap.Error(err))
		} else {
			resp.URL = signed
		}
	}

	if ingress.WantsHTML(header(req.Headers, "Accept")) {
		var body bytes.Buffer
		if err := ingress.RenderHTML(&body, target, resp); err != nil {
			return events.APIGatewayV2HTTPResponse{}, err
		}
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusCreated,
			Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
			Body:       body.String(),
		}, nil
	}
	return jsonResponse(http.StatusCreated, resp), nil
}

func jsonResponse(status int, v any) events.APIGatewayV2HTTPResponse {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(b),
	}
}

// header looks up name case-insensitively; API Gateway lower-cases v2 headers.
func header(headers map[string]string, name string) string {
	if v, ok := headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
