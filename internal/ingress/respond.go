package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

// Error codes for rejections that happen before the capture worker runs.
const (
	codeTooManyRequests = "TooManyRequests"
	codeForbidden       = "Forbidden"
	codeNotFound        = "NotFound"
	codeBadRequest      = "BadRequest"
	codeInternal        = "InternalError"
	codeUnavailable     = "Unavailable"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ObjectKey string `json:"objectKey,omitempty"`
}

// CaptureResponse is the JSON body returned for a successful capture.
type CaptureResponse struct {
	pipeline.CaptureArtifact
	URL            string  `json:"url,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

var captureHTML = template.Must(template.New("capture").Parse(
	`<html><body><center>{{.Target}} - took {{printf "%.2f" .ElapsedSeconds}} seconds <br />` +
		`{{if .URL}}<img src="{{.URL}}">{{else}}stored as {{.ObjectKey}}{{end}}</center></body></html>`,
))

// StatusFor maps a capture error to its HTTP status.
func StatusFor(err error) int {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError
	}
	switch perr.Code {
	case pipeline.CodeInvalidTarget:
		return http.StatusBadRequest
	case pipeline.CodeCapture:
		if perr.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case pipeline.CodeStorageWrite:
		if perr.Op == "enqueue" {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case pipeline.CodeMissingArtifact:
		return http.StatusNotFound
	case pipeline.CodeAnalysis:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the code reported in an error body.
func ErrorCode(err error) string {
	if code := pipeline.CodeOf(err); code != "" {
		return string(code)
	}
	return codeInternal
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Int("status", status), zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, code, msg string) {
	writeJSON(logger, w, status, ErrorBody{Error: code, Message: msg})
}

// CaptureErrorBody describes a failed capture. artifact is non-empty only when
// the image was stored but could not be queued.
func CaptureErrorBody(err error, artifact pipeline.CaptureArtifact) ErrorBody {
	return ErrorBody{
		Error:     ErrorCode(err),
		Message:   err.Error(),
		ObjectKey: artifact.ObjectKey,
	}
}

// RenderHTML writes the browser-facing page for a successful capture.
func RenderHTML(w io.Writer, target string, resp CaptureResponse) error {
	data := struct {
		CaptureResponse
		Target string
	}{resp, target}
	if err := captureHTML.Execute(w, data); err != nil {
		return fmt.Errorf("render capture page: %w", err)
	}
	return nil
}

// WantsHTML reports whether an Accept header asks for a browser page.
func WantsHTML(accept string) bool {
	return strings.Contains(accept, "text/html")
}

func writeCaptureError(logger *zap.Logger, w http.ResponseWriter, err error, artifact pipeline.CaptureArtifact) {
	writeJSON(logger, w, StatusFor(err), CaptureErrorBody(err, artifact))
}

func writeCaptureHTML(logger *zap.Logger, w http.ResponseWriter, target string, resp CaptureResponse) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	if err := RenderHTML(w, target, resp); err != nil {
		logger.Error("write HTML failed", zap.Error(err))
	}
}
