package ingress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/webshot/internal/config"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

type requestIDKey struct{}

// RequestID returns the request ID stored by the ingress middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(logger, w, http.StatusInternalServerError, codeInternal, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Allowlist holds the source networks permitted to trigger captures. An empty
// list permits everyone.
type Allowlist []netip.Prefix

// ParseAllowlist parses CIDR prefixes and bare addresses.
func ParseAllowlist(entries []string) (Allowlist, error) {
	list := make(Allowlist, 0, len(entries))
	for _, entry := range entries {
		prefix, err := config.ParseAllowlistEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("ip allowlist: %w", err)
		}
		list = append(list, prefix)
	}
	return list, nil
}

// Allows reports whether the source address (with or without a port) is
// permitted.
func (a Allowlist) Allows(source string) bool {
	if len(a) == 0 {
		return true
	}
	addr, ok := parseSource(source)
	if !ok {
		return false
	}
	for _, prefix := range a {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseSource(source string) (netip.Addr, bool) {
	if host, _, err := net.SplitHostPort(source); err == nil {
		source = host
	}
	addr, err := netip.ParseAddr(source)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func allowlistMiddleware(list Allowlist, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !list.Allows(r.RemoteAddr) {
				telemetry.ObserveIngressRejected("allowlist")
				logger.Warn("source address not allowed",
					zap.String("request_id", RequestID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(logger, w, http.StatusForbidden, codeForbidden, "not allowed - IP "+r.RemoteAddr)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// concurrencyMiddleware admits at most limit requests at a time. A request
// waits up to wait for a slot before being rejected with 429.
func concurrencyMiddleware(limit int, wait time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	slots := semaphore.NewWeighted(int64(limit))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !acquire(r.Context(), slots, wait) {
				telemetry.ObserveIngressRejected("concurrency")
				w.Header().Set("Retry-After", "1")
				writeError(logger, w, http.StatusTooManyRequests, codeTooManyRequests, "reserved concurrency exhausted")
				return
			}
			defer slots.Release(1)
			next.ServeHTTP(w, r)
		})
	}
}

func acquire(ctx context.Context, slots *semaphore.Weighted, wait time.Duration) bool {
	if wait <= 0 {
		return slots.TryAcquire(1)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return slots.Acquire(ctx, 1) == nil
}
