package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/webshot/internal/deadletter"
	"github.com/JakeFAU/webshot/internal/metadata/memory"
	"github.com/JakeFAU/webshot/internal/pipeline"
)

type fakeCapturer struct {
	mu      sync.Mutex
	targets []string
	err     error
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
}

func (c *fakeCapturer) Capture(_ context.Context, req pipeline.CaptureRequest) (pipeline.CaptureArtifact, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	c.mu.Lock()
	c.targets = append(c.targets, req.TargetURL)
	err, delay := c.err, c.delay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		var perr *pipeline.Error
		if errors.As(err, &perr) && perr.Op == "enqueue" {
			return pipeline.CaptureArtifact{ObjectKey: "example.com/1"}, err
		}
		return pipeline.CaptureArtifact{}, err
	}
	return pipeline.CaptureArtifact{
		ObjectKey:   "example.com/1700000000000",
		Domain:      "example.com",
		CapturedAt:  1_700_000_000_000,
		ByteSize:    3,
		ContentType: "image/png",
		SHA256:      "abc",
		URI:         "memory://example.com/1700000000000",
	}, nil
}

func (c *fakeCapturer) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.targets...)
}

type fakeSigner struct{}

func (fakeSigner) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://signed.example/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

type fakeSender struct {
	mu    sync.Mutex
	items []pipeline.WorkItem
}

func (s *fakeSender) Enqueue(_ context.Context, item pipeline.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func newTestServer(t *testing.T, capturer Capturer, deps Dependencies, cfg Config) *Server {
	t.Helper()
	if cfg.ReservedConcurrency == 0 {
		cfg.ReservedConcurrency = 4
	}
	s, err := NewServer(capturer, deps, cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCaptureRouteReturnsArtifact(t *testing.T) {
	t.Parallel()

	capturer := &fakeCapturer{}
	server := newTestServer(t, capturer, Dependencies{Signer: fakeSigner{}}, Config{})

	req := httptest.NewRequest(http.MethodGet, "/example.com/path?q=1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	body := decodeBody[CaptureResponse](t, rec)
	require.Equal(t, "example.com/1700000000000", body.ObjectKey)
	require.Equal(t, "https://signed.example/example.com/1700000000000?ttl=3600", body.URL)
	require.Equal(t, []string{"https://example.com/path?q=1"}, capturer.Targets())
}

func TestCaptureRouteRendersHTML(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeCapturer{}, Dependencies{Signer: fakeSigner{}}, Config{})

	req := httptest.NewRequest(http.MethodGet, "/example.com", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "https://example.com - took")
	require.Contains(t, rec.Body.String(), `<img src="https://signed.example/example.com/1700000000000?ttl=3600">`)
}

func TestCaptureRouteUsesURLParameter(t *testing.T) {
	t.Parallel()

	capturer := &fakeCapturer{}
	server := newTestServer(t, capturer, Dependencies{}, Config{})

	req := httptest.NewRequest(http.MethodPost, "/?url=http%3A%2F%2Fexample.org%2Fa", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []string{"http://example.org/a"}, capturer.Targets())
}

func TestCaptureErrorStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid target", err: pipeline.InvalidTarget("parse target", errors.New("no host")), status: http.StatusBadRequest, code: "InvalidTargetError"},
		{name: "render failure", err: pipeline.CaptureFailed("render", errors.New("boom")), status: http.StatusBadGateway, code: "CaptureError"},
		{name: "render timeout", err: pipeline.CaptureFailed("render", context.DeadlineExceeded), status: http.StatusGatewayTimeout, code: "CaptureError"},
		{name: "put failure", err: pipeline.StorageWriteFailed("put", errors.New("denied")), status: http.StatusInternalServerError, code: "StorageWriteError"},
		{name: "enqueue failure", err: pipeline.StorageWriteFailed("enqueue", errors.New("throttled")), status: http.StatusServiceUnavailable, code: "StorageWriteError"},
		{name: "untyped", err: errors.New("surprise"), status: http.StatusInternalServerError, code: "InternalError"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, &fakeCapturer{err: tt.err}, Dependencies{}, Config{})

			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/example.com", nil))

			require.Equal(t, tt.status, rec.Code)
			body := decodeBody[ErrorBody](t, rec)
			require.Equal(t, tt.code, body.Error)
			require.NotEmpty(t, body.Message)
		})
	}
}

func TestEnqueueFailureReportsStoredObject(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeCapturer{err: pipeline.StorageWriteFailed("enqueue", errors.New("down"))}, Dependencies{}, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/example.com", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "example.com/1", decodeBody[ErrorBody](t, rec).ObjectKey)
}

func TestFaviconNeverInvokesCapture(t *testing.T) {
	t.Parallel()

	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		if r.URL.Path != "/static/favicon.ico" {
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusTeapot)
			return
		}
		w.Header().Set("Content-Type", "image/x-icon")
		_, _ = w.Write([]byte("ico"))
	}))
	t.Cleanup(upstream.Close)

	capturer := &fakeCapturer{}
	server := newTestServer(t, capturer, Dependencies{}, Config{FaviconURL: upstream.URL + "/static/favicon.ico"})

	methods := []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions}
	for _, method := range methods {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(method, "/favicon.ico", nil))
		require.Equal(t, http.StatusOK, rec.Code, method)
		if method != http.MethodHead {
			require.Equal(t, "ico", rec.Body.String(), method)
		}
	}

	require.Empty(t, capturer.Targets())
	require.Equal(t, int32(len(methods)), upstreamHits.Load())
}

func TestFaviconUpstreamFailure(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL + "/favicon.ico"
	upstream.Close()

	capturer := &fakeCapturer{}
	server := newTestServer(t, capturer, Dependencies{}, Config{FaviconURL: url})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Empty(t, capturer.Targets())
}

func TestAllowlistRejectsUnknownSources(t *testing.T) {
	t.Parallel()

	list, err := ParseAllowlist([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	capturer := &fakeCapturer{}
	server := newTestServer(t, capturer, Dependencies{}, Config{Allowlist: list})

	req := httptest.NewRequest(http.MethodGet, "/example.com", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, capturer.Targets())

	req = httptest.NewRequest(http.MethodGet, "/example.com", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestTrustedProxyHeadersFeedAllowlist(t *testing.T) {
	t.Parallel()

	list, err := ParseAllowlist([]string{"203.0.113.7"})
	require.NoError(t, err)
	server := newTestServer(t, &fakeCapturer{}, Dependencies{}, Config{Allowlist: list, TrustProxyHeaders: true})

	req := httptest.NewRequest(http.MethodGet, "/example.com", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestReservedConcurrencyBound(t *testing.T) {
	t.Parallel()

	capturer := &fakeCapturer{delay: 20 * time.Millisecond}
	server := newTestServer(t, capturer, Dependencies{}, Config{ReservedConcurrency: 2, QueueWait: 5 * time.Second})

	var wg sync.WaitGroup
	codes := make([]int, 12)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/site%d.example.com", i), nil))
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		require.Equal(t, http.StatusCreated, code, "request %d", i)
	}
	require.LessOrEqual(t, capturer.peak.Load(), int32(2))
	require.Len(t, capturer.Targets(), len(codes))
}

func TestReservedConcurrencyRejectsWithoutWait(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	blocking := &blockingCapturer{entered: make(chan struct{}, 1), release: release}
	server := newTestServer(t, blocking, Dependencies{}, Config{ReservedConcurrency: 1})

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a.example.com", nil))
		done <- rec.Code
	}()
	<-blocking.entered

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b.example.com", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "TooManyRequests", decodeBody[ErrorBody](t, rec).Error)

	close(release)
	require.Equal(t, http.StatusCreated, <-done)
}

type blockingCapturer struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCapturer) Capture(context.Context, pipeline.CaptureRequest) (pipeline.CaptureArtifact, error) {
	c.entered <- struct{}{}
	<-c.release
	return pipeline.CaptureArtifact{ObjectKey: "a.example.com/1"}, nil
}

func TestOpsRoutes(t *testing.T) {
	t.Parallel()

	records := memory.NewStore()
	for _, ts := range []int64{10, 20, 30} {
		require.NoError(t, records.UpsertRecord(context.Background(), pipeline.AnalysisRecord{
			Domain: "example.com", CapturedAt: ts, ObjectKey: fmt.Sprintf("example.com/%d", ts), Status: pipeline.StatusOK,
		}))
	}
	sink := deadletter.NewSink()
	require.NoError(t, sink.Put(context.Background(), pipeline.DeadLetterEntry{
		MessageID:    "m1",
		Item:         pipeline.WorkItem{ObjectKey: "example.com/10", Domain: "example.com", CapturedAt: 10, DeliveryAttempt: 3},
		FailureCount: 3,
		LastError:    "ocr unavailable",
	}))
	sender := &fakeSender{}
	capturer := &fakeCapturer{}
	server := newTestServer(t, capturer, Dependencies{
		Records:     records,
		DeadLetters: sink,
		Replayer:    sender,
		Ready:       func(context.Context) error { return nil },
	}, Config{})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	require.Equal(t, http.StatusOK, get("/_/healthz").Code)
	require.Equal(t, http.StatusOK, get("/_/readyz").Code)
	metrics := get("/_/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	require.True(t, strings.Contains(metrics.Body.String(), "http_requests_total"))

	rec := get("/_/records/example.com?from=15&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[recordsResponse](t, rec)
	require.Len(t, body.Records, 1)
	require.Equal(t, int64(20), body.Records[0].CapturedAt)

	require.Equal(t, http.StatusBadRequest, get("/_/records/example.com?limit=-1").Code)
	require.Equal(t, http.StatusBadRequest, get("/_/records/example.com?from=9&to=3").Code)

	rec = get("/_/dead-letters")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[deadLettersResponse](t, rec).Entries, 1)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_/dead-letters/m1/replay", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sender.items, 1)
	require.Zero(t, sender.items[0].DeliveryAttempt)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_/dead-letters/m1/replay", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusNotFound, get("/_/unknown").Code)
	require.Empty(t, capturer.Targets(), "ops routes never reach capture")
}

func TestReadyzReportsFailure(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeCapturer{}, Dependencies{
		Ready: func(context.Context) error { return errors.New("metadata store unreachable") },
	}, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, panicCapturer{}, Dependencies{}, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/example.com", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicCapturer struct{}

func (panicCapturer) Capture(context.Context, pipeline.CaptureRequest) (pipeline.CaptureArtifact, error) {
	panic("renderer exploded")
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil, Dependencies{}, Config{ReservedConcurrency: 1}, nil)
	require.Error(t, err)
	_, err = NewServer(&fakeCapturer{}, Dependencies{}, Config{}, nil)
	require.Error(t, err)
	_, err = NewServer(&fakeCapturer{}, Dependencies{}, Config{ReservedConcurrency: 1, FaviconURL: "not a url"}, nil)
	require.Error(t, err)
}

type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *brokenWriter) WriteHeader(status int) { w.status = status }

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("client went away")
}

func TestResponseWriteFailuresUseServerLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	server, err := NewServer(&fakeCapturer{}, Dependencies{}, Config{ReservedConcurrency: 1}, zap.New(core))
	require.NoError(t, err)

	w := &brokenWriter{}
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/example.com", nil))
	require.Equal(t, http.StatusCreated, w.status)

	req := httptest.NewRequest(http.MethodGet, "/example.com", nil)
	req.Header.Set("Accept", "text/html")
	server.Handler().ServeHTTP(&brokenWriter{}, req)

	require.Equal(t, 1, logs.FilterMessage("write JSON failed").Len())
	require.Equal(t, 1, logs.FilterMessage("write HTML failed").Len())
}
