package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/hash/sha256"
	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/storage/memory"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

type fakeRenderer struct {
	mu     sync.Mutex
	calls  []string
	image  []byte
	err    error
	block  bool
	active int
	peak   int
}

func (r *fakeRenderer) Render(ctx context.Context, target string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, target)
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	block, image, err := r.block, r.image, r.err
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return image, err
}

func (r *fakeRenderer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeSender struct {
	mu    sync.Mutex
	items []pipeline.WorkItem
	err   error
}

func (s *fakeSender) Enqueue(_ context.Context, item pipeline.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, item)
	return nil
}

type failingWriter struct{}

func (failingWriter) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWorker(t *testing.T, renderer pipeline.Renderer, objects pipeline.ObjectWriter, sender pipeline.QueueSender, clock pipeline.Clock, cfg Config) *Worker {
	t.Helper()
	w, err := New(renderer, objects, sender, sha256.New(), clock, telemetry.Hook{}, cfg, zap.NewNop())
	require.NoError(t, err)
	return w
}

func TestCaptureStoresAndEnqueues(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	renderer := &fakeRenderer{image: []byte("png-bytes")}
	objects := memory.NewBlobStore()
	sender := &fakeSender{}
	w := newTestWorker(t, renderer, objects, sender, &stepClock{now: now}, Config{})

	artifact, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: "https://Example.com/path?q=1"})
	require.NoError(t, err)

	require.Equal(t, "example.com", artifact.Domain)
	require.Equal(t, now.UnixMilli(), artifact.CapturedAt)
	require.Equal(t, pipeline.ObjectKey("", "example.com", now.UnixMilli()), artifact.ObjectKey)
	require.Equal(t, int64(len("png-bytes")), artifact.ByteSize)
	require.Equal(t, "image/png", artifact.ContentType)
	require.Len(t, artifact.SHA256, 64)
	require.Equal(t, "memory://"+artifact.ObjectKey, artifact.URI)

	stored, err := objects.GetObject(context.Background(), artifact.ObjectKey)
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), stored)

	require.Equal(t, []string{"https://Example.com/path?q=1"}, renderer.Calls())
	require.Len(t, sender.items, 1)
	require.Equal(t, pipeline.WorkItemFor(artifact), sender.items[0])
	require.Zero(t, sender.items[0].DeliveryAttempt)
}

func TestCaptureInvalidTargetMakesNoExternalCalls(t *testing.T) {
	t.Parallel()

	targets := []string{"", "not a url", "ftp://example.com/file", "/relative/path", "https://"}
	for _, target := range targets {
		renderer := &fakeRenderer{image: []byte("png")}
		objects := memory.NewBlobStore()
		sender := &fakeSender{}
		w := newTestWorker(t, renderer, objects, sender, &stepClock{now: time.Now()}, Config{})

		_, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: target})
		require.True(t, pipeline.IsCode(err, pipeline.CodeInvalidTarget), "target %q: %v", target, err)
		require.Empty(t, renderer.Calls(), "target %q", target)
		require.Zero(t, objects.Len())
		require.Empty(t, sender.items)
	}
}

func TestCaptureRenderFailureWritesNothing(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	objects := memory.NewBlobStore()
	sender := &fakeSender{}
	w := newTestWorker(t, renderer, objects, sender, &stepClock{now: time.Now()}, Config{})

	_, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: "https://nowhere.invalid"})
	require.True(t, pipeline.IsCode(err, pipeline.CodeCapture))
	require.False(t, pipeline.IsTimeout(err))
	require.Zero(t, objects.Len())
	require.Empty(t, sender.items)
	require.Len(t, renderer.Calls(), 1, "render is not retried")
}

func TestCaptureRenderTimeout(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{block: true}
	objects := memory.NewBlobStore()
	sender := &fakeSender{}
	w := newTestWorker(t, renderer, objects, sender, &stepClock{now: time.Now()}, Config{Timeout: 20 * time.Millisecond})

	_, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: "https://slow.example.com"})
	require.True(t, pipeline.IsCode(err, pipeline.CodeCapture))
	require.True(t, pipeline.IsTimeout(err))
	require.Zero(t, objects.Len())
	require.Empty(t, sender.items)
}

func TestCaptureEmptyImage(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{image: nil}
	sender := &fakeSender{}
	w := newTestWorker(t, renderer, memory.NewBlobStore(), sender, &stepClock{now: time.Now()}, Config{})

	_, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: "https://blank.example.com"})
	require.True(t, pipeline.IsCode(err, pipeline.CodeCapture))
	require.Empty(t, sender.items)
}

func TestCapturePutFailureSkipsEnqueue(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{image: []byte("png")}
	sender := &fakeSender{}
	w := newTestWorker(t, renderer, failingWriter{}, sender, &stepClock{now: time.Now()}, Config{})

	_, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: "https://example.com"})
	require.True(t, pipeline.IsCode(err, pipeline.CodeStorageWrite))

	var perr *pipeline.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "put", perr.Op)
	require.Empty(t, sender.items)
}

func TestCaptureEnqueueFailureKeepsArtifact(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{image: []byte("png")}
	objects := memory.NewBlobStore()
	sender := &fakeSender{err: errors.New("queue throttled")}
	w := newTestWorker(t, renderer, objects, sender, &stepClock{now: time.Now()}, Config{})

	artifact, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: "https://example.com"})
	require.True(t, pipeline.IsCode(err, pipeline.CodeStorageWrite))

	var perr *pipeline.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "enqueue", perr.Op)
	require.NotEmpty(t, artifact.ObjectKey)
	require.Equal(t, 1, objects.Len(), "stored object is not rolled back")
}

func TestCaptureKeysAreUniquePerDomainAndTime(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	renderer := &fakeRenderer{image: []byte("png")}
	objects := memory.NewBlobStore()
	sender := &fakeSender{}
	w := newTestWorker(t, renderer, objects, sender, clock, Config{ObjectPrefix: "shots"})

	seen := make(map[string]struct{})
	for _, target := range []string{"https://a.example.com", "https://b.example.com"} {
		for i := 0; i < 5; i++ {
			artifact, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: target})
			require.NoError(t, err)
			_, dup := seen[artifact.ObjectKey]
			require.False(t, dup, "duplicate key %s", artifact.ObjectKey)
			seen[artifact.ObjectKey] = struct{}{}

			domain, capturedAt, err := pipeline.ParseObjectKey("shots", artifact.ObjectKey)
			require.NoError(t, err)
			require.Equal(t, artifact.Domain, domain)
			require.Equal(t, artifact.CapturedAt, capturedAt)
			clock.Advance(time.Millisecond)
		}
	}
	require.Equal(t, 10, objects.Len())
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, memory.NewBlobStore(), &fakeSender{}, sha256.New(), &stepClock{}, telemetry.Hook{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(&fakeRenderer{}, memory.NewBlobStore(), &fakeSender{}, nil, &stepClock{}, telemetry.Hook{}, Config{}, nil)
	require.Error(t, err)
}

func TestConcurrentSameDomainCapturesGetDistinctKeys(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	objects := memory.NewBlobStore()
	sender := &fakeSender{}
	w := newTestWorker(t, &fakeRenderer{image: []byte("png")}, objects, sender, &stepClock{now: now}, Config{})

	targets := []string{"https://example.com/a", "https://example.com/b"}
	artifacts := make([]pipeline.CaptureArtifact, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		i, target := i, target
		wg.Add(1)
		go func() {
			defer wg.Done()
			artifact, err := w.Capture(context.Background(), pipeline.CaptureRequest{TargetURL: target})
			assert.NoError(t, err)
			artifacts[i] = artifact
		}()
	}
	wg.Wait()

	require.NotEqual(t, artifacts[0].ObjectKey, artifacts[1].ObjectKey)
	require.ElementsMatch(t, []int64{now.UnixMilli(), now.UnixMilli() + 1},
		[]int64{artifacts[0].CapturedAt, artifacts[1].CapturedAt})
	require.Equal(t, 2, objects.Len())
	require.Len(t, sender.items, 2)
}

func TestStamperAdvancesPerDomain(t *testing.T) {
	t.Parallel()

	s := newStamper()
	require.Equal(t, int64(100), s.next("example.com", 100))
	require.Equal(t, int64(101), s.next("example.com", 100))
	require.Equal(t, int64(102), s.next("example.com", 99))
	require.Equal(t, int64(100), s.next("example.org", 100))
	require.Equal(t, int64(500), s.next("example.com", 500))
}

func TestStamperPrunesStaleDomains(t *testing.T) {
	t.Parallel()

	s := newStamper()
	for i := 0; i < stampPruneAt; i++ {
		s.next(fmt.Sprintf("site-%d.example", i), 0)
	}
	s.next("fresh.example", stampRetention+1)
	require.Len(t, s.last, 1)
}
