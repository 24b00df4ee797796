package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/metadata/memory"
	"github.com/JakeFAU/webshot/internal/pipeline"
	blobmemory "github.com/JakeFAU/webshot/internal/storage/memory"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

type receiveResult struct {
	delivery pipeline.Delivery
	err      error
}

type fakeQueue struct {
	mu       sync.Mutex
	script   []receiveResult
	receives int
	deleted  []pipeline.Delivery
	failures map[string]error
	delErr   error
}

func newFakeQueue(script ...receiveResult) *fakeQueue {
	return &fakeQueue{script: script, failures: make(map[string]error)}
}

func (q *fakeQueue) Receive(ctx context.Context) (pipeline.Delivery, error) {
	q.mu.Lock()
	q.receives++
	if len(q.script) > 0 {
		next := q.script[0]
		q.script = q.script[1:]
		q.mu.Unlock()
		return next.delivery, next.err
	}
	q.mu.Unlock()
	<-ctx.Done()
	return pipeline.Delivery{}, ctx.Err()
}

func (q *fakeQueue) Delete(_ context.Context, d pipeline.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delErr != nil {
		return q.delErr
	}
	q.deleted = append(q.deleted, d)
	return nil
}

func (q *fakeQueue) RecordFailure(_ context.Context, d pipeline.Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures[d.MessageID] = cause
	return nil
}

func (q *fakeQueue) deletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted)
}

func (q *fakeQueue) failureFor(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failures[id]
}

func (q *fakeQueue) receiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.receives
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	result pipeline.AnalysisResult
	err    error
	block  bool
	calls  int
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, _ []byte) (pipeline.AnalysisResult, error) {
	a.mu.Lock()
	a.calls++
	result, err, block := a.result, a.err, a.block
	a.mu.Unlock()
	if block {
		<-ctx.Done()
		return pipeline.AnalysisResult{}, ctx.Err()
	}
	return result, err
}

type failingRecords struct{}

func (failingRecords) UpsertRecord(context.Context, pipeline.AnalysisRecord) error {
	return errors.New("throughput exceeded")
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fixture struct {
	queue    *fakeQueue
	objects  *blobmemory.BlobStore
	records  *memory.Store
	analyzer *fakeAnalyzer
	worker   *Worker
}

func newFixture(t *testing.T, queue *fakeQueue, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		queue:    queue,
		objects:  blobmemory.NewBlobStore(),
		records:  memory.NewStore(),
		analyzer: &fakeAnalyzer{result: pipeline.AnalysisResult{Content: "Example Domain", Status: pipeline.StatusOK}},
	}
	w, err := New(queue, f.objects, f.records, f.analyzer, fakeClock{now: time.Unix(1_700_000_100, 0)}, telemetry.Hook{}, cfg, zap.NewNop())
	require.NoError(t, err)
	f.worker = w
	return f
}

func storedDelivery(t *testing.T, f *fixture, id string, capturedAt int64) pipeline.Delivery {
	t.Helper()
	key := pipeline.ObjectKey("", "example.com", capturedAt)
	_, err := f.objects.PutObject(context.Background(), key, "image/png", []byte("png"))
	require.NoError(t, err)
	return pipeline.Delivery{
		MessageID: id,
		Item:      pipeline.WorkItem{ObjectKey: key, Domain: "example.com", CapturedAt: capturedAt, DeliveryAttempt: 1},
		Lease:     pipeline.Lease{Receipt: "r-" + id},
	}
}

func queryAll(t *testing.T, f *fixture) []pipeline.AnalysisRecord {
	t.Helper()
	records, err := f.records.QueryRecords(context.Background(), pipeline.RecordQuery{Domain: "example.com"})
	require.NoError(t, err)
	return records
}

func TestProcessWritesRecordThenDeletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeQueue(), Config{})
	d := storedDelivery(t, f, "m1", 1_700_000_000_000)

	require.NoError(t, f.worker.Process(context.Background(), d))

	records := queryAll(t, f)
	require.Len(t, records, 1)
	require.Equal(t, d.Item.ObjectKey, records[0].ObjectKey)
	require.Equal(t, "Example Domain", records[0].ExtractedContent)
	require.Equal(t, pipeline.StatusOK, records[0].Status)
	require.Equal(t, time.Unix(1_700_000_100, 0).UTC(), records[0].AnalyzedAt)
	require.Equal(t, 1, f.queue.deletedCount())
}

func TestProcessMissingArtifactIsNotDeleted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeQueue(), Config{})
	d := pipeline.Delivery{
		MessageID: "m1",
		Item:      pipeline.WorkItem{ObjectKey: "example.com/1", Domain: "example.com", CapturedAt: 1, DeliveryAttempt: 1},
	}

	err := f.worker.Process(context.Background(), d)
	require.True(t, pipeline.IsCode(err, pipeline.CodeMissingArtifact))
	require.Zero(t, f.queue.deletedCount())
	require.Zero(t, f.records.Len())
	require.Equal(t, 0, f.analyzer.calls)
	require.Error(t, f.queue.failureFor("m1"))
}

func TestProcessAnalyzerFailureLeavesDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeQueue(), Config{})
	f.analyzer.err = errors.New("ocr unavailable")
	d := storedDelivery(t, f, "m1", 1_700_000_000_000)

	err := f.worker.Process(context.Background(), d)
	require.True(t, pipeline.IsCode(err, pipeline.CodeAnalysis))
	require.True(t, pipeline.Retriable(err))
	require.Zero(t, f.queue.deletedCount())
	require.Zero(t, f.records.Len())
	require.ErrorContains(t, f.queue.failureFor("m1"), "ocr unavailable")
}

func TestProcessAnalyzerTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeQueue(), Config{Timeout: 20 * time.Millisecond})
	f.analyzer.block = true
	d := storedDelivery(t, f, "m1", 1_700_000_000_000)

	err := f.worker.Process(context.Background(), d)
	require.True(t, pipeline.IsCode(err, pipeline.CodeAnalysis))
	require.True(t, pipeline.IsTimeout(err))
	require.Zero(t, f.queue.deletedCount())
}

func TestProcessUnreadableImageRecordsFailedStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeQueue(), Config{})
	f.analyzer.err = fmt.Errorf("detect: %w", pipeline.ErrUnreadableImage)
	d := storedDelivery(t, f, "m1", 1_700_000_000_000)

	require.NoError(t, f.worker.Process(context.Background(), d))

	records := queryAll(t, f)
	require.Len(t, records, 1)
	require.Equal(t, pipeline.StatusFailed, records[0].Status)
	require.Equal(t, 1, f.queue.deletedCount())
}

func TestProcessUpsertFailureLeavesDelivery(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	objects := blobmemory.NewBlobStore()
	_, err := objects.PutObject(context.Background(), "example.com/5", "image/png", []byte("png"))
	require.NoError(t, err)
	analyzer := &fakeAnalyzer{result: pipeline.AnalysisResult{Status: pipeline.StatusOK}}
	w, err := New(queue, objects, failingRecords{}, analyzer, fakeClock{now: time.Now()}, telemetry.Hook{}, Config{}, zap.NewNop())
	require.NoError(t, err)

	d := pipeline.Delivery{
		MessageID: "m1",
		Item:      pipeline.WorkItem{ObjectKey: "example.com/5", Domain: "example.com", CapturedAt: 5, DeliveryAttempt: 1},
	}
	err = w.Process(context.Background(), d)
	require.True(t, pipeline.IsCode(err, pipeline.CodeStorageWrite))

	var perr *pipeline.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "upsert", perr.Op)
	require.Zero(t, queue.deletedCount())
}

func TestProcessDeleteFailureIsNotAnAnalysisFailure(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	queue.delErr = errors.New("receipt expired")
	f := newFixture(t, queue, Config{})
	d := storedDelivery(t, f, "m1", 1_700_000_000_000)

	require.NoError(t, f.worker.Process(context.Background(), d))
	require.Equal(t, 1, f.records.Len())
	require.NoError(t, f.queue.failureFor("m1"))
}

func TestRedeliveryYieldsSingleRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeQueue(), Config{})
	d := storedDelivery(t, f, "m1", 1_700_000_000_000)

	require.NoError(t, f.worker.Process(context.Background(), d))
	d.Item.DeliveryAttempt = 2
	d.Lease.Receipt = "second"
	require.NoError(t, f.worker.Process(context.Background(), d))

	require.Len(t, queryAll(t, f), 1)
}

func TestRunProcessesAndRetriesReceiveErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newFakeQueue()
	f := newFixture(t, queue, Config{ReceiveBackoff: time.Millisecond, ReceiveMaxDelay: 2 * time.Millisecond})
	d := storedDelivery(t, f, "m1", 1_700_000_000_000)
	queue.script = []receiveResult{
		{err: errors.New("throttled")},
		{err: errors.New("throttled")},
		{delivery: d},
	}

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.queue.deletedCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, queue.receiveCount(), 3)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue(receiveResult{err: pipeline.ErrQueueClosed})
	f := newFixture(t, queue, Config{})

	require.NoError(t, f.worker.Run(context.Background()))
	require.Equal(t, 1, queue.receiveCount())
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, blobmemory.NewBlobStore(), memory.NewStore(), &fakeAnalyzer{}, fakeClock{}, telemetry.Hook{}, Config{}, nil)
	require.Error(t, err)
}
