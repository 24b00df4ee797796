package pipeline

import (
	"context"
	"time"
)

// ObjectWriter stores captured images. Capture only ever needs this half.
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// ObjectReader loads a stored image. Missing keys return ErrObjectNotFound.
type ObjectReader interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// ObjectStore is the full object store contract.
type ObjectStore interface {
	ObjectWriter
	ObjectReader
}

// URLSigner is implemented by object stores that can hand out temporary read URLs.
type URLSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// MetadataWriter upserts analysis records keyed by (domain, capturedAt).
type MetadataWriter interface {
	UpsertRecord(ctx context.Context, record AnalysisRecord) error
}

// MetadataReader range-queries a domain's records in ascending capturedAt order.
type MetadataReader interface {
	QueryRecords(ctx context.Context, query RecordQuery) ([]AnalysisRecord, error)
}

// MetadataStore is the full metadata store contract.
type MetadataStore interface {
	MetadataWriter
	MetadataReader
}

// QueueSender is the send-only side of the durable queue.
type QueueSender interface {
	Enqueue(ctx context.Context, item WorkItem) error
}

// QueueConsumer is the consume-only side of the durable queue.
type QueueConsumer interface {
	Receive(ctx context.Context) (Delivery, error)
	Delete(ctx context.Context, delivery Delivery) error
}

// Queue is the full durable queue contract.
type Queue interface {
	QueueSender
	QueueConsumer
}

// FailureRecorder lets a consumer attach the cause of a failed attempt to an
// outstanding delivery without releasing its lease.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, delivery Delivery, cause error) error
}

// DeadLetterSink holds work items that exhausted their delivery budget.
type DeadLetterSink interface {
	Put(ctx context.Context, entry DeadLetterEntry) error
	List(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	Get(ctx context.Context, messageID string) (DeadLetterEntry, error)
	Remove(ctx context.Context, messageID string) error
}

// Renderer produces a screenshot of a page.
type Renderer interface {
	Render(ctx context.Context, targetURL string) ([]byte, error)
}

// Analyzer extracts content from a screenshot. Permanent rejections of the
// image itself wrap ErrUnreadableImage.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (AnalysisResult, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces message and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
