package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// CaptureRequest is a single ingress call asking for a screenshot.
type CaptureRequest struct {
	TargetURL string
}

// CaptureArtifact describes an image written to the object store.
type CaptureArtifact struct {
	ObjectKey   string `json:"objectKey"`
	Domain      string `json:"domain"`
	CapturedAt  int64  `json:"capturedAt"`
	ByteSize    int64  `json:"byteSize"`
	ContentType string `json:"contentType"`
	SHA256      string `json:"sha256"`
	URI         string `json:"uri"`
}

// WorkItem is the queue message linking a capture to its analysis.
type WorkItem struct {
	ObjectKey       string `json:"objectKey"`
	Domain          string `json:"domain"`
	CapturedAt      int64  `json:"capturedAt"`
	DeliveryAttempt int    `json:"deliveryAttempt"`
}

// WorkItemFor builds the first-delivery WorkItem for an artifact.
func WorkItemFor(artifact CaptureArtifact) WorkItem {
	return WorkItem{
		ObjectKey:  artifact.ObjectKey,
		Domain:     artifact.Domain,
		CapturedAt: artifact.CapturedAt,
	}
}

// Validate reports whether the item carries enough information to be analyzed.
func (w WorkItem) Validate() error {
	switch {
	case w.ObjectKey == "":
		return fmt.Errorf("work item: object key is required")
	case w.Domain == "":
		return fmt.Errorf("work item: domain is required")
	case w.CapturedAt <= 0:
		return fmt.Errorf("work item: capturedAt must be > 0")
	}
	return nil
}

// EncodeWorkItem serializes an item for a queue message body.
func EncodeWorkItem(item WorkItem) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode work item: %w", err)
	}
	return body, nil
}

// DecodeWorkItem parses a queue message body and validates it.
func DecodeWorkItem(body []byte) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return WorkItem{}, fmt.Errorf("decode work item: %w", err)
	}
	if err := item.Validate(); err != nil {
		return WorkItem{}, err
	}
	return item, nil
}

// Lease is a time-bounded exclusive grant on a received message.
type Lease struct {
	Receipt   string    `json:"receipt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the grant no longer holds at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Delivery is one receive of a WorkItem under a lease.
type Delivery struct {
	MessageID string
	Item      WorkItem
	Lease     Lease
}

// AnalysisStatus summarizes the outcome of analyzing one capture.
type AnalysisStatus string

// Analysis outcomes.
const (
	StatusOK      AnalysisStatus = "ok"
	StatusPartial AnalysisStatus = "partial"
	StatusFailed  AnalysisStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s AnalysisStatus) Valid() bool {
	switch s {
	case StatusOK, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// AnalysisResult is what an Analyzer extracted from an image.
type AnalysisResult struct {
	Content    string
	Status     AnalysisStatus
	Confidence float64
}

// AnalysisRecord is the metadata row written per analyzed capture.
// (Domain, CapturedAt) is its key.
type AnalysisRecord struct {
	Domain           string         `json:"domain"`
	CapturedAt       int64          `json:"capturedAt"`
	ObjectKey        string         `json:"objectKey"`
	ExtractedContent string         `json:"extractedContent"`
	Status           AnalysisStatus `json:"status"`
	AnalyzedAt       time.Time      `json:"analyzedAt"`
}

// Validate checks the fields every metadata backend relies on.
func (r AnalysisRecord) Validate() error {
	switch {
	case r.Domain == "":
		return fmt.Errorf("record: domain is required")
	case r.CapturedAt <= 0:
		return fmt.Errorf("record: capturedAt must be > 0")
	case !r.Status.Valid():
		return fmt.Errorf("record: unknown status %q", r.Status)
	}
	return nil
}

// RecordQuery selects a domain's records with CapturedAt in [From, To].
// A zero To means no upper bound.
type RecordQuery struct {
	Domain string
	From   int64
	To     int64
	Limit  int
}

// Contains reports whether capturedAt falls inside the query window.
func (q RecordQuery) Contains(capturedAt int64) bool {
	if capturedAt < q.From {
		return false
	}
	return q.To == 0 || capturedAt <= q.To
}

// DeadLetterEntry is a WorkItem that exhausted its delivery budget.
type DeadLetterEntry struct {
	MessageID      string    `json:"messageId"`
	Item           WorkItem  `json:"item"`
	FailureCount   int       `json:"failureCount"`
	LastError      string    `json:"lastError"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}
