package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies pipeline failures.
type Code string

// Error codes surfaced to callers and logs.
const (
	CodeInvalidTarget   Code = "InvalidTargetError"
	CodeCapture         Code = "CaptureError"
	CodeStorageWrite    Code = "StorageWriteError"
	CodeMissingArtifact Code = "MissingArtifactError"
	CodeAnalysis        Code = "AnalysisError"
)

var (
	// ErrObjectNotFound is returned by ObjectReader implementations for unknown keys.
	ErrObjectNotFound = errors.New("object not found")
	// ErrUnreadableImage marks an analyzer rejection that no retry can fix.
	ErrUnreadableImage = errors.New("image cannot be analyzed")
	// ErrQueueClosed is returned by queues that were shut down.
	ErrQueueClosed = errors.New("queue closed")
	// ErrDeadLetterNotFound is returned when a dead-letter entry does not exist.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// Error is a classified pipeline failure.
type Error struct {
	Code    Code
	Op      string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code Code, op string, err error) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Err:     err,
		Timeout: errors.Is(err, context.DeadlineExceeded),
	}
}

// InvalidTarget reports a malformed capture target.
func InvalidTarget(reason string, err error) *Error {
	return newError(CodeInvalidTarget, reason, err)
}

// CaptureFailed reports a render failure or timeout.
func CaptureFailed(op string, err error) *Error {
	return newError(CodeCapture, op, err)
}

// StorageWriteFailed reports an object put, enqueue or metadata upsert failure.
func StorageWriteFailed(op string, err error) *Error {
	return newError(CodeStorageWrite, op, err)
}

// MissingArtifact reports that a WorkItem references an object that does not exist.
func MissingArtifact(key string, err error) *Error {
	return newError(CodeMissingArtifact, "get object "+key, err)
}

// AnalysisFailed reports an analyzer failure or timeout.
func AnalysisFailed(op string, err error) *Error {
	return newError(CodeAnalysis, op, err)
}

// CodeOf extracts the Code from err, or "" when err is not a pipeline error.
func CodeOf(err error) Code {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsTimeout reports whether err is a pipeline error caused by a deadline.
func IsTimeout(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Timeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Retriable reports whether redelivering the same input may succeed.
// Capture failures are never retried automatically.
func Retriable(err error) bool {
	switch CodeOf(err) {
	case CodeStorageWrite, CodeAnalysis:
		return true
	default:
		return false
	}
}
