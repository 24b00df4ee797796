// Package memory provides an in-process durable queue with visibility leases
// and dead-letter routing for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/pipeline"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

const leaseExpiredReason = "visibility lease expired"

// Config controls lease length and the redelivery budget.
type Config struct {
	VisibilityTimeout time.Duration
	MaxAttempts       int
	// PollInterval bounds how long Receive sleeps before re-checking leases.
	PollInterval time.Duration
}

// IDSource mints message IDs and lease receipts.
type IDSource interface {
	NewID() (string, error)
	NewReceipt() (string, error)
}

type message struct {
	id      string
	item    pipeline.WorkItem
	lease   pipeline.Lease
	leased  bool
	lastErr string
}

// Queue is an at-least-once queue. A received message stays invisible until its
// lease expires or it is deleted. Expired leases return the message to the
// ready list, or route it to the dead-letter sink once MaxAttempts deliveries
// have been made.
type Queue struct {
	cfg         Config
	clock       pipeline.Clock
	ids         IDSource
	deadLetters pipeline.DeadLetterSink
	logger      *zap.Logger

	mu       sync.Mutex
	messages map[string]*message
	ready    []string
	pending  []pipeline.DeadLetterEntry
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

// NewQueue constructs a queue. deadLetters may be nil, in which case exhausted
// messages are logged and dropped.
func NewQueue(
	cfg Config,
	clock pipeline.Clock,
	ids IDSource,
	deadLetters pipeline.DeadLetterSink,
	logger *zap.Logger,
) (*Queue, error) {
	if cfg.VisibilityTimeout <= 0 {
		return nil, fmt.Errorf("visibility timeout must be > 0")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be > 0")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if clock == nil || ids == nil {
		return nil, fmt.Errorf("clock and id source are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:         cfg,
		clock:       clock,
		ids:         ids,
		deadLetters: deadLetters,
		logger:      logger,
		messages:    make(map[string]*message),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}, nil
}

// Enqueue stores item with DeliveryAttempt reset to zero.
func (q *Queue) Enqueue(ctx context.Context, item pipeline.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	if err := item.Validate(); err != nil {
		return err
	}
	id, err := q.ids.NewID()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	item.DeliveryAttempt = 0

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return pipeline.ErrQueueClosed
	}
	q.messages[id] = &message{id: id, item: item}
	q.ready = append(q.ready, id)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Receive blocks until a message can be leased, the queue closes or ctx ends.
func (q *Queue) Receive(ctx context.Context) (pipeline.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", err)
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pipeline.Delivery{}, pipeline.ErrQueueClosed
		}
		now := q.clock.Now()
		q.reapLocked(now)
		dead := q.pending
		q.pending = nil
		delivery, ok, err := q.leaseNextLocked(now)
		more := len(q.ready) > 0
		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		q.routeDeadLetters(ctx, dead)
		if err != nil {
			return pipeline.Delivery{}, err
		}
		if ok {
			if more {
				q.signal()
			}
			return delivery, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-q.done:
			timer.Stop()
			return pipeline.Delivery{}, pipeline.ErrQueueClosed
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Delete removes the delivered message. Unknown messages and stale receipts
// (the message was leased again after this lease expired) are no-ops.
func (q *Queue) Delete(_ context.Context, delivery pipeline.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.messages[delivery.MessageID]
	if !ok {
		return nil
	}
	if msg.lease.Receipt != delivery.Lease.Receipt {
		q.logger.Debug("ignoring delete with stale receipt",
			zap.String("message_id", delivery.MessageID),
			zap.String("object_key", delivery.Item.ObjectKey),
		)
		return nil
	}
	delete(q.messages, msg.id)
	q.removeReadyLocked(msg.id)
	return nil
}

// RecordFailure remembers cause as the last error of the delivered message. It
// does not change visibility; the lease still has to expire.
func (q *Queue) RecordFailure(_ context.Context, delivery pipeline.Delivery, cause error) error {
	if cause == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.messages[delivery.MessageID]
	if !ok || msg.lease.Receipt != delivery.Lease.Receipt {
		return nil
	}
	msg.lastErr = cause.Error()
	return nil
}

// Len reports the number of messages not yet deleted or dead-lettered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// InFlight reports the number of messages currently under lease.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msg := range q.messages {
		if msg.leased {
			n++
		}
	}
	return n
}

// Close wakes blocked receivers and rejects further operations.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) reapLocked(now time.Time) {
	for _, msg := range q.messages {
		if !msg.leased || !msg.lease.Expired(now) {
			continue
		}
		msg.leased = false
		if msg.item.DeliveryAttempt >= q.cfg.MaxAttempts {
			lastErr := msg.lastErr
			if lastErr == "" {
				lastErr = leaseExpiredReason
			}
			q.pending = append(q.pending, pipeline.DeadLetterEntry{
				MessageID:      msg.id,
				Item:           msg.item,
				FailureCount:   msg.item.DeliveryAttempt,
				LastError:      lastErr,
				DeadLetteredAt: now,
			})
			delete(q.messages, msg.id)
			continue
		}
		q.ready = append(q.ready, msg.id)
	}
}

func (q *Queue) leaseNextLocked(now time.Time) (pipeline.Delivery, bool, error) {
	if len(q.ready) == 0 {
		return pipeline.Delivery{}, false, nil
	}
	receipt, err := q.ids.NewReceipt()
	if err != nil {
		return pipeline.Delivery{}, false, fmt.Errorf("receive: %w", err)
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	msg := q.messages[id]
	msg.item.DeliveryAttempt++
	msg.leased = true
	msg.lease = pipeline.Lease{Receipt: receipt, ExpiresAt: now.Add(q.cfg.VisibilityTimeout)}
	return pipeline.Delivery{MessageID: id, Item: msg.item, Lease: msg.lease}, true, nil
}

func (q *Queue) nextWakeLocked(now time.Time) time.Duration {
	wait := q.cfg.PollInterval
	for _, msg := range q.messages {
		if !msg.leased {
			continue
		}
		until := msg.lease.ExpiresAt.Sub(now)
		if until < time.Millisecond {
			until = time.Millisecond
		}
		if until < wait {
			wait = until
		}
	}
	return wait
}

func (q *Queue) removeReadyLocked(id string) {
	for i, readyID := range q.ready {
		if readyID == id {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return
		}
	}
}

func (q *Queue) routeDeadLetters(ctx context.Context, entries []pipeline.DeadLetterEntry) {
	for i, entry := range entries {
		fields := []zap.Field{
			zap.String("message_id", entry.MessageID),
			zap.String("object_key", entry.Item.ObjectKey),
			zap.Int("failure_count", entry.FailureCount),
			zap.String("last_error", entry.LastError),
		}
		if q.deadLetters == nil {
			q.logger.Error("work item exhausted delivery budget, no dead-letter sink configured", fields...)
			continue
		}
		if err := q.deadLetters.Put(ctx, entry); err != nil {
			q.logger.Error("dead-letter put failed, will retry", append(fields, zap.Error(err))...)
			q.mu.Lock()
			q.pending = append(q.pending, entries[i:]...)
			q.mu.Unlock()
			return
		}
		telemetry.ObserveDeadLetter()
		q.logger.Warn("work item dead-lettered", fields...)
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
