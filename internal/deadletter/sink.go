// Package deadletter holds work items that exhausted their delivery budget so
// operators can inspect them and replay them by hand.
package deadletter

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

// Sink is an in-memory pipeline.DeadLetterSink in arrival order.
type Sink struct {
	mu      sync.RWMutex
	entries map[string]pipeline.DeadLetterEntry
	order   []string
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{entries: make(map[string]pipeline.DeadLetterEntry)}
}

// Put stores entry. A second Put for the same message replaces the first.
func (s *Sink) Put(_ context.Context, entry pipeline.DeadLetterEntry) error {
	if entry.MessageID == "" {
		return fmt.Errorf("dead letter: message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.MessageID]; !ok {
		s.order = append(s.order, entry.MessageID)
	}
	s.entries[entry.MessageID] = entry
	return nil
}

// List returns up to limit entries, oldest first. limit <= 0 returns all.
func (s *Sink) List(_ context.Context, limit int) ([]pipeline.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]pipeline.DeadLetterEntry, 0, n)
	for _, id := range s.order[:n] {
		out = append(out, s.entries[id])
	}
	return out, nil
}

// Get returns the entry for messageID.
func (s *Sink) Get(_ context.Context, messageID string) (pipeline.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[messageID]
	if !ok {
		return pipeline.DeadLetterEntry{}, fmt.Errorf("dead letter %s: %w", messageID, pipeline.ErrDeadLetterNotFound)
	}
	return entry, nil
}

// Remove deletes the entry for messageID. Removing an unknown entry is a no-op.
func (s *Sink) Remove(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[messageID]; !ok {
		return nil
	}
	delete(s.entries, messageID)
	for i, id := range s.order {
		if id == messageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Replay re-enqueues a dead-lettered item with a fresh delivery budget and then
// drops it from the sink. If the enqueue fails the entry stays in the sink.
func Replay(
	ctx context.Context,
	sink pipeline.DeadLetterSink,
	sender pipeline.QueueSender,
	messageID string,
) (pipeline.WorkItem, error) {
	entry, err := sink.Get(ctx, messageID)
	if err != nil {
		return pipeline.WorkItem{}, err
	}
	item := entry.Item
	item.DeliveryAttempt = 0
	if err := sender.Enqueue(ctx, item); err != nil {
		return pipeline.WorkItem{}, fmt.Errorf("replay enqueue: %w", err)
	}
	if err := sink.Remove(ctx, messageID); err != nil {
		return item, fmt.Errorf("replay remove: %w", err)
	}
	return item, nil
}
