// Package memory keeps analysis records in-process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

type recordKey struct {
	domain     string
	capturedAt int64
}

// Store is a map-backed pipeline.MetadataStore.
type Store struct {
	mu      sync.RWMutex
	records map[recordKey]pipeline.AnalysisRecord
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[recordKey]pipeline.AnalysisRecord)}
}

// UpsertRecord inserts or replaces the record for (domain, capturedAt).
func (s *Store) UpsertRecord(ctx context.Context, record pipeline.AnalysisRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{record.Domain, record.CapturedAt}] = record
	return nil
}

// QueryRecords returns the domain's records within the query window, oldest first.
func (s *Store) QueryRecords(ctx context.Context, query pipeline.RecordQuery) ([]pipeline.AnalysisRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if query.Domain == "" {
		return nil, fmt.Errorf("query: domain is required")
	}
	s.mu.RLock()
	var out []pipeline.AnalysisRecord
	for key, rec := range s.records {
		if key.domain == query.Domain && query.Contains(key.capturedAt) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt < out[j].CapturedAt })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
