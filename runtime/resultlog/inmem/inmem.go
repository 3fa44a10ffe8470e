// Package inmem provides an in-memory implementation of resultlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/modelresult/runtime/resultlog"
)

type (
	// Store implements resultlog.Store in memory.
	Store struct {
		mu sync.Mutex
		// records in insertion order; the cursor is the 1-based position of
		// the last returned record.
		records []*resultlog.Record
		byID    map[string]int
	}
)

// New returns a new in-memory result log store.
func New() *Store {
	return &Store{byID: make(map[string]int)}
}

// Put implements resultlog.Store.
func (s *Store) Put(_ context.Context, r *resultlog.Record) error {
	if r == nil {
		return fmt.Errorf("record is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("kind is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = resultlog.NewID()
	}
	rec := copyRecord(r)
	if i, ok := s.byID[r.ID]; ok {
		s.records[i] = rec
		return nil
	}
	s.byID[r.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

// Get implements resultlog.Store.
func (s *Store) Get(_ context.Context, id string) (*resultlog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return nil, resultlog.ErrNotFound
	}
	return copyRecord(s.records[i]), nil
}

// List implements resultlog.Store.
func (s *Store) List(_ context.Context, model string, cursor string, limit int) (resultlog.Page, error) {
	if limit <= 0 {
		return resultlog.Page{}, fmt.Errorf("limit must be > 0")
	}
	var after int
	if cursor != "" {
		pos, err := strconv.Atoi(cursor)
		if err != nil || pos < 0 {
			return resultlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		after = pos
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		page resultlog.Page
		last int
	)
	for i := after; i < len(s.records); i++ {
		r := s.records[i]
		if model != "" && r.Model != model {
			continue
		}
		if len(page.Records) == limit {
			page.NextCursor = strconv.Itoa(last)
			break
		}
		page.Records = append(page.Records, copyRecord(r))
		last = i + 1
	}
	return page, nil
}

// copyRecord returns a copy of r that shares no bytes with it.
func copyRecord(r *resultlog.Record) *resultlog.Record {
	rec := *r
	rec.Output = bytes.Clone(r.Output)
	rec.Metadata = bytes.Clone(r.Metadata)
	return &rec
}
