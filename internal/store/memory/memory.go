// Package memory keeps summaries in process memory for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/browsing-digest/internal/digest"
	"github.com/JakeFAU/browsing-digest/internal/store"
)

// Store implements digest.Store with a mutex-guarded map.
type Store struct {
	mu      sync.RWMutex
	records map[string]digest.SummaryRecord
	order   []string
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]digest.SummaryRecord)}
}

// InsertIgnore adds records whose URL is not yet stored.
func (s *Store) InsertIgnore(_ context.Context, records []digest.SummaryRecord) (int64, error) {
	records, err := store.Prepare(records)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, rec := range records {
		if _, ok := s.records[rec.URL]; ok {
			continue
		}
		s.records[rec.URL] = rec
		s.order = append(s.order, rec.URL)
		inserted++
	}
	return inserted, nil
}

// Exists reports whether url is stored.
func (s *Store) Exists(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[url]
	return ok, nil
}

// Get returns the record for url.
func (s *Store) Get(_ context.Context, url string) (digest.SummaryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[url]
	return rec, ok, nil
}

// Records returns stored summaries in insertion order.
func (s *Store) Records() []digest.SummaryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]digest.SummaryRecord, 0, len(s.order))
	for _, url := range s.order {
		out = append(out, s.records[url])
	}
	return out
}

// URLs returns stored URLs sorted alphabetically.
func (s *Store) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// Len returns the number of stored summaries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
