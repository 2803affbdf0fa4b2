package jobstore

import (
	"context"
	"sync"
)

const defaultMemoryLimit = 4096

// InMemoryStore keeps the most recent records in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	records map[string]Record
	order   []string
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return &InMemoryStore{limit: limit, records: make(map[string]Record)}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; !ok {
		s.order = append(s.order, record.ID)
		for len(s.order) > s.limit {
			delete(s.records, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.records[record.ID] = record
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemoryStore) Close() error { return nil }
