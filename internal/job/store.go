package job

import (
	"sort"
	"sync"
	"time"
)

// Store is the in-memory RecordStore, used in tests and single-process dev
// runs. A mutex stands in for the transactional guarantees the persistent
// store gets from badger.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

func (s *Store) CreateIfAbsent(identity string, rec *Record) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[identity]; ok {
		return false, existing.Clone(), nil
	}
	s.records[identity] = rec.Clone()
	return true, nil, nil
}

func (s *Store) ConditionalUpdate(identity string, expect []Status, mutate func(*Record)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(rec.Status, expect) {
		return nil, ErrWrongStatus
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()
	return rec.Clone(), nil
}

func (s *Store) Get(identity string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Delete(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[identity]; !ok {
		return ErrNotFound
	}
	delete(s.records, identity)
	return nil
}

func (s *Store) ListRecent(limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Stats() (pending, running, success, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		switch rec.Status {
		case StatusPending:
			pending++
		case StatusRunning:
			running++
		case StatusSuccess:
			success++
		case StatusFailed:
			failed++
		}
	}
	return
}
