package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/weathervane/coordinator/internal/db"
)

const recordPrefix = "jobs/"

// PersistentStore keeps job records in badger. Conditional semantics come
// from the db layer's transactional SetIfAbsent/Mutate, so concurrent
// coordinators sharing one store stay correct without a lock service.
type PersistentStore struct {
	dbStore *db.Store
}

func NewPersistentStore(dbStore *db.Store) *PersistentStore {
	return &PersistentStore{dbStore: dbStore}
}

func (s *PersistentStore) CreateIfAbsent(identity string, rec *Record) (bool, *Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("marshal record: %w", err)
	}

	created, existing, err := s.dbStore.SetIfAbsent(recordPrefix, identity, data)
	if err != nil {
		return false, nil, fmt.Errorf("store record: %w", err)
	}
	if created {
		return true, nil, nil
	}

	var won Record
	if err := json.Unmarshal(existing, &won); err != nil {
		return false, nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return false, &won, nil
}

func (s *PersistentStore) ConditionalUpdate(identity string, expect []Status, mutate func(*Record)) (*Record, error) {
	var updated *Record

	err := s.dbStore.Mutate(recordPrefix, identity, func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, ErrNotFound
		}
		var rec Record
		if err := json.Unmarshal(old, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if !statusIn(rec.Status, expect) {
			return nil, ErrWrongStatus
		}
		mutate(&rec)
		rec.UpdatedAt = time.Now().UTC()
		updated = &rec
		return json.Marshal(&rec)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PersistentStore) Get(identity string) (*Record, error) {
	data, err := s.dbStore.Get(recordPrefix, identity)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *PersistentStore) Delete(identity string) error {
	// Badger deletes are blind; check existence so callers can report
	// unknown identities.
	if _, err := s.Get(identity); err != nil {
		return err
	}
	return s.dbStore.Delete(recordPrefix, identity)
}

func (s *PersistentStore) ListRecent(limit int) ([]*Record, error) {
	keys, err := s.dbStore.List(recordPrefix, "", 0)
	if err != nil {
		return nil, err
	}

	var all []*Record
	for _, key := range keys {
		rec, err := s.Get(key)
		if err != nil {
			continue
		}
		all = append(all, rec)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *PersistentStore) Stats() (pending, running, success, failed int) {
	keys, err := s.dbStore.List(recordPrefix, "", 0)
	if err != nil {
		return 0, 0, 0, 0
	}

	for _, key := range keys {
		rec, err := s.Get(key)
		if err != nil {
			continue
		}
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
