package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("key not found")

// conflictRetries bounds how often a conditional write is retried when
// badger detects a concurrent transaction on the same key.
const conflictRetries = 8

type Store struct {
	db *badger.DB
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(namespace, key string) ([]byte, error) {
	fullKey := namespace + key
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fullKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}

	return value, err
}

func (s *Store) Set(namespace, key string, value []byte) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fullKey), value)
	})
}

func (s *Store) Delete(namespace, key string) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(fullKey))
	})
}

// SetIfAbsent writes value only when the key does not exist yet. It returns
// whether the write happened and, on a lost race, the value that was already
// there. Badger's transaction conflict detection resolves concurrent creates
// without any external lock.
func (s *Store) SetIfAbsent(namespace, key string, value []byte) (bool, []byte, error) {
	fullKey := []byte(namespace + key)

	for attempt := 0; ; attempt++ {
		var existing []byte
		created := false

		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(fullKey)
			if err == nil {
				return item.Value(func(val []byte) error {
					existing = append([]byte{}, val...)
					return nil
				})
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			created = true
			return txn.Set(fullKey, value)
		})

		if errors.Is(err, badger.ErrConflict) && attempt < conflictRetries {
			existing = nil
			created = false
			continue
		}
		if err != nil {
			return false, nil, err
		}
		return created, existing, nil
	}
}

// Mutate reads the current value and replaces it with whatever mutate
// returns, atomically with respect to other Mutate/SetIfAbsent calls on the
// same key. mutate receives nil when the key is absent; returning an error
// aborts the write and is passed through to the caller.
func (s *Store) Mutate(namespace, key string, mutate func(old []byte) ([]byte, error)) error {
	fullKey := []byte(namespace + key)

	for attempt := 0; ; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			var old []byte
			item, err := txn.Get(fullKey)
			if err == nil {
				if err := item.Value(func(val []byte) error {
					old = append([]byte{}, val...)
					return nil
				}); err != nil {
					return err
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			next, err := mutate(old)
			if err != nil {
				return err
			}
			return txn.Set(fullKey, next)
		})

		if errors.Is(err, badger.ErrConflict) && attempt < conflictRetries {
			continue
		}
		return err
	}
}

func (s *Store) List(namespace, prefix string, limit int) ([]string, error) {
	var keys []string

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		fullPrefix := namespace + prefix
		it.Seek([]byte(fullPrefix))

		count := 0
		for it.ValidForPrefix([]byte(fullPrefix)) && (limit <= 0 || count < limit) {
			item := it.Item()
			key := string(item.Key())
			keys = append(keys, key[len(namespace):])
			count++
			it.Next()
		}

		return nil
	})

	return keys, err
}
