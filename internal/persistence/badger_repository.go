package persistence

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

const (
	sequencePrefix = "seq/"
	intentPrefix   = "intent/"
	conflictRetry  = 10
)

// DB wraps a BadgerDB handle shared by all repositories of the process.
type DB struct {
	db    *badger.DB
	seqMu sync.Mutex
}

// Open opens (or creates) a BadgerDB database at dbPath.
func Open(dbPath string) (*DB, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil
	// Every write is fsynced: a bot state transition must survive a crash.
	opts.SyncWrites = true
	return open(opts)
}

// OpenInMemory opens a non-durable database, used by tests and paper mode.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*DB, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close gracefully closes the connection to the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// NextSequence increments and returns the counter stored under name.
// The first call for a name returns 1.
func (d *DB) NextSequence(name string) (uint64, error) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()

	key := []byte(sequencePrefix + name)
	var next uint64
	err := d.updateWithRetry(func(txn *badger.Txn) error {
		var current uint64
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt sequence value for %s", name)
				}
				current = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		}
		next = current + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return txn.Set(key, buf)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// PutIntent journals an in-flight idempotency key.
func (d *DB) PutIntent(key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(intentPrefix+key), []byte{1})
	})
}

// HasIntent reports whether key was journaled and not yet settled.
func (d *DB) HasIntent(key string) (bool, error) {
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(intentPrefix + key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteIntent settles a journaled key.
func (d *DB) DeleteIntent(key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(intentPrefix + key))
	})
}

func (d *DB) updateWithRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetry; i++ {
		err = d.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// badgerRepository is the BadgerDB implementation of Repository.
// Entities are stored as JSON under "<prefix>/<id>".
type badgerRepository[T any] struct {
	db     *DB
	prefix string
}

// NewRepository returns a repository storing entities of type T under prefix.
func NewRepository[T any](db *DB, prefix string) Repository[T] {
	return &badgerRepository[T]{db: db, prefix: prefix + "/"}
}

func (r *badgerRepository[T]) key(id string) []byte {
	return []byte(r.prefix + id)
}

// Save marshals the entity into JSON and saves it under its key.
func (r *badgerRepository[T]) Save(id string, entity *T) error {
	if id == "" {
		return errors.New("cannot save entity with empty id")
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	return r.db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.key(id), data)
	})
}

// Load returns (nil, nil) when the key is not found.
func (r *badgerRepository[T]) Load(id string) (*T, error) {
	var entity T
	err := r.db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("entity value is empty in database")
			}
			return json.Unmarshal(val, &entity)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *badgerRepository[T]) Delete(id string) error {
	return r.db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(r.key(id))
	})
}

func (r *badgerRepository[T]) List() ([]*T, error) {
	var out []*T
	err := r.db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(r.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entity T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entity)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
