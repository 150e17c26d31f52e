// Package storage implements the KV store collaborator (spec §6): a
// keyed-mutex, WAL-batching transaction layer adapted from the teacher's
// Store/kmutex/Flush pattern, plus two interchangeable backends (pebble,
// sqlite3) and a read-only Postgres-backed mirror of a remote peer's
// published checkpoints for the ancestor finder.
package storage

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// ErrNotFound matches spec §7's NotFound error kind.
var ErrNotFound = errors.New("not found")

// ErrCorrupt matches spec §7's CorruptRevisionData error kind, as applied
// to a row that fails to decode.
var ErrCorrupt = errors.New("corrupt revision data")

// ErrStopped is returned by Update once the store's FlushLoop has been
// told to shut down.
var ErrStopped = errors.New("storage: store is stopped")

// kmutex is a keyed mutex: Lock(id) blocks only callers sharing the same
// id, not the whole store, the way the teacher's original does it.
type kmutex struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked map[uint64]bool
}

func newKmutex() *kmutex {
	k := &kmutex{locked: make(map[uint64]bool)}
	k.cond = sync.NewCond(&k.mu)
	return k
}

func (k *kmutex) Lock(id uint64) {
	k.mu.Lock()
	for k.locked[id] {
		k.cond.Wait()
	}
	k.locked[id] = true
	k.mu.Unlock()
}

func (k *kmutex) Unlock(id uint64) {
	k.mu.Lock()
	delete(k.locked, id)
	k.mu.Unlock()
	k.cond.Broadcast()
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

const kmutexCount = 100

// Store is the pebble-backed KV collaborator. Writes are grouped: every
// Update blocks until the next WAL flush, batching many concurrent
// transactions behind one fsync, the same trade as the teacher's Store.
type Store struct {
	db  *pebble.DB
	kmu []*kmutex

	mu      sync.Mutex
	done    chan struct{}
	pending int
	stopped bool
}

// NewStore wraps an already-open pebble database.
func NewStore(db *pebble.DB) *Store {
	s := &Store{db: db, done: make(chan struct{})}
	s.kmu = make([]*kmutex, kmutexCount)
	for i := range s.kmu {
		s.kmu[i] = newKmutex()
	}
	return s
}

// Flush fsyncs the WAL and releases every transaction waiting on the
// current flush generation. Returns how many transactions it released.
func (s *Store) Flush() int {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return 0
	}
	old := s.done
	s.done = make(chan struct{})
	n := s.pending
	s.pending = 0
	s.mu.Unlock()

	_ = s.db.LogData([]byte("f"), pebble.Sync)
	close(old)
	return n
}

// FlushLoop runs Flush on a tight poll until ctx is canceled, then performs
// one final flush and marks the store stopped. Meant to run in its own
// goroutine for the lifetime of the process.
func (s *Store) FlushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.Flush()
			return
		default:
		}
		if s.Flush() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// UpdateFunc is the transaction body passed to Update.
type UpdateFunc func() error

func (s *Store) singletonUpdate(key string, f UpdateFunc) error {
	kid := fnv64a(key)
	m := s.kmu[kid%uint64(len(s.kmu))]
	m.Lock(kid)
	defer m.Unlock(kid)
	return f()
}

// Update runs f under key's lock, then blocks until the write it made has
// been through a WAL flush. pending is counted before the write runs, not
// after: a concurrent Flush triggered by some other key must see this
// write as outstanding the moment it starts, or it could close its flush
// generation (after its own fsync) before this write has even happened,
// and <-done would return without ever having synced it.
func (s *Store) Update(key string, f UpdateFunc) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.pending++
	s.mu.Unlock()

	if err := s.singletonUpdate(key, f); err != nil {
		return err
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

// Get reads and decodes the Record at key.
func (s *Store) Get(key string) (*Record, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	rec := &Record{}
	if _, err := rec.UnmarshalMsg(val); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "decoding record")
	}
	return rec, nil
}

// UpdateRecord runs fn with the record currently at key (nil if absent) and
// persists whatever fn returns, all under key's lock and the store's WAL
// flush discipline. Returning a nil Record (with a nil error) deletes key.
func (s *Store) UpdateRecord(key string, fn func(current *Record) (*Record, error)) error {
	return s.Update(key, func() error {
		var current *Record
		val, closer, err := s.db.Get([]byte(key))
		switch {
		case err == nil:
			current = &Record{}
			if _, uerr := current.UnmarshalMsg(val); uerr != nil {
				closer.Close()
				return errors.Wrap(ErrCorrupt, "decoding record")
			}
			closer.Close()
		case errors.Is(err, pebble.ErrNotFound):
			current = nil
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return s.db.Delete([]byte(key), pebble.NoSync)
		}
		data, err := next.MarshalMsg(nil)
		if err != nil {
			return err
		}
		return s.db.Set([]byte(key), data, pebble.NoSync)
	})
}

// Close closes the underlying pebble database. Callers must have already
// stopped FlushLoop.
func (s *Store) Close() error { return s.db.Close() }

// Keys returns every key currently stored, in pebble's sort order. Used by
// the batch upgrade pass (cmd/docengine's -upgrade-all flag), not by the
// request path.
func (s *Store) Keys() ([]string, error) {
	it, err := s.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys, it.Error()
}
