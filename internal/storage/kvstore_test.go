package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	s := NewStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpdateRecordWritesAndFlushesAcrossFlush(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.FlushLoop(ctx)

	err := s.UpdateRecord("doc1", func(current *Record) (*Record, error) {
		assert.Nil(t, current)
		return &Record{Key: "doc1", Scheme: SchemeRevTree, Body: []byte("hello"), Sequence: 1}, nil
	})
	require.NoError(t, err)

	rec, err := s.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, "doc1", rec.Key)
	assert.Equal(t, []byte("hello"), rec.Body)
	assert.Equal(t, uint64(1), rec.Sequence)
}

func TestStoreUpdateRecordDeletesOnNilReturn(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.FlushLoop(ctx)

	require.NoError(t, s.UpdateRecord("doc1", func(current *Record) (*Record, error) {
		return &Record{Key: "doc1", Body: []byte("x")}, nil
	}))
	require.NoError(t, s.UpdateRecord("doc1", func(current *Record) (*Record, error) {
		require.NotNil(t, current)
		return nil, nil
	}))

	_, err := s.Get("doc1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpdateAfterStopReturnsErrStopped(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	go s.FlushLoop(ctx)
	cancel()

	// Give FlushLoop's final flush a moment to mark the store stopped.
	var err error
	for i := 0; i < 100; i++ {
		err = s.Update("doc1", func() error { return nil })
		if err == ErrStopped {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.ErrorIs(t, err, ErrStopped)
}

func TestKmutexSerializesSameKeyConcurrentUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.FlushLoop(ctx)

	n := 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- s.UpdateRecord("counter", func(current *Record) (*Record, error) {
				seq := uint64(0)
				if current != nil {
					seq = current.Sequence
				}
				return &Record{Key: "counter", Sequence: seq + 1}, nil
			})
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}

	rec, err := s.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(n), rec.Sequence)
}

func TestStoreKeysListsEveryStoredKey(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.FlushLoop(ctx)

	for _, key := range []string{"a\x00doc1", "a\x00doc2", "b\x00doc1"} {
		require.NoError(t, s.UpdateRecord(key, func(current *Record) (*Record, error) {
			return &Record{Key: key}, nil
		}))
	}

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a\x00doc1", "a\x00doc2", "b\x00doc1"}, keys)
}
