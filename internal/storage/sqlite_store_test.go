package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreGetMissingReturnsNotFound(t *testing.T) {
	s := openTestSQLiteStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreUpdateRecordInsertsThenUpdates(t *testing.T) {
	s := openTestSQLiteStore(t)

	require.NoError(t, s.UpdateRecord("doc1", func(current *Record) (*Record, error) {
		assert.Nil(t, current)
		return &Record{Key: "doc1", Body: []byte("v1"), Sequence: 1}, nil
	}))

	require.NoError(t, s.UpdateRecord("doc1", func(current *Record) (*Record, error) {
		require.NotNil(t, current)
		assert.Equal(t, []byte("v1"), current.Body)
		return &Record{Key: "doc1", Body: []byte("v2"), Sequence: current.Sequence + 1}, nil
	}))

	rec, err := s.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Body)
	assert.Equal(t, uint64(2), rec.Sequence)
}

func TestSQLiteStoreUpdateRecordDeletesOnNilReturn(t *testing.T) {
	s := openTestSQLiteStore(t)

	require.NoError(t, s.UpdateRecord("doc1", func(current *Record) (*Record, error) {
		return &Record{Key: "doc1", Body: []byte("x")}, nil
	}))
	require.NoError(t, s.UpdateRecord("doc1", func(current *Record) (*Record, error) {
		return nil, nil
	}))

	_, err := s.Get("doc1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreKeysListsEveryStoredKey(t *testing.T) {
	s := openTestSQLiteStore(t)
	for _, key := range []string{"a\x00doc1", "a\x00doc2"} {
		require.NoError(t, s.UpdateRecord(key, func(current *Record) (*Record, error) {
			return &Record{Key: key}, nil
		}))
	}

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a\x00doc1", "a\x00doc2"}, keys)
}
