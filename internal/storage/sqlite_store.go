package storage

import (
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the second interchangeable KV backend (spec §6, Config's
// Backend option): plain database/sql transactions instead of pebble's
// batched-WAL-flush discipline, useful for a small single-writer
// deployment where pulling in pebble isn't worth it.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // go-sqlite3 serializes writers anyway; make it explicit
}

// OpenSQLiteStore opens (and, if needed, initializes) a sqlite3-backed
// store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (key TEXT PRIMARY KEY, data BLOB NOT NULL)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Get reads and decodes the Record at key.
func (s *SQLiteStore) Get(key string) (*Record, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM records WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if _, err := rec.UnmarshalMsg(data); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "decoding record")
	}
	return rec, nil
}

// UpdateRecord runs fn inside a real SQL transaction, the sqlite3 analogue
// of Store.UpdateRecord.
func (s *SQLiteStore) UpdateRecord(key string, fn func(current *Record) (*Record, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current *Record
	var data []byte
	err = tx.QueryRow(`SELECT data FROM records WHERE key = ?`, key).Scan(&data)
	switch {
	case err == nil:
		current = &Record{}
		if _, uerr := current.UnmarshalMsg(data); uerr != nil {
			return errors.Wrap(ErrCorrupt, "decoding record")
		}
	case errors.Is(err, sql.ErrNoRows):
		current = nil
	default:
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if next == nil {
		if _, err := tx.Exec(`DELETE FROM records WHERE key = ?`, key); err != nil {
			return err
		}
	} else {
		encoded, err := next.MarshalMsg(nil)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO records(key, data) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
			key, encoded,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Keys returns every key currently stored.
func (s *SQLiteStore) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
