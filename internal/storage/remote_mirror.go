package storage

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
)

// RemoteMirror is a read-only view onto a remote peer's published
// checkpoints, consulted by the ancestor finder (C8) when classifying a
// (docID, targetRevID) pair against a specific remoteDBID rather than
// against this database's own bookkeeping.
type RemoteMirror struct {
	db *sql.DB
}

// OpenRemoteMirror connects to the Postgres database one or more remote
// peers publish their checkpoints into.
func OpenRemoteMirror(dsn string) (*RemoteMirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &RemoteMirror{db: db}, nil
}

// LatestVectorASCII returns the version vector (in its comma-separated
// ASCII form) that remoteDBID last published as its latest known state for
// docID, or "" if it has never checkpointed that document.
func (m *RemoteMirror) LatestVectorASCII(remoteDBID, docID string) (string, error) {
	var ascii string
	err := m.db.QueryRow(
		`SELECT vector_ascii FROM remote_checkpoints WHERE remote_db_id = $1 AND doc_id = $2`,
		remoteDBID, docID,
	).Scan(&ascii)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "storage: querying remote mirror")
	}
	return ascii, nil
}

// Close closes the underlying connection pool.
func (m *RemoteMirror) Close() error { return m.db.Close() }
