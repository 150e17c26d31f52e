// Package document implements the two document-level controllers (C5, C6):
// RevTreeDocument wraps a revtree.RevTree with revision selection and the
// putNew/putExisting/purge operations a rev-tree-scheme database needs;
// VectorDocument wraps a version.Vector with the analogous operations for
// the version-vector scheme. Both share the same body representation
// (internal/bodycodec) and error kinds, so callers above this package can
// largely treat the two schemes interchangeably.
package document

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound matches spec §7's NotFound error kind.
	ErrNotFound = errors.New("not found")
	// ErrConflict matches spec §7's Conflict error kind.
	ErrConflict = errors.New("conflict")
	// ErrDeltaBaseUnknown matches spec §7's DeltaBaseUnknown error kind.
	ErrDeltaBaseUnknown = errors.New("delta base unknown")
)
