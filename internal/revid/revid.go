// Package revid implements the revision-tree identifier (C1): an opaque
// (generation, digest) pair with binary and ASCII wire forms, plus the
// alternate binary form that embeds a single version.Version instead of a
// digest (tagged by a leading zero byte, which a real digest-form varint
// generation can never produce since generations are >= 1).
package revid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/version"
)

// ErrBadRevisionID is the sentinel for every malformed revision ID,
// matching spec §7's BadRevisionID error kind.
var ErrBadRevisionID = errors.New("bad revision ID")

// MD5Len and SHA1Len are the two digest lengths a digest-form ID may carry:
// MD5 for revisions written before the engine moved to SHA-1 identity,
// SHA-1 for everything since.
const (
	MD5Len  = 16
	SHA1Len = 20
)

// ID is a single revision identifier. The zero value is not a valid ID.
type ID struct {
	isVersion bool
	gen       uint64
	digest    []byte
	ver       version.Version
}

// New builds a digest-form ID. gen must be >= 1 and digest must be 16 or 20
// bytes (MD5 or SHA-1).
func New(gen uint64, digest []byte) (ID, error) {
	if gen == 0 {
		return ID{}, errors.Wrap(ErrBadRevisionID, "generation must be >= 1")
	}
	if len(digest) != MD5Len && len(digest) != SHA1Len {
		return ID{}, errors.Wrapf(ErrBadRevisionID, "digest length %d is neither MD5 nor SHA-1", len(digest))
	}
	return ID{gen: gen, digest: append([]byte(nil), digest...)}, nil
}

// FromVersion wraps a single version.Version as a version-form revision ID,
// used when a rev-tree revision's identity is actually a migrated version
// vector's current version.
func FromVersion(v version.Version) ID {
	return ID{isVersion: true, ver: v}
}

// IsVersion reports whether this ID carries a Version instead of a digest.
func (id ID) IsVersion() bool { return id.isVersion }

// Generation returns the revision's generation number.
func (id ID) Generation() uint64 {
	if id.isVersion {
		return id.ver.Gen()
	}
	return id.gen
}

// Digest returns the raw digest bytes. Panics if IsVersion().
func (id ID) Digest() []byte {
	if id.isVersion {
		panic("revid: Digest called on a version-form ID")
	}
	return id.digest
}

// AsVersion returns the embedded Version. Fails if this is a digest-form ID.
func (id ID) AsVersion() (version.Version, error) {
	if !id.isVersion {
		return version.Version{}, errors.Wrap(ErrBadRevisionID, "not a version-form revision ID")
	}
	return id.ver, nil
}

// Valid reports whether id was constructed successfully (non-zero).
func (id ID) Valid() bool { return id.isVersion || id.gen != 0 }

// Less orders IDs the way the rev tree's sort does: higher generation
// first is handled by the caller; this just compares generation then
// digest lexicographically, matching revid::operator< in the original.
func (id ID) Less(other ID) bool {
	if id.isVersion || other.isVersion {
		av, _ := id.AsVersion()
		bv, _ := other.AsVersion()
		if av.Gen() != bv.Gen() {
			return av.Gen() < bv.Gen()
		}
		return av.Author() < bv.Author()
	}
	if id.gen != other.gen {
		return id.gen < other.gen
	}
	return bytes.Compare(id.digest, other.digest) < 0
}

// Equal reports whether two IDs have bytewise-equal binary encodings.
func (id ID) Equal(other ID) bool {
	a, errA := id.MarshalBinary()
	b, errB := other.MarshalBinary()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// MarshalBinary emits the tagged binary wire form: a leading 0x00 followed
// by a binary Version for version-form IDs, or varint(gen) followed by the
// raw digest bytes for digest-form IDs.
func (id ID) MarshalBinary() ([]byte, error) {
	if id.isVersion {
		out := make([]byte, 1, 1+2*binary.MaxVarintLen64)
		out[0] = 0
		return id.ver.WriteBinary(out, version.Me), nil
	}
	if !id.Valid() {
		return nil, errors.Wrap(ErrBadRevisionID, "zero-value revision ID")
	}
	out := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(id.digest)), id.gen)
	return append(out, id.digest...), nil
}

// ParseBinary parses the tagged binary wire form produced by MarshalBinary.
func ParseBinary(b []byte) (ID, error) {
	if len(b) == 0 {
		return ID{}, errors.Wrap(ErrBadRevisionID, "empty revision ID")
	}
	if b[0] == 0 {
		v, _, err := version.ParseBinaryVersion(b[1:])
		if err != nil {
			return ID{}, errors.Wrap(ErrBadRevisionID, "embedded version is malformed")
		}
		return FromVersion(v), nil
	}
	gen, n := binary.Uvarint(b)
	if n <= 0 || gen == 0 || gen > uint64(^uint32(0)) {
		return ID{}, errors.Wrap(ErrBadRevisionID, "truncated or invalid generation")
	}
	return New(gen, b[n:])
}

// ParseASCII parses "<decimal generation>-<lowercase hex digest>".
func ParseASCII(s string) (ID, error) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 {
		return ID{}, errors.Wrapf(ErrBadRevisionID, "missing '-' in %q", s)
	}
	gen, err := strconv.ParseUint(s[:dash], 10, 64)
	if err != nil || gen == 0 {
		return ID{}, errors.Wrapf(ErrBadRevisionID, "bad generation in %q", s)
	}
	hexDigest := s[dash+1:]
	if len(hexDigest) == 0 || len(hexDigest)%2 != 0 {
		return ID{}, errors.Wrapf(ErrBadRevisionID, "bad digest length in %q", s)
	}
	for _, c := range hexDigest {
		if !isLowerHex(c) {
			return ID{}, errors.Wrapf(ErrBadRevisionID, "non-hex digest in %q", s)
		}
	}
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return ID{}, errors.Wrapf(ErrBadRevisionID, "bad hex digest in %q", s)
	}
	return New(gen, digest)
}

func isLowerHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// EmitASCII is the inverse of ParseASCII/ParseBinary: "<gen>-<hex digest>"
// for a digest-form ID, or the embedded Version's ASCII form otherwise.
func (id ID) EmitASCII() string {
	if id.isVersion {
		return id.ver.ASCII()
	}
	return strconv.FormatUint(id.gen, 10) + "-" + hex.EncodeToString(id.digest)
}

func (id ID) String() string { return id.EmitASCII() }
