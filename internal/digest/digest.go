// Package digest computes new revision identifiers and fresh peer IDs: the
// two places the engine needs a digest or a random number rather than a
// value supplied by a caller.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/revid"
	"github.com/couchwing/docengine/internal/version"
)

// ErrBadRevisionID is returned when NewRevisionID is asked to extend a
// malformed parent.
var ErrBadRevisionID = revid.ErrBadRevisionID

// NewRevisionID mints the revid.ID for a new revision one generation past
// parent (or generation 1 if parent is the zero value), the way
// NuDocument::putNew hashes a revision's identity instead of taking one from
// the caller: SHA-1 over a 1-byte length prefix of the parent's binary
// revID, the parent's binary revID itself, a 1-byte deleted flag, and the
// body.
//
// legacyMD5 reproduces a historical bug (Config.LegacyMD5RevIDs): the length
// prefix counts the *ASCII* parent revID's length instead of the binary
// one, and the digest is MD5 instead of SHA-1. It exists only so documents
// written before the engine switched to SHA-1 keep generating identical
// revision IDs when re-hashed; new databases must never set it.
func NewRevisionID(parent revid.ID, hasParent bool, deleted bool, body []byte, legacyMD5 bool) (revid.ID, error) {
	gen := uint64(1)
	var parentBin []byte
	var lengthPrefix int
	if hasParent {
		gen = parent.Generation() + 1
		var err error
		parentBin, err = parent.MarshalBinary()
		if err != nil {
			return revid.ID{}, errors.Wrap(ErrBadRevisionID, "hashing malformed parent revision ID")
		}
		lengthPrefix = len(parentBin)
		if legacyMD5 {
			lengthPrefix = len(parent.EmitASCII())
		}
	}

	var deletedFlag byte
	if deleted {
		deletedFlag = 1
	}

	if legacyMD5 {
		h := md5.New()
		h.Write([]byte{byte(lengthPrefix)})
		h.Write(parentBin)
		h.Write([]byte{deletedFlag})
		h.Write(body)
		return revid.New(gen, h.Sum(nil))
	}

	h := sha1.New()
	h.Write([]byte{byte(lengthPrefix)})
	h.Write(parentBin)
	h.Write([]byte{deletedFlag})
	h.Write(body)
	return revid.New(gen, h.Sum(nil))
}

// NewPeerID draws a fresh random, non-zero, non-Legacy PeerID for a newly
// opened database to identify itself with, the way a database assigns
// itself an identity the first time it's upgraded to the version-vector
// scheme.
func NewPeerID() (version.PeerID, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, errors.Wrap(err, "digest: reading random bytes")
		}
		id := version.PeerID(binary.BigEndian.Uint64(buf[:]))
		if id != version.Me && id != version.Legacy {
			return id, nil
		}
	}
}
