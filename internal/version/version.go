// Package version implements the per-peer version identifier (C2) and the
// version vector built out of them (C3): parsing and emitting both the
// ASCII and varint-binary wire forms, comparing versions and vectors, and
// the increment/merge operations a replicated document needs.
package version

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrBadVersionVector is the sentinel for every malformed version or
// version-vector input, matching spec §7's BadVersionVector error kind.
var ErrBadVersionVector = errors.New("bad version vector")

// PeerID identifies the replica that authored a Version. The zero value is
// the "me" sentinel (kMePeerID): it must be bound to a concrete peer before
// it is written out in ASCII or persisted to storage.
type PeerID uint64

// Me is the placeholder meaning "this database", serialized as "*" in
// relative ASCII form. It is never a real peer's identity.
const Me PeerID = 0

// Legacy is the fixed sentinel peer used when synthesizing vectors from a
// document's historical rev-tree (see internal/upgrade).
const Legacy PeerID = 0x7777777

// IsMe reports whether p is the local-database placeholder.
func (p PeerID) IsMe() bool { return p == Me }

func (p PeerID) hex() string { return strconv.FormatUint(uint64(p), 16) }

// Generation is a per-author monotonically increasing edit counter.
// Generation 0 is illegal for an ordinary Version; it is reserved for the
// merge-marker form (see NewMergeMarker).
type Generation = uint64

// Order is the result of comparing two versions or vectors. It doubles as a
// two-bit mask, so Conflicting == Older|Newer.
type Order int

const (
	Same        Order = 0
	Older       Order = 1
	Newer       Order = 2
	Conflicting Order = Older | Newer
)

func (o Order) String() string {
	switch o {
	case Same:
		return "same"
	case Older:
		return "older"
	case Newer:
		return "newer"
	case Conflicting:
		return "conflicting"
	default:
		return "invalid"
	}
}

// Version is a single (generation, peer) pair, one element of a
// VersionVector. A Version is "mine" iff its peer equals Me.
//
// The merge-marker variant (gen == 0, IsMergeMarker() == true) carries a
// base64 SHA-1 digest instead of a peer identity; it is only ever produced
// by VersionVector.InsertMergeRevID for the rev-tree merge-revision case
// and is never subject to the normal PeerID validation.
type Version struct {
	gen         Generation
	author      PeerID
	mergeDigest string // non-empty iff this is a merge marker
}

// New constructs an ordinary Version. It panics on gen == 0; callers that
// need a merge marker must use NewMergeMarker instead.
func New(gen Generation, author PeerID) Version {
	if gen == 0 {
		panic("version: generation must be >= 1")
	}
	return Version{gen: gen, author: author}
}

// NewMergeMarker builds the generation-0 merge-marker Version used to tag a
// rev-tree merge revision with the SHA-1 digest identifying the merge.
func NewMergeMarker(base64Digest string) Version {
	return Version{mergeDigest: base64Digest}
}

// ComputeMergeDigest implements VersionVector.insertMergeRevID's hash:
// base64(SHA1(canonicalASCII || 0x00 || body)).
func ComputeMergeDigest(canonicalASCII []byte, body []byte) string {
	h := sha1.New()
	h.Write(canonicalASCII)
	h.Write([]byte{0})
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (v Version) Gen() Generation   { return v.gen }
func (v Version) Author() PeerID    { return v.author }
func (v Version) IsMine() bool      { return !v.IsMergeMarker() && v.author.IsMe() }
func (v Version) IsMergeMarker() bool { return v.mergeDigest != "" }
func (v Version) MergeDigest() string { return v.mergeDigest }

func (v Version) Equal(o Version) bool {
	if v.IsMergeMarker() || o.IsMergeMarker() {
		return v.IsMergeMarker() && o.IsMergeMarker() && v.mergeDigest == o.mergeDigest
	}
	return v.gen == o.gen && v.author == o.author
}

// CompareGen is the three-way comparison of two raw generation counters.
func CompareGen(a, b Generation) Order {
	switch {
	case a > b:
		return Newer
	case a < b:
		return Older
	default:
		return Same
	}
}

// bindMe returns the effective peer to write: myPeer when the version is
// mine, else the version's own (already concrete) author.
func (v Version) bindMe(myPeer PeerID) PeerID {
	if v.IsMine() {
		return myPeer
	}
	return v.author
}

// WriteASCII appends "<hexGen>@<hexPeer-or-*>" (or the merge-marker form)
// to dst, binding kMe to myPeer.
func (v Version) WriteASCII(dst []byte, myPeer PeerID) []byte {
	if v.IsMergeMarker() {
		dst = append(dst, '0', '@')
		return append(dst, v.mergeDigest...)
	}
	dst = append(dst, strconv.FormatUint(v.gen, 16)...)
	dst = append(dst, '@')
	author := v.bindMe(myPeer)
	if author.IsMe() {
		return append(dst, '*')
	}
	return append(dst, author.hex()...)
}

// ASCII renders the version in relative ASCII form (kMe as "*").
func (v Version) ASCII() string {
	return string(v.WriteASCII(nil, Me))
}

// BindMe returns a copy of v with a mine-author rewritten to the concrete
// myPeer (used when persisting or sharing with another replica).
func (v Version) BindMe(myPeer PeerID) Version {
	if !v.IsMine() {
		return v
	}
	return Version{gen: v.gen, author: myPeer}
}

// UnbindMe returns a copy of v with an author equal to myPeer rewritten
// back to the Me sentinel (used when loading a persisted, bound vector).
func (v Version) UnbindMe(myPeer PeerID) Version {
	if v.IsMergeMarker() || v.author != myPeer {
		return v
	}
	return Version{gen: v.gen, author: Me}
}

// ParseASCIIVersion parses "<hexGen>@<hexPeer>" or "<hexGen>@*". A zero
// generation is always invalid, even for the merge-marker spelling
// "0@<digest>", which callers must construct with NewMergeMarker instead.
func ParseASCIIVersion(s string) (Version, error) {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Version{}, errors.Wrapf(ErrBadVersionVector, "malformed version %q", s)
	}
	gen, err := strconv.ParseUint(s[:at], 16, 64)
	if err != nil || gen == 0 {
		return Version{}, errors.Wrapf(ErrBadVersionVector, "bad generation in %q", s)
	}
	rest := s[at+1:]
	if rest == "*" {
		return New(gen, Me), nil
	}
	peer, err := strconv.ParseUint(rest, 16, 64)
	if err != nil || peer == 0 {
		return Version{}, errors.Wrapf(ErrBadVersionVector, "bad peer in %q", s)
	}
	return New(gen, PeerID(peer)), nil
}

// WriteBinary appends "varint(gen) varint(peer)" to dst, binding kMe to
// myPeer. The merge-marker form instead writes varint(0) followed by a
// varint length-prefixed copy of its raw digest bytes.
func (v Version) WriteBinary(dst []byte, myPeer PeerID) []byte {
	if v.IsMergeMarker() {
		digest, _ := base64.StdEncoding.DecodeString(v.mergeDigest)
		dst = binary.AppendUvarint(dst, 0)
		dst = binary.AppendUvarint(dst, uint64(len(digest)))
		return append(dst, digest...)
	}
	dst = binary.AppendUvarint(dst, v.gen)
	return binary.AppendUvarint(dst, uint64(v.bindMe(myPeer)))
}

// ParseBinaryVersion reads a binary Version and returns the bytes
// remaining after it.
func ParseBinaryVersion(b []byte) (Version, []byte, error) {
	gen, n := binary.Uvarint(b)
	if n <= 0 {
		return Version{}, nil, errors.Wrap(ErrBadVersionVector, "truncated version")
	}
	rest := b[n:]
	if gen == 0 {
		digestLen, n2 := binary.Uvarint(rest)
		if n2 <= 0 || uint64(len(rest)-n2) < digestLen {
			return Version{}, nil, errors.Wrap(ErrBadVersionVector, "truncated merge marker")
		}
		rest = rest[n2:]
		digest := base64.StdEncoding.EncodeToString(rest[:digestLen])
		return NewMergeMarker(digest), rest[digestLen:], nil
	}
	peer, n2 := binary.Uvarint(rest)
	if n2 <= 0 {
		return Version{}, nil, errors.Wrap(ErrBadVersionVector, "truncated version peer")
	}
	return New(gen, PeerID(peer)), rest[n2:], nil
}
