package version

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Vector is an ordered sequence of Versions, most-recent-first. Invariant:
// no two elements share a peer, and every non-mine element carries a valid
// (non-Me) peer. The first element is the "current" version.
type Vector struct {
	vers    []Version
	changed bool
}

// NewVector builds a vector from the given versions in order, validating
// the no-duplicate-peer invariant.
func NewVector(vers ...Version) (Vector, error) {
	v := Vector{}
	for _, ver := range vers {
		if err := v.Append(ver); err != nil {
			return Vector{}, err
		}
	}
	return v, nil
}

// Count returns the number of versions in the vector.
func (v *Vector) Count() int { return len(v.vers) }

// Empty reports whether the vector has no versions.
func (v *Vector) Empty() bool { return len(v.vers) == 0 }

// Changed reports whether any mutating operation has run since construction
// or the last call to ClearChanged.
func (v *Vector) Changed() bool { return v.changed }

// ClearChanged resets the dirty flag, e.g. after a successful save.
func (v *Vector) ClearChanged() { v.changed = false }

// Current returns the most recent (first) Version. Panics if empty.
func (v *Vector) Current() Version { return v.vers[0] }

// At returns the i'th version.
func (v *Vector) At(i int) Version { return v.vers[i] }

// Versions returns the underlying slice; callers must not mutate it.
func (v *Vector) Versions() []Version { return v.vers }

func (v *Vector) indexOfPeer(p PeerID) int {
	for i, ver := range v.vers {
		if !ver.IsMergeMarker() && ver.author == p {
			return i
		}
	}
	return -1
}

// Gen returns the generation recorded for peer, or 0 if absent.
func (v *Vector) Gen(peer PeerID) Generation {
	if i := v.indexOfPeer(peer); i >= 0 {
		return v.vers[i].gen
	}
	return 0
}

// Append adds a version at the end of the vector, validating that no other
// element already names its author.
func (v *Vector) Append(ver Version) error {
	if !ver.IsMergeMarker() {
		if ver.gen == 0 {
			return errors.Wrap(ErrBadVersionVector, "generation must be >= 1")
		}
		if v.indexOfPeer(ver.author) >= 0 {
			return errors.Wrap(ErrBadVersionVector, "duplicate peer in version vector")
		}
	}
	v.vers = append(v.vers, ver)
	v.changed = true
	return nil
}

// IncrementGen bumps peer's generation (or sets it to 1 if absent) and
// moves that entry to the head of the vector. It is forbidden on a vector
// whose current head is a merge marker.
func (v *Vector) IncrementGen(peer PeerID) error {
	if len(v.vers) > 0 && v.vers[0].IsMergeMarker() {
		return errors.Wrap(ErrBadVersionVector, "cannot increment a merge-marker vector")
	}
	if i := v.indexOfPeer(peer); i >= 0 {
		gen := v.vers[i].gen + 1
		v.vers = append(v.vers[:i], v.vers[i+1:]...)
		v.vers = append([]Version{New(gen, peer)}, v.vers...)
	} else {
		v.vers = append([]Version{New(1, peer)}, v.vers...)
	}
	v.changed = true
	return nil
}

// LimitCount truncates the vector to at most n versions.
func (v *Vector) LimitCount(n int) {
	if n < len(v.vers) {
		v.vers = v.vers[:n]
		v.changed = true
	}
}

// CompareTo compares this vector to another, returning Same, Older, Newer,
// or Conflicting. The count difference seeds an initial guess, refined (and
// possibly short-circuited) by walking this vector's versions: if the head
// versions are identical the vectors are considered equal outright. A Newer
// result is then checked against other's versions: if other holds a higher
// generation for any peer, neither vector dominates and they conflict.
func (v *Vector) CompareTo(other *Vector) Order {
	var o Order
	countDiff := len(v.vers) - len(other.vers)
	switch {
	case countDiff < 0:
		o = Older
	case countDiff > 0:
		o = Newer
	}

	for _, ver := range v.vers {
		if ver.IsMergeMarker() {
			continue
		}
		otherGen := other.Gen(ver.author)
		switch {
		case ver.gen < otherGen:
			o |= Older
		case ver.gen > otherGen:
			o |= Newer
		case o == Same:
			return Same // first (head) versions are identical: vectors are equal
		}
		if o == Conflicting {
			return Conflicting
		}
	}
	if o == Newer {
		for _, ver := range other.vers {
			if !ver.IsMergeMarker() && ver.gen > v.Gen(ver.author) {
				return Conflicting
			}
		}
	}
	return o
}

// CompareToVersion compares this vector against a vector whose current
// version is the given single Version. Never returns Conflicting.
func (v *Vector) CompareToVersion(ver Version) Order {
	idx := v.indexOfPeer(ver.author)
	if idx < 0 {
		return Older
	}
	mine := v.vers[idx]
	switch {
	case mine.gen < ver.gen:
		return Older
	case mine.gen == ver.gen && idx == 0:
		return Same
	default:
		return Newer
	}
}

// MergedWith returns a new vector taking, for every author appearing in
// either vector, the larger of the two generations. It walks both vectors
// in parallel by index, adding each side's current component only when it
// is not dominated by the other's — an approximately interleaved order,
// not a sorted one.
func (v *Vector) MergedWith(other *Vector) Vector {
	var result Vector
	n := len(v.vers)
	if len(other.vers) > n {
		n = len(other.vers)
	}
	for i := 0; i < n; i++ {
		if i < len(v.vers) {
			ver := v.vers[i]
			if !ver.IsMergeMarker() && ver.gen >= other.Gen(ver.author) {
				result.vers = append(result.vers, ver)
			}
		}
		if i < len(other.vers) {
			ver := other.vers[i]
			if !ver.IsMergeMarker() && ver.gen > v.Gen(ver.author) {
				result.vers = append(result.vers, ver)
			}
		}
	}
	result.changed = true
	return result
}

// IsExpanded reports whether no version's author is still the Me sentinel.
func (v *Vector) IsExpanded() bool {
	for _, ver := range v.vers {
		if ver.IsMine() {
			return false
		}
	}
	return true
}

// ExpandMyPeerID rewrites every Me-authored version to myID.
func (v *Vector) ExpandMyPeerID(myID PeerID) {
	for i, ver := range v.vers {
		v.vers[i] = ver.BindMe(myID)
	}
}

// CompactMyPeerID rewrites every version authored by myID back to Me.
func (v *Vector) CompactMyPeerID(myID PeerID) {
	for i, ver := range v.vers {
		v.vers[i] = ver.UnbindMe(myID)
	}
}

// CanonicalASCII binds Me to myPeer, sorts the versions by peer, and emits
// the comma-separated ASCII form. Used as the canonical representation fed
// into InsertMergeRevID's digest.
func (v *Vector) CanonicalASCII(myPeer PeerID) []byte {
	sorted := append([]Version(nil), v.vers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].bindMe(myPeer) < sorted[j].bindMe(myPeer)
	})
	return writeASCII(sorted, myPeer)
}

// ASCII renders the vector as a comma-separated list of Version ASCII
// forms, in vector order, binding Me to myPeer.
func (v *Vector) ASCII(myPeer PeerID) string {
	return string(writeASCII(v.vers, myPeer))
}

func writeASCII(vers []Version, myPeer PeerID) []byte {
	var out []byte
	for i, ver := range vers {
		if i > 0 {
			out = append(out, ',')
		}
		out = ver.WriteASCII(out, myPeer)
	}
	return out
}

// ParseASCII parses a comma-separated list of Versions, binding myPeerID's
// occurrences (if absolute) to the Me sentinel.
func ParseASCII(s string, myPeerID PeerID) (Vector, error) {
	var v Vector
	if s == "" {
		return v, nil
	}
	for _, part := range strings.Split(s, ",") {
		ver, err := ParseASCIIVersion(part)
		if err != nil {
			return Vector{}, err
		}
		if myPeerID != Me {
			ver = ver.UnbindMe(myPeerID)
		}
		if err := v.Append(ver); err != nil {
			return Vector{}, err
		}
	}
	return v, nil
}

// AsBinary encodes the vector as consecutive binary Versions, binding Me to
// myID.
func (v *Vector) AsBinary(myID PeerID) []byte {
	var out []byte
	for _, ver := range v.vers {
		out = ver.WriteBinary(out, myID)
	}
	return out
}

// FromBinary decodes a vector from its consecutive-binary-Versions form.
func FromBinary(b []byte) (Vector, error) {
	var v Vector
	for len(b) > 0 {
		ver, rest, err := ParseBinaryVersion(b)
		if err != nil {
			return Vector{}, err
		}
		v.vers = append(v.vers, ver)
		b = rest
	}
	return v, nil
}

// CurrentFromBinary reads just the first Version from a vector's binary
// form, without decoding the rest.
func CurrentFromBinary(b []byte) (Version, error) {
	ver, _, err := ParseBinaryVersion(b)
	return ver, err
}

// InsertMergeRevID computes the merge-revision digest over this vector's
// canonical ASCII form (bound to myPeer) and body, and prepends the
// resulting merge-marker Version to the vector. Used only when producing a
// merged revision identifier for the rev-tree scheme.
func (v *Vector) InsertMergeRevID(myPeer PeerID, body []byte) {
	digest := ComputeMergeDigest(v.CanonicalASCII(myPeer), body)
	v.vers = append([]Version{NewMergeMarker(digest)}, v.vers...)
	v.changed = true
}

// Clone returns an independent copy of the vector.
func (v *Vector) Clone() Vector {
	return Vector{vers: append([]Version(nil), v.vers...), changed: v.changed}
}
