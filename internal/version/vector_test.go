package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVec(t *testing.T, ascii string, myPeer PeerID) Vector {
	t.Helper()
	v, err := ParseASCII(ascii, myPeer)
	require.NoError(t, err)
	return v
}

// S4: concrete version-vector order scenarios from the spec. Parsed with
// myPeerID=Me, since "X"/"Y" are foreign peers, not a local identity to
// rebind — ParseASCII only rewrites hex IDs that equal myPeerID back to
// the Me sentinel.
func TestS4VersionVectorOrder(t *testing.T) {
	a := mustVec(t, "2@58,1@59", Me)
	b := mustVec(t, "1@58,1@59", Me)
	assert.Equal(t, Newer, a.CompareTo(&b))
	assert.Equal(t, Older, b.CompareTo(&a))

	a2 := mustVec(t, "2@58,1@59", Me)
	c := mustVec(t, "1@58,2@59", Me)
	assert.Equal(t, Conflicting, a2.CompareTo(&c))
	assert.Equal(t, Conflicting, c.CompareTo(&a2))

	a3 := mustVec(t, "2@58,1@59", Me)
	d := mustVec(t, "2@58,1@59", Me)
	assert.Equal(t, Same, a3.CompareTo(&d))
}

// S5: merge combines per-author maxima; incrementing kMe afterward yields
// something strictly newer than both inputs.
func TestS5Merge(t *testing.T) {
	peerX, peerY := PeerID(0x58), PeerID(0x59)

	a := mustVec(t, "2@58,1@59", Me)
	b := mustVec(t, "1@58,3@59", Me)

	merged := a.MergedWith(&b)
	assert.EqualValues(t, 2, merged.Gen(peerX))
	assert.EqualValues(t, 3, merged.Gen(peerY))

	require.NoError(t, merged.IncrementGen(Me))
	assert.Equal(t, Newer, merged.CompareTo(&a))
	assert.Equal(t, Newer, merged.CompareTo(&b))
}

// Universal property #1: ASCII <-> binary round-trip for vectors.
func TestVectorASCIIRoundTrip(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "3@*,2@58", myPeer)
	ascii := v.ASCII(myPeer)
	reparsed, err := ParseASCII(ascii, myPeer)
	require.NoError(t, err)
	assert.Equal(t, v.Gen(Me), reparsed.Gen(Me))
	assert.Equal(t, v.Gen(PeerID(0x58)), reparsed.Gen(PeerID(0x58)))
}

func TestVectorBinaryRoundTrip(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "3@*,2@58", myPeer)
	encoded := v.AsBinary(myPeer)
	decoded, err := FromBinary(encoded)
	require.NoError(t, err)
	decoded.CompactMyPeerID(myPeer)
	assert.Equal(t, v.Versions(), decoded.Versions())
}

func TestVectorCurrentFromBinaryReadsOnlyHead(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "3@*,2@58", myPeer)
	encoded := v.AsBinary(myPeer)
	cur, err := CurrentFromBinary(encoded)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cur.Gen())
}

// Universal property #2: CompareTo is a lattice — swapping operands
// swaps Older/Newer, preserves Same and Conflicting.
func TestCompareToLatticeSwap(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"2@58,1@59", "1@58,1@59"},
		{"2@58,1@59", "1@58,2@59"},
		{"2@58,1@59", "2@58,1@59"},
		{"1@58", "1@58,1@59"},
	}
	myPeer := PeerID(0x99)
	for _, c := range cases {
		a := mustVec(t, c.a, myPeer)
		b := mustVec(t, c.b, myPeer)
		fwd := a.CompareTo(&b)
		back := b.CompareTo(&a)
		switch fwd {
		case Same:
			assert.Equal(t, Same, back, "a=%s b=%s", c.a, c.b)
		case Older:
			assert.Equal(t, Newer, back, "a=%s b=%s", c.a, c.b)
		case Newer:
			assert.Equal(t, Older, back, "a=%s b=%s", c.a, c.b)
		case Conflicting:
			assert.Equal(t, Conflicting, back, "a=%s b=%s", c.a, c.b)
		}
	}
}

// Universal property #3: merge is idempotent and commutative, and the
// merge result is never older than either input.
func TestMergeIdempotentAndCommutative(t *testing.T) {
	myPeer := PeerID(0x99)
	a := mustVec(t, "2@58,1@59", myPeer)
	b := mustVec(t, "1@58,3@59", myPeer)

	selfMerged := a.MergedWith(&a)
	assert.Equal(t, Same, selfMerged.CompareTo(&a))

	ab := a.MergedWith(&b)
	ba := b.MergedWith(&a)
	assert.Equal(t, Same, ab.CompareTo(&ba))

	cmp := ab.CompareTo(&a)
	assert.True(t, cmp == Same || cmp == Newer, "merge(a,b) must not be older than a, got %v", cmp)
	cmp2 := ab.CompareTo(&b)
	assert.True(t, cmp2 == Same || cmp2 == Newer, "merge(a,b) must not be older than b, got %v", cmp2)
}

// Universal property #4: incrementing a peer's generation strictly
// advances the vector and bumps exactly that peer's counter by one.
func TestIncrementGenMonotonicity(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "2@58,1@59", myPeer)
	old := v.Clone()

	require.NoError(t, v.IncrementGen(PeerID(0x58)))
	assert.Equal(t, Newer, v.CompareTo(&old))
	assert.Equal(t, old.Gen(PeerID(0x58))+1, v.Gen(PeerID(0x58)))
}

func TestIncrementGenAddsNewPeerAtGenOne(t *testing.T) {
	var v Vector
	require.NoError(t, v.IncrementGen(Me))
	assert.EqualValues(t, 1, v.Gen(Me))
	assert.True(t, v.Current().IsMine())
}

func TestIncrementGenRejectsMergeMarkerHead(t *testing.T) {
	v := Vector{}
	v.vers = []Version{NewMergeMarker("digest")}
	err := v.IncrementGen(Me)
	assert.ErrorIs(t, err, ErrBadVersionVector)
}

func TestCompareToVersion(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "2@*,1@58", myPeer)

	assert.Equal(t, Same, v.CompareToVersion(New(2, Me)))
	assert.Equal(t, Newer, v.CompareToVersion(New(1, Me)))
	assert.Equal(t, Older, v.CompareToVersion(New(3, Me)))
	assert.Equal(t, Older, v.CompareToVersion(New(1, PeerID(0x999))))
}

func TestCanonicalASCIISortsByPeer(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "1@58,2@*", myPeer) // peer 0x58 first in vector order
	canonical := string(v.CanonicalASCII(myPeer))
	// canonical form sorts by the bound peer ID: myPeer (0x99) > 0x58.
	assert.Equal(t, "1@58,2@99", canonical)
}

func TestInsertMergeRevIDPrependsMarker(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "2@58,1@59", myPeer)
	body := []byte(`{"x":1}`)
	v.InsertMergeRevID(myPeer, body)

	cur := v.Current()
	assert.True(t, cur.IsMergeMarker())

	wantVec := mustVec(t, "2@58,1@59", myPeer)
	wantDigest := ComputeMergeDigest(wantVec.CanonicalASCII(myPeer), body)
	assert.Equal(t, wantDigest, cur.MergeDigest())
}

func TestVectorExpandCompactMyPeerIDRoundTrip(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "2@*,1@58", myPeer)

	v.ExpandMyPeerID(myPeer)
	assert.True(t, v.IsExpanded())
	assert.EqualValues(t, 2, v.Gen(myPeer))

	v.CompactMyPeerID(myPeer)
	assert.False(t, v.IsExpanded())
	assert.True(t, v.Current().IsMine())
}

func TestVectorAppendRejectsDuplicatePeer(t *testing.T) {
	var v Vector
	require.NoError(t, v.Append(New(1, PeerID(0x58))))
	err := v.Append(New(2, PeerID(0x58)))
	assert.ErrorIs(t, err, ErrBadVersionVector)
}

func TestVectorLimitCount(t *testing.T) {
	myPeer := PeerID(0x99)
	v := mustVec(t, "2@*,1@58,1@59", myPeer)
	v.LimitCount(2)
	assert.Equal(t, 2, v.Count())
}
