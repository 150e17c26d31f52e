package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionASCIIRoundTrip(t *testing.T) {
	v := New(5, PeerID(0x2a))
	parsed, err := ParseASCIIVersion(v.ASCII())
	require.NoError(t, err)
	assert.True(t, v.Equal(parsed))
}

func TestVersionASCIIRoundTripMeSentinel(t *testing.T) {
	v := New(7, Me)
	ascii := v.ASCII()
	assert.Equal(t, "7@*", ascii)
	parsed, err := ParseASCIIVersion(ascii)
	require.NoError(t, err)
	assert.True(t, parsed.IsMine())
	assert.EqualValues(t, 7, parsed.Gen())
}

func TestVersionParseASCIIRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "noAt", "@5", "5@", "0@7"} {
		_, err := ParseASCIIVersion(s)
		assert.ErrorIs(t, err, ErrBadVersionVector, "input %q", s)
	}
}

func TestVersionBinaryRoundTrip(t *testing.T) {
	v := New(9, PeerID(77))
	encoded := v.WriteBinary(nil, PeerID(999))
	parsed, rest, err := ParseBinaryVersion(encoded)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, v.Equal(parsed))
}

func TestVersionBinaryRoundTripBindsMeToMyPeer(t *testing.T) {
	v := New(3, Me)
	myPeer := PeerID(0xABC)
	encoded := v.WriteBinary(nil, myPeer)
	parsed, _, err := ParseBinaryVersion(encoded)
	require.NoError(t, err)
	assert.False(t, parsed.IsMine())
	assert.Equal(t, myPeer, parsed.Author())
}

func TestVersionMergeMarkerBinaryRoundTrip(t *testing.T) {
	digest := ComputeMergeDigest([]byte("2@a,1@b"), []byte(`{"x":1}`))
	v := NewMergeMarker(digest)
	encoded := v.WriteBinary(nil, Me)
	parsed, rest, err := ParseBinaryVersion(encoded)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, parsed.IsMergeMarker())
	assert.Equal(t, digest, parsed.MergeDigest())
}

func TestVersionMergeMarkerASCII(t *testing.T) {
	v := NewMergeMarker("abcd")
	assert.Equal(t, "0@abcd", v.ASCII())
}

func TestCompareGen(t *testing.T) {
	assert.Equal(t, Same, CompareGen(5, 5))
	assert.Equal(t, Older, CompareGen(3, 5))
	assert.Equal(t, Newer, CompareGen(5, 3))
}

func TestVersionBindUnbindMeRoundTrip(t *testing.T) {
	v := New(4, Me)
	myPeer := PeerID(55)
	bound := v.BindMe(myPeer)
	assert.False(t, bound.IsMine())
	assert.Equal(t, myPeer, bound.Author())

	unbound := bound.UnbindMe(myPeer)
	assert.True(t, unbound.IsMine())
	assert.EqualValues(t, 4, unbound.Gen())
}
