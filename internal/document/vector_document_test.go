package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchwing/docengine/internal/bodycodec"
	"github.com/couchwing/docengine/internal/revtree"
	"github.com/couchwing/docengine/internal/version"
)

func TestVectorDocumentPutNewIncrementsMyPeer(t *testing.T) {
	doc := NewVectorDocument("doc1", version.Me)
	body, _ := bodycodec.Encode(map[string]interface{}{"x": int64(1)})
	require.NoError(t, doc.PutNew(body, false))

	cur := doc.CurrentVersion()
	assert.EqualValues(t, 1, cur.Gen())
	assert.True(t, cur.IsMine())

	body2, _ := bodycodec.Encode(map[string]interface{}{"x": int64(2)})
	require.NoError(t, doc.PutNew(body2, false))
	assert.EqualValues(t, 2, doc.CurrentVersion().Gen())
}

func TestVectorDocumentPutExistingAppliesNewerAndRecordsRemote(t *testing.T) {
	doc := NewVectorDocument("doc1", version.Me)
	body, _ := bodycodec.Encode(map[string]interface{}{"x": int64(1)})
	require.NoError(t, doc.PutNew(body, false))

	peerA := version.PeerID(42)
	// incoming carries the local edit plus newer work from peerA.
	incoming, err := version.NewVector(version.New(5, peerA), version.New(1, version.Me))
	require.NoError(t, err)
	newerBody, _ := bodycodec.Encode(map[string]interface{}{"x": int64(99)})

	order, err := doc.PutExisting(revtree.RemoteID(1), incoming, newerBody, false)
	require.NoError(t, err)
	assert.Equal(t, version.Older, order) // local was older than incoming
	assert.Equal(t, newerBody, doc.Body())

	remoteVec, ok := doc.LatestVectorOnRemote(revtree.RemoteID(1))
	require.True(t, ok)
	assert.EqualValues(t, 5, remoteVec.Gen(peerA))
}

func TestVectorDocumentPutExistingLocalConflictFails(t *testing.T) {
	doc := NewVectorDocument("doc1", version.Me)
	body, _ := bodycodec.Encode(map[string]interface{}{"x": int64(1)})
	require.NoError(t, doc.PutNew(body, false)) // local: [1@me]

	peerA := version.PeerID(7)
	incoming, err := version.NewVector(version.New(1, peerA)) // diverged, same count
	require.NoError(t, err)

	order, err := doc.PutExisting(revtree.NoRemote, incoming, body, false)
	assert.Equal(t, version.Conflicting, order)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, doc.IsConflicted())
}

func TestVectorDocumentPutExistingRemoteConflictFlagsDocument(t *testing.T) {
	doc := NewVectorDocument("doc1", version.Me)
	body, _ := bodycodec.Encode(map[string]interface{}{"x": int64(1)})
	require.NoError(t, doc.PutNew(body, false)) // local: [1@me]

	peerA := version.PeerID(7)
	incoming, err := version.NewVector(version.New(1, peerA)) // diverged, same count
	require.NoError(t, err)

	order, err := doc.PutExisting(revtree.RemoteID(2), incoming, body, false)
	require.NoError(t, err)
	assert.Equal(t, version.Conflicting, order)
	assert.True(t, doc.IsConflicted())
	assert.Equal(t, body, doc.Body()) // losing branch never overwrites current body

	remoteVec, ok := doc.LatestVectorOnRemote(revtree.RemoteID(2))
	require.True(t, ok)
	assert.EqualValues(t, 1, remoteVec.Gen(peerA))
}

func TestVectorDocumentResolveConflictMerges(t *testing.T) {
	doc := NewVectorDocument("doc1", version.Me)
	base, _ := bodycodec.Encode(map[string]interface{}{"x": int64(1)})
	require.NoError(t, doc.PutNew(base, false)) // [1@me]

	peerA := version.PeerID(7)
	other, err := version.NewVector(version.New(1, peerA))
	require.NoError(t, err)

	merged, _ := bodycodec.Encode(map[string]interface{}{"x": int64(2)})
	require.NoError(t, doc.ResolveConflict(other, merged, false))

	assert.Equal(t, merged, doc.Body())
	assert.EqualValues(t, 1, doc.Vector().Gen(peerA))
	assert.True(t, doc.CurrentVersion().IsMine())
	assert.EqualValues(t, 2, doc.CurrentVersion().Gen())
}

func TestVectorDocumentPutNewDeltaRequiresMatchingBase(t *testing.T) {
	doc := NewVectorDocument("doc1", version.Me)
	base, _ := bodycodec.Encode(map[string]interface{}{"a": "1", "b": "2"})
	require.NoError(t, doc.PutNew(base, false))

	baseVersion := doc.CurrentVersion()
	from, _ := bodycodec.Decode(base)
	to := map[string]interface{}{"a": "1", "c": "3"}
	deltaDict := bodycodec.CreateDelta(from, to)
	delta, _ := bodycodec.Encode(deltaDict)

	require.NoError(t, doc.PutNewDelta(baseVersion, delta))
	got, err := bodycodec.Decode(doc.Body())
	require.NoError(t, err)
	assert.Equal(t, to, got)

	staleVersion := version.New(1, version.PeerID(999))
	err = doc.PutNewDelta(staleVersion, delta)
	assert.ErrorIs(t, err, ErrDeltaBaseUnknown)
}

func TestVectorDocumentSaveRoundTrip(t *testing.T) {
	doc := NewVectorDocument("doc1", version.PeerID(0x99))
	body, _ := bodycodec.Encode(map[string]interface{}{"k": "v"})
	require.NoError(t, doc.PutNew(body, false))

	encodedVec, extra, savedBody := doc.Save(11)
	assert.False(t, doc.HasChanges())

	reloaded, err := LoadVectorDocument("doc1", encodedVec, extra, savedBody, false, false, 11, version.PeerID(0x99))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), reloaded.Sequence())
	assert.EqualValues(t, 1, reloaded.CurrentVersion().Gen())
}

func TestVectorDocumentSaveRoundTripPreservesRemoteVectorsAndConflicted(t *testing.T) {
	doc := NewVectorDocument("doc1", version.PeerID(0x99))
	body, _ := bodycodec.Encode(map[string]interface{}{"k": "v"})
	require.NoError(t, doc.PutNew(body, false))

	peerA := version.PeerID(7)
	incoming, err := version.NewVector(version.New(1, peerA))
	require.NoError(t, err)
	_, err = doc.PutExisting(revtree.RemoteID(3), incoming, body, false)
	require.NoError(t, err)
	require.True(t, doc.IsConflicted())

	encodedVec, extra, savedBody := doc.Save(12)
	require.NotNil(t, extra)

	reloaded, err := LoadVectorDocument("doc1", encodedVec, extra, savedBody, false, doc.IsConflicted(), 12, version.PeerID(0x99))
	require.NoError(t, err)
	assert.True(t, reloaded.IsConflicted())

	remoteVec, ok := reloaded.LatestVectorOnRemote(revtree.RemoteID(3))
	require.True(t, ok)
	assert.EqualValues(t, 1, remoteVec.Gen(peerA))
}
