package upgrade

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchwing/docengine/internal/document"
	"github.com/couchwing/docengine/internal/revid"
	"github.com/couchwing/docengine/internal/revtree"
	"github.com/couchwing/docengine/internal/version"
)

func mustID(t *testing.T, gen uint64, seed string) revid.ID {
	sum := sha1.Sum([]byte(seed))
	id, err := revid.New(gen, sum[:])
	require.NoError(t, err)
	return id
}

func TestUpgradeRefusesReadOnlyAndNoUpgrade(t *testing.T) {
	doc := document.NewRevTreeDocument("doc1", 20)
	doc.PutNewRevision(mustID(t, 1, "a"), []byte(`{}`), false, false, false)

	_, err := Upgrade(doc, version.PeerID(1), true, false)
	assert.ErrorIs(t, err, ErrCantUpgradeDatabase)

	_, err = Upgrade(doc, version.PeerID(1), false, true)
	assert.ErrorIs(t, err, ErrCantUpgradeDatabase)
}

func TestUpgradeWithNoRemoteAttributesEverythingToMe(t *testing.T) {
	doc := document.NewRevTreeDocument("doc1", 20)
	doc.PutNewRevision(mustID(t, 1, "a"), []byte(`{"v":1}`), false, false, false)
	doc.PutNewRevision(mustID(t, 2, "b"), []byte(`{"v":2}`), false, false, false)
	doc.PutNewRevision(mustID(t, 3, "c"), []byte(`{"v":3}`), false, false, false)

	myPeer := version.PeerID(0xABC)
	vdoc, err := Upgrade(doc, myPeer, false, false)
	require.NoError(t, err)

	assert.EqualValues(t, 0, vdoc.Vector().Gen(version.Legacy))
	assert.EqualValues(t, 3, vdoc.CurrentVersion().Gen())
	assert.True(t, vdoc.CurrentVersion().IsMine())
	assert.Equal(t, []byte(`{"v":3}`), vdoc.Body())
}

func TestUpgradeWithRemoteSplitsLegacyAndLocal(t *testing.T) {
	doc := document.NewRevTreeDocument("doc1", 20)
	doc.PutNewRevision(mustID(t, 1, "a"), []byte(`{"v":1}`), false, false, false)
	gen2 := mustID(t, 2, "b")
	doc.PutNewRevision(gen2, []byte(`{"v":2}`), false, false, false)
	doc.PutNewRevision(mustID(t, 3, "c"), []byte(`{"v":3}`), false, false, false)

	doc.Tree().SetLatestRevisionOnRemote(revtree.RemoteID(1), doc.Tree().Get(gen2))

	myPeer := version.PeerID(0xABC)
	vdoc, err := Upgrade(doc, myPeer, false, false)
	require.NoError(t, err)

	assert.EqualValues(t, 2, vdoc.Vector().Gen(version.Legacy))
	assert.EqualValues(t, 1, vdoc.CurrentVersion().Gen())
	assert.True(t, vdoc.CurrentVersion().IsMine())

	remoteVec, ok := vdoc.LatestVectorOnRemote(revtree.RemoteID(1))
	require.True(t, ok)
	assert.EqualValues(t, 2, remoteVec.Gen(version.Legacy))
}

func TestUpgradeSynthesizesOneVectorSlotPerRemote(t *testing.T) {
	doc := document.NewRevTreeDocument("doc1", 20)
	gen1 := mustID(t, 1, "a")
	doc.PutNewRevision(gen1, []byte(`{"v":1}`), false, false, false)
	gen2 := mustID(t, 2, "b")
	doc.PutNewRevision(gen2, []byte(`{"v":2}`), false, false, false)
	doc.PutNewRevision(mustID(t, 3, "c"), []byte(`{"v":3}`), false, false, false)

	doc.Tree().SetLatestRevisionOnRemote(revtree.RemoteID(1), doc.Tree().Get(gen1))
	doc.Tree().SetLatestRevisionOnRemote(revtree.RemoteID(2), doc.Tree().Get(gen2))

	vdoc, err := Upgrade(doc, version.PeerID(0xABC), false, false)
	require.NoError(t, err)

	v1, ok := vdoc.LatestVectorOnRemote(revtree.RemoteID(1))
	require.True(t, ok)
	assert.EqualValues(t, 1, v1.Gen(version.Legacy))

	v2, ok := vdoc.LatestVectorOnRemote(revtree.RemoteID(2))
	require.True(t, ok)
	assert.EqualValues(t, 2, v2.Gen(version.Legacy))
}

func TestUpgradeRefusesConflictedDocument(t *testing.T) {
	doc := document.NewRevTreeDocument("doc1", 20)
	root := mustID(t, 1, "root")
	doc.PutNewRevision(root, []byte(`{}`), false, false, false)
	doc.SelectRevision(root)
	doc.PutNewRevision(mustID(t, 2, "a"), []byte(`{}`), false, false, true)
	doc.SelectRevision(root)
	doc.PutNewRevision(mustID(t, 2, "b"), []byte(`{}`), false, false, true)

	_, err := Upgrade(doc, version.PeerID(1), false, false)
	assert.ErrorIs(t, err, ErrCantUpgradeDatabase)
}

func TestUpgradeRefusesAlreadyVersionedDocument(t *testing.T) {
	doc := document.NewRevTreeDocument("doc1", 20)
	v := version.New(1, version.PeerID(5))
	doc.PutNewRevision(revid.FromVersion(v), []byte(`{}`), false, false, false)

	_, err := Upgrade(doc, version.PeerID(1), false, false)
	assert.ErrorIs(t, err, ErrUnimplemented)
}
