// Package upgrade implements the Upgrader (C7): the one-way, per-document
// conversion of a rev-tree document into a version-vector document,
// grounded on LiteCore's Database+Upgrade.cc. It never downgrades, and
// refuses outright on a read-only database or when the caller's NoUpgrade
// flag is set.
package upgrade

import (
	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/document"
	"github.com/couchwing/docengine/internal/revtree"
	"github.com/couchwing/docengine/internal/version"
)

// ErrCantUpgradeDatabase matches spec §7's CantUpgradeDatabase error kind.
var ErrCantUpgradeDatabase = errors.New("can't upgrade database")

// ErrUnimplemented matches spec §7's Unimplemented error kind.
var ErrUnimplemented = errors.New("unimplemented")

// Upgrade converts doc to the version-vector scheme. myPeer becomes the
// document's own identity going forward; any generation already shared
// with a remote (per doc's remoteRevs bookkeeping) is attributed to the
// fixed version.Legacy peer, and anything beyond that common point is
// attributed to myPeer as a single version entry whose generation is the
// number of local edits since that point.
//
// readOnly and noUpgrade are caller-supplied database-level flags (spec §7):
// both cause an outright refusal rather than a partial conversion.
func Upgrade(doc *document.RevTreeDocument, myPeer version.PeerID, readOnly, noUpgrade bool) (*document.VectorDocument, error) {
	if readOnly {
		return nil, errors.Wrap(ErrCantUpgradeDatabase, "database is read-only")
	}
	if noUpgrade {
		return nil, errors.Wrap(ErrCantUpgradeDatabase, "database has upgrades disabled")
	}

	current := doc.Tree().CurrentRevision()
	if current == nil {
		return nil, errors.Wrap(document.ErrNotFound, "document has no current revision")
	}
	if current.RevID.IsVersion() {
		return nil, errors.Wrap(ErrUnimplemented, "document is already using version identifiers")
	}
	if doc.Tree().HasConflict() {
		return nil, errors.Wrap(ErrCantUpgradeDatabase, "document has unresolved conflicts")
	}

	body := current.Body()
	if body == nil {
		return nil, errors.Wrap(revtree.ErrCorruptRevisionData, "current revision body unavailable")
	}

	vec, err := vectorForRevision(doc.Tree(), current)
	if err != nil {
		return nil, err
	}

	encodedVec := vec.AsBinary(myPeer)
	vdoc, err := document.LoadVectorDocument(doc.DocID, encodedVec, nil, body, current.IsDeleted(), false, current.Sequence, myPeer)
	if err != nil {
		return nil, err
	}

	// Every remote the rev-tree tracked a pin for gets a matching vector
	// slot: the remote's pinned revision, expressed as a single-version
	// vector attributed to version.Legacy, the same way vectorForRevision
	// attributes pre-upgrade history.
	for remote, remoteRev := range doc.Tree().RemoteRevs() {
		remoteVec, err := version.NewVector(version.New(remoteRev.RevID.Generation(), version.Legacy))
		if err != nil {
			return nil, err
		}
		vdoc.SetRemoteVector(remote, remoteVec)
	}

	return vdoc, nil
}

// vectorForRevision synthesizes the version vector a migrated document
// should start with: everything up to the shallowest point every tracked
// remote is known to share becomes a single version.Legacy entry (the
// conservative choice: it never credits a remote with history it might not
// actually have), and the remaining generations (this peer's unreplicated
// edits) become a single myPeer entry at the head.
func vectorForRevision(tree *revtree.RevTree, rev *revtree.Rev) (version.Vector, error) {
	baseGen := uint64(0)
	haveRemote := false
	for _, remoteRev := range tree.RemoteRevs() {
		anc := commonAncestor(rev, remoteRev)
		g := uint64(0)
		if anc != nil {
			g = anc.RevID.Generation()
		}
		if !haveRemote || g < baseGen {
			baseGen = g
		}
		haveRemote = true
	}

	localChanges := rev.RevID.Generation() - baseGen

	var vers []version.Version
	if localChanges > 0 {
		vers = append(vers, version.New(localChanges, version.Me))
	}
	if baseGen > 0 {
		vers = append(vers, version.New(baseGen, version.Legacy))
	}
	return version.NewVector(vers...)
}

// commonAncestor finds the deepest Rev shared by both a's and b's ancestor
// chains, or nil if they share none (i.e. belong to different documents
// entirely, which should never happen within one tree).
func commonAncestor(a, b *revtree.Rev) *revtree.Rev {
	ancestorsOfB := make(map[*revtree.Rev]bool)
	for r := b; r != nil; r = r.Parent {
		ancestorsOfB[r] = true
	}
	for r := a; r != nil; r = r.Parent {
		if ancestorsOfB[r] {
			return r
		}
	}
	return nil
}
