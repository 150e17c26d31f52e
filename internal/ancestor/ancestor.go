// Package ancestor implements the Ancestor Finder (C8): given a document's
// current revision history and a proposed target revision, classify
// whether the target is already known locally, and if not, list which of
// the document's existing revisions qualify as ancestors a replicator could
// use as a delta base.
package ancestor

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/document"
	"github.com/couchwing/docengine/internal/revid"
	"github.com/couchwing/docengine/internal/revtree"
	"github.com/couchwing/docengine/internal/storage"
	"github.com/couchwing/docengine/internal/version"
)

// Status classifies a proposed (docID, targetRevID) pair against the
// document this finder was given.
type Status int

const (
	// AncestorUnknown means the document has no ancestor relationship at
	// all with the target: the target is new, and nothing in the local
	// history qualifies as a delta base for it.
	AncestorUnknown Status = iota
	// AncestorExists means the target revision itself is already present
	// and is the document's current revision.
	AncestorExists
	// AncestorExistsButNotCurrent means the target revision is already
	// present, but isn't the document's winning revision (it's a losing
	// conflict branch, or has since been superseded).
	AncestorExistsButNotCurrent
)

// Result is what FindInRevTree/FindInVector return for one target.
type Result struct {
	Status    Status
	Ancestors []string // bounded, deduplicated ASCII revision/version IDs
}

// maxAncestors bounds how many candidate ancestors a Result ever lists,
// so a long-lived document's full history never gets serialized whole into
// a replication handshake message.
const maxAncestors = 32

// FindInRevTree classifies targetID against a rev-tree document.
func FindInRevTree(doc *document.RevTreeDocument, targetID revid.ID) Result {
	tree := doc.Tree()
	target := tree.Get(targetID)
	if target == nil {
		return Result{Status: AncestorUnknown, Ancestors: collectAncestorsRevTree(tree, targetID, maxAncestors)}
	}
	current := tree.CurrentRevision()
	if current == target {
		return Result{Status: AncestorExists}
	}
	return Result{Status: AncestorExistsButNotCurrent}
}

// collectAncestorsRevTree walks the tree's current leaf's history (and, for
// safety, every other leaf's history) looking for revisions whose
// generation is lower than targetID's: each one is a plausible ancestor the
// replicator could use as a delta base. Results are deduplicated and capped
// at limit, newest (highest generation) first.
func collectAncestorsRevTree(tree *revtree.RevTree, targetID revid.ID, limit int) []string {
	targetGen := targetID.Generation()
	seen := make(map[string]bool)
	var candidates []*revtree.Rev
	for _, rev := range tree.Revs() {
		if rev.RevID.Generation() >= targetGen {
			continue
		}
		ascii := rev.RevID.EmitASCII()
		if seen[ascii] {
			continue
		}
		seen[ascii] = true
		candidates = append(candidates, rev)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].RevID.Generation() > candidates[j].RevID.Generation()
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, rev := range candidates {
		out[i] = rev.RevID.EmitASCII()
	}
	return out
}

// FindInVector classifies a proposed targetVersion against a version-vector
// document.
func FindInVector(doc *document.VectorDocument, targetVersion version.Version) Result {
	cmp := doc.Vector().CompareToVersion(targetVersion)
	switch cmp {
	case version.Same:
		return Result{Status: AncestorExists}
	case version.Newer:
		// The document's current version already dominates the target: the
		// target is an old, already-superseded ancestor of what we have.
		return Result{Status: AncestorExistsButNotCurrent, Ancestors: []string{doc.CurrentVersion().ASCII()}}
	default: // Older, or no shared author at all
		return Result{Status: AncestorUnknown, Ancestors: collectAncestorsVector(doc, targetVersion, maxAncestors)}
	}
}

// collectAncestorsVector gathers every vector this document knows about —
// its own current vector plus every remote's last-known vector — that
// compares strictly Older than targetVersion: each is a plausible delta
// base a replicator could still use. Results are deduplicated and capped
// at limit, newest (highest generation on the target's author) first.
func collectAncestorsVector(doc *document.VectorDocument, targetVersion version.Version, limit int) []string {
	seen := make(map[string]bool)
	var candidates []version.Vector

	consider := func(v version.Vector) {
		if v.CompareToVersion(targetVersion) != version.Older {
			return
		}
		ascii := v.ASCII(version.Me)
		if seen[ascii] {
			return
		}
		seen[ascii] = true
		candidates = append(candidates, v)
	}

	consider(*doc.Vector())
	for _, remoteVec := range doc.RemoteVectors() {
		consider(remoteVec)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Gen(targetVersion.Author()) > candidates[j].Gen(targetVersion.Author())
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, v := range candidates {
		out[i] = v.ASCII(version.Me)
	}
	return out
}

// FindRemoteAncestors classifies targetVersion against the last vector this
// document recorded for remote (e.g. a peer's most recent checkpoint),
// rather than against the document's own current version. Used by a
// replicator deciding what to request from one specific peer.
func FindRemoteAncestors(doc *document.VectorDocument, remote revtree.RemoteID, targetVersion version.Version) Result {
	remoteVec, ok := doc.LatestVectorOnRemote(remote)
	if !ok {
		return Result{Status: AncestorUnknown}
	}
	switch remoteVec.CompareToVersion(targetVersion) {
	case version.Same:
		return Result{Status: AncestorExists}
	case version.Newer:
		return Result{Status: AncestorExistsButNotCurrent, Ancestors: []string{remoteVec.Current().ASCII()}}
	default:
		return Result{Status: AncestorUnknown}
	}
}

// FindAgainstRemoteMirror is FindRemoteAncestors for a remote this database
// doesn't track checkpoints for directly: it consults mirror, a read-only
// view of what remoteDBID itself last published for docID, instead of this
// document's own remoteVectors bookkeeping. Used when deciding what to push
// to a peer this database hasn't synced with directly before.
func FindAgainstRemoteMirror(mirror *storage.RemoteMirror, remoteDBID, docID string, targetVersion version.Version) (Result, error) {
	ascii, err := mirror.LatestVectorASCII(remoteDBID, docID)
	if err != nil {
		return Result{}, errors.Wrap(err, "ancestor: consulting remote mirror")
	}
	if ascii == "" {
		return Result{Status: AncestorUnknown}, nil
	}
	// The mirrored ASCII is the remote's own checkpoint, authored from its
	// point of view: any "*" in it already denotes the remote's peer, not
	// ours, so there's no local peer ID to rebind here.
	remoteVec, err := version.ParseASCII(ascii, version.Me)
	if err != nil {
		return Result{}, errors.Wrap(err, "ancestor: parsing mirrored vector")
	}
	switch remoteVec.CompareToVersion(targetVersion) {
	case version.Same:
		return Result{Status: AncestorExists}, nil
	case version.Newer:
		return Result{Status: AncestorExistsButNotCurrent, Ancestors: []string{remoteVec.Current().ASCII()}}, nil
	default:
		return Result{Status: AncestorUnknown}, nil
	}
}
