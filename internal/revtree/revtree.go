// Package revtree implements the revision tree (C4): the per-document tree
// of Revs linked by parent, with insertion (single and whole-history),
// pruning, purging, compaction, priority sorting, conflict detection, and
// per-remote "latest known revision" pointers.
//
// Revs are plain GC-managed pointers held in the tree's revs slice. The
// original C++ implementation keeps them in a flat arena and refers to them
// by index to survive vector reallocation; Go's garbage collector already
// gives *Rev a stable identity once allocated; this module. Only the
// on-the-wire codec (codec.go) uses indices, because there the ordering has
// to be something self-describing bytes can carry.
package revtree

import (
	"net/http"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/revid"
)

// ErrCorruptRevisionData is spec §7's CorruptRevisionData error kind.
var ErrCorruptRevisionData = errors.New("corrupt revision data")

// Flags is the bit set of per-Rev status flags (spec §3).
type Flags uint16

const (
	FlagDeleted Flags = 1 << iota
	FlagLeaf
	FlagClosed
	FlagHasAttachments
	FlagKeepBody
	FlagNew
	FlagIsConflict
	FlagPurge
)

// RemoteID tags a peer's "last-known revision on that peer" pointer.
// RemoteID 0 (NoRemote) means "no remote" and is never used as a key in
// RevTree's remote map.
type RemoteID uint32

// NoRemote is the reserved "no remote" RemoteID.
const NoRemote RemoteID = 0

// Rev is one node of the revision tree.
type Rev struct {
	RevID    revid.ID
	Sequence uint64
	Parent   *Rev
	body     []byte
	Flags    Flags
}

func (r *Rev) IsLeaf() bool          { return r.Flags&FlagLeaf != 0 }
func (r *Rev) IsDeleted() bool       { return r.Flags&FlagDeleted != 0 }
func (r *Rev) IsClosed() bool        { return r.Flags&FlagClosed != 0 }
func (r *Rev) HasAttachments() bool  { return r.Flags&FlagHasAttachments != 0 }
func (r *Rev) HasKeepBody() bool     { return r.Flags&FlagKeepBody != 0 }
func (r *Rev) IsNew() bool           { return r.Flags&FlagNew != 0 }
func (r *Rev) IsConflict() bool      { return r.Flags&FlagIsConflict != 0 }
func (r *Rev) isMarkedForPurge() bool { return r.Flags&FlagPurge != 0 }

// Body returns the rev's stored body, or nil if it has been pruned away.
func (r *Rev) Body() []byte { return r.body }

func (r *Rev) removeBody() { r.body = nil }

// History returns the chain from r up to (and including) its root.
func (r *Rev) History() []*Rev {
	h := make([]*Rev, 0, 4)
	for rev := r; rev != nil; rev = rev.Parent {
		h = append(h, rev)
	}
	return h
}

// IsAncestorOf reports whether r is rev or one of rev's ancestors.
func (r *Rev) IsAncestorOf(rev *Rev) bool {
	for ; rev != nil; rev = rev.Parent {
		if rev == r {
			return true
		}
	}
	return false
}

// isActive is true for leaves that aren't deletions, or deletion leaves
// that happen to be some remote's latest known revision (spec GLOSSARY:
// Active).
func (r *Rev) isActive(t *RevTree) bool {
	return r.IsLeaf() && (!r.IsDeleted() || t.IsLatestRemoteRevision(r))
}

// RevTree is the tree of Revs for one document.
type RevTree struct {
	revs       []*Rev
	remoteRevs map[RemoteID]*Rev
	sorted     bool
	changed    bool
	unknown    bool
	pruneDepth uint32
}

// NewRevTree returns an empty tree with the given prune depth (used only by
// findCommonAncestor's generation-gap leniency; Prune takes its own depth
// argument).
func NewRevTree(pruneDepth uint32) *RevTree {
	return &RevTree{pruneDepth: pruneDepth, sorted: true}
}

// Changed reports whether the tree has been mutated since construction or
// the last Saved call.
func (t *RevTree) Changed() bool { return t.changed }

// Unknown reports whether this tree's body was never loaded (e.g. the
// document row was read with a "no body" projection). Most queries are
// invalid against an unknown tree.
func (t *RevTree) Unknown() bool { return t.unknown }

// SetPruneDepth updates the depth used by findCommonAncestor's leniency
// check. It does not itself prune.
func (t *RevTree) SetPruneDepth(d uint32) { t.pruneDepth = d }

// Len returns the number of revisions currently in the tree.
func (t *RevTree) Len() int { return len(t.revs) }

// Revs returns the tree's revisions in their current (possibly unsorted)
// order. Callers must not mutate the returned slice.
func (t *RevTree) Revs() []*Rev { return t.revs }

// Get finds the Rev with the given revID, or nil.
func (t *RevTree) Get(id revid.ID) *Rev {
	for _, r := range t.revs {
		if r.RevID.Equal(id) {
			return r
		}
	}
	return nil
}

// GetBySequence finds the Rev with the given sequence, or nil.
func (t *RevTree) GetBySequence(seq uint64) *Rev {
	for _, r := range t.revs {
		if r.Sequence == seq {
			return r
		}
	}
	return nil
}

// CurrentRevision sorts the tree and returns its head, or nil if empty.
func (t *RevTree) CurrentRevision() *Rev {
	t.Sort()
	if len(t.revs) == 0 {
		return nil
	}
	return t.revs[0]
}

// HasConflict reports whether more than one Rev is active (spec GLOSSARY:
// Conflict).
func (t *RevTree) HasConflict() bool {
	if len(t.revs) < 2 {
		return false
	}
	if t.sorted {
		return t.revs[1].isActive(t)
	}
	active := 0
	for _, r := range t.revs {
		if r.isActive(t) {
			active++
			if active > 1 {
				return true
			}
		}
	}
	return false
}

func (t *RevTree) confirmLeaf(testRev *Rev) bool {
	for _, r := range t.revs {
		if r.Parent == testRev {
			return false
		}
	}
	testRev.Flags |= FlagLeaf
	return true
}

// findCommonAncestor walks history (newest-first) looking for the deepest
// element already present in the tree. A generation gap is tolerated only
// when it occurs at a depth that prune(pruneDepth) would remove anyway
// (spec §9's Open Question, resolved as depth >= pruneDepth-1).
func (t *RevTree) findCommonAncestor(history []revid.ID, allowConflict bool) (parent *Rev, index int, httpStatus int) {
	var lastGen uint64
	i := 0
	for ; i < len(history); i++ {
		gen := history[i].Generation()
		if lastGen > 0 && gen != lastGen-1 {
			tolerated := t.pruneDepth > 0 && i >= int(t.pruneDepth)-1 && gen < lastGen
			if !tolerated {
				return nil, 0, http.StatusBadRequest
			}
		}
		lastGen = gen
		if p := t.Get(history[i]); p != nil {
			parent = p
			break
		}
	}
	if !allowConflict {
		if (parent != nil && !parent.IsLeaf()) || (parent == nil && len(t.revs) > 0) {
			return nil, 0, http.StatusConflict
		}
	}
	return parent, i, 0
}

func copyBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	return append([]byte(nil), body...)
}

// insert is the lowest-level insertion primitive: no validation, always
// inserts a new leaf under parent (or as a new root if parent is nil).
func (t *RevTree) insert(id revid.ID, body []byte, parent *Rev, flags Flags, markConflict bool) *Rev {
	flags &= FlagDeleted | FlagClosed | FlagHasAttachments | FlagKeepBody
	newRev := &Rev{
		RevID:    id,
		body:     copyBody(body),
		Parent:   parent,
		Flags:    FlagLeaf | FlagNew | flags,
	}
	if parent != nil {
		if markConflict && (!parent.IsLeaf() || parent.IsConflict()) {
			newRev.Flags |= FlagIsConflict
		}
		parent.Flags &^= FlagLeaf
		switch {
		case flags&FlagKeepBody != 0:
			t.SetKeepBody(newRev)
		case flags&FlagClosed != 0:
			t.RemoveBodiesOnBranch(parent)
		}
	} else if markConflict && len(t.revs) > 0 {
		newRev.Flags |= FlagIsConflict
	}
	t.changed = true
	if len(t.revs) > 0 {
		t.sorted = false
	}
	t.revs = append(t.revs, newRev)
	return newRev
}

// Insert implements spec §4.4's single-revision insert, given the parent
// Rev directly (or nil for a new root).
func (t *RevTree) Insert(id revid.ID, body []byte, flags Flags, parent *Rev, allowConflict, markConflict bool) (*Rev, int) {
	newGen := id.Generation()
	if newGen == 0 {
		return nil, http.StatusBadRequest
	}
	if t.Get(id) != nil {
		return nil, http.StatusOK
	}
	var parentGen uint64
	if parent != nil {
		if !allowConflict && !parent.IsLeaf() {
			return nil, http.StatusConflict
		}
		parentGen = parent.RevID.Generation()
	} else if !allowConflict && len(t.revs) > 0 {
		return nil, http.StatusConflict
	}
	if newGen != parentGen+1 {
		return nil, http.StatusBadRequest
	}
	status := http.StatusCreated
	if flags&FlagDeleted != 0 {
		status = http.StatusOK
	}
	return t.insert(id, body, parent, flags, markConflict), status
}

// InsertByParentID is Insert, but looks the parent up by revID first (404
// if it's given but absent).
func (t *RevTree) InsertByParentID(id revid.ID, body []byte, flags Flags, parentID *revid.ID, allowConflict, markConflict bool) (*Rev, int) {
	var parent *Rev
	if parentID != nil {
		parent = t.Get(*parentID)
		if parent == nil {
			return nil, http.StatusNotFound
		}
	}
	return t.Insert(id, body, flags, parent, allowConflict, markConflict)
}

// InsertHistory implements spec §4.4's insert-with-history: history is
// newest-first. It returns the index of the common ancestor (0 if every
// element in history was already present) and an httpStatus of 0 on
// success.
func (t *RevTree) InsertHistory(history []revid.ID, body []byte, flags Flags, allowConflict, markConflict bool) (commonAncestorIndex int, httpStatus int) {
	if len(history) == 0 {
		return 0, http.StatusBadRequest
	}
	parent, idx, status := t.findCommonAncestor(history, allowConflict)
	if status != 0 {
		return 0, status
	}
	if idx > 0 && body != nil {
		for i := idx - 1; i > 0; i-- {
			parent = t.insert(history[i], nil, parent, 0, markConflict)
		}
		t.insert(history[0], body, parent, flags, markConflict)
	}
	return idx, 0
}

// markBranchAsNotConflict clears IsConflict (and a stray KeepBody) along
// branch, all the way to the tree's root on the winning branch, or only
// until the conflict boundary when clearing a losing branch.
func (t *RevTree) markBranchAsNotConflict(branch *Rev, winningBranch bool) {
	keepBodies := winningBranch
	for rev := branch; rev != nil; rev = rev.Parent {
		if rev.IsConflict() {
			rev.Flags &^= FlagIsConflict
			t.changed = true
			if !winningBranch {
				return
			}
		}
		if rev.HasKeepBody() {
			if keepBodies {
				keepBodies = false
			} else {
				rev.Flags &^= FlagKeepBody
				t.changed = true
			}
		}
	}
}

// SetKeepBody sets FlagKeepBody on rev and clears it on every same-branch
// ancestor, since at most one Rev per branch may carry it.
func (t *RevTree) SetKeepBody(rev *Rev) {
	rev.Flags |= FlagKeepBody
	conflict := rev.IsConflict()
	for anc := rev.Parent; anc != nil; anc = anc.Parent {
		if conflict && !anc.IsConflict() {
			break
		}
		anc.Flags &^= FlagKeepBody
	}
	t.changed = true
}

// RemoveBody discards rev's body, if any.
func (t *RevTree) RemoveBody(rev *Rev) {
	if len(rev.body) > 0 {
		rev.removeBody()
		t.changed = true
	}
}

// RemoveBodiesOnBranch discards the body of rev and every one of its
// ancestors.
func (t *RevTree) RemoveBodiesOnBranch(rev *Rev) {
	for ; rev != nil; rev = rev.Parent {
		t.RemoveBody(rev)
	}
}

// RemoveNonLeafBodies discards the bodies of already-saved revs that are no
// longer leaves (and aren't flagged to keep their body).
func (t *RevTree) RemoveNonLeafBodies() {
	for _, rev := range t.revs {
		if len(rev.body) > 0 && rev.Flags&(FlagLeaf|FlagNew|FlagKeepBody) == 0 {
			rev.removeBody()
			t.changed = true
		}
	}
}

// Prune marks and removes every Rev deeper than maxDepth from its leaf,
// except those protected by KeepBody or a remote pointer. Returns the
// number of Revs removed.
func (t *RevTree) Prune(maxDepth uint32) int {
	if maxDepth == 0 {
		panic("revtree: Prune requires maxDepth > 0")
	}
	if len(t.revs) <= int(maxDepth) {
		return 0
	}

	numPruned := 0
	for _, rev := range t.revs {
		if rev.IsLeaf() {
			depth := uint32(0)
			for anc := rev; anc != nil; anc = anc.Parent {
				depth++
				if depth > maxDepth && !anc.HasKeepBody() {
					anc.Flags |= FlagPurge
					numPruned++
				}
			}
		} else if t.sorted {
			break
		}
	}
	if numPruned == 0 {
		return 0
	}

	for _, rev := range t.remoteRevs {
		if rev.isMarkedForPurge() {
			rev.Flags &^= FlagPurge
			numPruned--
		}
	}
	if numPruned == 0 {
		return 0
	}

	for _, rev := range t.revs {
		if !rev.isMarkedForPurge() {
			for rev.Parent != nil && rev.Parent.isMarkedForPurge() {
				rev.Parent = rev.Parent.Parent
			}
		}
	}
	t.compact()
	return numPruned
}

// Purge deletes the named leaf and every ancestor that becomes a leaf as a
// result, stopping at the first branch point. Returns the number purged.
func (t *RevTree) Purge(leafID revid.ID) int {
	rev := t.Get(leafID)
	if rev == nil || !rev.IsLeaf() {
		return 0
	}
	nPurged := 0
	for {
		nPurged++
		rev.Flags |= FlagPurge
		parent := rev.Parent
		rev.Parent = nil
		rev = parent
		if rev == nil || !t.confirmLeaf(rev) {
			break
		}
	}
	t.compact()
	t.checkForResolvedConflict()
	return nPurged
}

// PurgeAll empties the tree and returns the number of Revs removed.
func (t *RevTree) PurgeAll() int {
	n := len(t.revs)
	t.revs = nil
	t.changed = true
	t.sorted = true
	if len(t.remoteRevs) > 0 {
		t.remoteRevs = nil
	}
	return n
}

// compact physically removes every Rev flagged FlagPurge.
func (t *RevTree) compact() {
	dst := 0
	for _, rev := range t.revs {
		if !rev.isMarkedForPurge() {
			t.revs[dst] = rev
			dst++
		}
	}
	t.revs = t.revs[:dst]

	for remote, rev := range t.remoteRevs {
		if rev.isMarkedForPurge() {
			delete(t.remoteRevs, remote)
		}
	}
	t.changed = true
}

// compareRevs reports whether r1 sorts before r2 in priority order: leaves
// before non-leaves, non-conflict before conflict, non-deleted before
// deleted, non-closed before closed, then descending revID.
func compareRevs(r1, r2 *Rev) bool {
	if r1.IsLeaf() != r2.IsLeaf() {
		return r1.IsLeaf()
	}
	if r1.IsConflict() != r2.IsConflict() {
		return !r1.IsConflict()
	}
	if r1.IsDeleted() != r2.IsDeleted() {
		return !r1.IsDeleted()
	}
	if r1.IsClosed() != r2.IsClosed() {
		return !r1.IsClosed()
	}
	return r2.RevID.Less(r1.RevID)
}

// Sort orders the tree's revisions by priority (see compareRevs) and, if
// the new head turns out to still be flagged as a conflict (meaning the
// last non-conflict leaf just disappeared), clears the conflict flag along
// its branch.
func (t *RevTree) Sort() {
	if t.sorted {
		return
	}
	sort.SliceStable(t.revs, func(i, j int) bool { return compareRevs(t.revs[i], t.revs[j]) })
	t.sorted = true
	t.checkForResolvedConflict()
}

func (t *RevTree) checkForResolvedConflict() {
	if t.sorted && len(t.revs) > 0 && t.revs[0].IsConflict() {
		t.markBranchAsNotConflict(t.revs[0], true)
	}
}

// HasNewRevisions reports whether any Rev is still flagged New or has no
// assigned sequence (i.e. the tree has unsaved changes worth writing).
func (t *RevTree) HasNewRevisions() bool {
	for _, rev := range t.revs {
		if rev.IsNew() || rev.Sequence == 0 {
			return true
		}
	}
	return false
}

// Saved clears FlagNew on every Rev and assigns newSequence to any Rev that
// doesn't already have one.
func (t *RevTree) Saved(newSequence uint64) {
	for _, rev := range t.revs {
		rev.Flags &^= FlagNew
		if rev.Sequence == 0 {
			rev.Sequence = newSequence
		}
	}
}

// IsLatestRemoteRevision reports whether rev is pinned as some remote's
// latest known revision.
func (t *RevTree) IsLatestRemoteRevision(rev *Rev) bool {
	for _, r := range t.remoteRevs {
		if r == rev {
			return true
		}
	}
	return false
}

// LatestRevisionOnRemote returns the Rev pinned for remote, or nil.
func (t *RevTree) LatestRevisionOnRemote(remote RemoteID) *Rev {
	if remote == NoRemote {
		panic("revtree: NoRemote is not a valid remote ID")
	}
	return t.remoteRevs[remote]
}

// SetLatestRevisionOnRemote pins (or, if rev is nil, unpins) remote's
// latest known revision.
func (t *RevTree) SetLatestRevisionOnRemote(remote RemoteID, rev *Rev) {
	if remote == NoRemote {
		panic("revtree: NoRemote is not a valid remote ID")
	}
	if rev != nil {
		if t.remoteRevs == nil {
			t.remoteRevs = make(map[RemoteID]*Rev)
		}
		t.remoteRevs[remote] = rev
	} else {
		delete(t.remoteRevs, remote)
	}
	t.changed = true
}

// RemoteRevs returns the remote-pointer map. Callers must not mutate it.
func (t *RevTree) RemoteRevs() map[RemoteID]*Rev { return t.remoteRevs }
