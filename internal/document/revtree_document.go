package document

import (
	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/revid"
	"github.com/couchwing/docengine/internal/revtree"
)

// RevTreeDocument is one document under the rev-tree scheme: a RevTree plus
// a currently selected revision, the way LiteCore's Document cursor works.
type RevTreeDocument struct {
	DocID    string
	tree     *revtree.RevTree
	selected *revtree.Rev
}

// NewRevTreeDocument returns a brand-new, empty document.
func NewRevTreeDocument(docID string, pruneDepth uint32) *RevTreeDocument {
	return &RevTreeDocument{DocID: docID, tree: revtree.NewRevTree(pruneDepth)}
}

// LoadRevTreeDocument rebuilds a document from its persisted tree encoding,
// with the current revision initially selected.
func LoadRevTreeDocument(docID string, encoded []byte, pruneDepth uint32) (*RevTreeDocument, error) {
	tree, err := revtree.Decode(encoded, pruneDepth)
	if err != nil {
		return nil, err
	}
	return &RevTreeDocument{DocID: docID, tree: tree, selected: tree.CurrentRevision()}, nil
}

// Tree exposes the underlying RevTree, e.g. for the upgrader and ancestor
// finder.
func (d *RevTreeDocument) Tree() *revtree.RevTree { return d.tree }

// Selected returns the currently selected revision, or nil.
func (d *RevTreeDocument) Selected() *revtree.Rev { return d.selected }

// SelectRevision selects the revision with the given ID. Reports false if
// it isn't present.
func (d *RevTreeDocument) SelectRevision(id revid.ID) bool {
	rev := d.tree.Get(id)
	if rev == nil {
		return false
	}
	d.selected = rev
	return true
}

// SelectCurrentRevision selects (and returns) the tree's current head.
func (d *RevTreeDocument) SelectCurrentRevision() *revtree.Rev {
	d.selected = d.tree.CurrentRevision()
	return d.selected
}

// SelectParentRevision moves the selection to the selected revision's
// parent. Reports false if there is no selection or it's a root.
func (d *RevTreeDocument) SelectParentRevision() bool {
	if d.selected == nil || d.selected.Parent == nil {
		return false
	}
	d.selected = d.selected.Parent
	return true
}

// SelectNextRevision moves to the revision immediately after the selection
// in sort-priority order. Reports false at the end of the list.
func (d *RevTreeDocument) SelectNextRevision() bool {
	d.tree.Sort()
	revs := d.tree.Revs()
	for i, r := range revs {
		if r == d.selected {
			if i+1 < len(revs) {
				d.selected = revs[i+1]
				return true
			}
			return false
		}
	}
	return false
}

// SelectNextLeafRevision moves to the next leaf after the selection in
// sort-priority order, optionally skipping deletion tombstones.
func (d *RevTreeDocument) SelectNextLeafRevision(includeDeleted bool) bool {
	d.tree.Sort()
	revs := d.tree.Revs()
	start := 0
	for i, r := range revs {
		if r == d.selected {
			start = i + 1
			break
		}
	}
	for i := start; i < len(revs); i++ {
		r := revs[i]
		if r.IsLeaf() && (includeDeleted || !r.IsDeleted()) {
			d.selected = r
			return true
		}
	}
	return false
}

// LoadSelectedRevBody returns the selected revision's body.
func (d *RevTreeDocument) LoadSelectedRevBody() ([]byte, error) {
	if d.selected == nil {
		return nil, errors.Wrap(ErrNotFound, "no revision selected")
	}
	body := d.selected.Body()
	if body == nil {
		return nil, errors.Wrap(revtree.ErrCorruptRevisionData, "body unavailable: pruned or never loaded")
	}
	return body, nil
}

// PutNewRevision inserts a new child of the currently selected revision (or
// a new root, if nothing is selected), and selects the result.
func (d *RevTreeDocument) PutNewRevision(id revid.ID, body []byte, deleted, hasAttachments, allowConflict bool) (*revtree.Rev, int) {
	var flags revtree.Flags
	if deleted {
		flags |= revtree.FlagDeleted
	}
	if hasAttachments {
		flags |= revtree.FlagHasAttachments
	}
	rev, status := d.tree.Insert(id, body, flags, d.selected, allowConflict, true)
	if rev != nil {
		d.selected = rev
	}
	return rev, status
}

// PutExistingRevision inserts a revision given its full (newest-first)
// history, as when applying a replicated revision. On success, the new
// leaf becomes selected.
func (d *RevTreeDocument) PutExistingRevision(history []revid.ID, body []byte, deleted, allowConflict bool) (commonAncestorIndex, httpStatus int) {
	var flags revtree.Flags
	if deleted {
		flags |= revtree.FlagDeleted
	}
	idx, status := d.tree.InsertHistory(history, body, flags, allowConflict, true)
	if status == 0 {
		if rev := d.tree.Get(history[0]); rev != nil {
			d.selected = rev
		}
	}
	return idx, status
}

// PurgeRevision removes the named leaf (and any ancestors left without
// other children). If the selection was purged, the new current revision
// becomes selected.
func (d *RevTreeDocument) PurgeRevision(id revid.ID) int {
	n := d.tree.Purge(id)
	if n > 0 {
		if d.selected == nil || d.tree.Get(d.selected.RevID) == nil {
			d.selected = d.tree.CurrentRevision()
		}
	}
	return n
}

// ResolveConflict picks winner as the document's sole surviving branch:
// every other leaf, deleted or not, is purged outright. Real conflict
// resolution in a replicated system usually inserts a merge revision on top
// of winner first (see version.Vector.InsertMergeRevID for the equivalent
// identifier); callers that want that should PutNewRevision the merge body
// before calling ResolveConflict.
func (d *RevTreeDocument) ResolveConflict(winner revid.ID) error {
	winnerRev := d.tree.Get(winner)
	if winnerRev == nil || !winnerRev.IsLeaf() {
		return errors.Wrap(ErrNotFound, "winning revision is not a current leaf")
	}
	var losers []revid.ID
	for _, rev := range d.tree.Revs() {
		if rev.IsLeaf() && rev != winnerRev {
			losers = append(losers, rev.RevID)
		}
	}
	for _, id := range losers {
		d.tree.Purge(id)
	}
	d.tree.Sort()
	d.selected = d.tree.CurrentRevision()
	return nil
}

// SelectedRevHistory returns the selected revision's ancestor chain,
// newest first, up to maxLength entries (0 for unbounded).
func (d *RevTreeDocument) SelectedRevHistory(maxLength int) []revid.ID {
	if d.selected == nil {
		return nil
	}
	ids := make([]revid.ID, 0, 4)
	for rev := d.selected; rev != nil && (maxLength <= 0 || len(ids) < maxLength); rev = rev.Parent {
		ids = append(ids, rev.RevID)
	}
	return ids
}

// HasChanges reports whether the document has unsaved edits.
func (d *RevTreeDocument) HasChanges() bool {
	return d.tree.Changed() || d.tree.HasNewRevisions()
}

// Save assigns newSequence to any unsequenced revision and returns the
// tree's binary encoding, ready to write to storage.
func (d *RevTreeDocument) Save(newSequence uint64) ([]byte, error) {
	d.tree.Saved(newSequence)
	return d.tree.Encode()
}
