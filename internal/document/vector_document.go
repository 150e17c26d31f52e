package document

import (
	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/bodycodec"
	"github.com/couchwing/docengine/internal/revtree"
	"github.com/couchwing/docengine/internal/version"
)

// VectorDocument is one document under the version-vector scheme: a single
// current body plus the vector describing its causal history, with
// per-remote "latest known vector" bookkeeping analogous to RevTree's
// remoteRevs.
type VectorDocument struct {
	DocID      string
	vector     version.Vector
	body       []byte
	deleted    bool
	conflicted bool
	myPeer     version.PeerID
	sequence   uint64

	remoteVectors map[revtree.RemoteID]version.Vector
}

// NewVectorDocument returns a brand-new, empty document.
func NewVectorDocument(docID string, myPeer version.PeerID) *VectorDocument {
	return &VectorDocument{DocID: docID, myPeer: myPeer}
}

// LoadVectorDocument rebuilds a document from its persisted vector, body,
// and extra (the encoded remote-vectors list produced by Save; nil for a
// document that has never recorded a remote pin).
func LoadVectorDocument(docID string, encodedVector, extra, body []byte, deleted, conflicted bool, sequence uint64, myPeer version.PeerID) (*VectorDocument, error) {
	vec, err := version.FromBinary(encodedVector)
	if err != nil {
		return nil, err
	}
	vec.CompactMyPeerID(myPeer)
	remoteVectors, err := decodeRemoteVectors(extra, myPeer)
	if err != nil {
		return nil, err
	}
	return &VectorDocument{
		DocID: docID, vector: vec, body: body, deleted: deleted, conflicted: conflicted,
		sequence: sequence, myPeer: myPeer, remoteVectors: remoteVectors,
	}, nil
}

func (d *VectorDocument) Vector() *version.Vector    { return &d.vector }
func (d *VectorDocument) Body() []byte               { return d.body }
func (d *VectorDocument) IsDeleted() bool            { return d.deleted }
func (d *VectorDocument) IsConflicted() bool         { return d.conflicted }
func (d *VectorDocument) Sequence() uint64           { return d.sequence }
func (d *VectorDocument) CurrentVersion() version.Version { return d.vector.Current() }
func (d *VectorDocument) History() []version.Version { return d.vector.Versions() }

// SetRemoteVector records v as the latest vector known for remote, without
// going through PutExisting's comparison logic. Used by the upgrader (C7)
// to seed a freshly migrated document's remote-pins table from the rev-tree
// it is replacing.
func (d *VectorDocument) SetRemoteVector(remote revtree.RemoteID, v version.Vector) {
	if d.remoteVectors == nil {
		d.remoteVectors = make(map[revtree.RemoteID]version.Vector)
	}
	d.remoteVectors[remote] = v
}

// PutNew records a local edit: bumps the Me-sentinel generation to the head
// of the vector and replaces the body. The vector stays unbound (author ==
// version.Me) until Save binds it to myPeer for persistence.
func (d *VectorDocument) PutNew(body []byte, deleted bool) error {
	if err := bodycodec.Validate(body); err != nil {
		return err
	}
	if err := d.vector.IncrementGen(version.Me); err != nil {
		return err
	}
	d.body = body
	d.deleted = deleted
	return nil
}

// PutNewDelta applies delta (in bodycodec's merge-patch form) on top of the
// document's current body, but only if baseVersion is exactly the
// document's current version — otherwise the delta was computed against a
// body this document no longer has, and the caller must fall back to
// fetching the full body.
func (d *VectorDocument) PutNewDelta(baseVersion version.Version, delta []byte) error {
	if d.vector.Empty() || !d.vector.Current().Equal(baseVersion) {
		return errors.Wrap(ErrDeltaBaseUnknown, "document's current version does not match delta base")
	}
	base, err := bodycodec.Decode(d.body)
	if err != nil {
		return err
	}
	deltaDict, err := bodycodec.Decode(delta)
	if err != nil {
		return err
	}
	merged := bodycodec.ApplyDelta(base, deltaDict)
	newBody, err := bodycodec.Encode(merged)
	if err != nil {
		return err
	}
	return d.PutNew(newBody, d.deleted)
}

// PutExisting applies a revision received from remote, given as its full
// vector. A write tagged with a real remote always updates
// remoteVectors[remote], regardless of how incoming compares to the
// document's current version — a replicator needs to remember what it last
// sent or received from that remote even when the comparison says "no-op".
//
// A Conflicting comparison against the local database (remote == NoRemote)
// fails outright: there is no replicator bookkeeping to fall back on, and a
// purely local write must resolve through ResolveConflict instead. Against
// a real remote it instead flags the document Conflicted and leaves the
// current vector/body untouched, the same way a rev-tree put records a
// losing branch rather than rejecting it.
func (d *VectorDocument) PutExisting(remote revtree.RemoteID, incoming version.Vector, body []byte, deleted bool) (version.Order, error) {
	if err := bodycodec.Validate(body); err != nil {
		return 0, err
	}
	cmp := d.vector.CompareTo(&incoming)

	if remote != revtree.NoRemote {
		if d.remoteVectors == nil {
			d.remoteVectors = make(map[revtree.RemoteID]version.Vector)
		}
		d.remoteVectors[remote] = incoming.Clone()
	}

	switch cmp {
	case version.Same, version.Newer:
		return cmp, nil
	case version.Older:
		d.vector = incoming
		d.body = body
		d.deleted = deleted
		return cmp, nil
	default: // Conflicting
		if remote == revtree.NoRemote {
			return cmp, errors.Wrap(ErrConflict, "incoming version vector conflicts with current")
		}
		d.conflicted = true
		return cmp, nil
	}
}

// ResolveConflict merges the current vector with other's (a CRDT merge,
// order-independent), bumps myPeer's generation so the merge itself becomes
// a new local edit, and stores mergedBody as the result.
func (d *VectorDocument) ResolveConflict(other version.Vector, mergedBody []byte, deleted bool) error {
	if err := bodycodec.Validate(mergedBody); err != nil {
		return err
	}
	d.vector = d.vector.MergedWith(&other)
	if err := d.vector.IncrementGen(version.Me); err != nil {
		return err
	}
	d.body = mergedBody
	d.deleted = deleted
	return nil
}

// LatestVectorOnRemote returns the last vector recorded for remote, if any.
func (d *VectorDocument) LatestVectorOnRemote(remote revtree.RemoteID) (version.Vector, bool) {
	v, ok := d.remoteVectors[remote]
	return v, ok
}

// RemoteVectors returns the remote-pins map. Callers must not mutate it.
func (d *VectorDocument) RemoteVectors() map[revtree.RemoteID]version.Vector {
	return d.remoteVectors
}

// HasChanges reports whether the document has unsaved edits.
func (d *VectorDocument) HasChanges() bool { return d.vector.Changed() }

// Save clears the dirty flag, records newSequence, and returns the vector's
// binary encoding (bound to myPeer), the encoded remote-pins table (§6's
// extra; nil if empty), and the current body, ready to write to storage.
func (d *VectorDocument) Save(newSequence uint64) (encodedVector, extra, body []byte) {
	d.sequence = newSequence
	d.vector.ClearChanged()
	return d.vector.AsBinary(d.myPeer), encodeRemoteVectors(d.remoteVectors, d.myPeer), d.body
}
