// Package engine wires the document controllers (C5, C6), the storage
// collaborator (§6), the upgrader (C7) and the ancestor finder (C8) into
// the single orchestration surface cmd/docengine's HTTP handlers call.
// Every operation here is one KVStore transaction: load the record, mutate
// the in-memory document, re-encode, write it back.
package engine

import (
	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/ancestor"
	"github.com/couchwing/docengine/internal/changefeed"
	"github.com/couchwing/docengine/internal/config"
	"github.com/couchwing/docengine/internal/digest"
	"github.com/couchwing/docengine/internal/document"
	"github.com/couchwing/docengine/internal/metrics"
	"github.com/couchwing/docengine/internal/revid"
	"github.com/couchwing/docengine/internal/storage"
	"github.com/couchwing/docengine/internal/upgrade"
	"github.com/couchwing/docengine/internal/version"
)

// ErrWrongScheme is returned when an operation for one versioning scheme is
// attempted against a record stored under the other.
var ErrWrongScheme = errors.New("document is not under the requested versioning scheme")

// Engine is the revision engine's entry point: one KVStore, one PeerID this
// database identifies itself as on the version-vector scheme, and the
// change feed put/resolve/upgrade handlers notify after a successful save.
type Engine struct {
	Store  storage.KVStore
	MyPeer version.PeerID
	Feed   *changefeed.Feed
	Cfg    config.Config
	// Mirror is nil unless Cfg.RemoteMirrorDSN is set. When present,
	// FindRemoteAncestor consults it instead of requiring a live
	// replication session with the remote.
	Mirror *storage.RemoteMirror
}

// New returns an Engine ready to serve requests. mirror may be nil.
func New(store storage.KVStore, myPeer version.PeerID, cfg config.Config, mirror *storage.RemoteMirror) *Engine {
	return &Engine{Store: store, MyPeer: myPeer, Feed: changefeed.New(), Cfg: cfg, Mirror: mirror}
}

// PutNew creates a new revision of docID under key, picking the controller
// named by the record's existing scheme (or Cfg.VersioningScheme for a
// brand-new document), computes its identity from the content, and returns
// the ASCII ID of the revision it created, which is not necessarily the
// winning revision.
func (e *Engine) PutNew(key, docID string, parent revid.ID, hasParent bool, body []byte, deleted, allowConflict bool) (revID string, status int, err error) {
	var savedSeq uint64
	err = e.Store.UpdateRecord(key, func(current *storage.Record) (*storage.Record, error) {
		scheme := e.Cfg.VersioningScheme
		if current != nil {
			if current.Scheme == storage.SchemeVector {
				scheme = config.SchemeVector
			} else {
				scheme = config.SchemeRevTree
			}
		}

		nextSeq := uint64(1)
		if current != nil {
			nextSeq = current.Sequence + 1
		}
		savedSeq = nextSeq

		switch scheme {
		case config.SchemeVector:
			doc, err := e.loadVectorDocumentFromRecord(docID, current)
			if err != nil {
				return nil, err
			}
			if err := doc.PutNew(body, deleted); err != nil {
				metrics.Conflicts.WithLabelValues("vector").Inc()
				return nil, err
			}
			metrics.Inserts.WithLabelValues("vector").Inc()
			revID = doc.CurrentVersion().ASCII()
			status = 201
			return e.encodeVectorRecord(key, doc, nextSeq)

		default:
			doc, err := e.loadRevTreeDocumentFromRecord(docID, current)
			if err != nil {
				return nil, err
			}
			id, err := digest.NewRevisionID(parent, hasParent, deleted, body, e.Cfg.LegacyMD5RevIDs)
			if err != nil {
				return nil, err
			}
			if hasParent {
				doc.SelectRevision(parent)
			}
			rev, httpStatus := doc.PutNewRevision(id, body, deleted, false, allowConflict)
			status = httpStatus
			if rev == nil {
				metrics.Conflicts.WithLabelValues("revtree").Inc()
				return nil, errors.Wrap(document.ErrConflict, "revision rejected")
			}
			metrics.Inserts.WithLabelValues("revtree").Inc()
			revID = rev.RevID.EmitASCII()
			return e.encodeRevTreeRecord(key, doc, nextSeq)
		}
	})
	if err == nil {
		e.Feed.Notify(key, savedSeq)
	}
	return revID, status, err
}

func (e *Engine) loadVectorDocumentFromRecord(docID string, rec *storage.Record) (*document.VectorDocument, error) {
	if rec == nil || rec.History == nil {
		return document.NewVectorDocument(docID, e.MyPeer), nil
	}
	return document.LoadVectorDocument(docID, rec.History, rec.Extra, rec.Body, rec.Deleted, rec.Conflicted, rec.Sequence, e.MyPeer)
}

func (e *Engine) loadRevTreeDocumentFromRecord(docID string, rec *storage.Record) (*document.RevTreeDocument, error) {
	if rec == nil || rec.History == nil {
		return document.NewRevTreeDocument(docID, e.Cfg.PruneDepth), nil
	}
	return document.LoadRevTreeDocument(docID, rec.History, e.Cfg.PruneDepth)
}

func (e *Engine) encodeVectorRecord(key string, doc *document.VectorDocument, nextSeq uint64) (*storage.Record, error) {
	encodedVector, extra, body := doc.Save(nextSeq)
	return &storage.Record{
		Key: key, Scheme: storage.SchemeVector, History: encodedVector, Extra: extra, Body: body,
		Deleted: doc.IsDeleted(), Conflicted: doc.IsConflicted(), Sequence: doc.Sequence(),
	}, nil
}

func (e *Engine) encodeRevTreeRecord(key string, doc *document.RevTreeDocument, nextSeq uint64) (*storage.Record, error) {
	encodedTree, err := doc.Save(nextSeq)
	if err != nil {
		return nil, err
	}
	var body []byte
	var deleted bool
	if sel := doc.Selected(); sel != nil {
		body = sel.Body()
		deleted = sel.IsDeleted()
	}
	return &storage.Record{Key: key, Scheme: storage.SchemeRevTree, History: encodedTree, Body: body, Deleted: deleted, Sequence: nextSeq}, nil
}

// Get returns a document's current body and revision/version ASCII ID.
func (e *Engine) Get(key, docID string) (body []byte, revOrVersion string, deleted bool, err error) {
	rec, err := e.Store.Get(key)
	if err != nil {
		return nil, "", false, err
	}
	switch rec.Scheme {
	case storage.SchemeVector:
		doc, err := document.LoadVectorDocument(docID, rec.History, rec.Extra, rec.Body, rec.Deleted, rec.Conflicted, rec.Sequence, e.MyPeer)
		if err != nil {
			return nil, "", false, err
		}
		return doc.Body(), doc.CurrentVersion().ASCII(), doc.IsDeleted(), nil
	default:
		doc, err := document.LoadRevTreeDocument(docID, rec.History, e.Cfg.PruneDepth)
		if err != nil {
			return nil, "", false, err
		}
		sel := doc.SelectCurrentRevision()
		if sel == nil {
			return nil, "", false, errors.Wrap(document.ErrNotFound, "document has no current revision")
		}
		body, err := doc.LoadSelectedRevBody()
		if err != nil {
			return nil, "", false, err
		}
		return body, sel.RevID.EmitASCII(), sel.IsDeleted(), nil
	}
}

// ResolveConflict is only meaningful for rev-tree documents (version-vector
// conflicts resolve via PutExisting/ResolveConflict's CRDT merge instead).
func (e *Engine) ResolveConflict(key, docID string, winner revid.ID) error {
	return e.Store.UpdateRecord(key, func(current *storage.Record) (*storage.Record, error) {
		if current == nil || current.Scheme != storage.SchemeRevTree {
			return nil, ErrWrongScheme
		}
		doc, err := document.LoadRevTreeDocument(docID, current.History, e.Cfg.PruneDepth)
		if err != nil {
			return nil, err
		}
		if err := doc.ResolveConflict(winner); err != nil {
			return nil, err
		}
		metrics.Purges.Inc()
		return e.encodeRevTreeRecord(key, doc, current.Sequence+1)
	})
}

// Upgrade converts docID from the rev-tree scheme to the version-vector
// scheme in place.
func (e *Engine) Upgrade(key, docID string) error {
	err := e.Store.UpdateRecord(key, func(current *storage.Record) (*storage.Record, error) {
		if current == nil || current.Scheme != storage.SchemeRevTree {
			return nil, ErrWrongScheme
		}
		doc, err := document.LoadRevTreeDocument(docID, current.History, e.Cfg.PruneDepth)
		if err != nil {
			return nil, err
		}
		vdoc, err := upgrade.Upgrade(doc, e.MyPeer, e.Cfg.ReadOnly, e.Cfg.NoUpgrade)
		if err != nil {
			return nil, err
		}
		return e.encodeVectorRecord(key, vdoc, current.Sequence+1)
	})
	if err != nil {
		metrics.Upgrades.WithLabelValues("rejected").Inc()
		return err
	}
	metrics.Upgrades.WithLabelValues("upgraded").Inc()
	return nil
}

// FindAncestor classifies targetID against docID's stored history.
func (e *Engine) FindAncestor(key, docID string, targetID revid.ID) (ancestor.Result, error) {
	rec, err := e.Store.Get(key)
	if err != nil {
		return ancestor.Result{}, err
	}
	if rec.Scheme != storage.SchemeRevTree {
		return ancestor.Result{}, ErrWrongScheme
	}
	doc, err := document.LoadRevTreeDocument(docID, rec.History, e.Cfg.PruneDepth)
	if err != nil {
		return ancestor.Result{}, err
	}
	res := ancestor.FindInRevTree(doc, targetID)
	metrics.AncestorLookups.WithLabelValues(statusLabel(res.Status)).Inc()
	return res, nil
}

// FindRemoteAncestor classifies targetVersion against the latest vector a
// remote peer mirror has published for docID, without requiring that peer
// to be reachable right now.
func (e *Engine) FindRemoteAncestor(remoteDBID, docID string, targetVersion version.Version) (ancestor.Result, error) {
	if e.Mirror == nil {
		return ancestor.Result{}, errors.New("no remote mirror configured")
	}
	res, err := ancestor.FindAgainstRemoteMirror(e.Mirror, remoteDBID, docID, targetVersion)
	if err != nil {
		return ancestor.Result{}, err
	}
	metrics.AncestorLookups.WithLabelValues(statusLabel(res.Status)).Inc()
	return res, nil
}

func statusLabel(s ancestor.Status) string {
	switch s {
	case ancestor.AncestorExists:
		return "exists"
	case ancestor.AncestorExistsButNotCurrent:
		return "exists_but_not_current"
	default:
		return "unknown"
	}
}
