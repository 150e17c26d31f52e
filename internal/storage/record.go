package storage

import "github.com/tinylib/msgp/msgp"

// Scheme tags which versioning scheme a Record's history blob uses.
type Scheme uint8

const (
	SchemeRevTree Scheme = 0
	SchemeVector  Scheme = 1
)

// Record is the one row a document occupies in the key-value store: its
// encoded revision history (a revtree.RevTree or a version.Vector,
// depending on Scheme) alongside the current body and bookkeeping the
// revision engine needs but the KV store itself doesn't interpret. Extra
// and Conflicted are vector-scheme-only: Extra is the encoded
// (RemoteID -> Revision) remote-pins list (§6), and Conflicted records
// that the current vector lost a Conflicting comparison against some
// remote without failing the write (§4.6 step 3). A rev-tree Record
// leaves both zero since RevTree.Encode folds its own remote-pointer
// table into History and a rev-tree conflict is just another leaf.
//
//go:generate msgp
type Record struct {
	Key        string `msg:"k"`
	Scheme     Scheme `msg:"s"`
	History    []byte `msg:"t"`
	Extra      []byte `msg:"x"`
	Body       []byte `msg:"b"`
	Deleted    bool   `msg:"d"`
	Conflicted bool   `msg:"c"`
	Sequence   uint64 `msg:"q"`
}

// MarshalMsg appends the msgp encoding of r to b.
func (r *Record) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 8)
	o = msgp.AppendString(o, "k")
	o = msgp.AppendString(o, r.Key)
	o = msgp.AppendString(o, "s")
	o = msgp.AppendUint8(o, uint8(r.Scheme))
	o = msgp.AppendString(o, "t")
	o = msgp.AppendBytes(o, r.History)
	o = msgp.AppendString(o, "x")
	o = msgp.AppendBytes(o, r.Extra)
	o = msgp.AppendString(o, "b")
	o = msgp.AppendBytes(o, r.Body)
	o = msgp.AppendString(o, "d")
	o = msgp.AppendBool(o, r.Deleted)
	o = msgp.AppendString(o, "c")
	o = msgp.AppendBool(o, r.Conflicted)
	o = msgp.AppendString(o, "q")
	o = msgp.AppendUint64(o, r.Sequence)
	return o, nil
}

// UnmarshalMsg decodes r from bts and returns the unconsumed tail.
func (r *Record) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return nil, err
		}
		switch key {
		case "k":
			r.Key, bts, err = msgp.ReadStringBytes(bts)
		case "s":
			var v uint8
			v, bts, err = msgp.ReadUint8Bytes(bts)
			r.Scheme = Scheme(v)
		case "t":
			r.History, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "x":
			r.Extra, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "b":
			r.Body, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "d":
			r.Deleted, bts, err = msgp.ReadBoolBytes(bts)
		case "c":
			r.Conflicted, bts, err = msgp.ReadBoolBytes(bts)
		case "q":
			r.Sequence, bts, err = msgp.ReadUint64Bytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return nil, err
		}
	}
	return bts, nil
}
