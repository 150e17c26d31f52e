package revtree

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/couchwing/docengine/internal/revid"
)

// Encode serializes the tree to its on-disk binary form: a rev count, then
// each Rev's (revID, flags, parent-index, sequence, body), then the
// remote-pointer table. Parent links are by 1-based index into the encoded
// array (0 meaning "no parent") rather than by byte offset: Go's decoder
// builds the whole slice before resolving any pointer, so an index is just
// as cheap to resolve as an offset and needs no recomputation on encode.
func (t *RevTree) Encode() ([]byte, error) {
	t.Sort()
	indexOf := make(map[*Rev]int, len(t.revs))
	for i, r := range t.revs {
		indexOf[r] = i
	}

	out := binary.AppendUvarint(nil, uint64(len(t.revs)))
	for _, r := range t.revs {
		idBytes, err := r.RevID.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "revtree: encoding revID")
		}
		out = binary.AppendUvarint(out, uint64(len(idBytes)))
		out = append(out, idBytes...)
		out = binary.LittleEndian.AppendUint16(out, uint16(r.Flags))
		if r.Parent != nil {
			out = binary.AppendUvarint(out, uint64(indexOf[r.Parent]+1))
		} else {
			out = binary.AppendUvarint(out, 0)
		}
		out = binary.AppendUvarint(out, r.Sequence)
		out = binary.AppendUvarint(out, uint64(len(r.body)))
		out = append(out, r.body...)
	}

	remotes := make([]RemoteID, 0, len(t.remoteRevs))
	for remote := range t.remoteRevs {
		remotes = append(remotes, remote)
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i] < remotes[j] })

	out = binary.AppendUvarint(out, uint64(len(remotes)))
	for _, remote := range remotes {
		out = binary.AppendUvarint(out, uint64(remote))
		out = binary.AppendUvarint(out, uint64(indexOf[t.remoteRevs[remote]]+1))
	}
	return out, nil
}

// Decode parses the form Encode produces. Rev bodies alias directly into
// data rather than being copied; callers that need to retain a decoded tree
// past data's lifetime should clone any body they keep (Insert's own copy
// path already does this for newly written revisions).
func Decode(data []byte, pruneDepth uint32) (*RevTree, error) {
	revCount, data, err := readUvarint(data)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptRevisionData, "truncated rev count")
	}

	t := &RevTree{pruneDepth: pruneDepth, sorted: true}
	parentIdx := make([]uint64, revCount)
	t.revs = make([]*Rev, revCount)

	for i := uint64(0); i < revCount; i++ {
		idLen, rest, err := readUvarint(data)
		if err != nil || uint64(len(rest)) < idLen {
			return nil, errors.Wrap(ErrCorruptRevisionData, "truncated revID")
		}
		id, err := revid.ParseBinary(rest[:idLen])
		if err != nil {
			return nil, errors.Wrap(ErrCorruptRevisionData, "malformed revID")
		}
		data = rest[idLen:]

		if len(data) < 2 {
			return nil, errors.Wrap(ErrCorruptRevisionData, "truncated flags")
		}
		flags := Flags(binary.LittleEndian.Uint16(data))
		data = data[2:]

		pIdx, rest, err := readUvarint(data)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptRevisionData, "truncated parent index")
		}
		data = rest

		seq, rest, err := readUvarint(data)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptRevisionData, "truncated sequence")
		}
		data = rest

		bodyLen, rest, err := readUvarint(data)
		if err != nil || uint64(len(rest)) < bodyLen {
			return nil, errors.Wrap(ErrCorruptRevisionData, "truncated body")
		}
		var body []byte
		if bodyLen > 0 {
			body = rest[:bodyLen]
		}
		data = rest[bodyLen:]

		parentIdx[i] = pIdx
		t.revs[i] = &Rev{RevID: id, Sequence: seq, body: body, Flags: flags}
	}

	for i, rev := range t.revs {
		if parentIdx[i] > 0 {
			pi := parentIdx[i] - 1
			if pi >= uint64(len(t.revs)) {
				return nil, errors.Wrap(ErrCorruptRevisionData, "parent index out of range")
			}
			rev.Parent = t.revs[pi]
		}
	}

	remoteCount, data, err := readUvarint(data)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptRevisionData, "truncated remote count")
	}
	if remoteCount > 0 {
		t.remoteRevs = make(map[RemoteID]*Rev, remoteCount)
	}
	for i := uint64(0); i < remoteCount; i++ {
		remote, rest, err := readUvarint(data)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptRevisionData, "truncated remote ID")
		}
		data = rest

		revIdx, rest, err := readUvarint(data)
		if err != nil || revIdx == 0 || revIdx > uint64(len(t.revs)) {
			return nil, errors.Wrap(ErrCorruptRevisionData, "bad remote rev index")
		}
		data = rest

		t.remoteRevs[RemoteID(remote)] = t.revs[revIdx-1]
	}

	return t, nil
}

func readUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errors.New("revtree: truncated varint")
	}
	return v, b[n:], nil
}
