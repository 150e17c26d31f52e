package document

import (
	"encoding/binary"
	"sort"

	"github.com/couchwing/docengine/internal/bodycodec"
	"github.com/couchwing/docengine/internal/revtree"
	"github.com/couchwing/docengine/internal/version"

	"github.com/cockroachdb/errors"
)

// encodeRemoteVectors serializes the per-remote "latest known vector"
// bookkeeping (§6's extra: a (RemoteID -> Revision) list) as a count
// followed by (RemoteID, length-prefixed vector binary) pairs, sorted by
// RemoteID for a deterministic encoding. Returns nil when there is nothing
// to record, the same way an empty rev-tree remote table encodes to "0".
func encodeRemoteVectors(remoteVectors map[revtree.RemoteID]version.Vector, myPeer version.PeerID) []byte {
	if len(remoteVectors) == 0 {
		return nil
	}
	remotes := make([]revtree.RemoteID, 0, len(remoteVectors))
	for remote := range remoteVectors {
		remotes = append(remotes, remote)
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i] < remotes[j] })

	out := binary.AppendUvarint(nil, uint64(len(remotes)))
	for _, remote := range remotes {
		v := remoteVectors[remote]
		vecBytes := v.AsBinary(myPeer)
		out = binary.AppendUvarint(out, uint64(remote))
		out = binary.AppendUvarint(out, uint64(len(vecBytes)))
		out = append(out, vecBytes...)
	}
	return out
}

// decodeRemoteVectors parses the form encodeRemoteVectors produces.
func decodeRemoteVectors(data []byte, myPeer version.PeerID) (map[revtree.RemoteID]version.Vector, error) {
	if len(data) == 0 {
		return nil, nil
	}
	count, data, err := readRemoteVectorsUvarint(data)
	if err != nil {
		return nil, errors.Wrap(bodycodec.ErrCorruptRevisionData, "truncated remote-vector count")
	}
	out := make(map[revtree.RemoteID]version.Vector, count)
	for i := uint64(0); i < count; i++ {
		remote, rest, err := readRemoteVectorsUvarint(data)
		if err != nil {
			return nil, errors.Wrap(bodycodec.ErrCorruptRevisionData, "truncated remote ID")
		}
		data = rest

		vecLen, rest, err := readRemoteVectorsUvarint(data)
		if err != nil || uint64(len(rest)) < vecLen {
			return nil, errors.Wrap(bodycodec.ErrCorruptRevisionData, "truncated remote vector")
		}
		vec, err := version.FromBinary(rest[:vecLen])
		if err != nil {
			return nil, errors.Wrap(bodycodec.ErrCorruptRevisionData, "malformed remote vector")
		}
		vec.CompactMyPeerID(myPeer)
		data = rest[vecLen:]

		out[revtree.RemoteID(remote)] = vec
	}
	return out, nil
}

func readRemoteVectorsUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errors.New("document: truncated varint")
	}
	return v, b[n:], nil
}
