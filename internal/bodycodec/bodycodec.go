// Package bodycodec implements the body encoder collaborator (spec §6): a
// generic dict representation for a revision's body, serialized with
// msgp's interface{} runtime helpers, plus the merge-patch style delta
// format that backs PutNewDelta.
package bodycodec

import (
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/tinylib/msgp/msgp"
)

// ErrCorruptRevisionData matches spec §7's CorruptRevisionData error kind.
var ErrCorruptRevisionData = errors.New("corrupt revision data")

// EncodeEmptyDict returns the canonical encoding of an empty body ({}).
func EncodeEmptyDict() []byte {
	b, _ := msgp.AppendIntf(nil, map[string]interface{}{})
	return b
}

// Validate reports whether body decodes as a msgp-encoded dict. An empty
// body is valid (it stands for {}).
func Validate(body []byte) error {
	_, err := Decode(body)
	return err
}

// Decode parses body into a generic string-keyed dict. An empty body
// decodes to an empty dict.
func Decode(body []byte) (map[string]interface{}, error) {
	if len(body) == 0 {
		return map[string]interface{}{}, nil
	}
	v, _, err := msgp.ReadIntfBytes(body)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptRevisionData, "body is not valid msgp")
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Wrap(ErrCorruptRevisionData, "body root is not a dict")
	}
	return m, nil
}

// Encode serializes a generic dict to its msgp wire form.
func Encode(m map[string]interface{}) ([]byte, error) {
	return msgp.AppendIntf(nil, m)
}

// CreateDelta computes a merge-patch style delta (RFC 7396 semantics: a nil
// value means "delete this key") that, applied to from via ApplyDelta,
// reconstructs to. Nested dicts are diffed recursively; every other value
// type is replaced wholesale on any change.
func CreateDelta(from, to map[string]interface{}) map[string]interface{} {
	delta := map[string]interface{}{}
	for k, toV := range to {
		fromV, existed := from[k]
		if !existed {
			delta[k] = toV
			continue
		}
		toMap, toIsMap := toV.(map[string]interface{})
		fromMap, fromIsMap := fromV.(map[string]interface{})
		if toIsMap && fromIsMap {
			if sub := CreateDelta(fromMap, toMap); len(sub) > 0 {
				delta[k] = sub
			}
			continue
		}
		if !reflect.DeepEqual(fromV, toV) {
			delta[k] = toV
		}
	}
	for k := range from {
		if _, stillPresent := to[k]; !stillPresent {
			delta[k] = nil
		}
	}
	return delta
}

// ApplyDelta reconstructs a dict by applying delta (as produced by
// CreateDelta) to base. base is not mutated.
func ApplyDelta(base, delta map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range delta {
		if v == nil {
			delete(result, k)
			continue
		}
		deltaSub, isMap := v.(map[string]interface{})
		baseSub, baseIsMap := result[k].(map[string]interface{})
		if isMap && baseIsMap {
			result[k] = ApplyDelta(baseSub, deltaSub)
		} else {
			result[k] = v
		}
	}
	return result
}
