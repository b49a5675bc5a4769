package replica

import "encoding/json"

// opKind distinguishes the two mutation kinds an update blob can carry.
type opKind string

const (
	opInsert opKind = "ins"
	opDelete opKind = "del"
)

// op is one wire-level content mutation. A sync message or an update blob
// is simply a slice of these, applied in order.
type op struct {
	Kind  opKind    `json:"op"`
	ID    Timestamp `json:"id"`
	After Timestamp `json:"after,omitempty"` // opInsert only
	Ch    rune      `json:"ch,omitempty"`    // opInsert only
}

// updateBlob is the JSON envelope ApplyUpdate/WriteUpdate exchange: an
// ordered batch of operations produced by one local edit or received from a
// remote peer.
type updateBlob struct {
	Ops []op `json:"ops"`
}

func encodeOps(ops []op) []byte {
	b, err := json.Marshal(updateBlob{Ops: ops})
	if err != nil {
		// ops contains only JSON-safe scalar fields; Marshal cannot fail.
		panic("replica: unreachable marshal failure: " + err.Error())
	}
	return b
}

func decodeOps(blob []byte) ([]op, error) {
	var u updateBlob
	if err := json.Unmarshal(blob, &u); err != nil {
		return nil, err
	}
	return u.Ops, nil
}
