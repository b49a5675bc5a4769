// Package replica implements the hub's CRDT document: a single text
// register backed by a Replicated Growable Array. Every mutation is
// idempotent and commutative by construction (see rga.go), so the hub can
// apply the same update blob twice, or out of causal order within a known
// session, without corrupting the register.
package replica

import (
	"encoding/json"
	"fmt"
	"sync"
)

// messageKind frames the two request/response shapes ReadSyncMessage must
// distinguish: a state-vector probe and the update batch answering it.
type messageKind string

const (
	msgStateVector messageKind = "sv"
	msgUpdate      messageKind = "update"
)

type message struct {
	Kind  messageKind       `json:"kind"`
	State map[string]uint64 `json:"state,omitempty"` // msgStateVector
	Ops   []op              `json:"ops,omitempty"`   // msgUpdate
}

// Replica is the concrete implementation of the Replica contract.
// Safe for concurrent use; the coordinator that owns one is expected to
// serialize access anyway (it is a single-goroutine actor), but the mutex
// makes misuse non-corrupting rather than relying on that discipline alone.
type Replica struct {
	mu       sync.Mutex
	sid      SessionID
	counter  uint64
	seq      *sequence
	oplog    []op
	onUpdate []func(blob []byte, origin string)
}

// New creates a Replica with a fresh session identity.
func New() *Replica {
	return &Replica{
		sid: NewSessionID(),
		seq: newSequence(),
	}
}

func (r *Replica) nextTimestamp() Timestamp {
	r.counter++
	return Timestamp{SID: r.sid, Counter: r.counter}
}

// Text returns the current visible document content.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq.text()
}

// Insert inserts s at rune offset pos and returns the update blob
// describing the change, suitable for broadcast to peers and for replay
// through ApplyUpdate on this same replica (ApplyUpdate is idempotent, so
// callers that also self-apply locally-generated blobs stay correct).
func (r *Replica) Insert(pos int, s string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	runes := []rune(s)
	if len(runes) == 0 {
		return encodeOps(nil)
	}

	before, _, _ := r.seq.visibleIDAt(pos)
	ops := make([]op, 0, len(runes))
	after := before
	for _, ch := range runes {
		id := r.nextTimestamp()
		r.seq.insertElement(after, id, ch)
		ops = append(ops, op{Kind: opInsert, ID: id, After: after, Ch: ch})
		after = id
	}
	r.oplog = append(r.oplog, ops...)
	r.notify(ops, "")
	return encodeOps(ops)
}

// Delete removes the n visible characters starting at pos and returns the
// update blob describing the change.
func (r *Replica) Delete(pos, n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.seq.visibleIDsFrom(pos, n)
	ops := make([]op, 0, len(ids))
	for _, id := range ids {
		if r.seq.deleteElement(id) {
			ops = append(ops, op{Kind: opDelete, ID: id})
		}
	}
	r.oplog = append(r.oplog, ops...)
	r.notify(ops, "")
	return encodeOps(ops)
}

// ApplyUpdate applies a remote (or previously-produced local) update blob.
// Individual operations that are already known, or that arrive before the
// element they attach to, are silently skipped rather than erroring. A
// skipped premature operation is dropped, not buffered; it takes effect only
// if the same update is delivered again after its predecessor.
func (r *Replica) ApplyUpdate(blob []byte, origin string) (bool, error) {
	ops, err := decodeOps(blob)
	if err != nil {
		return false, fmt.Errorf("replica: decode update: %w", err)
	}

	r.mu.Lock()
	changed := false
	applied := make([]op, 0, len(ops))
	for _, o := range ops {
		switch o.Kind {
		case opInsert:
			if r.seq.insertElement(o.After, o.ID, o.Ch) {
				changed = true
				applied = append(applied, o)
			}
		case opDelete:
			if r.seq.deleteElement(o.ID) {
				changed = true
				applied = append(applied, o)
			}
		default:
			r.mu.Unlock()
			return false, fmt.Errorf("replica: unknown op kind %q", o.Kind)
		}
		// Lamport clock: the next local insert must sort above every ID
		// this replica has seen, from any session.
		if o.ID.Counter > r.counter {
			r.counter = o.ID.Counter
		}
	}
	r.oplog = append(r.oplog, applied...)
	r.mu.Unlock()

	if changed {
		r.notify(applied, origin)
	}
	return changed, nil
}

// WriteUpdate wraps an already-encoded ops blob in the update-message
// envelope, ready to hand to ReadSyncMessage on a peer.
func (r *Replica) WriteUpdate(blob []byte) []byte {
	ops, err := decodeOps(blob)
	if err != nil {
		ops = nil
	}
	b, _ := json.Marshal(message{Kind: msgUpdate, Ops: ops})
	return b
}

// EncodeStateAsUpdate returns the entire document history as a single
// update blob, used when a new connection needs a full snapshot rather
// than an incremental diff.
func (r *Replica) EncodeStateAsUpdate() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return encodeOps(r.oplog), nil
}

// WriteSyncStep1 encodes this replica's state vector (the highest counter
// seen per session), the first half of the sync handshake.
func (r *Replica) WriteSyncStep1() ([]byte, error) {
	r.mu.Lock()
	sv := r.stateVectorLocked()
	r.mu.Unlock()
	return json.Marshal(message{Kind: msgStateVector, State: sv})
}

func (r *Replica) stateVectorLocked() map[string]uint64 {
	sv := make(map[string]uint64)
	for _, o := range r.oplog {
		key := o.ID.SID.String()
		if o.ID.Counter > sv[key] {
			sv[key] = o.ID.Counter
		}
	}
	return sv
}

// ReadSyncMessage handles one half of the sync handshake: a state-vector
// message yields a reply carrying every operation the sender is missing; an
// update message is applied directly and produces no reply.
func (r *Replica) ReadSyncMessage(msg []byte, origin string) ([]byte, error) {
	var m message
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, fmt.Errorf("replica: decode sync message: %w", err)
	}

	switch m.Kind {
	case msgStateVector:
		r.mu.Lock()
		missing := make([]op, 0)
		for _, o := range r.oplog {
			key := o.ID.SID.String()
			if o.ID.Counter > m.State[key] {
				missing = append(missing, o)
			}
		}
		r.mu.Unlock()
		if len(missing) == 0 {
			return nil, nil
		}
		reply, err := json.Marshal(message{Kind: msgUpdate, Ops: missing})
		if err != nil {
			return nil, err
		}
		return reply, nil
	case msgUpdate:
		if _, err := r.ApplyUpdate(encodeOps(m.Ops), origin); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("replica: unknown sync message kind %q", m.Kind)
	}
}

// OnUpdate registers a callback invoked after every locally or remotely
// applied mutation that actually changed the register. Callbacks are
// invoked synchronously and in registration order; the coordinator uses
// this to fan the change out to the hub's broadcaster and to the storage
// write path.
func (r *Replica) OnUpdate(cb func(blob []byte, origin string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = append(r.onUpdate, cb)
}

func (r *Replica) notify(ops []op, origin string) {
	if len(ops) == 0 {
		return
	}
	blob := encodeOps(ops)
	for _, cb := range r.onUpdate {
		cb(blob, origin)
	}
}
