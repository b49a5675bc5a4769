package replica

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Presence tracks ephemeral per-client state (cursor position, selection,
// display name) alongside a document's Replica. Unlike the content
// register, presence entries are last-writer-wins per client ID and are
// never persisted: a client's entry is removed outright when that client
// disconnects or sends an explicit null update.
type Presence struct {
	mu       sync.Mutex
	states   map[string]json.RawMessage
	onChange []func(added, updated, removed []string)
}

// NewPresence creates an empty presence set.
func NewPresence() *Presence {
	return &Presence{states: make(map[string]json.RawMessage)}
}

// States returns a snapshot copy of every client's current state.
func (p *Presence) States() map[string]json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]json.RawMessage, len(p.states))
	for k, v := range p.states {
		out[k] = v
	}
	return out
}

// presenceEntry is the wire shape of one client's update: a nil State
// removes the client.
type presenceEntry struct {
	ClientID string          `json:"clientId"`
	State    json.RawMessage `json:"state"`
}

type presenceUpdate struct {
	Entries []presenceEntry `json:"entries"`
}

// ApplyUpdate applies a batch of per-client presence changes and reports
// which client IDs were newly added, changed in place, or removed.
func (p *Presence) ApplyUpdate(data []byte, origin string) (added, updated, removed []string, err error) {
	var u presenceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, nil, nil, fmt.Errorf("replica: decode presence update: %w", err)
	}

	p.mu.Lock()
	for _, e := range u.Entries {
		_, existed := p.states[e.ClientID]
		if e.State == nil || string(e.State) == "null" {
			if existed {
				delete(p.states, e.ClientID)
				removed = append(removed, e.ClientID)
			}
			continue
		}
		p.states[e.ClientID] = e.State
		if existed {
			updated = append(updated, e.ClientID)
		} else {
			added = append(added, e.ClientID)
		}
	}
	p.mu.Unlock()

	if len(added)+len(updated)+len(removed) > 0 {
		for _, cb := range p.onChange {
			cb(added, updated, removed)
		}
	}
	return added, updated, removed, nil
}

// EncodeUpdate encodes the current state of the given client IDs (or every
// known client, if clientIDs is empty) as a presence update blob. An
// explicitly listed ID with no current state encodes as a null entry, the
// wire form of a removal.
func (p *Presence) EncodeUpdate(clientIDs []string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	explicit := len(clientIDs) > 0
	ids := clientIDs
	if !explicit {
		ids = make([]string, 0, len(p.states))
		for id := range p.states {
			ids = append(ids, id)
		}
	}

	entries := make([]presenceEntry, 0, len(ids))
	for _, id := range ids {
		state, ok := p.states[id]
		if !ok {
			if explicit {
				entries = append(entries, presenceEntry{ClientID: id, State: nil})
			}
			continue
		}
		entries = append(entries, presenceEntry{ClientID: id, State: state})
	}
	return json.Marshal(presenceUpdate{Entries: entries})
}

// RemoveClient removes one client's presence entry unconditionally, used by
// the hub when a socket closes without sending an explicit removal.
func (p *Presence) RemoveClient(clientID string) {
	p.mu.Lock()
	_, existed := p.states[clientID]
	if existed {
		delete(p.states, clientID)
	}
	p.mu.Unlock()

	if existed {
		for _, cb := range p.onChange {
			cb(nil, nil, []string{clientID})
		}
	}
}

// OnChange registers a callback invoked after any add/update/remove.
func (p *Presence) OnChange(cb func(added, updated, removed []string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, cb)
}
