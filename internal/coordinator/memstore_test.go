package coordinator

import (
	"context"
	"fmt"
	"sync"
)

// memStore is a minimal in-memory storage.Backend used only by this
// package's tests.
type memStore struct {
	mu        sync.Mutex
	texts     map[string]string
	snapshots map[string][]byte
	writes    map[string]int

	failReads bool
}

func newMemStore() *memStore {
	return &memStore{
		texts:     make(map[string]string),
		snapshots: make(map[string][]byte),
		writes:    make(map[string]int),
	}
}

func (m *memStore) ReadText(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return "", false, fmt.Errorf("memstore: simulated read failure")
	}
	t, ok := m.texts[name]
	return t, ok, nil
}

func (m *memStore) WriteText(ctx context.Context, name string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts[name] = text
	m.writes[name]++
	return nil
}

func (m *memStore) ReadSnapshot(ctx context.Context, name string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, false, fmt.Errorf("memstore: simulated read failure")
	}
	s, ok := m.snapshots[name]
	return s, ok, nil
}

func (m *memStore) WriteSnapshot(ctx context.Context, name string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[name] = snapshot
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) textOf(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[name]
}

func (m *memStore) writeCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[name]
}

// fakeSub is a Subscriber that records every message sent to it.
type fakeSub struct {
	id string

	mu    sync.Mutex
	types []byte
	blobs [][]byte
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id} }

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(msgType byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, msgType)
	f.blobs = append(f.blobs, append([]byte(nil), payload...))
	return nil
}

func (f *fakeSub) count(msgType byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.types {
		if t == msgType {
			n++
		}
	}
	return n
}

// last returns the payload of the most recent message of the given type,
// or nil if none was recorded.
func (f *fakeSub) last(msgType byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.types) - 1; i >= 0; i-- {
		if f.types[i] == msgType {
			return f.blobs[i]
		}
	}
	return nil
}
