package hub

import (
	"context"

	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

// meteredBackend wraps a storage.Backend to drive the /metrics and /stats
// files.{saves,loads} and errors counters without
// teaching storage.Backend implementations anything about the control
// plane. It forwards storage.Watchable's methods when the wrapped backend
// implements it, and is otherwise a harmless no-op Watchable, so hub code
// never needs a type switch on the concrete backend.
type meteredBackend struct {
	storage.Backend
	m *metrics
}

func newMeteredBackend(b storage.Backend, m *metrics) *meteredBackend {
	return &meteredBackend{Backend: b, m: m}
}

func (b *meteredBackend) ReadText(ctx context.Context, name string) (string, bool, error) {
	text, found, err := b.Backend.ReadText(ctx, name)
	if err != nil {
		b.m.loadErrored()
		return "", false, err
	}
	b.m.fileLoaded()
	return text, found, nil
}

func (b *meteredBackend) WriteText(ctx context.Context, name string, text string) error {
	if err := b.Backend.WriteText(ctx, name, text); err != nil {
		b.m.saveErrored()
		return err
	}
	b.m.fileSaved()
	return nil
}

func (b *meteredBackend) watchable() (storage.Watchable, bool) {
	w, ok := b.Backend.(storage.Watchable)
	return w, ok
}

func (b *meteredBackend) Watch(name string) error {
	if w, ok := b.watchable(); ok {
		return w.Watch(name)
	}
	return nil
}

func (b *meteredBackend) Unwatch(name string) {
	if w, ok := b.watchable(); ok {
		w.Unwatch(name)
	}
}

func (b *meteredBackend) PathToName(path string) (string, bool) {
	if w, ok := b.watchable(); ok {
		return w.PathToName(path)
	}
	return "", false
}

var _ storage.Watchable = (*meteredBackend)(nil)
