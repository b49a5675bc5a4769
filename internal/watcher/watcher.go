// Package watcher streams external (non-hub) changes to a document's
// on-disk file, coalescing the burst of events a text editor or another
// process typically produces for one logical save (a temp-file write
// followed by a rename over the target) into a single debounced
// notification.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is one coalesced external change notification.
type Event struct {
	Path string
	Text string
	Err  error
}

// Watcher streams Events for a set of files, debouncing per-path so a rapid
// write-then-rename produces exactly one Event instead of one per fsnotify
// notification.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	dirRefs map[string]int // directory -> number of watched files in it
	timers  map[string]*time.Timer

	out  chan Event
	done chan struct{}
}

// New creates a Watcher. debounce is the quiet period required after the
// last fsnotify event for a path before its Event is emitted.
func New(debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		dirRefs:  make(map[string]int),
		timers:   make(map[string]*time.Timer),
		out:      make(chan Event, 64),
		done:     make(chan struct{}),
	}
	return w, nil
}

// Events returns the channel Watch results are delivered on. The channel
// is never closed; consumers select on Done to learn that Run has exited.
func (w *Watcher) Events() <-chan Event { return w.out }

// Done is closed when Run returns. A debounce timer may still be firing at
// that instant, so the events channel itself stays open; emit and every
// consumer race on this signal instead.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Watch begins watching path for external changes. fsnotify watches the
// containing directory rather than the file itself, because an atomic
// save replaces the file's inode via rename and a watch on the old inode
// would silently go dead.
func (w *Watcher) Watch(path string) error {
	dir := filepath.Dir(path)

	w.mu.Lock()
	if w.dirRefs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			w.mu.Unlock()
			return fmt.Errorf("watcher: watch directory %s: %w", dir, err)
		}
	}
	w.dirRefs[dir]++
	w.mu.Unlock()
	return nil
}

// Unwatch stops watching path, removing the directory watch once no
// watched file remains in it.
func (w *Watcher) Unwatch(path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirRefs[dir] <= 1 {
		delete(w.dirRefs, dir)
		w.fsw.Remove(dir)
	} else {
		w.dirRefs[dir]--
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

// Run processes fsnotify events until ctx is canceled, then closes Done.
// It is the caller's responsibility to run this in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.out <- Event{Err: fmt.Errorf("watcher: fsnotify error: %w", err)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	if _, watching := w.dirRefs[filepath.Dir(path)]; !watching {
		w.mu.Unlock()
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.emit(path) })
	w.mu.Unlock()
}

func (w *Watcher) emit(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return // the hub's own write is still in flight; next event will settle it
		}
		select {
		case w.out <- Event{Path: path, Err: fmt.Errorf("watcher: read %s: %w", path, err)}:
		case <-w.done:
		}
		return
	}
	select {
	case w.out <- Event{Path: path, Text: string(data)}:
	case <-w.done:
	}
}
