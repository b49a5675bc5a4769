// Package storage implements the pluggable storage capability: a
// document's durable text content plus an optional opaque replica-state
// snapshot, backed by either the filesystem or an external relational
// table.
package storage

import "context"

// Backend is the storage capability a coordinator writes through. Every
// method is safe for concurrent use across documents; the coordinator
// serializes writes to a single document itself, so a Backend only needs to
// guard its own shared resources (an *os.File handle cache, a *sql.DB pool).
type Backend interface {
	// ReadText loads the current text content for name, or ("", false, nil)
	// if no record exists yet.
	ReadText(ctx context.Context, name string) (text string, found bool, err error)

	// WriteText atomically replaces the text content for name.
	WriteText(ctx context.Context, name string, text string) error

	// ReadSnapshot loads the last persisted opaque replica-state snapshot
	// for name, or (nil, false, nil) if none exists.
	ReadSnapshot(ctx context.Context, name string) (snapshot []byte, found bool, err error)

	// WriteSnapshot atomically replaces the replica-state snapshot for name.
	WriteSnapshot(ctx context.Context, name string, snapshot []byte) error

	// Close releases any resources the backend holds open.
	Close() error
}

// Watchable is the optional external-change notification stream the
// filesystem backend layers on top of Backend; the external-table backend
// simply does not implement it. The hub type-asserts a Backend to
// Watchable rather than requiring every backend to supply a no-op
// implementation.
type Watchable interface {
	// Watch begins watching name's resolved on-disk path for edits made
	// outside the hub.
	Watch(name string) error
	// Unwatch stops watching name.
	Unwatch(name string)
	// PathToName resolves a raw filesystem path from a watcher event back
	// to the document name that owns it.
	PathToName(path string) (name string, found bool)
}
