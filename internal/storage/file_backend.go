package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MaximeRivest/mrmd-sync/internal/docname"
	"github.com/MaximeRivest/mrmd-sync/internal/errs"
	"github.com/MaximeRivest/mrmd-sync/internal/watcher"
)

// staleTempFileAge is the fixed age threshold past which a temp file is
// collected at startup even if its embedded PID still happens to name a
// live process (PIDs recycle on long-lived hosts).
const staleTempFileAge = time.Hour

// FileBackend persists document text as plain files under baseDir, resolved
// the same way docname.ResolveFilePath resolves a client-visible document
// name, and persists replica-state snapshots in a process-private temp
// area keyed by a hash of baseDir (so two hub instances pointed at
// different directories never collide on snapshot slots even if they
// happen to run on the same host).
type FileBackend struct {
	baseDir     string
	tempBase    string
	maxFileSize int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	watchMu sync.Mutex
	watch   *watcher.Watcher
	watched map[string]string // name -> resolved path, for Unwatch
}

// NewFileBackend creates a FileBackend rooted at baseDir, creating baseDir
// and its snapshot temp area if they do not already exist. maxFileSize
// caps what ReadText will load; zero disables the cap.
func NewFileBackend(baseDir string, maxFileSize int64) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create base directory: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve base directory: %w", err)
	}
	tempBase := TempBaseDir(abs)
	if err := os.MkdirAll(filepath.Join(tempBase, "snapshots"), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create snapshot directory: %w", err)
	}
	return &FileBackend{
		baseDir:     baseDir,
		tempBase:    filepath.Join(tempBase, "snapshots"),
		maxFileSize: maxFileSize,
		locks:       make(map[string]*sync.Mutex),
		watched:     make(map[string]string),
	}, nil
}

// TempBaseDir returns the process-private temp area for a resolved
// absolute base directory:
// <tempDir>/mrmd-sync-<first-12-of-sha256(baseDir)>.
func TempBaseDir(absBaseDir string) string {
	sum := sha256.Sum256([]byte(absBaseDir))
	hashed := hex.EncodeToString(sum[:])[:12]
	return filepath.Join(os.TempDir(), "mrmd-sync-"+hashed)
}

func (b *FileBackend) lockFor(name string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	return l
}

func (b *FileBackend) textPath(name string) string {
	return docname.ResolveFilePath(b.baseDir, name)
}

func (b *FileBackend) snapshotPath(name string) string {
	return filepath.Join(b.tempBase, docname.FlattenForSnapshot(name)+".snap")
}

func (b *FileBackend) ReadText(ctx context.Context, name string) (string, bool, error) {
	l := b.lockFor(name)
	l.Lock()
	defer l.Unlock()

	path := b.textPath(name)
	if b.maxFileSize > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() > b.maxFileSize {
			return "", false, &errs.IOError{
				Op:     "load " + name,
				Reason: errs.IOReasonOversize,
				Err:    fmt.Errorf("file is %d bytes, limit %d", info.Size(), b.maxFileSize),
			}
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, classifyIOErr("load "+name, err)
	}
	return string(data), true, nil
}

func (b *FileBackend) WriteText(ctx context.Context, name string, text string) error {
	l := b.lockFor(name)
	l.Lock()
	defer l.Unlock()

	path := b.textPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return classifyIOErr("save "+name, err)
	}
	if err := atomicWrite(path, []byte(text)); err != nil {
		return classifyIOErr("save "+name, err)
	}
	return nil
}

func (b *FileBackend) ReadSnapshot(ctx context.Context, name string) ([]byte, bool, error) {
	l := b.lockFor(name)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(b.snapshotPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, classifyIOErr("load snapshot "+name, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, false, fmt.Errorf("storage: decode snapshot %s: %w", name, err)
	}
	return decoded, true, nil
}

func (b *FileBackend) WriteSnapshot(ctx context.Context, name string, snapshot []byte) error {
	l := b.lockFor(name)
	l.Lock()
	defer l.Unlock()

	encoded := base64.StdEncoding.EncodeToString(snapshot)
	if err := atomicWrite(b.snapshotPath(name), []byte(encoded)); err != nil {
		return classifyIOErr("save snapshot "+name, err)
	}
	return nil
}

// Close releases nothing: the backend holds no file handles open between
// calls, and the watcher's lifecycle belongs to the hub that armed it
// (the hub cancels the watcher's Run context during its own shutdown).
func (b *FileBackend) Close() error {
	return nil
}

// EnableWatch arms this backend's external-change notification stream
// with the given coalescing debounce window. It must be
// called before the first Watch, and Run must be started by the caller in
// its own goroutine.
func (b *FileBackend) EnableWatch(debounce time.Duration) (*watcher.Watcher, error) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	if b.watch != nil {
		return b.watch, nil
	}
	w, err := watcher.New(debounce)
	if err != nil {
		return nil, fmt.Errorf("storage: enable file watch: %w", err)
	}
	b.watch = w
	return w, nil
}

// Watch begins watching name's resolved path for external edits. The
// backend must have EnableWatch called first.
func (b *FileBackend) Watch(name string) error {
	b.watchMu.Lock()
	w := b.watch
	b.watchMu.Unlock()
	if w == nil {
		return nil
	}
	path := b.textPath(name)
	b.watchMu.Lock()
	b.watched[name] = path
	b.watchMu.Unlock()
	return w.Watch(path)
}

// Unwatch stops watching name's resolved path.
func (b *FileBackend) Unwatch(name string) {
	b.watchMu.Lock()
	w := b.watch
	path, ok := b.watched[name]
	delete(b.watched, name)
	b.watchMu.Unlock()
	if w != nil && ok {
		w.Unwatch(path)
	}
}

// PathToName resolves a watcher event's raw path back to the document name
// that owns it, the reverse of textPath, used by the hub to route an
// external-change event to the right coordinator.
func (b *FileBackend) PathToName(path string) (string, bool) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for name, p := range b.watched {
		if p == path {
			return name, true
		}
	}
	return "", false
}

// classifyIOErr wraps a filesystem failure in the errs.IOError taxonomy
// so the coordinator can log a distinct reason without string-matching the
// platform error text.
func classifyIOErr(op string, err error) error {
	reason := errs.IOReasonGeneric
	switch {
	case os.IsPermission(err):
		reason = errs.IOReasonPermission
	case errors.Is(err, syscall.ENOSPC):
		reason = errs.IOReasonNoSpace
	}
	return &errs.IOError{Op: op, Reason: reason, Err: err}
}

// atomicWrite writes data to a temp file alongside target
// (<target>.tmp.<pid>.<unix-ms>), then renames it over target
// so a reader (or the hub's own file watcher) never observes a partially
// written file. The temp file shares target's directory so the final
// rename stays within one filesystem.
func atomicWrite(target string, data []byte) error {
	tmpName := fmt.Sprintf("%s.tmp.%d.%d", target, os.Getpid(), time.Now().UnixMilli())

	if err := os.WriteFile(tmpName, data, 0o644); err != nil {
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: rename temp file into place: %w", err)
	}
	return nil
}

// CollectStaleTempFiles removes leftover "*.tmp.<pid>.<unix-ms>" files in
// dir, the product of a process that crashed between WriteFile and Rename.
// A temp file is stale iff its embedded PID no longer names a live process
// on this host, or its embedded timestamp is older than staleTempFileAge.
// Called once at hub startup for the base directory and the snapshot temp
// area.
func CollectStaleTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: list %s for stale temp files: %w", dir, err)
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pid, writtenAt, ok := parseTempFileName(e.Name())
		if !ok {
			continue
		}
		if now.Sub(writtenAt) >= staleTempFileAge || !processAlive(pid) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("storage: remove stale temp file %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// parseTempFileName extracts the embedded PID and write time from a name
// matching "*.tmp.<pid>.<unix-ms>", reporting ok=false for anything else.
func parseTempFileName(name string) (pid int, writtenAt time.Time, ok bool) {
	idx := strings.LastIndex(name, ".tmp.")
	if idx < 0 {
		return 0, time.Time{}, false
	}
	rest := name[idx+len(".tmp."):]
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, false
	}
	pidVal, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, false
	}
	msVal, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return pidVal, time.UnixMilli(msVal), true
}

// processAlive probes whether pid names a live process on this host using
// the POSIX "no-such-process" signal-0 convention: sending signal 0
// performs all error checking but delivers nothing, so ESRCH reliably means
// the process is gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
