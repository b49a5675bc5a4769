// Package lock implements the single-host instance lock: only one process
// may own a given filesystem base directory at a time. The lock is a PID
// file probed for liveness, overwritten when its owner is dead.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MaximeRivest/mrmd-sync/internal/errs"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

// Record is the JSON body of the lock file.
type Record struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

// InstanceLock is the held lock file for one base directory. Release
// removes it, but only if the PID recorded inside still matches this
// process (so a lock this process lost a race for is never removed out
// from under its rightful owner).
type InstanceLock struct {
	path string
	pid  int
}

func lockPath(absBaseDir string) string {
	return filepath.Join(storage.TempBaseDir(absBaseDir), "server.pid")
}

// Acquire takes the instance lock for absBaseDir, refusing to start with an
// errs.FatalStartupError if a live process already holds it.
func Acquire(absBaseDir string, port int) (*InstanceLock, error) {
	path := lockPath(absBaseDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: create lock directory: %w", err)
	}

	if existing, ok := readRecord(path); ok {
		if processAlive(existing.PID) {
			return nil, &errs.FatalStartupError{
				Detail: fmt.Sprintf("another mrmd-sync instance (pid %d, port %d) is already serving %s",
					existing.PID, existing.Port, absBaseDir),
			}
		}
		// Named process is dead: overwrite below.
	}

	rec := Record{PID: os.Getpid(), Port: port, StartedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("lock: encode lock record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("lock: write lock file: %w", err)
	}
	return &InstanceLock{path: path, pid: rec.PID}, nil
}

// Release removes the lock file iff its recorded PID still matches this
// process.
func (l *InstanceLock) Release() error {
	rec, ok := readRecord(l.path)
	if !ok || rec.PID != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: remove lock file: %w", err)
	}
	return nil
}

// readRecord reads and parses the lock file at path. An unparsable file is
// treated the same as no file (ok=false) and overwritten by Acquire.
func readRecord(path string) (Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// processAlive probes pid with the POSIX no-such-process convention: signal
// 0 performs error checking without delivering anything, so an error
// reliably means the process is gone.
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
