// Package config holds the hub's enumerated configuration and the startup
// validation that guards against dangerous base directories.
package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogLevel is one of debug|info|warn|error.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Hooks is the capability interface for the hub's three extension points.
// HandleRequest and HandleConnection report true when they fully served
// the request, in which case the hub's built-in routing is skipped.
type Hooks interface {
	// Authorize is the admission predicate invoked for every new
	// connection after name validation.
	Authorize(r *http.Request, docName string) (bool, error)
	// HandleRequest runs before the hub's built-in HTTP routes.
	HandleRequest(w http.ResponseWriter, r *http.Request) bool
	// HandleConnection runs before the hub's built-in socket upgrade.
	HandleConnection(w http.ResponseWriter, r *http.Request, docName string) bool
}

// HookFuncs adapts plain functions to Hooks. A nil field falls back to
// allow (Authorize) or not-handled (the other two).
type HookFuncs struct {
	AuthFn         func(r *http.Request, docName string) (bool, error)
	OnRequestFn    func(w http.ResponseWriter, r *http.Request) bool
	OnConnectionFn func(w http.ResponseWriter, r *http.Request, docName string) bool
}

func (h HookFuncs) Authorize(r *http.Request, docName string) (bool, error) {
	if h.AuthFn == nil {
		return true, nil
	}
	return h.AuthFn(r, docName)
}

func (h HookFuncs) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	if h.OnRequestFn == nil {
		return false
	}
	return h.OnRequestFn(w, r)
}

func (h HookFuncs) HandleConnection(w http.ResponseWriter, r *http.Request, docName string) bool {
	if h.OnConnectionFn == nil {
		return false
	}
	return h.OnConnectionFn(w, r, docName)
}

// Config is the full set of knobs the hub, coordinators, and storage
// backends consult.
type Config struct {
	// Dir is the base directory for filesystem-mode storage.
	Dir string
	// Port is the TCP port the hub listens on.
	Port int

	DebounceMs           int
	MaxConnections       int
	MaxConnectionsPerDoc int
	MaxMessageSize       int64
	MaxFileSize          int64
	PingIntervalMs       int
	DocCleanupDelayMs    int

	// DangerouslyAllowSystemPaths opts into a base directory that is, or is
	// an ancestor of, a system path.
	DangerouslyAllowSystemPaths bool

	LogLevel LogLevel

	// PersistYjsState enables writing the opaque replica state snapshot to
	// the recovery slot (filesystem mode). The name is kept for parity with
	// the client-side convention; it gates the snapshot slot regardless of
	// which replica implementation backs it.
	PersistYjsState bool

	SnapshotIntervalMs int

	// DocumentExtensions lists the suffixes appended to a bare document
	// name if absent; the first is the default.
	DocumentExtensions []string

	// StorageKind selects the backend: "file" or "sql".
	StorageKind string
	// SQLTableName is used by the external-table backend.
	SQLTableName string
	// SQLUser and SQLProject scope every external-table row; together with
	// the document path they form the table's composite primary key.
	SQLUser    string
	SQLProject string

	// PathPrefix is stripped from the request path before name validation.
	PathPrefix string

	// Hooks, if non-nil, supplies the auth predicate and the custom
	// request/connection handlers invoked before the hub's built-ins.
	Hooks Hooks

	// RedisBroadcastAddr, if set, enables a cross-process fan-out
	// broadcaster in addition to the in-process one, so several hub
	// processes can serve the same document set.
	RedisBroadcastAddr string
}

// Default returns the configuration's default values.
func Default() *Config {
	return &Config{
		Dir:                  "./documents",
		Port:                 1234,
		DebounceMs:           1000,
		MaxConnections:       1000,
		MaxConnectionsPerDoc: 100,
		MaxMessageSize:       1 << 20,
		MaxFileSize:          10 << 20,
		PingIntervalMs:       30000,
		DocCleanupDelayMs:    30000,
		LogLevel:             LogLevelInfo,
		PersistYjsState:      true,
		SnapshotIntervalMs:   60000,
		DocumentExtensions:   []string{".md"},
		StorageKind:          "file",
		SQLTableName:         "documents",
		SQLUser:              "local",
		SQLProject:           "default",
	}
}

var systemPaths = []string{"/", "/etc", "/usr", "/var", "/bin", "/sbin", "/root", "/home"}

// Validate checks the base directory against the system-path guard and
// rejects nonsensical combinations (e.g. watcher mode with a rooted
// document namespace is a per-request concern, handled by the hub when it
// resolves a connection's document name).
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("config: dir must not be empty")
	}
	abs, err := filepath.Abs(c.Dir)
	if err != nil {
		return fmt.Errorf("config: resolve dir: %w", err)
	}
	if !c.DangerouslyAllowSystemPaths {
		if reason := dangerousPath(abs); reason != "" {
			return fmt.Errorf("config: dir %q %s; set dangerouslyAllowSystemPaths to override", c.Dir, reason)
		}
	}
	if c.DebounceMs <= 0 {
		return fmt.Errorf("config: debounceMs must be positive")
	}
	if c.MaxConnections <= 0 || c.MaxConnectionsPerDoc <= 0 {
		return fmt.Errorf("config: connection limits must be positive")
	}
	if len(c.DocumentExtensions) == 0 {
		return fmt.Errorf("config: at least one document extension is required")
	}
	switch c.StorageKind {
	case "file", "sql":
	default:
		return fmt.Errorf("config: unknown storage kind %q", c.StorageKind)
	}
	return nil
}

// dangerousPath reports a human-readable reason if abs is, or is an
// ancestor of, a system path. Subdirectories more than one level under
// /home are explicitly allowed.
func dangerousPath(abs string) string {
	abs = filepath.Clean(abs)
	if strings.HasPrefix(abs, "/home"+string(filepath.Separator)) {
		rest := strings.TrimPrefix(abs, "/home"+string(filepath.Separator))
		if strings.Contains(rest, string(filepath.Separator)) {
			return ""
		}
		return "is directly under /home"
	}
	for _, sp := range systemPaths {
		if abs == sp {
			return "is a system path"
		}
		if isAncestor(abs, sp) {
			return "is an ancestor of system path " + sp
		}
	}
	return ""
}

// isAncestor reports whether ancestor is a strict ancestor directory of
// descendant.
func isAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	rel, err := filepath.Rel(ancestor, descendant)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Debounce returns DebounceMs as a time.Duration.
func (c *Config) Debounce() time.Duration { return time.Duration(c.DebounceMs) * time.Millisecond }

// PingInterval returns PingIntervalMs as a time.Duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// DocCleanupDelay returns DocCleanupDelayMs as a time.Duration.
func (c *Config) DocCleanupDelay() time.Duration {
	return time.Duration(c.DocCleanupDelayMs) * time.Millisecond
}

// SnapshotInterval returns SnapshotIntervalMs as a time.Duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

// TempBaseDir returns the process-private temp area for this base
// directory's snapshot slots and instance lock.
func TempBaseDir(hashedDir string) string {
	return filepath.Join(os.TempDir(), "mrmd-sync-"+hashedDir)
}
