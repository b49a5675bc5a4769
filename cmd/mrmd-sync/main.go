// Command mrmd-sync runs the real-time document sync hub: one process,
// one base directory (or SQL table), serving websocket sync sockets and a
// JSON control plane on a single port. It shuts down gracefully on SIGINT
// or SIGTERM, flushing every open document before exiting.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MaximeRivest/mrmd-sync/internal/config"
	"github.com/MaximeRivest/mrmd-sync/internal/errs"
	"github.com/MaximeRivest/mrmd-sync/internal/hub"
	"github.com/MaximeRivest/mrmd-sync/internal/lock"
	"github.com/MaximeRivest/mrmd-sync/internal/logging"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

func main() {
	cfg := config.Default()

	dir := flag.String("dir", cfg.Dir, "base directory for filesystem-mode storage")
	port := flag.Int("port", cfg.Port, "TCP port to listen on")
	storageKind := flag.String("storage", cfg.StorageKind, "storage backend: file or sql")
	sqlDSN := flag.String("sql-dsn", "", "data source name for -storage=sql (requires -sql-driver)")
	sqlDriver := flag.String("sql-driver", "", "database/sql driver name registered by the build's imported driver package")
	sqlTable := flag.String("sql-table", cfg.SQLTableName, "table name for -storage=sql")
	sqlUser := flag.String("sql-user", cfg.SQLUser, "user scope for -storage=sql rows")
	sqlProject := flag.String("sql-project", cfg.SQLProject, "project scope for -storage=sql rows")
	debounceMs := flag.Int("debounce-ms", cfg.DebounceMs, "milliseconds to wait after the last edit before saving")
	maxConns := flag.Int("max-connections", cfg.MaxConnections, "maximum concurrent connections across all documents")
	maxConnsPerDoc := flag.Int("max-connections-per-doc", cfg.MaxConnectionsPerDoc, "maximum concurrent connections for a single document")
	pathPrefix := flag.String("path-prefix", "", "request path prefix stripped before resolving a document name")
	allowSystemPaths := flag.Bool("dangerously-allow-system-paths", false, "allow -dir to be, or be an ancestor of, a system path")
	redisAddr := flag.String("redis-broadcast-addr", "", "Redis address enabling cross-process fan-out (optional)")
	logLevel := flag.String("log-level", string(cfg.LogLevel), "minimum log level: debug|info|warn|error")
	flag.Parse()

	if v := os.Getenv("MRMD_SYNC_DIR"); v != "" {
		*dir = v
	}
	if v := os.Getenv("MRMD_SYNC_PORT"); v != "" {
		if p, err := parsePort(v); err == nil {
			*port = p
		}
	}
	if v := os.Getenv("MRMD_SYNC_REDIS_ADDR"); v != "" {
		*redisAddr = v
	}

	cfg.Dir = *dir
	cfg.Port = *port
	cfg.StorageKind = *storageKind
	cfg.SQLTableName = *sqlTable
	cfg.SQLUser = *sqlUser
	cfg.SQLProject = *sqlProject
	cfg.DebounceMs = *debounceMs
	cfg.MaxConnections = *maxConns
	cfg.MaxConnectionsPerDoc = *maxConnsPerDoc
	cfg.PathPrefix = *pathPrefix
	cfg.DangerouslyAllowSystemPaths = *allowSystemPaths
	cfg.RedisBroadcastAddr = *redisAddr
	cfg.LogLevel = config.LogLevel(*logLevel)

	logger := logging.New(os.Stderr, "", logging.ParseLevel(string(cfg.LogLevel)))

	if err := run(cfg, *sqlDSN, *sqlDriver, logger); err != nil {
		var fatal *errs.FatalStartupError
		if errors.As(err, &fatal) {
			logger.Fatalf("mrmd-sync: %v", fatal)
		}
		logger.Fatalf("mrmd-sync: %v", err)
	}
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

func run(cfg *config.Config, sqlDSN, sqlDriver string, logger *logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	backend, absDir, err := openBackend(cfg, sqlDSN, sqlDriver)
	if err != nil {
		return err
	}
	defer backend.Close()

	if cfg.StorageKind == "file" {
		if err := storage.CollectStaleTempFiles(absDir); err != nil {
			logger.Warnf("mrmd-sync: collect stale temp files: %v", err)
		}
		if err := storage.CollectStaleTempFiles(filepath.Join(storage.TempBaseDir(absDir), "snapshots")); err != nil {
			logger.Warnf("mrmd-sync: collect stale snapshot temp files: %v", err)
		}
	}

	instanceLock, err := lock.Acquire(absDir, cfg.Port)
	if err != nil {
		return err
	}
	defer instanceLock.Release()

	h, err := hub.New(cfg, backend, logger)
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("mrmd-sync: received %s, shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		logger.Warnf("mrmd-sync: shutdown: %v", err)
	}
	logger.Infof("mrmd-sync: shutdown complete")
	return nil
}

// openBackend constructs the configured storage.Backend and, for
// filesystem mode, returns the resolved absolute base directory the
// instance lock and stale-temp-file sweep key off of.
func openBackend(cfg *config.Config, sqlDSN, sqlDriver string) (storage.Backend, string, error) {
	switch cfg.StorageKind {
	case "sql":
		if sqlDSN == "" || sqlDriver == "" {
			return nil, "", fmt.Errorf("mrmd-sync: -storage=sql requires -sql-dsn and -sql-driver")
		}
		db, err := sql.Open(sqlDriver, sqlDSN)
		if err != nil {
			return nil, "", fmt.Errorf("mrmd-sync: open sql database: %w", err)
		}
		backend, err := storage.NewSQLBackend(context.Background(), db, cfg.SQLTableName, cfg.SQLUser, cfg.SQLProject)
		if err != nil {
			return nil, "", err
		}
		return backend, filepath.Clean(cfg.Dir), nil
	case "file":
		backend, err := storage.NewFileBackend(cfg.Dir, cfg.MaxFileSize)
		if err != nil {
			return nil, "", err
		}
		abs, err := filepath.Abs(cfg.Dir)
		if err != nil {
			return nil, "", fmt.Errorf("mrmd-sync: resolve base directory: %w", err)
		}
		return backend, abs, nil
	default:
		return nil, "", fmt.Errorf("mrmd-sync: unknown storage kind %q", cfg.StorageKind)
	}
}
