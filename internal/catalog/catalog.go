// Package catalog is the librarian's data model: immutable files, their
// physical instances on stores, append-only events, observations grouped
// into sessions, and standing replication orders, all persisted in SQLite.
//
// Every mutating operation runs inside one transaction; reads run outside.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/hera-team/librarian/internal/logging"
)

var memdbSeq atomic.Int64

// Catalog wraps the SQLite database holding all librarian state.
type Catalog struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching so the embedded SQLite
// engine doesn't pay JIT compilation cost on every process start. Falls back
// to an in-memory cache when the user cache dir is unusable.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "librarian", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open opens or creates the catalog database at path. ":memory:" opens a
// private in-memory catalog, used by tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Catalog, error) {
	logger = logging.Default(logger).With("component", "catalog")

	const pragmas = "_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite&_txlock=immediate"

	// In-memory databases are isolated per connection, so they need shared
	// cache plus a single-connection pool; WAL doesn't work there either.
	var connStr string
	isInMemory := path == ":memory:"
	if isInMemory {
		// Each Open gets its own named database; a fixed name would alias
		// every in-memory catalog in the process onto one database.
		name := fmt.Sprintf("memdb%d", memdbSeq.Add(1))
		connStr = "file:" + name + "?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&" + pragmas
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + path + "?" + pragmas
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; a small pool prevents goroutine
		// pile-up on write lock contention.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("catalog opened", "path", path)
	return &Catalog{db: db, dbPath: path, logger: logger}, nil
}

// Close releases the database. Idempotent.
func (c *Catalog) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.db.Close()
}

// DB exposes the underlying handle for read-only query execution by the
// search layer.
func (c *Catalog) DB() *sql.DB { return c.db }

// withTx runs fn inside a single transaction, rolling back on error.
func (c *Catalog) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrapDBError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapDBError(op+": commit", err)
	}
	return nil
}

// querier lets operations run against either the pool or an open tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
