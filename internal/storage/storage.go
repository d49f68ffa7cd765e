// Package storage opens and caches database handles shared by the queue,
// dedup gate, and session map.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/omnirelay/internal/config"
)

// Dialect identifies the SQL placeholder/UPSERT flavor in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var (
	mu     sync.Mutex
	handle *sql.DB
	flavor Dialect
)

// Open returns the process-wide database handle for the configured backend,
// creating it on first use. Handles are cached for the process lifetime;
// there is no explicit teardown since the process bounds them.
func Open(cfg config.DatabaseConfig) (*sql.DB, Dialect, error) {
	mu.Lock()
	defer mu.Unlock()

	if handle != nil {
		return handle, flavor, nil
	}

	switch cfg.Mode {
	case "", "sqlite":
		path := config.ExpandHome(cfg.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, "", fmt.Errorf("create database directory: %w", err)
		}
		db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY
		// churn under the consumer pool.
		db.SetMaxOpenConns(1)
		handle, flavor = db, DialectSQLite
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, "", fmt.Errorf("OMNIRELAY_POSTGRES_DSN is not set")
		}
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		handle, flavor = db, DialectPostgres
	default:
		return nil, "", fmt.Errorf("unknown database mode %q", cfg.Mode)
	}

	return handle, flavor, nil
}

// Rebind converts ?-style placeholders to the dialect's native form.
// Queries are written against SQLite syntax; Postgres gets $1..$n.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b = append(b, '$')
			b = strconv.AppendInt(b, int64(n), 10)
			continue
		}
		b = append(b, query[i])
	}
	return string(b)
}

// Reset drops the cached handle. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	if handle != nil {
		handle.Close()
		handle = nil
	}
}
