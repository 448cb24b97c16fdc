package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"tripmail/internal/platform/config"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// sqliteParams are appended to SQLite DSNs that carry no query string.
// Writers wait on the lock instead of failing with SQLITE_BUSY.
const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"

// DB wraps the shared pool with the driver name so repositories can adjust
// placeholders and locking clauses.
type DB struct {
	*sql.DB
	Driver string
}

func Open(cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.URL
	switch cfg.Driver {
	case DriverSQLite:
		if dir := filepath.Dir(sqlitePath(dsn)); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqliteParams
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	return &DB{DB: db, Driver: cfg.Driver}, nil
}

// sqlitePath extracts the file path from a sqlite3 DSN. In-memory
// databases yield "".
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == ":memory:" {
		return ""
	}
	return p
}

func (d *DB) IsPostgres() bool {
	return d.Driver == DriverPostgres
}

// Rebind rewrites ? placeholders to $n for Postgres. Queries must not carry
// literal question marks.
func (d *DB) Rebind(query string) string {
	if !d.IsPostgres() {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
