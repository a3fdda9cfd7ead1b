// Package database opens the SQL backends shared by the ledger and reputation
// stores and hides the placeholder differences between them.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is a connection pool that knows its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the backend and checks the connection. For SQLite, dsn is
// a file path or ":memory:".
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	var (
		driver string
		source string
	)
	switch dialect {
	case Postgres:
		driver, source = "postgres", dsn
	case SQLite:
		driver, source = "sqlite", sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == SQLite {
		// One writer; an in-memory database also lives on a single connection.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	return &DB{DB: conn, Dialect: dialect}, nil
}

// Wrap adopts an existing pool, typically a sqlmock connection in tests.
func Wrap(conn *sql.DB, dialect Dialect) *DB {
	return &DB{DB: conn, Dialect: dialect}
}

var postgresPlaceholder = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders for the DB's dialect. Queries are written
// in Postgres form.
func (db *DB) Rebind(query string) string {
	if db.Dialect == SQLite {
		return postgresPlaceholder.ReplaceAllString(query, "?$1")
	}
	return query
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
