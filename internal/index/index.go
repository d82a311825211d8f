// Package index is the relational projection: a SQL database holding the
// synced subset of every model's fields, one table per model.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DB wraps a sql.DB with projection-specific operations. Copies made by
// WithPrincipal share the connection pool and class bindings.
type DB struct {
	conn      *sql.DB
	driver    string
	bindings  *bindings
	principal string
}

// Open opens the database. SQLite files are created on demand and opened in
// WAL mode.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("index: unsupported driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	return New(conn, driver), nil
}

// New wraps an already opened connection pool.
func New(conn *sql.DB, driver string) *DB {
	return &DB{conn: conn, driver: driver, bindings: newBindings()}
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Driver returns the database/sql driver name.
func (db *DB) Driver() string { return db.driver }

// WithPrincipal returns a copy of db whose class operations are restricted
// to rows owned by principal.
func (db *DB) WithPrincipal(principal string) *DB {
	c := *db
	c.principal = principal
	return &c
}

// Principal returns the principal db is scoped to.
func (db *DB) Principal() string { return db.principal }

// Rebind rewrites "?" placeholders into the driver's native form.
func (db *DB) Rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar turns "?" into "$1", "$2", ... skipping quoted literals.
func rebindDollar(query string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// TableExists looks the table up in the database catalog.
func (db *DB) TableExists(ctx context.Context, table string) (bool, error) {
	q := `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	if db.driver == DriverPostgres {
		q = `SELECT count(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, db.Rebind(q), table).Scan(&n); err != nil {
		return false, fmt.Errorf("index: catalog lookup %s: %w", table, err)
	}
	return n > 0, nil
}
