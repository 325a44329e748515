// pkg/tool/storage/db.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

// DefaultOpTimeout bounds a single store round trip.
const DefaultOpTimeout = 3 * time.Second

// DB wraps *sql.DB with the normalized driver name so stores can pick
// placeholder style and schema.
type DB struct {
	SQL    *sql.DB
	Driver string // postgres | sqlite
}

// Connect opens a database connection, tunes the pool, applies SQLite pragmas
// and verifies connectivity. The driver must be registered by the caller:
//
//	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
//	_ "modernc.org/sqlite"             // registers "sqlite"
func Connect(ctx context.Context, driver, dsn string) (*DB, error) {
	if strings.TrimSpace(driver) == "" {
		return nil, errors.New("storage: driver is required")
	}
	norm := normalizeDriver(driver)
	db, err := sql.Open(sqlDriverName(norm), dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	tunePool(norm, db)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if norm == "sqlite" {
		if err := applySQLitePragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &DB{SQL: db, Driver: norm}, nil
}

// Close closes the underlying *sql.DB (safe to call multiple times).
func (d *DB) Close() error {
	if d == nil || d.SQL == nil {
		return nil
	}
	return d.SQL.Close()
}

// Ping checks connectivity. It backs the /healthz readiness check.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.SQL == nil {
		return errors.New("storage: DB is nil")
	}
	return d.SQL.PingContext(ctx)
}

// rebind rewrites '?' placeholders to $n for postgres.
func (d *DB) rebind(q string) string {
	if d.Driver != "postgres" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func tunePool(driver string, db *sql.DB) {
	maxOpen := 20
	maxIdle := 10
	connLife := 45 * time.Minute
	idleLife := 15 * time.Minute

	if driver == "sqlite" {
		// single writer; also keeps a :memory: database on one connection
		maxOpen = 1
		maxIdle = 1
		connLife = 0
		idleLife = 0
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLife)
	db.SetConnMaxIdleTime(idleLife)
}

func applySQLitePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("storage: sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

// normalizeDriver maps common aliases to canonical names.
func normalizeDriver(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	switch d {
	case "pg", "pgsql", "pgx", "postgresql":
		return "postgres"
	case "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

// sqlDriverName is the database/sql registration name for a canonical driver.
func sqlDriverName(norm string) string {
	if norm == "postgres" {
		return "pgx"
	}
	return norm
}

/* ------------------------------ shared helpers ------------------------------ */

func opContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultOpTimeout
	}
	return context.WithTimeout(ctx, d)
}

// unavailable marks err as a store failure while keeping the cause inspectable.
func unavailable(op string, err error) error {
	return fmt.Errorf("storage: %s: %w: %w", op, lti.ErrStoreUnavailable, err)
}

func nowOr(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now().UTC()
}

func ttlOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
