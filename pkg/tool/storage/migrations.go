// pkg/tool/storage/migrations.go
package storage

import (
	"context"
	"fmt"
	"strings"
)

// Up applies idempotent DDL for the shared tool stores:
//   - lti_nonces   single-use state/nonce tokens
//   - lti_launches validated launch contexts by launch id
//
// Times are stored as unix milliseconds so both drivers compare them the same way.
func Up(ctx context.Context, db *DB) error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("migrations: db is nil")
	}

	var schema string
	switch db.Driver {
	case "postgres":
		schema = schemaPostgres
	case "sqlite":
		schema = schemaSQLite
	default:
		return fmt.Errorf("migrations: unsupported driver %q (expected postgres|sqlite)", db.Driver)
	}

	// Some drivers reject multi-statement Exec; fall back to one at a time.
	if _, err := db.SQL.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			if _, e := db.SQL.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migrations: failed at:\n%s\nerr: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

/* ----------------------------- POSTGRES SCHEMA ----------------------------- */

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_nonces (
  value              TEXT PRIMARY KEY,
  issued_at          BIGINT NOT NULL,                 -- unix ms
  expires_at         BIGINT NOT NULL,                 -- unix ms
  consumed           SMALLINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS lti_nonces_expires_idx
  ON lti_nonces (expires_at);

CREATE TABLE IF NOT EXISTS lti_launches (
  id                 TEXT PRIMARY KEY,                -- lti1p3-launch-<uuid>
  payload            TEXT NOT NULL,                   -- LaunchContext JSON
  created_at         BIGINT NOT NULL,
  expires_at         BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS lti_launches_expires_idx
  ON lti_launches (expires_at);
`

/* ------------------------------ SQLITE SCHEMA ------------------------------ */

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS lti_nonces (
  value              TEXT PRIMARY KEY,
  issued_at          INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL,
  consumed           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS lti_nonces_expires_idx
  ON lti_nonces (expires_at);

CREATE TABLE IF NOT EXISTS lti_launches (
  id                 TEXT PRIMARY KEY,
  payload            TEXT NOT NULL,
  created_at         INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL,
  CHECK (json_valid(payload))
);

CREATE INDEX IF NOT EXISTS lti_launches_expires_idx
  ON lti_launches (expires_at);
`

/* ------------------------------ LOCAL HELPERS ------------------------------ */

// splitSQL splits on ';' boundaries; enough for plain DDL.
func splitSQL(s string) []string {
	raw := strings.Split(s, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part+";")
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
