package db

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite

	"github.com/mind-engage/lti-tool/pkg/tool/storage"
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open connects with a registered driver and ensures the store schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*storage.DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "file:lti-tool.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		if dsn == "" {
			dsn = "postgres://localhost:5432/lti_tool?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	d, err := storage.Connect(ctx, string(driver), dsn)
	if err != nil {
		return nil, err
	}
	if err := storage.Up(ctx, d); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
