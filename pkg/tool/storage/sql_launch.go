// pkg/tool/storage/sql_launch.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

// SQLLaunchCache is an lti.LaunchCache backed by the lti_launches table.
// The context is stored as JSON; reads decode a fresh copy every time.
type SQLLaunchCache struct {
	db *DB

	// Optional knobs
	TTL       time.Duration // default lti.DefaultLaunchTTL
	OpTimeout time.Duration // default 3s
	Now       func() time.Time
}

var _ lti.LaunchCache = (*SQLLaunchCache)(nil)

func NewSQLLaunchCache(db *DB, ttl time.Duration) *SQLLaunchCache {
	return &SQLLaunchCache{db: db, TTL: ttl}
}

func (c *SQLLaunchCache) Put(ctx context.Context, lc *lti.LaunchContext) (string, error) {
	if lc == nil {
		return "", errors.New("storage: nil launch context")
	}
	id := lti.NewLaunchID()
	lc.LaunchID = id
	payload, err := json.Marshal(lc)
	if err != nil {
		return "", fmt.Errorf("storage: encode launch: %w", err)
	}
	now := nowOr(c.Now)
	exp := now.Add(ttlOr(c.TTL, lti.DefaultLaunchTTL))

	ctx, cancel := opContext(ctx, c.OpTimeout)
	defer cancel()
	_, err = c.db.SQL.ExecContext(ctx,
		c.db.rebind(`INSERT INTO lti_launches (id, payload, created_at, expires_at) VALUES (?, ?, ?, ?)`),
		id, string(payload), now.UnixMilli(), exp.UnixMilli())
	if err != nil {
		return "", unavailable("launch put", err)
	}
	return id, nil
}

func (c *SQLLaunchCache) Get(ctx context.Context, launchID string) (*lti.LaunchContext, error) {
	ctx, cancel := opContext(ctx, c.OpTimeout)
	defer cancel()

	var (
		payload string
		expMS   int64
	)
	err := c.db.SQL.QueryRowContext(ctx,
		c.db.rebind(`SELECT payload, expires_at FROM lti_launches WHERE id = ?`), launchID).
		Scan(&payload, &expMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lti.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("launch get", err)
	}
	if nowOr(c.Now).UnixMilli() >= expMS {
		return nil, lti.ErrNotFound
	}

	lc, err := lti.DecodeLaunchContext([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("storage: decode launch %s: %w", launchID, err)
	}
	return lc, nil
}

// Purge deletes expired launches.
func (c *SQLLaunchCache) Purge(ctx context.Context) (int, error) {
	ctx, cancel := opContext(ctx, c.OpTimeout)
	defer cancel()

	res, err := c.db.SQL.ExecContext(ctx,
		c.db.rebind(`DELETE FROM lti_launches WHERE expires_at <= ?`), nowOr(c.Now).UnixMilli())
	if err != nil {
		return 0, unavailable("launch purge", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
