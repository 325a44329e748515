// pkg/tool/storage/sql_nonce.go
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

/*
SQLNonceStore is an lti.NonceStore shared by every tool instance on the same
database. Consume is one conditional UPDATE; the row count decides the
single winner, so no transaction or row lock is needed.

	db, _ := storage.Connect(ctx, "pgx", dsn)
	_ = storage.Up(ctx, db)
	nonces := storage.NewSQLNonceStore(db, cfg.NonceTTL)
*/
type SQLNonceStore struct {
	db *DB

	// Optional knobs
	TTL       time.Duration // default lti.DefaultNonceTTL
	OpTimeout time.Duration // default 3s
	Now       func() time.Time
}

var (
	_ lti.NonceStore = (*SQLNonceStore)(nil)
	_ lti.Purger     = (*SQLNonceStore)(nil)
)

func NewSQLNonceStore(db *DB, ttl time.Duration) *SQLNonceStore {
	return &SQLNonceStore{db: db, TTL: ttl}
}

func (s *SQLNonceStore) Issue(ctx context.Context) (string, error) {
	tok, err := lti.NewToken()
	if err != nil {
		return "", err
	}
	now := nowOr(s.Now)
	exp := now.Add(ttlOr(s.TTL, lti.DefaultNonceTTL))

	ctx, cancel := opContext(ctx, s.OpTimeout)
	defer cancel()
	_, err = s.db.SQL.ExecContext(ctx,
		s.db.rebind(`INSERT INTO lti_nonces (value, issued_at, expires_at, consumed) VALUES (?, ?, ?, 0)`),
		tok, now.UnixMilli(), exp.UnixMilli())
	if err != nil {
		return "", unavailable("nonce issue", err)
	}
	return tok, nil
}

func (s *SQLNonceStore) Consume(ctx context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	ctx, cancel := opContext(ctx, s.OpTimeout)
	defer cancel()

	res, err := s.db.SQL.ExecContext(ctx,
		s.db.rebind(`UPDATE lti_nonces SET consumed = 1 WHERE value = ? AND consumed = 0 AND expires_at > ?`),
		token, nowOr(s.Now).UnixMilli())
	if err != nil {
		return false, unavailable("nonce consume", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("nonce consume", err)
	}
	return n == 1, nil
}

// Purge deletes expired tokens, consumed or not.
func (s *SQLNonceStore) Purge(ctx context.Context) (int, error) {
	ctx, cancel := opContext(ctx, s.OpTimeout)
	defer cancel()

	res, err := s.db.SQL.ExecContext(ctx,
		s.db.rebind(`DELETE FROM lti_nonces WHERE expires_at <= ?`), nowOr(s.Now).UnixMilli())
	if err != nil {
		return 0, unavailable("nonce purge", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
