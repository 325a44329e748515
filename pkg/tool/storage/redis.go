// pkg/tool/storage/redis.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

/*
Redis backends

Keys:
  lti:nonce:<token>      "1", expires with the nonce TTL
  lti:launch:<launchID>  LaunchContext JSON, expires with the launch TTL

Consume is GETDEL (Redis >= 6.2): the single command both reads and removes
the key, so only one caller sees a value. Redis drops expired keys itself,
so neither backend needs a purge.
*/

const (
	nonceKeyPrefix  = "lti:nonce:"
	launchKeyPrefix = "lti:launch:"
)

// RedisNonceStore is an lti.NonceStore shared through Redis.
type RedisNonceStore struct {
	client redis.Cmdable

	// Optional knobs
	TTL       time.Duration // default lti.DefaultNonceTTL
	OpTimeout time.Duration // default 3s
}

var _ lti.NonceStore = (*RedisNonceStore)(nil)

func NewRedisNonceStore(client redis.Cmdable, ttl time.Duration) *RedisNonceStore {
	return &RedisNonceStore{client: client, TTL: ttl}
}

func (s *RedisNonceStore) Issue(ctx context.Context) (string, error) {
	tok, err := lti.NewToken()
	if err != nil {
		return "", err
	}
	ctx, cancel := opContext(ctx, s.OpTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, nonceKeyPrefix+tok, "1", ttlOr(s.TTL, lti.DefaultNonceTTL)).Result()
	if err != nil {
		return "", unavailable("nonce issue", err)
	}
	if !ok {
		return "", unavailable("nonce issue", errors.New("token collision"))
	}
	return tok, nil
}

func (s *RedisNonceStore) Consume(ctx context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	ctx, cancel := opContext(ctx, s.OpTimeout)
	defer cancel()

	_, err := s.client.GetDel(ctx, nonceKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("nonce consume", err)
	}
	return true, nil
}

// RedisLaunchCache is an lti.LaunchCache shared through Redis.
type RedisLaunchCache struct {
	client redis.Cmdable

	// Optional knobs
	TTL       time.Duration // default lti.DefaultLaunchTTL
	OpTimeout time.Duration // default 3s
}

var _ lti.LaunchCache = (*RedisLaunchCache)(nil)

func NewRedisLaunchCache(client redis.Cmdable, ttl time.Duration) *RedisLaunchCache {
	return &RedisLaunchCache{client: client, TTL: ttl}
}

func (c *RedisLaunchCache) Put(ctx context.Context, lc *lti.LaunchContext) (string, error) {
	if lc == nil {
		return "", errors.New("storage: nil launch context")
	}
	id := lti.NewLaunchID()
	lc.LaunchID = id
	raw, err := json.Marshal(lc)
	if err != nil {
		return "", fmt.Errorf("storage: encode launch: %w", err)
	}
	ctx, cancel := opContext(ctx, c.OpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, launchKeyPrefix+id, raw, ttlOr(c.TTL, lti.DefaultLaunchTTL)).Err(); err != nil {
		return "", unavailable("launch put", err)
	}
	return id, nil
}

func (c *RedisLaunchCache) Get(ctx context.Context, launchID string) (*lti.LaunchContext, error) {
	ctx, cancel := opContext(ctx, c.OpTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, launchKeyPrefix+launchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lti.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("launch get", err)
	}
	lc, err := lti.DecodeLaunchContext(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: decode launch %s: %w", launchID, err)
	}
	return lc, nil
}
