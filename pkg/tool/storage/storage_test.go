package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
	"github.com/mind-engage/lti-tool/pkg/tool/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openSQLite(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Connect(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Up(ctx, db))
	// idempotent
	require.NoError(t, storage.Up(ctx, db))
	return db
}

func launchFixture() *lti.LaunchContext {
	return &lti.LaunchContext{
		Issuer:       "https://platform.example",
		ClientID:     "c1",
		DeploymentID: "d1",
		MessageType:  lti.MessageResourceLink,
		Version:      lti.LTIVersion,
		ResourceLink: &lti.ResourceLink{ID: "rl-1"},
		User:         lti.User{Subject: "u1", Roles: []string{lti.RoleLearner}},
		Custom:       map[string]string{"attempts": "3"},
		Claims:       map[string]any{"sub": "u1"},
		CreatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

/* ------------------------------- SQL nonces ------------------------------- */

func TestSQLNonceStoreConsumeOnce(t *testing.T) {
	s := storage.NewSQLNonceStore(openSQLite(t), 0)
	ctx := context.Background()

	tok, err := s.Issue(ctx)
	require.NoError(t, err)
	assert.Len(t, tok, 43)

	ok, err := s.Consume(ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Consume(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok, "second consume must fail")

	ok, err = s.Consume(ctx, "never-issued")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Consume(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLNonceStoreExpiryAndPurge(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	s := storage.NewSQLNonceStore(openSQLite(t), time.Minute)
	s.Now = c.Now
	ctx := context.Background()

	expired, err := s.Issue(ctx)
	require.NoError(t, err)
	consumed, err := s.Issue(ctx)
	require.NoError(t, err)
	ok, err := s.Consume(ctx, consumed)
	require.NoError(t, err)
	require.True(t, ok)

	c.Advance(time.Minute)
	ok, err = s.Consume(ctx, expired)
	require.NoError(t, err)
	assert.False(t, ok, "expired tokens are not consumable")

	fresh, err := s.Issue(ctx)
	require.NoError(t, err)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err = s.Consume(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLNonceStoreConcurrentConsume(t *testing.T) {
	s := storage.NewSQLNonceStore(openSQLite(t), 0)
	tok, err := s.Issue(context.Background())
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Consume(context.Background(), tok)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSQLStoresReportUnavailable(t *testing.T) {
	db := openSQLite(t)
	nonces := storage.NewSQLNonceStore(db, 0)
	launches := storage.NewSQLLaunchCache(db, 0)
	require.NoError(t, db.Close())
	ctx := context.Background()

	_, err := nonces.Issue(ctx)
	assert.ErrorIs(t, err, lti.ErrStoreUnavailable)
	_, err = nonces.Consume(ctx, "x")
	assert.ErrorIs(t, err, lti.ErrStoreUnavailable)
	_, err = launches.Put(ctx, launchFixture())
	assert.ErrorIs(t, err, lti.ErrStoreUnavailable)
	_, err = launches.Get(ctx, lti.NewLaunchID())
	assert.ErrorIs(t, err, lti.ErrStoreUnavailable)
}

func TestDBPing(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, db.Ping(context.Background()))

	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))

	var missing *storage.DB
	assert.Error(t, missing.Ping(context.Background()))
}

/* ------------------------------ SQL launches ------------------------------ */

func TestSQLLaunchCachePutGet(t *testing.T) {
	c := storage.NewSQLLaunchCache(openSQLite(t), 0)
	ctx := context.Background()

	lc := launchFixture()
	id, err := c.Put(ctx, lc)
	require.NoError(t, err)
	assert.True(t, lti.ValidLaunchID(id))
	assert.Equal(t, id, lc.LaunchID)

	got, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lc, got)

	got.Custom["attempts"] = "99"
	again, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "3", again.Custom["attempts"])

	_, err = c.Get(ctx, lti.NewLaunchID())
	assert.ErrorIs(t, err, lti.ErrNotFound)
}

func TestSQLLaunchCacheKeepsClaimNumbers(t *testing.T) {
	c := storage.NewSQLLaunchCache(openSQLite(t), 0)
	ctx := context.Background()

	lc := launchFixture()
	lc.Claims["https://x.example/n"] = json.Number("12345678901234567891")
	id, err := c.Put(ctx, lc)
	require.NoError(t, err)

	got, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234567891"), got.Claims["https://x.example/n"])
	assert.Equal(t, "u1", got.Claims["sub"])
}

func TestSQLLaunchCacheTTL(t *testing.T) {
	clk := &clock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	c := storage.NewSQLLaunchCache(openSQLite(t), 2*time.Hour)
	c.Now = clk.Now
	ctx := context.Background()

	id, err := c.Put(ctx, launchFixture())
	require.NoError(t, err)

	clk.Advance(15 * time.Minute)
	_, err = c.Get(ctx, id)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	_, err = c.Get(ctx, id)
	assert.ErrorIs(t, err, lti.ErrNotFound)

	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

/* --------------------------------- redis ---------------------------------- */

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("LTI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LTI_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisNonceStore(t *testing.T) {
	s := storage.NewRedisNonceStore(redisClient(t), time.Minute)
	ctx := context.Background()

	tok, err := s.Issue(ctx)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Consume(ctx, tok); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	ok, err := s.Consume(ctx, "never-issued")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLaunchCache(t *testing.T) {
	c := storage.NewRedisLaunchCache(redisClient(t), time.Minute)
	ctx := context.Background()

	lc := launchFixture()
	id, err := c.Put(ctx, lc)
	require.NoError(t, err)

	got, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lc, got)

	_, err = c.Get(ctx, lti.NewLaunchID())
	assert.ErrorIs(t, err, lti.ErrNotFound)
}
