// pkg/tool/lti/launchcache.go
package lti

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

/*
Launch context cache

A validated launch is stored under an opaque launch id so that follow-up
requests (deep-link submission, service calls) can recover it without
revalidating the id_token. Entries are written once and expire after TTL.
Get hands out copies; callers cannot mutate the stored context.

Backends:
  - MemoryLaunchCache        (this file; github.com/patrickmn/go-cache)
  - storage.SQLLaunchCache   (JSON row with expires_at)
  - storage.RedisLaunchCache (JSON value with TTL)
*/

const (
	DefaultLaunchTTL = 2 * time.Hour
	LaunchIDPrefix   = "lti1p3-launch-"
)

// LaunchCache stores validated launch contexts by launch id.
type LaunchCache interface {
	// Put assigns a fresh launch id, sets lc.LaunchID and stores lc.
	Put(ctx context.Context, lc *LaunchContext) (string, error)
	// Get returns a copy of the stored context or ErrNotFound.
	Get(ctx context.Context, launchID string) (*LaunchContext, error)
}

// NewLaunchID returns a random, unguessable launch id.
func NewLaunchID() string {
	return LaunchIDPrefix + uuid.NewString()
}

// ValidLaunchID reports whether id has the shape produced by NewLaunchID.
func ValidLaunchID(id string) bool {
	rest, ok := strings.CutPrefix(id, LaunchIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

/* ---------------------------- memory backend ---------------------------- */

type memoryLaunch struct {
	lc        *LaunchContext
	expiresAt time.Time
}

// MemoryLaunchCache keeps launches in process memory.
type MemoryLaunchCache struct {
	TTL time.Duration
	Now func() time.Time

	items *gocache.Cache
}

// NewMemoryLaunchCache returns a cache whose entries live for ttl
// (DefaultLaunchTTL when ttl <= 0).
func NewMemoryLaunchCache(ttl time.Duration) *MemoryLaunchCache {
	ttl = durationOr(ttl, DefaultLaunchTTL)
	return &MemoryLaunchCache{
		TTL:   ttl,
		items: gocache.New(ttl, 10*time.Minute),
	}
}

func (c *MemoryLaunchCache) Put(_ context.Context, lc *LaunchContext) (string, error) {
	if lc == nil {
		return "", errors.New("lti: nil launch context")
	}
	id := NewLaunchID()
	lc.LaunchID = id
	ttl := durationOr(c.TTL, DefaultLaunchTTL)
	c.items.Set(id, memoryLaunch{lc: lc.Clone(), expiresAt: nowOr(c.Now).Add(ttl)}, ttl)
	return id, nil
}

func (c *MemoryLaunchCache) Get(_ context.Context, launchID string) (*LaunchContext, error) {
	v, ok := c.items.Get(launchID)
	if !ok {
		return nil, ErrNotFound
	}
	entry := v.(memoryLaunch)
	if !nowOr(c.Now).Before(entry.expiresAt) {
		c.items.Delete(launchID)
		return nil, ErrNotFound
	}
	return entry.lc.Clone(), nil
}

// Len returns the number of stored entries, including ones not yet swept.
func (c *MemoryLaunchCache) Len() int { return c.items.ItemCount() }
