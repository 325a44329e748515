// pkg/tool/lti/nonce.go
package lti

import (
	"context"
	"strings"
	"sync"
	"time"
)

/*
Single-use tokens for the OIDC round trip

Login issues two tokens per attempt: state (bound to the browser through a
cookie) and nonce (echoed inside the signed id_token). Launch validation
consumes the nonce; a token can be consumed once, before it expires.

NonceStore implementations must make Consume atomic: when several requests
present the same token concurrently exactly one of them observes true.
Unknown, expired and already consumed tokens all observe false.

Backends:
  - MemoryNonceStore      (this file; single process)
  - storage.SQLNonceStore (shared; conditional UPDATE)
  - storage.RedisNonceStore (shared; SET NX + GETDEL)
*/

const (
	DefaultNonceTTL        = 10 * time.Minute
	DefaultCleanupInterval = time.Minute
	defaultPurgeEvery      = 1024
)

// NonceStore issues and consumes single-use tokens.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, token string) (bool, error)
}

// Purger is implemented by stores that keep expired records until swept.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// NonceRecord is one issued token.
type NonceRecord struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// Usable reports whether the record may still be consumed at now.
func (r NonceRecord) Usable(now time.Time) bool {
	return !r.Consumed && now.Before(r.ExpiresAt)
}

// NewToken returns a fresh state/nonce value: 256 bits of crypto/rand,
// base64url without padding. Store backends use it to issue tokens.
func NewToken() (string, error) { return randomToken() }

/* ---------------------------- memory backend ---------------------------- */

// MemoryNonceStore is a process-local NonceStore guarded by a mutex.
// Expired records are purged opportunistically on Issue and, unless
// disabled, by a background sweep stopped with Close.
type MemoryNonceStore struct {
	mu       sync.Mutex
	records  map[string]NonceRecord
	issued   uint64
	ttl      time.Duration
	now      func() time.Time
	interval time.Duration // <0 disables the sweep

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryNonceOption configures a MemoryNonceStore.
type MemoryNonceOption func(*MemoryNonceStore)

// WithNonceTTL sets how long an issued token stays consumable.
func WithNonceTTL(ttl time.Duration) MemoryNonceOption {
	return func(s *MemoryNonceStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithNonceClock overrides the clock (tests).
func WithNonceClock(now func() time.Time) MemoryNonceOption {
	return func(s *MemoryNonceStore) { s.now = now }
}

// WithCleanupInterval sets the sweep interval. Pass 0 to disable the sweep.
func WithCleanupInterval(interval time.Duration) MemoryNonceOption {
	return func(s *MemoryNonceStore) {
		if interval <= 0 {
			s.interval = -1
		} else {
			s.interval = interval
		}
	}
}

func NewMemoryNonceStore(opts ...MemoryNonceOption) *MemoryNonceStore {
	s := &MemoryNonceStore{
		records:  make(map[string]NonceRecord, 1024),
		ttl:      DefaultNonceTTL,
		interval: DefaultCleanupInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval > 0 {
		go s.cleanupLoop(s.interval)
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryNonceStore) Issue(_ context.Context) (string, error) {
	tok, err := randomToken()
	if err != nil {
		return "", err
	}
	now := nowOr(s.now)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.issued++
	if s.issued%defaultPurgeEvery == 0 {
		s.purgeLocked(now)
	}
	s.records[tok] = NonceRecord{Value: tok, IssuedAt: now, ExpiresAt: now.Add(s.ttl)}
	return tok, nil
}

func (s *MemoryNonceStore) Consume(_ context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	now := nowOr(s.now)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok || !rec.Usable(now) {
		return false, nil
	}
	rec.Consumed = true
	s.records[token] = rec
	return true, nil
}

// Purge drops expired records and returns how many were removed.
func (s *MemoryNonceStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(nowOr(s.now)), nil
}

// Len returns the number of records currently held.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops the background sweep. It is safe to call more than once.
func (s *MemoryNonceStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *MemoryNonceStore) purgeLocked(now time.Time) int {
	n := 0
	for k, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, k)
			n++
		}
	}
	return n
}

func (s *MemoryNonceStore) cleanupLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.Purge(context.Background())
		}
	}
}
