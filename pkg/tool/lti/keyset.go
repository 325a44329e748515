// pkg/tool/lti/keyset.go
package lti

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

/*
Platform key set cache (Tool side)

Platforms sign launch id_tokens with keys published at their key_set_url.
KeySetCache keeps the parsed set per issuer and refreshes it when:
  - the cached set is older than TTL, or
  - a token names a kid the cached set does not contain (platform rotated keys).

A refresh for one issuer is shared by every concurrent caller (singleflight);
refreshes for different issuers run independently. A failed refresh is an
error for the caller: the previous set is not served in its place.

Wiring:

	ks := lti.NewKeySetCache(reg)      // reg is *registry.Registry
	ks.TTL = 10 * time.Minute
	pub, err := ks.Key(ctx, issuer, kid)
*/

const (
	defaultKeySetTTL    = 10 * time.Minute
	defaultFetchTimeout = 5 * time.Second
	maxKeySetBody       = 1 << 20
)

// KeySetLocator maps an issuer to its published key set URL.
// *registry.Registry satisfies it.
type KeySetLocator interface {
	KeySetURL(issuer string) (string, error)
}

// SigningKeySet is one fetched platform key set.
type SigningKeySet struct {
	Issuer    string
	Keys      map[string]crypto.PublicKey
	FetchedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the set is past its TTL at now.
func (s *SigningKeySet) Expired(now time.Time) bool {
	return !now.Before(s.FetchedAt.Add(s.TTL))
}

// lookup resolves kid. An empty kid is accepted only when the set holds a
// single key.
func (s *SigningKeySet) lookup(kid string) (crypto.PublicKey, bool) {
	if kid == "" {
		if len(s.Keys) != 1 {
			return nil, false
		}
		for _, k := range s.Keys {
			return k, true
		}
	}
	k, ok := s.Keys[kid]
	return k, ok
}

// KeySetCache fetches and caches platform key sets.
type KeySetCache struct {
	Platforms KeySetLocator

	// Optional knobs
	HTTPClient   *http.Client
	TTL          time.Duration // default 10m
	FetchTimeout time.Duration // default 5s
	Now          func() time.Time
	Logger       logrus.FieldLogger

	mu    sync.RWMutex
	sets  map[string]*SigningKeySet
	group singleflight.Group
}

func NewKeySetCache(platforms KeySetLocator) *KeySetCache {
	return &KeySetCache{Platforms: platforms}
}

// Key returns the platform public key for (issuer, kid).
func (c *KeySetCache) Key(ctx context.Context, issuer, kid string) (crypto.PublicKey, error) {
	if c.Platforms == nil {
		return nil, ErrUnknownPlatform
	}
	setURL, err := c.Platforms.KeySetURL(issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, issuer)
	}

	if set := c.cached(issuer); set != nil && !set.Expired(c.now()) {
		if k, ok := set.lookup(kid); ok {
			return k, nil
		}
	}

	set, err := c.refresh(ctx, issuer, setURL)
	if err != nil {
		return nil, err
	}
	k, ok := set.lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %q from %s", ErrUnknownKeyID, kid, issuer)
	}
	return k, nil
}

func (c *KeySetCache) cached(issuer string) *SigningKeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sets[issuer]
}

// refresh performs (or joins) the single in-flight fetch for issuer.
func (c *KeySetCache) refresh(ctx context.Context, issuer, setURL string) (*SigningKeySet, error) {
	ch := c.group.DoChan(issuer, func() (any, error) {
		// The shared fetch outlives any single caller's cancellation.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), durationOr(c.FetchTimeout, defaultFetchTimeout))
		defer cancel()

		set, err := c.fetch(fctx, issuer, setURL)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.sets == nil {
			c.sets = make(map[string]*SigningKeySet)
		}
		c.sets[issuer] = set
		c.mu.Unlock()
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SigningKeySet), nil
	}
}

func (c *KeySetCache) fetch(ctx context.Context, issuer, setURL string) (*SigningKeySet, error) {
	ctx, span := tracer.Start(ctx, "lti.keyset.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("lti.issuer", issuer)))
	defer span.End()

	log := logOr(c.Logger).WithFields(logrus.Fields{"issuer": issuer, "key_set_url": setURL})

	keys, err := c.download(ctx, setURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "key set fetch failed")
		log.WithError(err).Warn("platform key set unavailable")
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	span.SetAttributes(attribute.Int("lti.keyset.keys", len(keys)))
	log.WithField("keys", len(keys)).Debug("platform key set refreshed")

	return &SigningKeySet{
		Issuer:    issuer,
		Keys:      keys,
		FetchedAt: c.now(),
		TTL:       durationOr(c.TTL, defaultKeySetTTL),
	}, nil
}

func (c *KeySetCache) download(ctx context.Context, setURL string) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, setURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/jwk-set+json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("key set endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBody))
	if err != nil {
		return nil, err
	}
	return parseKeySet(body)
}

// parseKeySet decodes a JWKS document. Entries with unknown key types or
// encryption-only use are skipped; a set with no usable key is an error.
func parseKeySet(body []byte) (map[string]crypto.PublicKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	out := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			continue
		}
		if jwk.Use != "" && !strings.EqualFold(jwk.Use, "sig") {
			continue
		}
		if !jwk.IsPublic() {
			jwk = jwk.Public()
		}
		if !jwk.Valid() {
			continue
		}
		if _, dup := out[jwk.KeyID]; dup {
			continue
		}
		out[jwk.KeyID] = jwk.Key
	}
	if len(out) == 0 {
		return nil, errors.New("key set has no usable signing keys")
	}
	return out, nil
}

func (c *KeySetCache) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *KeySetCache) now() time.Time { return nowOr(c.Now) }
