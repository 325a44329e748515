package lti_test

import (
	"context"
	"crypto/rsa"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

func TestKeySetCacheCachesBetweenCalls(t *testing.T) {
	p := newTestPlatform(t)
	ks := lti.NewKeySetCache(p.reg)
	ctx := context.Background()

	k1, err := ks.Key(ctx, testIssuer, "k1")
	require.NoError(t, err)
	k2, err := ks.Key(ctx, testIssuer, "k1")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.True(t, p.key.PublicKey.Equal(k1.(*rsa.PublicKey)))
	assert.EqualValues(t, 1, p.fetches.Load())
}

func TestKeySetCacheRefetchesOnUnknownKidOnce(t *testing.T) {
	p := newTestPlatform(t)
	ks := lti.NewKeySetCache(p.reg)
	ctx := context.Background()

	_, err := ks.Key(ctx, testIssuer, "k1")
	require.NoError(t, err)

	// platform rotates; the cached set lacks the new kid
	p.rotate(testKeys(t, 2)[1], "k2")
	got, err := ks.Key(ctx, testIssuer, "k2")
	require.NoError(t, err)
	assert.True(t, testKeys(t, 2)[1].PublicKey.Equal(got.(*rsa.PublicKey)))
	assert.EqualValues(t, 2, p.fetches.Load())

	// a kid absent even after a fresh fetch fails without further retries
	_, err = ks.Key(ctx, testIssuer, "nope")
	assert.ErrorIs(t, err, lti.ErrUnknownKeyID)
	assert.EqualValues(t, 3, p.fetches.Load())
}

func TestKeySetCacheExpiresAfterTTL(t *testing.T) {
	p := newTestPlatform(t)
	clock := newClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	ks := lti.NewKeySetCache(p.reg)
	ks.TTL = time.Minute
	ks.Now = clock.Now
	ctx := context.Background()

	_, err := ks.Key(ctx, testIssuer, "k1")
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = ks.Key(ctx, testIssuer, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.fetches.Load())

	clock.Advance(31 * time.Second)
	_, err = ks.Key(ctx, testIssuer, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.fetches.Load())
}

func TestKeySetCacheUnknownIssuerIsNotFetched(t *testing.T) {
	p := newTestPlatform(t)
	ks := lti.NewKeySetCache(p.reg)

	_, err := ks.Key(context.Background(), "https://rogue.example", "k1")
	assert.ErrorIs(t, err, lti.ErrUnknownPlatform)
	assert.EqualValues(t, 0, p.fetches.Load())
}

func TestKeySetCacheFailureIsNotMaskedByStaleSet(t *testing.T) {
	p := newTestPlatform(t)
	clock := newClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	ks := lti.NewKeySetCache(p.reg)
	ks.TTL = time.Minute
	ks.Now = clock.Now
	ctx := context.Background()

	_, err := ks.Key(ctx, testIssuer, "k1")
	require.NoError(t, err)

	p.setStatus(http.StatusInternalServerError)
	clock.Advance(2 * time.Minute)
	_, err = ks.Key(ctx, testIssuer, "k1")
	assert.ErrorIs(t, err, lti.ErrKeySetUnavailable)
}

func TestKeySetCacheRejectsUnusableDocuments(t *testing.T) {
	cases := map[string][]byte{
		"not json":       []byte("<html>"),
		"no keys":        []byte(`{"keys":[]}`),
		"only symmetric": []byte(`{"keys":[{"kty":"oct","kid":"k1","k":"c2VjcmV0"}]}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := newTestPlatform(t)
			p.setBody(body)
			ks := lti.NewKeySetCache(p.reg)
			_, err := ks.Key(context.Background(), testIssuer, "k1")
			assert.ErrorIs(t, err, lti.ErrKeySetUnavailable)
		})
	}
}

func TestKeySetCacheSkipsUnknownKeyTypes(t *testing.T) {
	p := newTestPlatform(t)
	ks := lti.NewKeySetCache(p.reg)
	ctx := context.Background()

	// fetch once to learn the encoded key, then republish with a foreign entry in front
	_, err := ks.Key(ctx, testIssuer, "k1")
	require.NoError(t, err)

	signer, err := lti.NewSigner(lti.SigningKey{KID: "k1", Key: p.key})
	require.NoError(t, err)
	good, err := signer.PublicJWKS().Keys[0].MarshalJSON()
	require.NoError(t, err)
	p.setBody([]byte(`{"keys":[{"kty":"OKP-X","kid":"weird"},` + string(good) + `]}`))

	ks2 := lti.NewKeySetCache(p.reg)
	_, err = ks2.Key(ctx, testIssuer, "k1")
	assert.NoError(t, err)
}

func TestKeySetCacheCollapsesConcurrentFetches(t *testing.T) {
	p := newTestPlatform(t)
	p.setDelay(100 * time.Millisecond)
	ks := lti.NewKeySetCache(p.reg)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ks.Key(context.Background(), testIssuer, "k1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, p.fetches.Load())
}

func TestKeySetCacheFetchTimeout(t *testing.T) {
	p := newTestPlatform(t)
	p.setDelay(300 * time.Millisecond)
	ks := lti.NewKeySetCache(p.reg)
	ks.FetchTimeout = 50 * time.Millisecond

	_, err := ks.Key(context.Background(), testIssuer, "k1")
	assert.ErrorIs(t, err, lti.ErrKeySetUnavailable)
}
