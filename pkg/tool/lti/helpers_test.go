package lti_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
	"github.com/mind-engage/lti-tool/pkg/tool/registry"
)

/* ---------------- fake platform: key set endpoint + token minting ---------------- */

const (
	testIssuer     = "https://platform.example"
	testClientID   = "c1"
	testDeployment = "d1"
)

var (
	keyOnce sync.Once
	keys    []*rsa.PrivateKey
)

// testKeys returns n shared RSA keys; generation is slow, so keys are reused.
func testKeys(t *testing.T, n int) []*rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for i := 0; i < 3; i++ {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			keys = append(keys, k)
		}
	})
	require.LessOrEqual(t, n, len(keys))
	return keys[:n]
}

type testPlatform struct {
	t   *testing.T
	srv *httptest.Server
	reg *registry.Registry

	mu      sync.Mutex
	key     *rsa.PrivateKey
	kid     string
	status  int
	body    []byte // overrides the generated set when non-nil
	delay   time.Duration
	fetches atomic.Int32
}

func newTestPlatform(t *testing.T) *testPlatform {
	t.Helper()
	p := &testPlatform{t: t, key: testKeys(t, 1)[0], kid: "k1", status: http.StatusOK}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serveJWKS))
	t.Cleanup(p.srv.Close)

	reg, err := registry.New(registry.Registration{
		Issuer:        testIssuer,
		ClientID:      testClientID,
		AuthLoginURL:  testIssuer + "/auth",
		AuthTokenURL:  testIssuer + "/token",
		KeySetURL:     p.srv.URL + "/jwks",
		DeploymentIDs: []string{testDeployment},
	})
	require.NoError(t, err)
	p.reg = reg
	return p
}

func (p *testPlatform) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	p.fetches.Add(1)
	p.mu.Lock()
	status, body, delay := p.status, p.body, p.delay
	key, kid := p.key, p.kid
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	if body == nil {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}}}
		body, _ = json.Marshal(set)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// rotate switches the published key.
func (p *testPlatform) rotate(key *rsa.PrivateKey, kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key, p.kid = key, kid
}

func (p *testPlatform) setStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

func (p *testPlatform) setBody(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.body = b
}

func (p *testPlatform) setDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// mint signs claims with the platform's current key.
func (p *testPlatform) mint(claims jwt.MapClaims) string {
	p.t.Helper()
	p.mu.Lock()
	key, kid := p.key, p.kid
	p.mu.Unlock()
	return mintWith(p.t, jwt.SigningMethodRS256, key, kid, claims)
}

func mintWith(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

// resourceLinkClaims is a complete, valid resource link launch.
func resourceLinkClaims(nonce string, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                  testIssuer,
		"aud":                  testClientID,
		"sub":                  "u1",
		"name":                 "Ada Lovelace",
		"email":                "ada@example.edu",
		"iat":                  now.Unix(),
		"exp":                  now.Add(5 * time.Minute).Unix(),
		"nonce":                nonce,
		lti.ClaimDeploymentID:  testDeployment,
		lti.ClaimMessageType:   string(lti.MessageResourceLink),
		lti.ClaimVersion:       lti.LTIVersion,
		lti.ClaimTargetLinkURI: "https://tool.example/launch",
		lti.ClaimResourceLink:  map[string]any{"id": "rl1", "title": "Week 1"},
		lti.ClaimRoles:         []string{lti.RoleInstructor},
		lti.ClaimContext:       map[string]any{"id": "ctx1", "label": "CS101", "title": "Intro"},
		lti.ClaimCustom:        map[string]any{"attempts": 3, "mode": "exam", "graded": true},
		lti.ClaimAGSEndpoint: map[string]any{
			"scope":     []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"},
			"lineitems": "https://platform.example/ctx1/lineitems",
		},
	}
}

func deepLinkingClaims(nonce string, now time.Time) jwt.MapClaims {
	c := resourceLinkClaims(nonce, now)
	delete(c, lti.ClaimResourceLink)
	c[lti.ClaimMessageType] = string(lti.MessageDeepLinking)
	c[lti.ClaimDeepLinkingSettings] = map[string]any{
		"deep_link_return_url": "https://platform.example/deep_links",
		"accept_types":         []string{"link", "ltiResourceLink", "html", "file"},
		"accept_multiple":      true,
		"data":                 "opaque-123",
	}
	return c
}

/* ---------------- fakes ---------------- */

// brokenNonces fails every store round trip.
type brokenNonces struct{ err error }

func (b brokenNonces) Issue(context.Context) (string, error)         { return "", b.err }
func (b brokenNonces) Consume(context.Context, string) (bool, error) { return false, b.err }

// acceptAllNonces consumes anything once per call (store fake for stage tests).
type acceptAllNonces struct{}

func (acceptAllNonces) Issue(context.Context) (string, error)         { return "n", nil }
func (acceptAllNonces) Consume(context.Context, string) (bool, error) { return true, nil }

// brokenLaunches fails every put.
type brokenLaunches struct{ err error }

func (b brokenLaunches) Put(context.Context, *lti.LaunchContext) (string, error) { return "", b.err }
func (b brokenLaunches) Get(context.Context, string) (*lti.LaunchContext, error) { return nil, b.err }

// fixedClock is a settable clock.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
