package ags_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/tool/ags"
	"github.com/mind-engage/lti-tool/pkg/tool/lti"
	"github.com/mind-engage/lti-tool/pkg/tool/registry"
)

var (
	keyOnce sync.Once
	toolKey *rsa.PrivateKey
)

func signer(t *testing.T) *lti.Signer {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		toolKey, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
	})
	s, err := lti.NewSigner(lti.SigningKey{KID: "tool-1", Key: toolKey})
	require.NoError(t, err)
	return s
}

// platform is a fake AGS service with a token endpoint.
type platform struct {
	t      *testing.T
	srv    *httptest.Server
	tokens atomic.Int32

	mu     sync.Mutex
	items  []ags.LineItem
	scores []ags.Score
}

func newPlatform(t *testing.T) *platform {
	p := &platform{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.token)
	mux.HandleFunc("/lineitems", p.lineItems)
	mux.HandleFunc("/lineitems/1/scores", p.postScore)
	mux.HandleFunc("/lineitems/1/results", p.results)
	mux.HandleFunc("/lineitems/1", func(w http.ResponseWriter, r *http.Request) {
		if !p.authorized(w, r) {
			return
		}
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *platform) token(w http.ResponseWriter, r *http.Request) {
	assert.NoError(p.t, r.ParseForm())
	assert.Equal(p.t, "client_credentials", r.PostForm.Get("grant_type"))
	assert.Equal(p.t, "urn:ietf:params:oauth:client-assertion-type:jwt-bearer", r.PostForm.Get("client_assertion_type"))
	assert.Contains(p.t, r.PostForm.Get("scope"), ags.ScopeScore)

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(r.PostForm.Get("client_assertion"), claims, func(*jwt.Token) (any, error) {
		return &toolKey.PublicKey, nil
	}, jwt.WithAudience(p.srv.URL+"/token"), jwt.WithIssuer("c1"), jwt.WithSubject("c1"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	assert.NotEmpty(p.t, claims["jti"])

	p.tokens.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`)
}

func (p *platform) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer at-1" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (p *platform) lineItems(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		out := []ags.LineItem{}
		for _, it := range p.items {
			if rid := r.URL.Query().Get("resource_id"); rid != "" && it.ResourceID != rid {
				continue
			}
			out = append(out, it)
		}
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		assert.Equal(p.t, "application/vnd.ims.lis.v2.lineitem+json", r.Header.Get("Content-Type"))
		var li ags.LineItem
		assert.NoError(p.t, json.NewDecoder(r.Body).Decode(&li))
		li.ID = p.srv.URL + "/lineitems/1"
		p.items = append(p.items, li)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(li)
	}
}

func (p *platform) postScore(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}
	assert.Equal(p.t, "application/vnd.ims.lis.v1.score+json", r.Header.Get("Content-Type"))
	var s ags.Score
	assert.NoError(p.t, json.NewDecoder(r.Body).Decode(&s))
	p.mu.Lock()
	p.scores = append(p.scores, s)
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (p *platform) results(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}
	assert.Equal(p.t, "u1", r.URL.Query().Get("user_id"))
	_, _ = io.WriteString(w, `[{"id":"r1","userId":"u1","resultScore":8,"resultMaximum":10}]`)
}

func (p *platform) launch(scopes ...string) (*lti.LaunchContext, registry.Registration) {
	lc := &lti.LaunchContext{
		LaunchID: lti.NewLaunchID(),
		Issuer:   "https://platform.example",
		ClientID: "c1",
		AGS: &lti.AGSEndpoint{
			Scope:     scopes,
			LineItems: p.srv.URL + "/lineitems",
			LineItem:  p.srv.URL + "/lineitems/1",
		},
	}
	reg := registry.Registration{
		Issuer:       "https://platform.example",
		ClientID:     "c1",
		AuthTokenURL: p.srv.URL + "/token",
	}
	return lc, reg
}

var allScopes = []string{ags.ScopeLineItem, ags.ScopeScore, ags.ScopeResultReadOnly}

func TestClientLineItemLifecycle(t *testing.T) {
	p := newPlatform(t)
	lc, reg := p.launch(allScopes...)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	c, err := ags.NewClient(lc, reg, signer(t), ags.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	ctx := context.Background()

	want := ags.LineItem{Label: "Quiz 1", ScoreMaximum: 10, ResourceID: "quiz-1"}
	li, err := c.FindOrCreateLineItem(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, p.srv.URL+"/lineitems/1", li.ID)

	again, err := c.FindOrCreateLineItem(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, li.ID, again.ID)
	assert.Len(t, p.items, 1, "second call finds the existing item")

	given, maximum := 8.0, 10.0
	require.NoError(t, c.PostScore(ctx, "", ags.Score{UserID: "u1", ScoreGiven: &given, ScoreMaximum: &maximum}))
	require.Len(t, p.scores, 1)
	assert.Equal(t, "Completed", p.scores[0].ActivityProgress)
	assert.Equal(t, "FullyGraded", p.scores[0].GradingProgress)
	assert.Equal(t, at.Format(time.RFC3339Nano), p.scores[0].Timestamp)

	results, err := c.GetResults(ctx, li.ID, "u1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 8.0, *results[0].ResultScore)

	require.NoError(t, c.DeleteLineItem(ctx, li.ID))

	assert.Equal(t, int32(1), p.tokens.Load(), "token is reused across calls")
}

func TestClientScopeNotGranted(t *testing.T) {
	p := newPlatform(t)
	lc, reg := p.launch(ags.ScopeScore)
	c, err := ags.NewClient(lc, reg, signer(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.ListLineItems(ctx, ags.ListFilter{})
	assert.ErrorIs(t, err, ags.ErrScopeNotGranted)
	_, err = c.CreateLineItem(ctx, ags.LineItem{Label: "x", ScoreMaximum: 1})
	assert.ErrorIs(t, err, ags.ErrScopeNotGranted)
	assert.ErrorIs(t, c.DeleteLineItem(ctx, "https://x"), ags.ErrScopeNotGranted)
	_, err = c.GetResults(ctx, "", "")
	assert.ErrorIs(t, err, ags.ErrScopeNotGranted)

	assert.Equal(t, int32(0), p.tokens.Load(), "scope checks happen before any network call")
}

func TestNewClientRequirements(t *testing.T) {
	p := newPlatform(t)
	lc, reg := p.launch(allScopes...)

	_, err := ags.NewClient(&lti.LaunchContext{}, reg, signer(t))
	assert.ErrorIs(t, err, ags.ErrNoEndpoint)

	_, err = ags.NewClient(lc, registry.Registration{ClientID: "c1"}, signer(t))
	assert.ErrorIs(t, err, ags.ErrNoTokenURL)

	_, err = ags.NewClient(lc, reg, nil)
	assert.ErrorIs(t, err, lti.ErrNoSigningKey)
}

func TestClientSurfacesPlatformErrors(t *testing.T) {
	p := newPlatform(t)
	lc, reg := p.launch(allScopes...)
	reg.AuthTokenURL = p.srv.URL + "/missing"
	c, err := ags.NewClient(lc, reg, signer(t))
	require.NoError(t, err)

	_, err = c.ListLineItems(context.Background(), ags.ListFilter{})
	assert.Error(t, err)

	_, err = c.CreateLineItem(context.Background(), ags.LineItem{Label: "x"})
	assert.ErrorContains(t, err, "scoreMaximum")
}
