// pkg/tool/ags/token.go
package ags

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

/*
Access tokens for platform services

LTI services use the OAuth2 client-credentials grant with a signed client
assertion instead of a shared secret:

	POST {auth_token_url}
	grant_type=client_credentials
	client_assertion_type=urn:ietf:params:oauth:client-assertion-type:jwt-bearer
	client_assertion=<JWT iss=sub=client_id aud=token endpoint jti exp>
	scope=<space separated scopes granted in the launch>

assertionSource implements oauth2.TokenSource; callers wrap it in
oauth2.ReuseTokenSource so one token serves calls until it expires.
*/

const (
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionTTL  = 5 * time.Minute
	maxTokenBody  = 64 << 10
)

type assertionSource struct {
	tokenURL string
	audience string
	clientID string
	scopes   []string
	signer   lti.TokenSigner
	http     *http.Client
	timeout  time.Duration
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

func (s *assertionSource) Token() (*oauth2.Token, error) {
	// oauth2 checks expiry against the wall clock, so assertions use it too.
	now := time.Now()
	assertion, err := s.signer.Sign(jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.audience,
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
		"jti": uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("ags: sign client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", strings.Join(s.scopes, " "))

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ags: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpErr("fetch token", resp)
	}
	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenBody)).Decode(&tr); err != nil {
		return nil, fmt.Errorf("ags: decode token: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("ags: empty access_token in token response")
	}
	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: "Bearer"}
	if tr.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
