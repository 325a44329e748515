// pkg/tool/lti/login.go
package lti

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zitadel/schema"

	"github.com/mind-engage/lti-tool/pkg/tool/registry"
)

/*
OIDC third-party login initiation (Tool side)

The platform starts every launch by sending the browser to the tool's login
URL with iss, login_hint, target_link_uri and optionally client_id,
lti_deployment_id and lti_message_hint. The tool answers with a redirect to
the platform's authorization endpoint carrying a fresh state and nonce:

	GET {auth_login_url}?response_type=id_token&response_mode=form_post
	    &scope=openid&prompt=none&client_id=..&redirect_uri=..
	    &login_hint=..&state=..&nonce=..[&lti_message_hint=..]

State and nonce are issued through the NonceStore; nothing else is written.
*/

// Platforms is the read-only view of registered platforms used by login and
// launch validation. *registry.Registry satisfies it.
type Platforms interface {
	Find(issuer, clientID string) (registry.Registration, error)
	FindByAudience(issuer string, audiences []string) (registry.Registration, error)
	KeySetURL(issuer string) (string, error)
}

// LoginRequest carries the platform's login initiation parameters.
type LoginRequest struct {
	Issuer         string `schema:"iss"`
	LoginHint      string `schema:"login_hint"`
	TargetLinkURI  string `schema:"target_link_uri"`
	ClientID       string `schema:"client_id"`
	DeploymentHint string `schema:"lti_deployment_id"`
	MessageHint    string `schema:"lti_message_hint"`
}

// RedirectInstruction is where to send the browser next, plus the tokens the
// caller must retain (state goes into a cookie).
type RedirectInstruction struct {
	URL   string
	State string
	Nonce string
}

var loginDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// LoginRequestFromValues decodes query or form parameters into a LoginRequest.
func LoginRequestFromValues(v url.Values) (LoginRequest, error) {
	var req LoginRequest
	if err := loginDecoder.Decode(&req, v); err != nil {
		return LoginRequest{}, fmt.Errorf("lti: decode login request: %w", err)
	}
	return req, nil
}

// LoginInitiator builds authentication requests for registered platforms.
type LoginInitiator struct {
	Platforms Platforms
	Nonces    NonceStore

	// Optional: fixed redirect_uri. When empty the request's target_link_uri is used.
	RedirectURL string
	Logger      logrus.FieldLogger
}

func NewLoginInitiator(platforms Platforms, nonces NonceStore) *LoginInitiator {
	return &LoginInitiator{Platforms: platforms, Nonces: nonces}
}

// Initiate validates req and returns the redirect to the platform.
func (l *LoginInitiator) Initiate(ctx context.Context, req LoginRequest) (*RedirectInstruction, error) {
	if l.Platforms == nil || l.Nonces == nil {
		return nil, errors.New("lti: login initiator not configured")
	}
	req.Issuer = strings.TrimSpace(req.Issuer)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.TargetLinkURI = strings.TrimSpace(req.TargetLinkURI)

	reg, err := l.Platforms.Find(req.Issuer, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: iss=%q client_id=%q", ErrUnknownPlatform, req.Issuer, req.ClientID)
	}
	if strings.TrimSpace(req.LoginHint) == "" {
		return nil, ErrMissingLoginHint
	}
	if !isHTTPURL(req.TargetLinkURI) {
		return nil, ErrInvalidTargetLinkURI
	}

	state, err := l.Nonces.Issue(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: issue state: %v", ErrStoreUnavailable, err)
	}
	nonce, err := l.Nonces.Issue(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: issue nonce: %v", ErrStoreUnavailable, err)
	}

	redirectURI := req.TargetLinkURI
	if l.RedirectURL != "" {
		redirectURI = l.RedirectURL
	}

	authURL, err := url.Parse(reg.AuthLoginURL)
	if err != nil {
		return nil, fmt.Errorf("lti: auth_login_url: %w", err)
	}
	q := authURL.Query()
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("login_hint", req.LoginHint)
	q.Set("state", state)
	q.Set("nonce", nonce)
	if req.MessageHint != "" {
		q.Set("lti_message_hint", req.MessageHint)
	}
	authURL.RawQuery = q.Encode()

	logOr(l.Logger).WithFields(logrus.Fields{
		"issuer":    reg.Issuer,
		"client_id": reg.ClientID,
	}).Debug("lti login initiated")

	return &RedirectInstruction{URL: authURL.String(), State: state, Nonce: nonce}, nil
}
