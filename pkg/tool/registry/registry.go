// pkg/tool/registry/registry.go
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
)

/*
Platform registry for the LTI Tool

Every platform (LMS) that may launch this tool is registered ahead of time with:
  - issuer          (the platform's "iss")
  - client_id       (the id the platform assigned to this tool)
  - auth_login_url  (platform OIDC authorization endpoint)
  - auth_token_url  (platform OAuth2 token endpoint, for AGS/NRPS)
  - key_set_url     (platform JWKS used to verify id_tokens)
  - deployment_ids  (deployments of this tool inside the platform)

The registry is built once at startup and never mutated. Login, launch and
deep-link components receive it at construction and look entries up by the
(issuer, client_id) pair.

File format (same shape as the common tool JSON config):

	{
	  "https://canvas.instructure.com": [{
	    "default": true,
	    "client_id": "10000000000001",
	    "auth_login_url": "https://canvas.instructure.com/api/lti/authorize_redirect",
	    "auth_token_url": "https://canvas.instructure.com/login/oauth2/token",
	    "key_set_url": "https://canvas.instructure.com/api/lti/security/jwks",
	    "deployment_ids": ["1:d89e331c21d2"]
	  }]
	}
*/

var (
	ErrNotRegistered = errors.New("registry: platform not registered")
)

// Registration is one (issuer, client_id) pair this tool trusts.
type Registration struct {
	Issuer        string   `json:"-"`
	ClientID      string   `json:"client_id"`
	AuthLoginURL  string   `json:"auth_login_url"`
	AuthTokenURL  string   `json:"auth_token_url,omitempty"`
	AuthAudience  string   `json:"auth_audience,omitempty"` // overrides AuthTokenURL as client_assertion aud
	KeySetURL     string   `json:"key_set_url"`
	DeploymentIDs []string `json:"deployment_ids"`
	Default       bool     `json:"default,omitempty"`
}

// HasDeployment reports whether deploymentID belongs to this registration.
func (r Registration) HasDeployment(deploymentID string) bool {
	if deploymentID == "" {
		return false
	}
	for _, d := range r.DeploymentIDs {
		if d == deploymentID {
			return true
		}
	}
	return false
}

// TokenAudience is the aud used when asserting this tool's identity to the
// platform token endpoint.
func (r Registration) TokenAudience() string {
	if strings.TrimSpace(r.AuthAudience) != "" {
		return r.AuthAudience
	}
	return r.AuthTokenURL
}

// Registry is an immutable set of registrations.
type Registry struct {
	byIssuer map[string][]Registration
}

// New validates regs and builds a Registry.
func New(regs ...Registration) (*Registry, error) {
	out := &Registry{byIssuer: make(map[string][]Registration)}
	seen := make(map[string]struct{}, len(regs))
	for i, reg := range regs {
		reg.Issuer = strings.TrimSpace(reg.Issuer)
		reg.ClientID = strings.TrimSpace(reg.ClientID)
		if err := validate(reg); err != nil {
			return nil, fmt.Errorf("registry: entry %d: %w", i, err)
		}
		k := reg.Issuer + "|" + reg.ClientID
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("registry: duplicate registration for issuer %q client_id %q", reg.Issuer, reg.ClientID)
		}
		seen[k] = struct{}{}
		reg.DeploymentIDs = append([]string(nil), reg.DeploymentIDs...)
		out.byIssuer[reg.Issuer] = append(out.byIssuer[reg.Issuer], reg)
	}
	return out, nil
}

// LoadFile reads the JSON document described in the package comment.
func LoadFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes a registry JSON document.
func Parse(b []byte) (*Registry, error) {
	var doc map[string][]Registration
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	issuers := make([]string, 0, len(doc))
	for iss := range doc {
		issuers = append(issuers, iss)
	}
	sort.Strings(issuers)

	var regs []Registration
	for _, iss := range issuers {
		for _, reg := range doc[iss] {
			reg.Issuer = iss
			regs = append(regs, reg)
		}
	}
	return New(regs...)
}

// Find returns the registration for issuer and clientID. With an empty
// clientID the issuer's default entry is used (or its only entry).
func (r *Registry) Find(issuer, clientID string) (Registration, error) {
	if r == nil {
		return Registration{}, ErrNotRegistered
	}
	regs := r.byIssuer[strings.TrimSpace(issuer)]
	if len(regs) == 0 {
		return Registration{}, ErrNotRegistered
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		if len(regs) == 1 {
			return regs[0], nil
		}
		for _, reg := range regs {
			if reg.Default {
				return reg, nil
			}
		}
		return Registration{}, fmt.Errorf("%w: issuer %q has several client ids and no default", ErrNotRegistered, issuer)
	}
	for _, reg := range regs {
		if reg.ClientID == clientID {
			return reg, nil
		}
	}
	return Registration{}, ErrNotRegistered
}

// FindByAudience resolves the registration for an id_token's aud values.
func (r *Registry) FindByAudience(issuer string, audiences []string) (Registration, error) {
	for _, aud := range audiences {
		if reg, err := r.Find(issuer, aud); err == nil {
			return reg, nil
		}
	}
	return Registration{}, ErrNotRegistered
}

// KeySetURL returns the JWKS location for issuer. Every registration of an
// issuer shares one key set; the first non-empty URL wins.
func (r *Registry) KeySetURL(issuer string) (string, error) {
	if r == nil {
		return "", ErrNotRegistered
	}
	for _, reg := range r.byIssuer[strings.TrimSpace(issuer)] {
		if reg.KeySetURL != "" {
			return reg.KeySetURL, nil
		}
	}
	return "", ErrNotRegistered
}

// Issuers lists registered issuers in sorted order.
func (r *Registry) Issuers() []string {
	out := make([]string, 0, len(r.byIssuer))
	for iss := range r.byIssuer {
		out = append(out, iss)
	}
	sort.Strings(out)
	return out
}

func validate(reg Registration) error {
	if !isHTTPURL(reg.Issuer) {
		return fmt.Errorf("issuer %q must be an absolute http(s) URL", reg.Issuer)
	}
	if reg.ClientID == "" {
		return errors.New("client_id is required")
	}
	if !isHTTPURL(reg.AuthLoginURL) {
		return fmt.Errorf("auth_login_url %q must be an absolute http(s) URL", reg.AuthLoginURL)
	}
	if !isHTTPURL(reg.KeySetURL) {
		return fmt.Errorf("key_set_url %q must be an absolute http(s) URL", reg.KeySetURL)
	}
	if reg.AuthTokenURL != "" && !isHTTPURL(reg.AuthTokenURL) {
		return fmt.Errorf("auth_token_url %q must be an absolute http(s) URL", reg.AuthTokenURL)
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
