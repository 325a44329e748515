// pkg/tool/lti/jwks.go
package lti

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
)

/*
JWKS endpoint (Tool side)

Serves the tool's public keys in RFC 7517 format. Platforms fetch it from
the tool's configured key set URL to verify deep linking responses and
client assertions. Read-only and unauthenticated.

	r.Method(http.MethodGet, "/.well-known/jwks.json", &lti.JWKSHandler{Provider: signer})
*/

// JWKSProvider returns the public key set to publish. *Signer satisfies it.
type JWKSProvider interface {
	PublicJWKS() jose.JSONWebKeySet
}

// JWKSHandler serves the tool key set with caching headers, conditional GET
// and HEAD support.
type JWKSHandler struct {
	Provider JWKSProvider

	// Optional: cache control for responses (default: 10 minutes).
	CacheMaxAge time.Duration
	// Optional: override the clock (useful in tests).
	Now func() time.Time
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	set := h.Provider.PublicJWKS()
	if set.Keys == nil {
		set.Keys = []jose.JSONWebKey{}
	}

	// Marshal once to compute ETag and to write the body.
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", nowOr(h.Now).Format(http.TimeFormat))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *JWKSHandler) cacheAge() time.Duration {
	return durationOr(h.CacheMaxAge, 10*time.Minute)
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	return `W/"` + b64url(sum[:]) + `"`
}
