// pkg/tool/httpapi/cookie.go
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// StateCookieName binds the OIDC state to the browser between login and launch.
const StateCookieName = "lti1p3-state"

// StateCookie stores the login state in a signed and encrypted cookie.
// Launches arrive as a cross-site form_post, so on https the cookie is
// SameSite=None; plain http deployments (development) fall back to Lax.
type StateCookie struct {
	codec    *securecookie.SecureCookie
	secure   bool
	sameSite http.SameSite
	maxAge   int
	path     string
}

type StateCookieOpt func(*StateCookie)

// WithInsecure drops the Secure flag and uses SameSite=Lax.
func WithInsecure() StateCookieOpt {
	return func(c *StateCookie) {
		c.secure = false
		c.sameSite = http.SameSiteLaxMode
	}
}

// WithMaxAge matches the cookie lifetime to the nonce TTL.
func WithMaxAge(d time.Duration) StateCookieOpt {
	return func(c *StateCookie) {
		c.maxAge = int(d / time.Second)
		c.codec.MaxAge(c.maxAge)
	}
}

func WithPath(path string) StateCookieOpt {
	return func(c *StateCookie) { c.path = path }
}

// NewStateCookie uses hashKey (32 or 64 bytes) to sign and blockKey
// (16, 24 or 32 bytes) to encrypt.
func NewStateCookie(hashKey, blockKey []byte, opts ...StateCookieOpt) *StateCookie {
	c := &StateCookie{
		codec:    securecookie.New(hashKey, blockKey),
		secure:   true,
		sameSite: http.SameSiteNoneMode,
		maxAge:   600,
		path:     "/",
	}
	c.codec.MaxAge(c.maxAge)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *StateCookie) Set(w http.ResponseWriter, state string) error {
	encoded, err := c.codec.Encode(StateCookieName, state)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    encoded,
		Path:     c.path,
		MaxAge:   c.maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	})
	return nil
}

// Read returns the state kept at login, or "" when the cookie is missing,
// tampered with or expired.
func (c *StateCookie) Read(r *http.Request) string {
	ck, err := r.Cookie(StateCookieName)
	if err != nil {
		return ""
	}
	var state string
	if err := c.codec.Decode(StateCookieName, ck.Value, &state); err != nil {
		return ""
	}
	return state
}

func (c *StateCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     c.path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	})
}
