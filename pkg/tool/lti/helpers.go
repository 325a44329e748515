// pkg/tool/lti/helpers.go
package lti

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mind-engage/lti-tool/pkg/tool/lti"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

// tokenBytes is the entropy of every state and nonce value (256 bits).
const tokenBytes = 32

// b64url encodes bytes using base64url without padding.
func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// randomToken returns tokenBytes of crypto/rand entropy, base64url-encoded.
func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lti: random token: %w", err)
	}
	return b64url(b), nil
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

// equalConstantTime compares two secrets without leaking their common prefix length.
func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func nowOr(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now().UTC()
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func logOr(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	return logrus.StandardLogger()
}
