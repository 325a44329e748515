// pkg/tool/lti/signer.go
package lti

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

/*
Tool signing keys

The tool signs what it sends to platforms (deep linking responses, AGS
client assertions) with its own RSA key and publishes the public half at
/.well-known/jwks.json so platforms can verify by kid.

How to wire:

	signer, err := lti.LoadSignerPEM("tool-2025", pemBytes)
	jwt, err := signer.Sign(claims)
	jwks := &lti.JWKSHandler{Provider: signer}

The first key passed to NewSigner signs; the rest are published only, which
lets a rotated-out key stay verifiable while tokens it signed are in flight.
Key generation and storage are left to deployment tooling; keys arrive as PEM.
*/

const defaultSigningAlg = "RS256"

var rsaAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
}

// SigningKey is one tool RSA key.
type SigningKey struct {
	KID string
	Alg string // RS256 (default), RS384, RS512, PS256, PS384, PS512
	Key *rsa.PrivateKey
}

// Signer signs tool JWTs with its active key.
type Signer struct {
	keys []SigningKey
}

// NewSigner builds a Signer; keys[0] is the active signing key. A missing kid
// is derived from the key's RFC 7638 thumbprint.
func NewSigner(keys ...SigningKey) (*Signer, error) {
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	s := &Signer{}
	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		if k.Key == nil {
			return nil, fmt.Errorf("lti: signing key %d: nil private key", i)
		}
		if strings.TrimSpace(k.Alg) == "" {
			k.Alg = defaultSigningAlg
		}
		if !rsaAlgs[k.Alg] {
			return nil, fmt.Errorf("lti: signing key %d: unsupported alg %q", i, k.Alg)
		}
		if strings.TrimSpace(k.KID) == "" {
			kid, err := thumbprintKID(&k.Key.PublicKey)
			if err != nil {
				return nil, err
			}
			k.KID = kid
		}
		if _, dup := seen[k.KID]; dup {
			return nil, fmt.Errorf("lti: duplicate signing kid %q", k.KID)
		}
		seen[k.KID] = struct{}{}
		s.keys = append(s.keys, k)
	}
	return s, nil
}

// LoadSignerPEM parses a PKCS#1 or PKCS#8 RSA private key.
func LoadSignerPEM(kid string, pemBytes []byte) (*Signer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("lti: parse tool key: %w", err)
	}
	return NewSigner(SigningKey{KID: kid, Key: key})
}

// GenerateSigner creates a Signer with a fresh RSA-2048 key. Intended for
// development and tests; production keys should be loaded with LoadSignerPEM.
func GenerateSigner() (*Signer, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("rsa generate: %w", err)
	}
	return NewSigner(SigningKey{Key: priv})
}

// Sign signs claims with the active key and sets the kid header.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	if s == nil || len(s.keys) == 0 {
		return "", ErrNoSigningKey
	}
	k := s.keys[0]
	t := jwt.NewWithClaims(jwt.GetSigningMethod(k.Alg), claims)
	t.Header["kid"] = k.KID
	return t.SignedString(k.Key)
}

// KID returns the active key id.
func (s *Signer) KID() string {
	if s == nil || len(s.keys) == 0 {
		return ""
	}
	return s.keys[0].KID
}

// PublicKey returns the active verification key.
func (s *Signer) PublicKey() crypto.PublicKey {
	if s == nil || len(s.keys) == 0 {
		return nil
	}
	return &s.keys[0].Key.PublicKey
}

// PublicJWKS returns the public half of every key. Private material is never included.
func (s *Signer) PublicJWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	if s == nil {
		return set
	}
	for _, k := range s.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.Key.PublicKey,
			KeyID:     k.KID,
			Algorithm: k.Alg,
			Use:       "sig",
		})
	}
	return set
}

func thumbprintKID(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", errors.New("lti: key thumbprint: " + err.Error())
	}
	return "rsa-" + hex.EncodeToString(sum[:8]), nil
}
