// pkg/tool/lti/launch.go
package lti

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mind-engage/lti-tool/pkg/tool/registry"
)

/*
Launch validation (Tool side)

The platform POSTs id_token (and state) to the tool's launch URL. The token
walks through fixed stages; the first failing stage rejects the launch:

	STATE_CHECKED       state form value equals the value kept at login (ValidateWithState only)
	RECEIVED            compact JWS with JSON header and JSON object payload
	SIGNATURE_VERIFIED  asymmetric alg, platform key by (iss, kid), signature valid
	CLAIMS_VALIDATED    exp/iat/nbf, aud/azp, nonce, deployment, version, message shape
	NONCE_CONSUMED      nonce consumed exactly once
	CONTEXT_BUILT       LaunchContext projected and stored in the LaunchCache

Every rejection is a *LaunchError naming the stage; errors.Is reaches the
sentinel underneath.
*/

const DefaultClockSkew = 60 * time.Second

// acceptedAlgs are the asymmetric JWS algorithms allowed on launch tokens.
var acceptedAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

// KeyResolver returns a platform verification key. *KeySetCache satisfies it.
type KeyResolver interface {
	Key(ctx context.Context, issuer, kid string) (crypto.PublicKey, error)
}

// LaunchValidator validates platform launches and stores the result.
type LaunchValidator struct {
	Platforms Platforms
	Keys      KeyResolver
	Nonces    NonceStore
	Launches  LaunchCache

	// Optional knobs
	ClockSkew time.Duration // default 60s
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

func NewLaunchValidator(platforms Platforms, keys KeyResolver, nonces NonceStore, launches LaunchCache) *LaunchValidator {
	return &LaunchValidator{Platforms: platforms, Keys: keys, Nonces: nonces, Launches: launches}
}

// ValidateWithState checks the state round trip before validating idToken.
func (v *LaunchValidator) ValidateWithState(ctx context.Context, idToken, expectedState, receivedState string) (*LaunchContext, error) {
	if expectedState == "" || receivedState == "" || !equalConstantTime(expectedState, receivedState) {
		return nil, v.reject(ctx, StageState, "", ErrStateMismatch)
	}
	return v.Validate(ctx, idToken)
}

// Validate runs the launch stages on idToken.
func (v *LaunchValidator) Validate(ctx context.Context, idToken string) (*LaunchContext, error) {
	if v.Platforms == nil || v.Keys == nil || v.Nonces == nil || v.Launches == nil {
		return nil, errors.New("lti: launch validator not configured")
	}
	ctx, span := tracer.Start(ctx, "lti.launch.validate")
	defer span.End()

	// RECEIVED
	hdr, payload, err := splitToken(idToken)
	if err != nil {
		return nil, v.fail(ctx, span, StageReceived, "", err)
	}
	var claims idTokenClaims
	if err := decodeJSON(payload, &claims); err != nil {
		return nil, v.fail(ctx, span, StageReceived, "", fmt.Errorf("%w: claims: %v", ErrMalformedToken, err))
	}
	var raw map[string]any
	if err := decodeJSON(payload, &raw); err != nil {
		return nil, v.fail(ctx, span, StageReceived, "", fmt.Errorf("%w: claims: %v", ErrMalformedToken, err))
	}
	span.SetAttributes(attribute.String("lti.issuer", claims.Issuer))

	// SIGNATURE_VERIFIED
	reg, err := v.verifySignature(ctx, idToken, hdr, &claims)
	if err != nil {
		return nil, v.fail(ctx, span, StageSignatureVerified, claims.Issuer, err)
	}

	// CLAIMS_VALIDATED
	now := v.now()
	if err := v.validateClaims(&claims, raw, reg, now); err != nil {
		return nil, v.fail(ctx, span, StageClaimsValidated, claims.Issuer, err)
	}

	// NONCE_CONSUMED
	ok, err := v.Nonces.Consume(ctx, claims.Nonce)
	if err != nil {
		return nil, v.fail(ctx, span, StageNonceConsumed, claims.Issuer, storeErr(err))
	}
	if !ok {
		return nil, v.fail(ctx, span, StageNonceConsumed, claims.Issuer, ErrReplayDetected)
	}

	// CONTEXT_BUILT
	lc := claims.toLaunchContext(reg.ClientID, raw, now)
	if _, err := v.Launches.Put(ctx, lc); err != nil {
		return nil, v.fail(ctx, span, StageContextBuilt, claims.Issuer, storeErr(err))
	}

	span.SetAttributes(
		attribute.String("lti.launch_id", lc.LaunchID),
		attribute.String("lti.message_type", string(lc.MessageType)),
	)
	logOr(v.Logger).WithFields(logrus.Fields{
		"issuer":       lc.Issuer,
		"client_id":    lc.ClientID,
		"launch_id":    lc.LaunchID,
		"message_type": lc.MessageType,
	}).Info("lti launch accepted")
	return lc, nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// splitToken checks compact JWS structure and decodes the header.
func splitToken(token string) (tokenHeader, []byte, error) {
	var hdr tokenHeader
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return hdr, nil, fmt.Errorf("%w: want three segments", ErrMalformedToken)
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: header encoding", ErrMalformedToken)
	}
	pb, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: payload encoding", ErrMalformedToken)
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return hdr, nil, fmt.Errorf("%w: signature encoding", ErrMalformedToken)
	}
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if hdr.Alg == "" {
		return hdr, nil, fmt.Errorf("%w: header has no alg", ErrMalformedToken)
	}
	return hdr, pb, nil
}

func decodeJSON(b []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(dst)
}

// verifySignature returns the registration matched by (iss, aud), or nil when
// the issuer is known but no audience is a registered client; the audience
// failure is reported by claim validation.
func (v *LaunchValidator) verifySignature(ctx context.Context, token string, hdr tokenHeader, c *idTokenClaims) (*registry.Registration, error) {
	if !acceptedAlgs[hdr.Alg] {
		return nil, fmt.Errorf("%w: %q", ErrUnacceptableAlgorithm, hdr.Alg)
	}
	var reg *registry.Registration
	if r, err := v.Platforms.FindByAudience(c.Issuer, c.Audience); err == nil {
		reg = &r
	} else if _, err := v.Platforms.KeySetURL(c.Issuer); err != nil {
		return nil, fmt.Errorf("%w: iss=%q", ErrUnknownPlatform, c.Issuer)
	}
	key, err := v.Keys.Key(ctx, c.Issuer, hdr.Kid)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{hdr.Alg}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.Parse(token, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return reg, nil
}

func (v *LaunchValidator) validateClaims(c *idTokenClaims, raw map[string]any, reg *registry.Registration, now time.Time) error {
	skew := durationOr(v.ClockSkew, DefaultClockSkew)

	if c.ExpiresAt == nil {
		return claimErr("exp is required")
	}
	if now.After(c.ExpiresAt.Time.Add(skew)) {
		return claimErr("token expired at %s", c.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	if c.IssuedAt == nil {
		return claimErr("iat is required")
	}
	if c.IssuedAt.Time.After(now.Add(skew)) {
		return claimErr("iat is in the future")
	}
	if c.NotBefore != nil && c.NotBefore.Time.After(now.Add(skew)) {
		return claimErr("token not valid before %s", c.NotBefore.Time.UTC().Format(time.RFC3339))
	}

	if reg == nil || !containsString(c.Audience, reg.ClientID) {
		return claimErr("aud %v contains no registered client_id", []string(c.Audience))
	}
	if len(c.Audience) > 1 && c.AuthorizedParty == "" {
		return claimErr("azp is required with multiple audiences")
	}
	if c.AuthorizedParty != "" && c.AuthorizedParty != reg.ClientID {
		return claimErr("azp %q does not match client_id", c.AuthorizedParty)
	}

	if strings.TrimSpace(c.Nonce) == "" {
		return claimErr("nonce is required")
	}
	if c.DeploymentID == "" {
		return claimErr("deployment_id is required")
	}
	if !reg.HasDeployment(c.DeploymentID) {
		return claimErr("deployment_id %q is not registered", c.DeploymentID)
	}
	if c.Version != LTIVersion {
		return claimErr("unsupported lti version %q", c.Version)
	}
	if !c.MessageType.Recognized() {
		return claimErr("unrecognized message_type %q", c.MessageType)
	}

	if err := validateSubject(c, raw); err != nil {
		return err
	}

	switch c.MessageType {
	case MessageResourceLink, MessageSubmissionReview:
		if c.ResourceLink == nil || strings.TrimSpace(c.ResourceLink.ID) == "" {
			return claimErr("resource_link.id is required for %s", c.MessageType)
		}
	case MessageDeepLinking:
		s := c.DeepLinking
		if s == nil {
			return claimErr("deep_linking_settings is required")
		}
		if !isHTTPURL(s.ReturnURL) {
			return claimErr("deep_link_return_url must be an absolute http(s) URL")
		}
		if len(s.AcceptTypes) == 0 {
			return claimErr("deep_linking_settings.accept_types is empty")
		}
	}
	return nil
}

// validateSubject allows an absent sub only on resource link launches
// (anonymous launch); a present sub must be a non-empty string.
func validateSubject(c *idTokenClaims, raw map[string]any) error {
	v, present := raw["sub"]
	if !present {
		if c.MessageType == MessageResourceLink {
			return nil
		}
		return claimErr("sub is required for %s", c.MessageType)
	}
	if s, ok := v.(string); !ok || strings.TrimSpace(s) == "" {
		return claimErr("sub must be a non-empty string")
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func storeErr(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (v *LaunchValidator) fail(ctx context.Context, span trace.Span, stage Stage, issuer string, err error) error {
	span.SetAttributes(attribute.String("lti.stage", string(stage)))
	span.SetStatus(codes.Error, "launch rejected")
	return v.reject(ctx, stage, issuer, err)
}

func (v *LaunchValidator) reject(_ context.Context, stage Stage, issuer string, err error) error {
	logOr(v.Logger).WithFields(logrus.Fields{
		"stage":  stage,
		"issuer": issuer,
		"reason": err.Error(),
	}).Warn("lti launch rejected")
	return &LaunchError{Stage: stage, Err: err}
}

func (v *LaunchValidator) now() time.Time { return nowOr(v.Now) }
