package lti

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken indicates the id_token is not a compact three-part JWS with JSON header and payload.
	ErrMalformedToken = errors.New("lti: malformed token")

	// ErrUnacceptableAlgorithm indicates a symmetric or "none" alg in the token header.
	ErrUnacceptableAlgorithm = errors.New("lti: unacceptable signing algorithm")

	// ErrInvalidSignature indicates the signature does not verify against the selected key.
	ErrInvalidSignature = errors.New("lti: invalid signature")

	// ErrKeySetUnavailable indicates the platform key set could not be fetched or parsed.
	ErrKeySetUnavailable = errors.New("lti: platform key set unavailable")

	// ErrUnknownKeyID indicates the kid is absent from a freshly fetched key set.
	ErrUnknownKeyID = errors.New("lti: unknown key id")

	// ErrClaimValidationFailed is matched by every *ClaimValidationError.
	ErrClaimValidationFailed = errors.New("lti: claim validation failed")

	// ErrReplayDetected indicates the nonce was already consumed, expired, or never issued.
	ErrReplayDetected = errors.New("lti: replay detected")

	// ErrStateMismatch indicates the state returned by the platform differs from the one kept at login.
	ErrStateMismatch = errors.New("lti: state mismatch")

	// ErrUnknownPlatform indicates the issuer/client pair has no registration.
	ErrUnknownPlatform = errors.New("lti: unknown platform")

	// ErrMissingLoginHint indicates the login initiation carried no login_hint.
	ErrMissingLoginHint = errors.New("lti: missing login_hint")

	// ErrInvalidTargetLinkURI indicates target_link_uri is missing or not an absolute http(s) URL.
	ErrInvalidTargetLinkURI = errors.New("lti: invalid target_link_uri")

	// ErrNotADeepLinkingContext indicates a deep link response was requested for another message type.
	ErrNotADeepLinkingContext = errors.New("lti: not a deep linking launch")

	// ErrInvalidResource is matched by every *InvalidResourceError.
	ErrInvalidResource = errors.New("lti: invalid deep link resource")

	// ErrNotFound indicates an unknown or expired launch id.
	ErrNotFound = errors.New("lti: launch not found")

	// ErrStoreUnavailable indicates a nonce or launch store round trip failed or timed out.
	ErrStoreUnavailable = errors.New("lti: store unavailable")

	// ErrNoSigningKey indicates the tool has no private key to sign with.
	ErrNoSigningKey = errors.New("lti: no tool signing key")
)

// Stage names one gate of launch validation.
type Stage string

const (
	StageState             Stage = "STATE_CHECKED"
	StageReceived          Stage = "RECEIVED"
	StageSignatureVerified Stage = "SIGNATURE_VERIFIED"
	StageClaimsValidated   Stage = "CLAIMS_VALIDATED"
	StageNonceConsumed     Stage = "NONCE_CONSUMED"
	StageContextBuilt      Stage = "CONTEXT_BUILT"
)

// LaunchError reports a rejected launch and the stage that rejected it.
type LaunchError struct {
	Stage Stage
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("lti: launch rejected at %s: %v", e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ClaimValidationError carries the specific failed claim check.
type ClaimValidationError struct {
	Reason string
}

func (e *ClaimValidationError) Error() string {
	return "lti: claim validation failed: " + e.Reason
}

func (e *ClaimValidationError) Is(target error) bool { return target == ErrClaimValidationFailed }

func claimErr(format string, args ...any) error {
	return &ClaimValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidResourceError names the offending deep link resource by position.
type InvalidResourceError struct {
	Index  int
	Reason string
}

func (e *InvalidResourceError) Error() string {
	return fmt.Sprintf("lti: invalid deep link resource %d: %s", e.Index, e.Reason)
}

func (e *InvalidResourceError) Is(target error) bool { return target == ErrInvalidResource }

// Kind returns the taxonomy sentinel err matches, or nil. Adapters use it to
// pick a status code without string matching.
func Kind(err error) error {
	for _, k := range []error{
		ErrStateMismatch,
		ErrMalformedToken,
		ErrUnacceptableAlgorithm,
		ErrInvalidSignature,
		ErrKeySetUnavailable,
		ErrUnknownKeyID,
		ErrClaimValidationFailed,
		ErrReplayDetected,
		ErrUnknownPlatform,
		ErrMissingLoginHint,
		ErrInvalidTargetLinkURI,
		ErrNotADeepLinkingContext,
		ErrInvalidResource,
		ErrNotFound,
		ErrStoreUnavailable,
		ErrNoSigningKey,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
