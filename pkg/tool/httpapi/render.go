// pkg/tool/httpapi/render.go
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Stage  string `json:"stage,omitempty"`
	Index  *int   `json:"index,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a taxonomy sentinel to an HTTP status.
func statusFor(kind error) int {
	switch kind {
	case lti.ErrInvalidSignature, lti.ErrUnknownKeyID, lti.ErrReplayDetected:
		return http.StatusUnauthorized
	case lti.ErrKeySetUnavailable:
		return http.StatusBadGateway
	case lti.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	case lti.ErrNotFound:
		return http.StatusNotFound
	case lti.ErrNoSigningKey, nil:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// kindName turns "lti: unknown key id" into "unknown_key_id".
func kindName(kind error) string {
	if kind == nil {
		return "internal"
	}
	s := strings.TrimPrefix(kind.Error(), "lti: ")
	return strings.ReplaceAll(s, " ", "_")
}

// writeError renders err without leaking token contents or internal detail.
func writeError(w http.ResponseWriter, summary string, err error) {
	kind := lti.Kind(err)
	body := errorBody{Error: summary, Kind: kindName(kind)}

	var le *lti.LaunchError
	if errors.As(err, &le) {
		body.Stage = string(le.Stage)
	}
	var cve *lti.ClaimValidationError
	if errors.As(err, &cve) {
		body.Reason = cve.Reason
	}
	var ire *lti.InvalidResourceError
	if errors.As(err, &ire) {
		idx := ire.Index
		body.Index = &idx
		body.Reason = ire.Reason
	}
	writeJSON(w, statusFor(kind), body)
}
