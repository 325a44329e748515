// pkg/tool/lti/deeplink.go
package lti

import (
	"context"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

/*
Deep Linking response (Tool side)

After an LtiDeepLinkingRequest launch the user picks content; the tool then
returns a signed LtiDeepLinkingResponse to the platform's
deep_link_return_url. The response is posted by the browser through an
auto-submitting form with a single JWT field.

Claims produced:
  iss            tool client_id
  aud            platform issuer
  iat, exp, nonce
  deployment_id, message_type=LtiDeepLinkingResponse, version=1.3.0
  content_items  (always an array, possibly empty)
  data           echoed from deep_linking_settings when present
  msg/log/errormsg/errorlog (optional)

The resource batch is validated as a whole; one bad entry rejects all of it.
*/

const DefaultDeepLinkResponseTTL = 5 * time.Minute

// Content item types.
const (
	ResourceTypeLink            = "link"
	ResourceTypeFile            = "file"
	ResourceTypeHTML            = "html"
	ResourceTypeLTIResourceLink = "ltiResourceLink"
)

// DeepLinkResource is one content item returned to the platform.
type DeepLinkResource struct {
	Type      string            `json:"type"`
	Title     string            `json:"title,omitempty"`
	Text      string            `json:"text,omitempty"`
	URL       string            `json:"url,omitempty"`
	HTML      string            `json:"html,omitempty"`
	MediaType string            `json:"mediaType,omitempty"`
	Icon      *DeepLinkImage    `json:"icon,omitempty"`
	Thumbnail *DeepLinkImage    `json:"thumbnail,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
	LineItem  *DeepLinkLineItem `json:"lineItem,omitempty"`
}

type DeepLinkImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type DeepLinkLineItem struct {
	ScoreMaximum float64 `json:"scoreMaximum"`
	Label        string  `json:"label,omitempty"`
	ResourceID   string  `json:"resourceId,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

// validate checks the fields required by r.Type.
func (r DeepLinkResource) validate() string {
	switch r.Type {
	case ResourceTypeLink, ResourceTypeLTIResourceLink:
		if strings.TrimSpace(r.Title) == "" {
			return "title is required"
		}
		if !isHTTPURL(r.URL) {
			return "url must be an absolute http(s) URL"
		}
	case ResourceTypeFile:
		if !isHTTPURL(r.URL) {
			return "url must be an absolute http(s) URL"
		}
	case ResourceTypeHTML:
		if strings.TrimSpace(r.HTML) == "" {
			return "html is required"
		}
	case "":
		return "type is required"
	default:
		return "unknown type " + r.Type
	}
	if r.Icon != nil && !isHTTPURL(r.Icon.URL) {
		return "icon url must be an absolute http(s) URL"
	}
	if r.Thumbnail != nil && !isHTTPURL(r.Thumbnail.URL) {
		return "thumbnail url must be an absolute http(s) URL"
	}
	if r.LineItem != nil && r.LineItem.ScoreMaximum <= 0 {
		return "lineItem.scoreMaximum must be positive"
	}
	return ""
}

// DeepLinkOption adds optional message fields to a response.
type DeepLinkOption func(*deepLinkExtras)

type deepLinkExtras struct {
	msg, log, errMsg, errLog string
}

func WithMessage(msg string) DeepLinkOption      { return func(e *deepLinkExtras) { e.msg = msg } }
func WithLog(log string) DeepLinkOption          { return func(e *deepLinkExtras) { e.log = log } }
func WithErrorMessage(msg string) DeepLinkOption { return func(e *deepLinkExtras) { e.errMsg = msg } }
func WithErrorLog(log string) DeepLinkOption     { return func(e *deepLinkExtras) { e.errLog = log } }

// TokenSigner signs tool JWTs. *Signer satisfies it.
type TokenSigner interface {
	Sign(claims jwt.Claims) (string, error)
}

// DeepLinkBuilder signs deep linking responses.
type DeepLinkBuilder struct {
	Signer TokenSigner

	// Optional knobs
	ResponseTTL time.Duration // default 5m
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

func NewDeepLinkBuilder(signer TokenSigner) *DeepLinkBuilder {
	return &DeepLinkBuilder{Signer: signer}
}

// DeepLinkResponse is the signed response and where to post it.
type DeepLinkResponse struct {
	ReturnURL string
	JWT       string
}

// Build validates resources and signs the response for lc.
func (b *DeepLinkBuilder) Build(ctx context.Context, lc *LaunchContext, resources []DeepLinkResource, opts ...DeepLinkOption) (*DeepLinkResponse, error) {
	_, span := tracer.Start(ctx, "lti.deeplink.build")
	defer span.End()

	if lc == nil || !lc.IsDeepLinkLaunch() || lc.DeepLinkingSettings == nil {
		span.SetStatus(codes.Error, "not a deep linking launch")
		return nil, ErrNotADeepLinkingContext
	}
	if b.Signer == nil {
		return nil, ErrNoSigningKey
	}
	settings := lc.DeepLinkingSettings

	for i, r := range resources {
		reason := r.validate()
		if reason == "" && !settings.Accepts(r.Type) {
			reason = "type " + r.Type + " not in accept_types"
		}
		if reason == "" && i > 0 && !settings.MultipleAllowed() {
			reason = "platform does not accept multiple items"
		}
		if reason != "" {
			span.SetStatus(codes.Error, "invalid resource")
			return nil, &InvalidResourceError{Index: i, Reason: reason}
		}
	}

	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}
	var extras deepLinkExtras
	for _, opt := range opts {
		opt(&extras)
	}

	items := make([]DeepLinkResource, len(resources))
	copy(items, resources)

	now := nowOr(b.Now)
	claims := jwt.MapClaims{
		"iss":             lc.ClientID,
		"aud":             lc.Issuer,
		"iat":             now.Unix(),
		"exp":             now.Add(durationOr(b.ResponseTTL, DefaultDeepLinkResponseTTL)).Unix(),
		"nonce":           nonce,
		ClaimDeploymentID: lc.DeploymentID,
		ClaimMessageType:  messageDeepLinkingResponse,
		ClaimVersion:      LTIVersion,
		ClaimContentItems: items,
	}
	if settings.Data != nil {
		claims[ClaimDeepLinkData] = settings.Data
	}
	setIf(claims, ClaimDeepLinkMsg, extras.msg)
	setIf(claims, ClaimDeepLinkLog, extras.log)
	setIf(claims, ClaimDeepLinkErrorMsg, extras.errMsg)
	setIf(claims, ClaimDeepLinkErrorLog, extras.errLog)

	token, err := b.Signer.Sign(claims)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("lti.content_items", len(items)))
	logOr(b.Logger).WithFields(logrus.Fields{
		"issuer":    lc.Issuer,
		"client_id": lc.ClientID,
		"launch_id": lc.LaunchID,
		"items":     len(items),
	}).Info("deep linking response signed")

	return &DeepLinkResponse{ReturnURL: settings.ReturnURL, JWT: token}, nil
}

func setIf(c jwt.MapClaims, k, v string) {
	if v != "" {
		c[k] = v
	}
}

var autoSubmitForm = template.Must(template.New("deeplink").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Returning to platform</title></head>
<body>
<form id="lti1p3-deep-link" action="{{.ReturnURL}}" method="POST">
<input type="hidden" name="JWT" value="{{.JWT}}">
<noscript><button type="submit">Continue</button></noscript>
</form>
<script>document.getElementById("lti1p3-deep-link").submit();</script>
</body>
</html>
`))

// WriteForm renders the auto-submitting form that posts the response.
func (r *DeepLinkResponse) WriteForm(w io.Writer) error {
	return autoSubmitForm.Execute(w, r)
}
