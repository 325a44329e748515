package lti

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names used by LTI 1.3 core, Deep Linking 2.0, AGS 2.0 and NRPS 2.0.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimCustom             = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimToolPlatform       = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimForUser            = "https://purl.imsglobal.org/spec/lti/claim/for_user"

	ClaimDeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimContentItems        = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDeepLinkData        = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
	ClaimDeepLinkMsg         = "https://purl.imsglobal.org/spec/lti-dl/claim/msg"
	ClaimDeepLinkLog         = "https://purl.imsglobal.org/spec/lti-dl/claim/log"
	ClaimDeepLinkErrorMsg    = "https://purl.imsglobal.org/spec/lti-dl/claim/errormsg"
	ClaimDeepLinkErrorLog    = "https://purl.imsglobal.org/spec/lti-dl/claim/errorlog"

	ClaimAGSEndpoint  = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPSEndpoint = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"

	LTIVersion = "1.3.0"
)

// MessageType is the LTI message_type claim.
type MessageType string

const (
	MessageResourceLink      MessageType = "LtiResourceLinkRequest"
	MessageDeepLinking       MessageType = "LtiDeepLinkingRequest"
	MessageSubmissionReview  MessageType = "LtiSubmissionReviewRequest"
	MessageDataPrivacyLaunch MessageType = "DataPrivacyLaunchRequest"

	messageDeepLinkingResponse = "LtiDeepLinkingResponse"
)

// Recognized reports whether the tool accepts launches of this type.
func (m MessageType) Recognized() bool {
	switch m {
	case MessageResourceLink, MessageDeepLinking, MessageSubmissionReview, MessageDataPrivacyLaunch:
		return true
	}
	return false
}

// Role URIs checked by the LaunchContext helpers.
const (
	RoleInstructor         = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"
	RoleLearner            = "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"
	RoleContentDeveloper   = "http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper"
	RoleTeachingAssistant  = "http://purl.imsglobal.org/vocab/lis/v2/membership/Instructor#TeachingAssistant"
	RoleSystemAdmin        = "http://purl.imsglobal.org/vocab/lis/v2/system/person#Administrator"
	RoleInstitutionAdmin   = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"
	RoleMembershipAdmin    = "http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator"
	RoleInstitutionStudent = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Student"
)

/* ------------------------------ LaunchContext ------------------------------ */

// LaunchContext is the validated, typed view of one launch. Claims keeps the
// full verified payload for claims this struct does not model.
type LaunchContext struct {
	LaunchID     string      `json:"launch_id"`
	Issuer       string      `json:"issuer"`
	ClientID     string      `json:"client_id"`
	DeploymentID string      `json:"deployment_id"`
	MessageType  MessageType `json:"message_type"`
	Version      string      `json:"version"`

	TargetLinkURI string `json:"target_link_uri,omitempty"`

	ResourceLink        *ResourceLink        `json:"resource_link,omitempty"`
	User                User                 `json:"user"`
	Context             *CourseContext       `json:"context,omitempty"`
	Custom              map[string]string    `json:"custom,omitempty"`
	DeepLinkingSettings *DeepLinkingSettings `json:"deep_linking_settings,omitempty"`
	LaunchPresentation  *LaunchPresentation  `json:"launch_presentation,omitempty"`
	AGS                 *AGSEndpoint         `json:"ags,omitempty"`
	NRPS                *NRPSService         `json:"nrps,omitempty"`

	Claims    map[string]any `json:"claims"`
	CreatedAt time.Time      `json:"created_at"`
}

type ResourceLink struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type User struct {
	Subject    string   `json:"sub,omitempty"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Picture    string   `json:"picture,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

type CourseContext struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

type DeepLinkingSettings struct {
	ReturnURL                 string   `json:"deep_link_return_url"`
	AcceptTypes               []string `json:"accept_types"`
	AcceptPresentationTargets []string `json:"accept_presentation_document_targets,omitempty"`
	AcceptMediaTypes          string   `json:"accept_media_types,omitempty"`
	AcceptMultiple            *bool    `json:"accept_multiple,omitempty"`
	AcceptLineItem            *bool    `json:"accept_lineitem,omitempty"`
	AutoCreate                *bool    `json:"auto_create,omitempty"`
	Title                     string   `json:"title,omitempty"`
	Text                      string   `json:"text,omitempty"`
	Data                      any      `json:"data,omitempty"`
}

// Accepts reports whether the platform listed contentType in accept_types.
func (s *DeepLinkingSettings) Accepts(contentType string) bool {
	for _, t := range s.AcceptTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

// MultipleAllowed treats an absent accept_multiple as true.
func (s *DeepLinkingSettings) MultipleAllowed() bool {
	return s.AcceptMultiple == nil || *s.AcceptMultiple
}

type LaunchPresentation struct {
	DocumentTarget string `json:"document_target,omitempty"`
	Height         int    `json:"height,omitempty"`
	Width          int    `json:"width,omitempty"`
	ReturnURL      string `json:"return_url,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

type AGSEndpoint struct {
	Scope     []string `json:"scope,omitempty"`
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
}

// HasScope reports whether the platform granted scope for this launch.
func (e *AGSEndpoint) HasScope(scope string) bool {
	if e == nil {
		return false
	}
	for _, s := range e.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

type NRPSService struct {
	ContextMembershipsURL string   `json:"context_memberships_url"`
	ServiceVersions       []string `json:"service_versions,omitempty"`
}

func (lc *LaunchContext) IsResourceLaunch() bool   { return lc.MessageType == MessageResourceLink }
func (lc *LaunchContext) IsDeepLinkLaunch() bool   { return lc.MessageType == MessageDeepLinking }
func (lc *LaunchContext) IsSubmissionReview() bool { return lc.MessageType == MessageSubmissionReview }
func (lc *LaunchContext) IsDataPrivacyLaunch() bool {
	return lc.MessageType == MessageDataPrivacyLaunch
}

func (lc *LaunchContext) HasAGS() bool  { return lc.AGS != nil }
func (lc *LaunchContext) HasNRPS() bool { return lc.NRPS != nil && lc.NRPS.ContextMembershipsURL != "" }

func (lc *LaunchContext) HasRole(role string) bool {
	for _, r := range lc.User.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (lc *LaunchContext) IsInstructor() bool {
	return lc.HasRole(RoleInstructor) || lc.HasRole(RoleContentDeveloper)
}

func (lc *LaunchContext) IsStudent() bool {
	return lc.HasRole(RoleLearner) || lc.HasRole(RoleInstitutionStudent)
}

func (lc *LaunchContext) IsTeachingAssistant() bool { return lc.HasRole(RoleTeachingAssistant) }

func (lc *LaunchContext) IsAdministrator() bool {
	return lc.HasRole(RoleSystemAdmin) || lc.HasRole(RoleInstitutionAdmin) || lc.HasRole(RoleMembershipAdmin)
}

// Clone returns a deep-enough copy for handing out of a cache: mutating the
// copy's maps and slices does not affect the cached value.
func (lc *LaunchContext) Clone() *LaunchContext {
	if lc == nil {
		return nil
	}
	b, err := json.Marshal(lc)
	if err != nil {
		cp := *lc
		return &cp
	}
	out, err := DecodeLaunchContext(b)
	if err != nil {
		cp := *lc
		return &cp
	}
	return out
}

// DecodeLaunchContext reverses json.Marshal of a LaunchContext. Numbers in
// Claims stay json.Number, as they are right after validation.
func DecodeLaunchContext(b []byte) (*LaunchContext, error) {
	var lc LaunchContext
	if err := decodeJSON(b, &lc); err != nil {
		return nil, err
	}
	return &lc, nil
}

/* ------------------------------ wire claims -------------------------------- */

// idTokenClaims is the typed decode of a launch id_token payload.
type idTokenClaims struct {
	Issuer          string           `json:"iss"`
	Subject         string           `json:"sub"`
	Audience        jwt.ClaimStrings `json:"aud"`
	AuthorizedParty string           `json:"azp"`
	ExpiresAt       *jwt.NumericDate `json:"exp"`
	IssuedAt        *jwt.NumericDate `json:"iat"`
	NotBefore       *jwt.NumericDate `json:"nbf"`
	Nonce           string           `json:"nonce"`

	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Picture    string `json:"picture"`

	MessageType   MessageType          `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version       string               `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID  string               `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI string               `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri"`
	ResourceLink  *ResourceLink        `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link"`
	Roles         []string             `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	Context       *CourseContext       `json:"https://purl.imsglobal.org/spec/lti/claim/context"`
	Custom        map[string]any       `json:"https://purl.imsglobal.org/spec/lti/claim/custom"`
	Presentation  *LaunchPresentation  `json:"https://purl.imsglobal.org/spec/lti/claim/launch_presentation"`
	DeepLinking   *DeepLinkingSettings `json:"https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"`
	AGS           *AGSEndpoint         `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"`
	NRPS          *NRPSService         `json:"https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"`
}

// toLaunchContext projects validated claims. raw is the untyped payload.
func (c *idTokenClaims) toLaunchContext(clientID string, raw map[string]any, now time.Time) *LaunchContext {
	return &LaunchContext{
		Issuer:        c.Issuer,
		ClientID:      clientID,
		DeploymentID:  c.DeploymentID,
		MessageType:   c.MessageType,
		Version:       c.Version,
		TargetLinkURI: c.TargetLinkURI,
		ResourceLink:  c.ResourceLink,
		User: User{
			Subject:    c.Subject,
			Name:       c.Name,
			GivenName:  c.GivenName,
			FamilyName: c.FamilyName,
			Email:      c.Email,
			Picture:    c.Picture,
			Roles:      c.Roles,
		},
		Context:             c.Context,
		Custom:              stringifyCustom(c.Custom),
		DeepLinkingSettings: c.DeepLinking,
		LaunchPresentation:  c.Presentation,
		AGS:                 c.AGS,
		NRPS:                c.NRPS,
		Claims:              raw,
		CreatedAt:           now,
	}
}

// stringifyCustom resolves custom parameter values to strings; platforms
// send numbers and booleans unquoted.
func stringifyCustom(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			out[k] = t.String()
		default:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out[k] = strings.TrimSpace(string(b))
		}
	}
	return out
}
