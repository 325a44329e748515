// pkg/tool/ags/ags.go
package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
	"github.com/mind-engage/lti-tool/pkg/tool/registry"
)

/*
AGS client (Assignment and Grade Services 2.0)

Built from a validated launch: the endpoint claim says where the line item
container lives and which scopes the platform granted for this launch.
Every operation checks its scope locally before touching the network.

	c, err := ags.NewClient(lc, reg, signer)
	li, err := c.FindOrCreateLineItem(ctx, ags.LineItem{Label: "Quiz 1", ScoreMaximum: 10, ResourceID: "quiz-1"})
	err = c.PostScore(ctx, li.ID, ags.Score{UserID: lc.User.Subject, ScoreGiven: &given, ScoreMaximum: &max})
*/

const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"

	mediaLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	mediaLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	mediaScore             = "application/vnd.ims.lis.v1.score+json"
	mediaResultContainer   = "application/vnd.ims.lis.v2.resultcontainer+json"

	defaultTimeout = 15 * time.Second
	maxBody        = 4 << 20
)

var (
	// ErrNoEndpoint indicates the launch carried no AGS endpoint claim.
	ErrNoEndpoint = errors.New("ags: launch has no AGS endpoint")
	// ErrScopeNotGranted indicates the platform did not grant the scope an operation needs.
	ErrScopeNotGranted = errors.New("ags: scope not granted")
	// ErrNoTokenURL indicates the registration has no auth_token_url.
	ErrNoTokenURL = errors.New("ags: registration has no auth_token_url")
)

/* --------------------------------- models --------------------------------- */

type LineItem struct {
	ID             string  `json:"id,omitempty"`
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`
	Label          string  `json:"label,omitempty"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"` // RFC3339
	EndDateTime    string  `json:"endDateTime,omitempty"`   // RFC3339
}

type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"` // RFC3339
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"`
	ActivityProgress string   `json:"activityProgress"` // Initialized|Started|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`  // FullyGraded|Pending|PendingManual|Failed|NotReady
	Comment          string   `json:"comment,omitempty"`
}

type Result struct {
	ID            string   `json:"id,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	ScoreOf       string   `json:"scoreOf,omitempty"`
}

// ListFilter narrows ListLineItems.
type ListFilter struct {
	ResourceID     string
	ResourceLinkID string
	Tag            string
	Limit          int
}

/* --------------------------------- client --------------------------------- */

type options struct {
	http    *http.Client
	timeout time.Duration
	logger  logrus.FieldLogger
	now     func() time.Time
}

type Option func(*options)

// WithHTTPClient sets the base client used for token and service calls.
func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.http = hc } }

// WithTimeout bounds each request (default 15s).
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

func WithLogger(l logrus.FieldLogger) Option { return func(o *options) { o.logger = l } }

// WithClock overrides the clock used for default score timestamps.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Client talks to one launch's AGS endpoint.
type Client struct {
	endpoint lti.AGSEndpoint
	http     *http.Client
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewClient builds a client for the AGS endpoint of lc, authenticating as the
// tool registered in reg.
func NewClient(lc *lti.LaunchContext, reg registry.Registration, signer lti.TokenSigner, opts ...Option) (*Client, error) {
	if lc == nil || lc.AGS == nil {
		return nil, ErrNoEndpoint
	}
	if strings.TrimSpace(reg.AuthTokenURL) == "" {
		return nil, ErrNoTokenURL
	}
	if signer == nil {
		return nil, lti.ErrNoSigningKey
	}
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.http == nil {
		o.http = &http.Client{Timeout: o.timeout}
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}

	src := &assertionSource{
		tokenURL: reg.AuthTokenURL,
		audience: reg.TokenAudience(),
		clientID: reg.ClientID,
		scopes:   append([]string(nil), lc.AGS.Scope...),
		signer:   signer,
		http:     o.http,
		timeout:  o.timeout,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.http)
	hc := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, src))
	hc.Timeout = o.timeout

	return &Client{
		endpoint: *lc.AGS,
		http:     hc,
		log: o.logger.WithFields(logrus.Fields{
			"issuer":    lc.Issuer,
			"client_id": reg.ClientID,
			"launch_id": lc.LaunchID,
		}),
		now: o.now,
	}, nil
}

// LineItemsURL is the line item container from the launch.
func (c *Client) LineItemsURL() string { return c.endpoint.LineItems }

// LineItemURL is the single line item bound to the launch's resource link, if any.
func (c *Client) LineItemURL() string { return c.endpoint.LineItem }

func (c *Client) require(scopes ...string) error {
	for _, s := range scopes {
		if c.endpoint.HasScope(s) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrScopeNotGranted, strings.Join(scopes, " or "))
}

// ListLineItems reads the line item container.
func (c *Client) ListLineItems(ctx context.Context, f ListFilter) ([]LineItem, error) {
	if err := c.require(ScopeLineItem, ScopeLineItemReadOnly); err != nil {
		return nil, err
	}
	if c.endpoint.LineItems == "" {
		return nil, errors.New("ags: launch has no lineitems URL")
	}
	u, err := url.Parse(c.endpoint.LineItems)
	if err != nil {
		return nil, fmt.Errorf("ags: lineitems URL: %w", err)
	}
	q := u.Query()
	setQuery(q, "resource_id", f.ResourceID)
	setQuery(q, "resource_link_id", f.ResourceLinkID)
	setQuery(q, "tag", f.Tag)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	u.RawQuery = q.Encode()

	var out []LineItem
	if err := c.do(ctx, "list line items", http.MethodGet, u.String(), mediaLineItemContainer, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateLineItem adds li to the container and returns the platform's copy.
func (c *Client) CreateLineItem(ctx context.Context, li LineItem) (LineItem, error) {
	if err := c.require(ScopeLineItem); err != nil {
		return LineItem{}, err
	}
	if c.endpoint.LineItems == "" {
		return LineItem{}, errors.New("ags: launch has no lineitems URL")
	}
	if li.ScoreMaximum <= 0 {
		return LineItem{}, errors.New("ags: scoreMaximum must be positive")
	}
	if strings.TrimSpace(li.Label) == "" {
		return LineItem{}, errors.New("ags: label is required")
	}
	var out LineItem
	if err := c.do(ctx, "create line item", http.MethodPost, c.endpoint.LineItems, mediaLineItem, mediaLineItem, li, &out); err != nil {
		return LineItem{}, err
	}
	c.log.WithField("line_item", out.ID).Info("ags line item created")
	return out, nil
}

// DeleteLineItem removes the line item at lineItemURL.
func (c *Client) DeleteLineItem(ctx context.Context, lineItemURL string) error {
	if err := c.require(ScopeLineItem); err != nil {
		return err
	}
	if lineItemURL == "" {
		return errors.New("ags: lineItemURL required")
	}
	return c.do(ctx, "delete line item", http.MethodDelete, lineItemURL, "", "", nil, nil)
}

// FindOrCreateLineItem returns the line item matching want's resourceId and
// tag, creating it when none exists.
func (c *Client) FindOrCreateLineItem(ctx context.Context, want LineItem) (LineItem, error) {
	items, err := c.ListLineItems(ctx, ListFilter{ResourceID: want.ResourceID, Tag: want.Tag})
	if err != nil {
		return LineItem{}, err
	}
	for _, it := range items {
		if it.ResourceID == want.ResourceID && it.Tag == want.Tag {
			return it, nil
		}
	}
	return c.CreateLineItem(ctx, want)
}

// PostScore publishes s to {lineItemURL}/scores. An empty lineItemURL uses the
// launch's own line item.
func (c *Client) PostScore(ctx context.Context, lineItemURL string, s Score) error {
	if err := c.require(ScopeScore); err != nil {
		return err
	}
	if lineItemURL == "" {
		lineItemURL = c.endpoint.LineItem
	}
	if lineItemURL == "" {
		return errors.New("ags: lineItemURL required")
	}
	if s.UserID == "" {
		return errors.New("ags: score.userId required")
	}
	if s.Timestamp == "" {
		s.Timestamp = c.now().Format(time.RFC3339Nano)
	}
	if s.ActivityProgress == "" {
		s.ActivityProgress = "Completed"
	}
	if s.GradingProgress == "" {
		s.GradingProgress = "FullyGraded"
	}
	u, err := subresource(lineItemURL, "scores")
	if err != nil {
		return err
	}
	if err := c.do(ctx, "post score", http.MethodPost, u, "", mediaScore, s, nil); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"line_item": lineItemURL, "user": s.UserID}).Info("ags score posted")
	return nil
}

// GetResults reads {lineItemURL}/results, optionally for one user.
func (c *Client) GetResults(ctx context.Context, lineItemURL, userID string) ([]Result, error) {
	if err := c.require(ScopeResultReadOnly); err != nil {
		return nil, err
	}
	if lineItemURL == "" {
		lineItemURL = c.endpoint.LineItem
	}
	if lineItemURL == "" {
		return nil, errors.New("ags: lineItemURL required")
	}
	u, err := subresource(lineItemURL, "results")
	if err != nil {
		return nil, err
	}
	if userID != "" {
		parsed, _ := url.Parse(u)
		q := parsed.Query()
		q.Set("user_id", userID)
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}
	var out []Result
	if err := c.do(ctx, "get results", http.MethodGet, u, mediaResultContainer, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

/* --------------------------------- helpers -------------------------------- */

func (c *Client) do(ctx context.Context, op, method, target, accept, contentType string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ags: %s: encode: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return fmt.Errorf("ags: %s: %w", op, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ags: %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return httpErr(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("ags: %s: decode: %w", op, err)
	}
	return nil
}

// subresource appends /name to the path of a line item URL, keeping its query.
func subresource(lineItemURL, name string) (string, error) {
	u, err := url.Parse(lineItemURL)
	if err != nil {
		return "", fmt.Errorf("ags: line item URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + name
	u.RawPath = ""
	return u.String(), nil
}

func setQuery(q url.Values, k, v string) {
	if v != "" {
		q.Set(k, v)
	}
}

func httpErr(op string, resp *http.Response) error {
	return fmt.Errorf("ags: %s: platform returned %s", op, resp.Status)
}
