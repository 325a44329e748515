// pkg/tool/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

/*
HTTP surface of the tool

	GET|POST /lti/login                  third-party login initiation -> 302 to platform
	POST     /lti/launch                 id_token + state form_post from the platform
	POST     /lti/deep-link/{launchID}   JSON resources -> auto-submit form to the platform
	GET      /lti/launches/{launchID}    trimmed view of the cached launch (JSON)
	POST     /lti/launches/{launchID}/score  AGS score for the launching instructor (when Grades is set)
	GET|HEAD /.well-known/jwks.json      tool public keys
	GET      /healthz                    503 when Ready fails

The handlers only translate HTTP to the lti package and back. Every
rejection is rendered as {"error", "kind", ...} with a status chosen by kind.
*/

const maxDeepLinkBody = 1 << 20

// Server holds the components the routes call into.
type Server struct {
	Login     *lti.LoginInitiator
	Validator *lti.LaunchValidator
	Launches  lti.LaunchCache
	DeepLinks *lti.DeepLinkBuilder
	JWKS      http.Handler
	Cookies   *StateCookie

	// Optional knobs
	CORSOrigins    []string // JWKS route; default "*"
	RequestTimeout time.Duration
	Logger         logrus.FieldLogger
	// OnLaunch renders an accepted launch. The default writes a JSON summary.
	OnLaunch func(w http.ResponseWriter, r *http.Request, lc *lti.LaunchContext)
	Grades   GradeClients
	// Ready reports whether shared stores are reachable; /healthz calls it.
	Ready func(ctx context.Context) error
}

// Routes builds the chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log()), middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout()))

	r.Get("/healthz", s.handleHealth)

	r.Route("/lti", func(lr chi.Router) {
		lr.Get("/login", s.handleLogin)
		lr.Post("/login", s.handleLogin)
		lr.Post("/launch", s.handleLaunch)
		lr.Post("/deep-link/{launchID}", s.handleDeepLink)
		lr.Get("/launches/{launchID}", s.handleGetLaunch)
		if s.Grades != nil {
			lr.Post("/launches/{launchID}/score", s.handlePostScore)
		}
	})

	if s.JWKS != nil {
		origins := s.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		jr := r.With(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
			ExposedHeaders: []string{"ETag", "Content-Length"},
			MaxAge:         300,
		}))
		jr.Method(http.MethodGet, "/.well-known/jwks.json", s.JWKS)
		jr.Method(http.MethodHead, "/.well-known/jwks.json", s.JWKS)
		jr.Options("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}
	return r
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad form"})
		return
	}
	req, err := lti.LoginRequestFromValues(r.Form)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad login request"})
		return
	}
	red, err := s.Login.Initiate(r.Context(), req)
	if err != nil {
		s.log().WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"issuer":     req.Issuer,
		}).WithError(err).Warn("lti login rejected")
		writeError(w, "login rejected", err)
		return
	}
	if err := s.Cookies.Set(w, red.State); err != nil {
		writeError(w, "login failed", err)
		return
	}
	http.Redirect(w, r, red.URL, http.StatusFound)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad form"})
		return
	}
	expected := s.Cookies.Read(r)
	s.Cookies.Clear(w)

	lc, err := s.Validator.ValidateWithState(r.Context(), r.PostForm.Get("id_token"), expected, r.PostForm.Get("state"))
	if err != nil {
		writeError(w, "launch rejected", err)
		return
	}
	if s.OnLaunch != nil {
		s.OnLaunch(w, r, lc)
		return
	}
	writeJSON(w, http.StatusOK, launchSummary(lc))
}

type launchView struct {
	LaunchID     string          `json:"launch_id"`
	MessageType  lti.MessageType `json:"message_type"`
	Issuer       string          `json:"issuer"`
	DeploymentID string          `json:"deployment_id"`
	Subject      string          `json:"sub,omitempty"`
	DeepLinkURL  string          `json:"deep_link_url,omitempty"`
}

func launchSummary(lc *lti.LaunchContext) launchView {
	v := launchView{
		LaunchID:     lc.LaunchID,
		MessageType:  lc.MessageType,
		Issuer:       lc.Issuer,
		DeploymentID: lc.DeploymentID,
		Subject:      lc.User.Subject,
	}
	if lc.IsDeepLinkLaunch() {
		v.DeepLinkURL = "/lti/deep-link/" + lc.LaunchID
	}
	return v
}

// deepLinkRequest is the JSON body of POST /lti/deep-link/{launchID}.
type deepLinkRequest struct {
	Resources []lti.DeepLinkResource `json:"resources"`
	Msg       string                 `json:"msg,omitempty"`
	Log       string                 `json:"log,omitempty"`
	ErrorMsg  string                 `json:"errormsg,omitempty"`
	ErrorLog  string                 `json:"errorlog,omitempty"`
}

func (s *Server) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	lc, err := s.Launches.Get(r.Context(), chi.URLParam(r, "launchID"))
	if err != nil {
		writeError(w, "unknown launch", err)
		return
	}

	var body deepLinkRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxDeepLinkBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	resp, err := s.DeepLinks.Build(r.Context(), lc, body.Resources,
		lti.WithMessage(body.Msg), lti.WithLog(body.Log),
		lti.WithErrorMessage(body.ErrorMsg), lti.WithErrorLog(body.ErrorLog))
	if err != nil {
		writeError(w, "deep link rejected", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := resp.WriteForm(w); err != nil {
		s.log().WithError(err).Error("deep link form render failed")
	}
}

// launchDetail is what GET /lti/launches/{launchID} exposes. Raw claims and
// personal data (name, email) stay server side.
type launchDetail struct {
	launchView
	Roles          []string `json:"roles,omitempty"`
	ResourceLinkID string   `json:"resource_link_id,omitempty"`
	ContextID      string   `json:"context_id,omitempty"`
	AcceptTypes    []string `json:"accept_types,omitempty"`
	HasAGS         bool     `json:"ags"`
	HasNRPS        bool     `json:"nrps"`
}

func (s *Server) handleGetLaunch(w http.ResponseWriter, r *http.Request) {
	lc, err := s.Launches.Get(r.Context(), chi.URLParam(r, "launchID"))
	if err != nil {
		writeError(w, "unknown launch", err)
		return
	}
	d := launchDetail{
		launchView: launchSummary(lc),
		Roles:      lc.User.Roles,
		HasAGS:     lc.HasAGS(),
		HasNRPS:    lc.HasNRPS(),
	}
	if lc.ResourceLink != nil {
		d.ResourceLinkID = lc.ResourceLink.ID
	}
	if lc.Context != nil {
		d.ContextID = lc.Context.ID
	}
	if lc.DeepLinkingSettings != nil {
		d.AcceptTypes = lc.DeepLinkingSettings.AcceptTypes
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.log().WithError(err).Warn("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unavailable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) log() logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func (s *Server) timeout() time.Duration {
	if s.RequestTimeout > 0 {
		return s.RequestTimeout
	}
	return 30 * time.Second
}
