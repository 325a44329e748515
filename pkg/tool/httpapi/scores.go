// pkg/tool/httpapi/scores.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/lti-tool/pkg/tool/ags"
	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

// ScorePoster is the part of *ags.Client the score route needs.
type ScorePoster interface {
	PostScore(ctx context.Context, lineItemURL string, s ags.Score) error
}

// GradeClients builds an AGS client for a cached launch.
type GradeClients func(lc *lti.LaunchContext) (ScorePoster, error)

// scoreRequest is the JSON body of POST /lti/launches/{launchID}/score.
// Only instructor or administrator launches may post; the score goes to
// user_id, or to the launching user when user_id is empty.
type scoreRequest struct {
	UserID           string   `json:"user_id,omitempty"`
	LineItem         string   `json:"line_item,omitempty"`
	ScoreGiven       *float64 `json:"score_given"`
	ScoreMaximum     *float64 `json:"score_maximum"`
	Comment          string   `json:"comment,omitempty"`
	ActivityProgress string   `json:"activity_progress,omitempty"`
	GradingProgress  string   `json:"grading_progress,omitempty"`
}

func (s *Server) handlePostScore(w http.ResponseWriter, r *http.Request) {
	lc, err := s.Launches.Get(r.Context(), chi.URLParam(r, "launchID"))
	if err != nil {
		writeError(w, "unknown launch", err)
		return
	}
	if !lc.IsInstructor() && !lc.IsAdministrator() {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "grading requires an instructor or administrator launch"})
		return
	}

	var body scoreRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxDeepLinkBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if body.ScoreGiven == nil || body.ScoreMaximum == nil || *body.ScoreMaximum <= 0 || *body.ScoreGiven < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "score_given and a positive score_maximum are required"})
		return
	}

	userID := body.UserID
	if userID == "" {
		userID = lc.User.Subject
	}
	if userID == "" {
		writeJSON(w, http.StatusConflict, errorBody{Error: "anonymous launch needs an explicit user_id"})
		return
	}

	client, err := s.Grades(lc)
	if err != nil {
		writeAGSError(w, err)
		return
	}
	err = client.PostScore(r.Context(), body.LineItem, ags.Score{
		UserID:           userID,
		ScoreGiven:       body.ScoreGiven,
		ScoreMaximum:     body.ScoreMaximum,
		Comment:          body.Comment,
		ActivityProgress: body.ActivityProgress,
		GradingProgress:  body.GradingProgress,
	})
	if err != nil {
		s.log().WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"launch_id":  lc.LaunchID,
			"issuer":     lc.Issuer,
		}).WithError(err).Warn("ags score failed")
		writeAGSError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeAGSError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ags.ErrNoEndpoint), errors.Is(err, ags.ErrNoTokenURL):
		writeJSON(w, http.StatusConflict, errorBody{Error: "grading not available", Reason: err.Error()})
	case errors.Is(err, ags.ErrScopeNotGranted):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "grading not permitted", Reason: err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "platform grade service failed"})
	}
}
