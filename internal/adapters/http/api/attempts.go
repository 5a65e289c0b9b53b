// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/challenge"
	"github.com/okian/sabor/internal/domain/geofence"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/pipeline"
)

const maxBodyBytes = 64 << 10

// AttemptDependencies drives one voter's attempt through the pipeline. Stage
// failures are returned as *pipeline.Rejection; unknown ids as
// pipeline.ErrUnknownAttempt.
type AttemptDependencies interface {
	Begin(ctx context.Context) (pipeline.View, error)
	View(ctx context.Context, id string) (pipeline.View, error)
	CheckIdentity(ctx context.Context, id string, in pipeline.IdentityInput) (catalog.Dish, error)
	SendChallenge(ctx context.Context, id string) (challenge.Issued, error)
	ConfirmChallenge(ctx context.Context, id, code string) (string, error)
	CheckLocation(ctx context.Context, id string, src geofence.Source) (model.GeoSample, error)
	Submit(ctx context.Context, id string, in pipeline.SubmitInput) (model.Vote, error)
	Cancel(ctx context.Context, id string) error
}

// AttemptHandler serves the /attempts routes.
type AttemptHandler struct {
	deps AttemptDependencies
}

// NewAttemptHandler creates a new attempt handler.
func NewAttemptHandler(deps AttemptDependencies) *AttemptHandler {
	return &AttemptHandler{deps: deps}
}

type identityRequest struct {
	NationalID string `json:"national_id"`
	Phone      string `json:"phone"`
	DishID     string `json:"dish_id"`
}

func (r identityRequest) input() pipeline.IdentityInput {
	return pipeline.IdentityInput{NationalID: r.NationalID, Phone: r.Phone, DishID: r.DishID}
}

type identityResponse struct {
	AttemptID string         `json:"attempt_id"`
	Stage     pipeline.Stage `json:"stage"`
	Dish      catalog.Dish   `json:"dish"`
}

type challengeResponse struct {
	AttemptID         string    `json:"attempt_id"`
	SentTo            string    `json:"sent_to"`
	ExpiresAt         time.Time `json:"expires_at"`
	ExpiresInSeconds  int       `json:"expires_in_seconds"`
	AttemptsRemaining int       `json:"attempts_remaining"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

type verifyResponse struct {
	AttemptID  string         `json:"attempt_id"`
	Stage      pipeline.Stage `json:"stage"`
	VoterToken string         `json:"voter_token"`
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	// Error carries a client-side acquisition failure instead of a reading.
	Error string `json:"error"`
}

func (r locationRequest) source() (geofence.Source, error) {
	if r.Error != "" {
		err := geofence.ReportedFailure(r.Error)
		if err == nil {
			return nil, ErrUnknownLocation
		}
		return geofence.Reported{Err: err}, nil
	}
	if r.Latitude == nil || r.Longitude == nil {
		return nil, errors.New("missing latitude or longitude")
	}
	return geofence.Reported{Coordinates: model.Coordinates{Latitude: *r.Latitude, Longitude: *r.Longitude}}, nil
}

type locationResponse struct {
	AttemptID string          `json:"attempt_id"`
	Stage     pipeline.Stage  `json:"stage"`
	Sample    model.GeoSample `json:"sample"`
}

type submitRequest struct {
	Criteria model.Criteria `json:"criteria"`
	PhotoRef string         `json:"photo_ref"`
}

// HandleBegin handles POST /attempts: it opens an attempt and runs
// IdentityCheck on the body. A rejected identity still returns the attempt
// id so the client can correct its input.
func (h *AttemptHandler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	const op = "api.begin_attempt"
	var req identityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	view, err := h.deps.Begin(r.Context())
	if err != nil {
		writeFailure(w, op, "", err)
		return
	}
	dish, err := h.deps.CheckIdentity(r.Context(), view.ID, req.input())
	if err != nil {
		writeFailure(w, op, view.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, identityResponse{AttemptID: view.ID, Stage: pipeline.StageChallengeCheck, Dish: dish})
}

// HandleView handles GET /attempts/{id}.
func (h *AttemptHandler) HandleView(w http.ResponseWriter, r *http.Request) {
	const op = "api.view_attempt"
	id := r.PathValue("id")
	view, err := h.deps.View(r.Context(), id)
	if err != nil {
		writeFailure(w, op, id, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleIdentity handles POST /attempts/{id}/identity, re-running
// IdentityCheck with corrected input.
func (h *AttemptHandler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	const op = "api.check_identity"
	id := r.PathValue("id")
	var req identityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	dish, err := h.deps.CheckIdentity(r.Context(), id, req.input())
	if err != nil {
		writeFailure(w, op, id, err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{AttemptID: id, Stage: pipeline.StageChallengeCheck, Dish: dish})
}

// HandleChallenge handles POST /attempts/{id}/challenge.
func (h *AttemptHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	const op = "api.send_challenge"
	id := r.PathValue("id")
	issued, err := h.deps.SendChallenge(r.Context(), id)
	if err != nil {
		writeFailure(w, op, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, challengeResponse{
		AttemptID:         id,
		SentTo:            maskPhone(issued.Phone),
		ExpiresAt:         issued.ExpiresAt,
		ExpiresInSeconds:  int(issued.ExpiresIn / time.Second),
		AttemptsRemaining: issued.AttemptsRemaining,
	})
}

// HandleVerify handles POST /attempts/{id}/verify.
func (h *AttemptHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	const op = "api.verify_challenge"
	id := r.PathValue("id")
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	token, err := h.deps.ConfirmChallenge(r.Context(), id, req.Code)
	if err != nil {
		writeFailure(w, op, id, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{AttemptID: id, Stage: pipeline.StageGeofenceCheck, VoterToken: token})
}

// HandleLocation handles POST /attempts/{id}/location.
func (h *AttemptHandler) HandleLocation(w http.ResponseWriter, r *http.Request) {
	const op = "api.check_location"
	id := r.PathValue("id")
	var req locationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	src, err := req.source()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	sample, err := h.deps.CheckLocation(r.Context(), id, src)
	if err != nil {
		writeFailure(w, op, id, err)
		return
	}
	writeJSON(w, http.StatusOK, locationResponse{AttemptID: id, Stage: pipeline.StageDuplicateCheck, Sample: sample})
}

// HandleSubmit handles POST /attempts/{id}/submit.
func (h *AttemptHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_vote"
	id := r.PathValue("id")
	var req submitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	vote, err := h.deps.Submit(r.Context(), id, pipeline.SubmitInput{Criteria: req.Criteria, PhotoRef: req.PhotoRef})
	if err != nil {
		writeFailure(w, op, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, vote)
}

// HandleCancel handles DELETE /attempts/{id}.
func (h *AttemptHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	const op = "api.cancel_attempt"
	id := r.PathValue("id")
	if err := h.deps.Cancel(r.Context(), id); err != nil {
		writeFailure(w, op, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// maskPhone keeps the last four digits.
func maskPhone(phone string) string {
	const keep = 4
	if len(phone) <= keep {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-keep) + phone[len(phone)-keep:]
}
