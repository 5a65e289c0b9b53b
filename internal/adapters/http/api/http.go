// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/sabor/internal/domain/pipeline"
	"github.com/okian/sabor/internal/domain/types"
)

// Dependencies required by HTTP handlers.
type Dependencies interface {
	AttemptDependencies
	PreviewDependencies
	LeaderboardDependencies
	RankDependencies
}

// Entry mirrors the read shape returned by board queries.
type Entry = types.Entry

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	attemptHandler     *AttemptHandler
	previewHandler     *PreviewHandler
	leaderboardHandler *LeaderboardHandler
	rankHandler        *RankHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, maxLimit int) *Server {
	return &Server{
		healthHandler:      NewHealthHandler(),
		statsHandler:       NewStatsHandler(statsProvider),
		attemptHandler:     NewAttemptHandler(deps),
		previewHandler:     NewPreviewHandler(deps),
		leaderboardHandler: NewLeaderboardHandler(deps, maxLimit),
		rankHandler:        NewRankHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	a := s.attemptHandler
	mux.HandleFunc("POST /attempts", MetricsMiddleware(a.HandleBegin, "attempts.begin"))
	mux.HandleFunc("GET /attempts/{id}", MetricsMiddleware(a.HandleView, "attempts.view"))
	mux.HandleFunc("POST /attempts/{id}/identity", MetricsMiddleware(a.HandleIdentity, "attempts.identity"))
	mux.HandleFunc("POST /attempts/{id}/challenge", MetricsMiddleware(a.HandleChallenge, "attempts.challenge"))
	mux.HandleFunc("POST /attempts/{id}/verify", MetricsMiddleware(a.HandleVerify, "attempts.verify"))
	mux.HandleFunc("POST /attempts/{id}/location", MetricsMiddleware(a.HandleLocation, "attempts.location"))
	mux.HandleFunc("POST /attempts/{id}/submit", MetricsMiddleware(a.HandleSubmit, "attempts.submit"))
	mux.HandleFunc("DELETE /attempts/{id}", MetricsMiddleware(a.HandleCancel, "attempts.cancel"))

	mux.HandleFunc("GET /dishes/{id}/preview", MetricsMiddleware(s.previewHandler.HandlePreview, "preview"))
	mux.HandleFunc("GET /leaderboard", MetricsMiddleware(s.leaderboardHandler.HandleGetLeaderboard, "leaderboard"))
	mux.HandleFunc("GET /rank/{token}", MetricsMiddleware(s.rankHandler.HandleGetRank, "rank"))
}

type errorResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Class       string `json:"class,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	AttemptID   string `json:"attempt_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure renders err, which is either a stage rejection, an unknown
// attempt or an unexpected fault.
func writeFailure(w http.ResponseWriter, op, attemptID string, err error) {
	if r, ok := pipeline.AsRejection(err); ok {
		writeJSON(w, RejectionStatus(r), errorResponse{
			Code:        string(r.Code),
			Message:     rejectionMessage(r),
			Class:       string(r.Class),
			Stage:       r.Stage.String(),
			Recoverable: r.Recoverable,
			AttemptID:   attemptID,
		})
		return
	}
	if errors.Is(err, pipeline.ErrUnknownAttempt) {
		writeError(w, http.StatusNotFound, "not_found", WrapKind(op, ErrNotFound, err))
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
}

// rejectionMessage hides transport faults from clients.
func rejectionMessage(r *pipeline.Rejection) string {
	if r.Class == pipeline.ClassUnclassified || r.Err == nil {
		return string(r.Class) + ": " + string(r.Code)
	}
	return r.Err.Error()
}

// RejectionStatus maps a rejection to its HTTP status.
func RejectionStatus(r *pipeline.Rejection) int {
	switch r.Code {
	case pipeline.CodeWrongStage, pipeline.CodeAttemptClosed:
		return http.StatusConflict
	case pipeline.CodeRateLimited:
		return http.StatusTooManyRequests
	case pipeline.CodeDispatchFailed, pipeline.CodeAnalysisFailed:
		return http.StatusBadGateway
	}
	switch r.Class {
	case pipeline.ClassValidation, pipeline.ClassIntegrity, pipeline.ClassInvalidCriteria:
		return http.StatusUnprocessableEntity
	case pipeline.ClassChallenge, pipeline.ClassLocation:
		return http.StatusForbidden
	case pipeline.ClassDuplicate:
		return http.StatusConflict
	case pipeline.ClassRateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
