package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/store"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *OpsServer) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/subjects/{id}", s.handleGetSubject)
	mux.HandleFunc("POST /v1/subjects/{id}/reinstate", s.handleReinstate)
	return AuthMiddleware(authToken, mux)
}

type healthResponse struct {
	Status    string `json:"status"`
	Scheduler string `json:"scheduler"`
	Uptime    string `json:"uptime"`
}

// handleHealth handles GET /v1/health. It answers 503 while the scheduler
// is stopped so orchestrators can hold traffic until polling has begun.
func (s *OpsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Scheduler: "running",
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
	}
	code := http.StatusOK
	if !s.schedulerRunning() {
		resp.Status, resp.Scheduler = "degraded", "stopped"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleStats handles GET /v1/stats.
func (s *OpsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGetSubject handles GET /v1/subjects/{id}.
func (s *OpsServer) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	subj, err := s.store.GetSubject(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, subj)
}

// handleReinstate handles POST /v1/subjects/{id}/reinstate.
func (s *OpsServer) handleReinstate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Reinstate(r.Context(), id); err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	subj, err := s.store.GetSubject(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	s.logger.Info("subject reinstated", "subject_id", id)
	writeJSON(w, http.StatusOK, subj)
}

func (s *OpsServer) writeStoreError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subject not found: "+id)
		return
	}
	s.logger.Error("store request failed", "subject_id", id, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
