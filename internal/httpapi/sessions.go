package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type startSessionReq struct {
	UserId string `json:"userId"`
	Plate  string `json:"plate,omitempty"`
}

type endSessionReq struct {
	UserId string `json:"userId"`
}

// POST /v1/spots/{spotId}/sessions
func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	id, err := s.Sessions.StartSession(r.Context(), chi.URLParam(r, "spotId"), req.UserId, req.Plate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": id})
}

// POST /v1/spots/{spotId}/sessions/end
func (s *Server) EndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	res, err := s.Sessions.EndSession(r.Context(), chi.URLParam(r, "spotId"), req.UserId)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) GetActiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.GetActiveSession(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no active session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.GetSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// POST /v1/sessions/{sessionId}/paid is called by the payment service once
// it has captured the amount.
func (s *Server) MarkSessionPaid(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.MarkSessionPaid(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) GetSpot(w http.ResponseWriter, r *http.Request) {
	spot, err := s.Store.GetSpot(r.Context(), chi.URLParam(r, "spotId"))
	if err != nil {
		s.Log.Error("get spot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "db error")
		return
	}
	if spot == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "spot not found")
		return
	}
	writeJSON(w, http.StatusOK, spot)
}

func (s *Server) ListSpotSessions(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListSessionsBySpot(r.Context(), chi.URLParam(r, "spotId"), queryLimit(r, 50))
	if err != nil {
		s.Log.Error("list spot sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "db error")
		return
	}
	writeJSON(w, http.StatusOK, items)
}
