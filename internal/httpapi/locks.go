package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"parkd/internal/gatewayclient"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// GET /v1/locks/{serial}/status passes live telemetry through for
// operators. Ambiguous readings are returned as-is with carPresent null.
func (s *Server) LockStatus(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	timeout := s.Cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	st, err := s.Gateway.Status(ctx, serial)
	if err != nil && !errors.Is(err, gatewayclient.ErrAmbiguousTelemetry) {
		msg := err.Error()
		var de *gatewayclient.DeviceError
		if errors.As(err, &de) && de.Message != "" {
			msg = de.Message
		}
		writeError(w, http.StatusBadGateway, "LOCK_STATUS_ERROR", msg)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /v1/reconcile runs one cycle now and returns its report.
func (s *Server) Reconcile(w http.ResponseWriter, r *http.Request) {
	if s.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "RECONCILE_DISABLED", "reconciliation is not configured")
		return
	}
	rep, err := s.Reconciler.RunOnce(r.Context())
	if err != nil {
		s.Log.Warn("manual reconciliation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "RECONCILE_FAILED", "reconciliation cycle failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) ListSpotEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	items, err := s.Events.ListBySpot(r.Context(), chi.URLParam(r, "spotId"), queryLimit(r, 50))
	if err != nil {
		s.Log.Error("list spot events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "db error")
		return
	}
	writeJSON(w, http.StatusOK, items)
}
