package httpapi

import (
	"context"
	"net/http"
	"time"

	"parkd/internal/config"
	"parkd/internal/gatewayclient"
	"parkd/internal/models"
	"parkd/internal/repo"
	"parkd/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// EventLister reads the engine audit trail for a spot.
type EventLister interface {
	ListBySpot(ctx context.Context, spotId string, limit int) ([]models.EngineEvent, error)
}

type Server struct {
	Cfg        config.Config
	Store      repo.Store
	Sessions   *services.SessionManager
	Reconciler *services.Reconciler
	Gateway    gatewayclient.Gateway
	Events     EventLister
	Log        *zap.Logger
}

func NewServer(cfg config.Config, store repo.Store, sessions *services.SessionManager, rec *services.Reconciler, gw gatewayclient.Gateway, events EventLister, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Cfg: cfg, Store: store, Sessions: sessions, Reconciler: rec, Gateway: gw, Events: events, Log: log.Named("http")}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.Log))

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RequireBearer(s.Cfg.APIKey, next) })

		r.Get("/spots/{spotId}", s.GetSpot)
		r.Get("/spots/{spotId}/sessions", s.ListSpotSessions)
		r.Get("/spots/{spotId}/events", s.ListSpotEvents)
		r.Post("/spots/{spotId}/sessions", s.StartSession)
		r.Post("/spots/{spotId}/sessions/end", s.EndSession)

		r.Get("/users/{userId}/session", s.GetActiveSession)
		r.Get("/sessions/{sessionId}", s.GetSession)
		r.Post("/sessions/{sessionId}/paid", s.MarkSessionPaid)

		r.Get("/locks/{serial}/status", s.LockStatus)
		r.Post("/reconcile", s.Reconcile)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

// HTTPServer wraps Routes with the listener settings used in production.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.Cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// End waits on two lock gateway calls.
		WriteTimeout: 2*s.Cfg.GatewayTimeout + 10*time.Second,
	}
}
