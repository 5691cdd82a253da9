// Package server assembles the bridge HTTP surface: websocket sessions,
// probes, and the metrics endpoint, behind the shared middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/voicebridge-io/voicebridge/pkg/bridge/config"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/handlers"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/lifecycle"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/metrics"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/mw"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/session"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	manager   *session.Manager
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, met *metrics.Metrics, manager *session.Manager) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		manager:   manager,
		metrics:   met,
		lifecycle: &lifecycle.Lifecycle{},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Manager:   s.manager,
	})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	wsHandler := handlers.WSHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Manager:   s.manager,
		Lifecycle: s.lifecycle,
	}
	s.mux.Handle("/ws", wsHandler)
	s.mux.Handle("/ws/", wsHandler)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the readiness probe and makes the websocket endpoint
// refuse new sessions. Established sessions keep running.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) IsDraining() bool {
	return s.lifecycle.IsDraining()
}

// CloseSessions tears down every live session with a going-away close.
func (s *Server) CloseSessions() {
	if s.manager != nil {
		s.manager.Close()
	}
}

func (s *Server) ActiveSessions() int {
	if s.manager == nil {
		return 0
	}
	return s.manager.ActiveSessions()
}
