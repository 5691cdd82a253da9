package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicebridge-io/voicebridge/pkg/bridge/config"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/lifecycle"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/session"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Manager   *session.Manager
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Draining bool     `json:"draining"`
		Sessions int      `json:"sessions"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	if err := h.Config.Ready(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "server is draining")
	}

	sessions := 0
	if h.Manager != nil {
		sessions = h.Manager.ActiveSessions()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:       ok,
		Draining: draining,
		Sessions: sessions,
		Issues:   issues,
	})
}
