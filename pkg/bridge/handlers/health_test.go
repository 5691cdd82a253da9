package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicebridge-io/voicebridge/pkg/bridge/config"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/lifecycle"
)

func readyConfig() config.Config {
	return config.Config{
		RealtimeURL:    "wss://engine.example/v1/realtime",
		RealtimeAPIKey: "key",
		CartesiaAPIKey: "key",
	}
}

func TestHealthAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestReadyOKWhenConfigured(t *testing.T) {
	h := ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Draining {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestReadyReportsDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: readyConfig(), Lifecycle: lc}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp struct {
		OK       bool     `json:"ok"`
		Draining bool     `json:"draining"`
		Issues   []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || !resp.Draining || len(resp.Issues) == 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestReadyReportsMissingConfig(t *testing.T) {
	h := ReadyHandler{Config: config.Config{}, Lifecycle: &lifecycle.Lifecycle{}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
