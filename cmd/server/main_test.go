package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tphummel/fleetwatch/internal/auth"
	"github.com/tphummel/fleetwatch/internal/db"
	"github.com/tphummel/fleetwatch/internal/fleet"
	"github.com/tphummel/fleetwatch/internal/handlers"
	"github.com/tphummel/fleetwatch/internal/install"
	"github.com/tphummel/fleetwatch/internal/metrics"
)

var configVars = []string{
	"DB_PATH", "PORT", "SECRET_KEY", "TOKEN_TTL", "REPORT_INTERVAL",
	"LIVENESS_TIMEOUT", "SWEEP_INTERVAL", "PUBLIC_URL", "CORS_ORIGIN",
}

// helper that clears the config env vars and restores them after the test.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	saved := make(map[string]string, len(configVars))
	for _, v := range configVars {
		saved[v] = os.Getenv(v)
		os.Unsetenv(v)
	}
	t.Cleanup(func() {
		for k, val := range saved {
			if val == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, val)
			}
		}
	})
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBPath != "./fleetwatch.db" {
		t.Errorf("DB_PATH default: got %q, want ./fleetwatch.db", cfg.DBPath)
	}
	if cfg.Port != "8080" {
		t.Errorf("PORT default: got %q, want 8080", cfg.Port)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TOKEN_TTL default: got %s", cfg.TokenTTL)
	}
	if cfg.ReportInterval != 2*time.Second || cfg.LivenessTimeout != 10*time.Second || cfg.SweepInterval != 5*time.Second {
		t.Errorf("intervals: report=%s liveness=%s sweep=%s", cfg.ReportInterval, cfg.LivenessTimeout, cfg.SweepInterval)
	}
	if cfg.PublicURL != "http://localhost:8080" {
		t.Errorf("PUBLIC_URL default: got %q", cfg.PublicURL)
	}
	if cfg.CORSOrigin != "*" {
		t.Errorf("CORS_ORIGIN default: got %q", cfg.CORSOrigin)
	}
	if len(cfg.SecretKey) != 32 {
		t.Errorf("random secret: got %d bytes, want 32", len(cfg.SecretKey))
	}
}

func TestLoadConfig_RandomSecretDiffers(t *testing.T) {
	clearConfigEnv(t)
	a, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	b, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if string(a.SecretKey) == string(b.SecretKey) {
		t.Error("two random secrets should differ")
	}
}

func TestLoadConfig_CustomValues(t *testing.T) {
	clearConfigEnv(t)
	os.Setenv("DB_PATH", "/tmp/test.db")
	os.Setenv("PORT", "9090")
	os.Setenv("SECRET_KEY", "s3cret")
	os.Setenv("TOKEN_TTL", "1h")
	os.Setenv("REPORT_INTERVAL", "5s")
	os.Setenv("LIVENESS_TIMEOUT", "15s")
	os.Setenv("SWEEP_INTERVAL", "0")
	os.Setenv("CORS_ORIGIN", "https://dash.example.com")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DB_PATH: got %q, want /tmp/test.db", cfg.DBPath)
	}
	if cfg.Port != "9090" {
		t.Errorf("PORT: got %q, want 9090", cfg.Port)
	}
	if string(cfg.SecretKey) != "s3cret" {
		t.Errorf("SECRET_KEY: got %q", cfg.SecretKey)
	}
	if cfg.TokenTTL != time.Hour || cfg.ReportInterval != 5*time.Second || cfg.LivenessTimeout != 15*time.Second {
		t.Errorf("durations: ttl=%s report=%s liveness=%s", cfg.TokenTTL, cfg.ReportInterval, cfg.LivenessTimeout)
	}
	if cfg.SweepInterval != 0 {
		t.Errorf("SWEEP_INTERVAL: got %s, want 0 (disabled)", cfg.SweepInterval)
	}
	if cfg.PublicURL != "http://localhost:9090" {
		t.Errorf("PUBLIC_URL follows PORT: got %q", cfg.PublicURL)
	}
	if cfg.CORSOrigin != "https://dash.example.com" {
		t.Errorf("CORS_ORIGIN: got %q", cfg.CORSOrigin)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"liveness below twice report interval", map[string]string{"REPORT_INTERVAL": "5s", "LIVENESS_TIMEOUT": "9s"}},
		{"malformed duration", map[string]string{"TOKEN_TTL": "forever"}},
		{"negative duration", map[string]string{"SWEEP_INTERVAL": "-1s"}},
		{"zero token ttl", map[string]string{"TOKEN_TTL": "0s"}},
		{"zero report interval", map[string]string{"REPORT_INTERVAL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			if _, err := loadConfig(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadConfig_LivenessExactlyTwice(t *testing.T) {
	clearConfigEnv(t)
	os.Setenv("REPORT_INTERVAL", "5s")
	os.Setenv("LIVENESS_TIMEOUT", "10s")
	if _, err := loadConfig(); err != nil {
		t.Errorf("2x report interval should be accepted: %v", err)
	}
}

func TestNewMux_Routes(t *testing.T) {
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	gate, err := auth.New(context.Background(), d, auth.Config{Secret: []byte("k"), BcryptCost: 4})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	svc := fleet.New(d, 10*time.Second)
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg, svc); err != nil {
		t.Fatalf("metrics.Register: %v", err)
	}
	apiDoc, err := handlers.OpenAPISpec("http://localhost:8080")
	if err != nil {
		t.Fatalf("OpenAPISpec: %v", err)
	}
	h := &handlers.Handler{DB: d, Fleet: svc, Auth: gate, Install: install.Generator{BaseURL: "http://localhost:8080"}}
	mux := newMux(h, gate, reg, apiDoc)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/openapi.yaml", http.StatusOK},
		{http.MethodGet, "/docs", http.StatusOK},
		{http.MethodGet, "/api/servers", http.StatusOK},
		{http.MethodGet, "/api/servers/missing", http.StatusNotFound},
		{http.MethodGet, "/api/stats", http.StatusOK},
		{http.MethodGet, "/api/auth/status", http.StatusOK},
		{http.MethodPost, "/api/servers/missing/metrics", http.StatusBadRequest},
		{http.MethodPost, "/api/clients", http.StatusUnauthorized},
		{http.MethodGet, "/api/clients", http.StatusUnauthorized},
		{http.MethodDelete, "/api/servers/x", http.StatusUnauthorized},
		{http.MethodPut, "/api/servers/x/order", http.StatusUnauthorized},
		{http.MethodPut, "/api/servers/x/status", http.StatusUnauthorized},
		{http.MethodGet, "/api/servers/x/install", http.StatusUnauthorized},
		{http.MethodPost, "/api/auth/logout", http.StatusUnauthorized},
		{http.MethodPost, "/api/auth/reset-password", http.StatusUnauthorized},
		{http.MethodPatch, "/api/servers", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.wantStatus {
				t.Errorf("got %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}

	// Requests through the mux are counted by route pattern.
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `fleetwatch_http_requests_total{method="GET",path="GET /api/servers/{id}",status="404"}`) {
		t.Errorf("metrics output missing route counter:\n%s", w.Body.String())
	}
}
