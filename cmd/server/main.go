package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tphummel/fleetwatch/internal/auth"
	"github.com/tphummel/fleetwatch/internal/db"
	"github.com/tphummel/fleetwatch/internal/fleet"
	"github.com/tphummel/fleetwatch/internal/handlers"
	"github.com/tphummel/fleetwatch/internal/install"
	"github.com/tphummel/fleetwatch/internal/liveness"
	"github.com/tphummel/fleetwatch/internal/metrics"
	"github.com/tphummel/fleetwatch/internal/middleware"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// config is the service configuration read from the environment.
type config struct {
	DBPath          string
	Port            string
	SecretKey       []byte
	TokenTTL        time.Duration
	ReportInterval  time.Duration
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
	PublicURL       string
	CORSOrigin      string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// loadConfig reads service configuration from environment variables and
// applies defaults. It returns an error when a value is malformed or the
// liveness timeout leaves no margin over the report interval.
func loadConfig() (*config, error) {
	cfg := &config{
		DBPath:     getEnv("DB_PATH", "./fleetwatch.db"),
		Port:       getEnv("PORT", "8080"),
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),
	}
	cfg.PublicURL = getEnv("PUBLIC_URL", "http://localhost:"+cfg.Port)

	var err error
	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReportInterval, err = getDuration("REPORT_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.LivenessTimeout, err = getDuration("LIVENESS_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.TokenTTL == 0 {
		return nil, fmt.Errorf("TOKEN_TTL must be positive")
	}
	if cfg.ReportInterval == 0 {
		return nil, fmt.Errorf("REPORT_INTERVAL must be positive")
	}
	if cfg.LivenessTimeout < 2*cfg.ReportInterval {
		return nil, fmt.Errorf("LIVENESS_TIMEOUT (%s) must be at least twice REPORT_INTERVAL (%s)",
			cfg.LivenessTimeout, cfg.ReportInterval)
	}

	if secret := os.Getenv("SECRET_KEY"); secret != "" {
		cfg.SecretKey = []byte(secret)
	} else {
		cfg.SecretKey = make([]byte, 32)
		if _, err := rand.Read(cfg.SecretKey); err != nil {
			return nil, fmt.Errorf("generate secret key: %w", err)
		}
		slog.Warn("SECRET_KEY not set; using a random key, admin tokens will not survive a restart")
	}
	return cfg, nil
}

// newMux registers every route. Gated routes require an admin bearer token.
func newMux(h *handlers.Handler, gate *auth.Gate, gatherer prometheus.Gatherer, apiDoc http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	route := func(pattern string, hf http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, hf))
	}
	gated := func(pattern string, hf http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, middleware.Auth(gate, hf)))
	}

	// Health check, metrics and docs (no auth)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", metrics.Handler(gatherer))
	mux.HandleFunc("GET /openapi.yaml", apiDoc)
	mux.HandleFunc("GET /docs", handlers.Docs)

	// Fleet query and agent ingest
	route("GET /api/servers", h.ListServers)
	route("GET /api/servers/{id}", h.GetServer)
	route("GET /api/stats", h.Stats)
	route("POST /api/servers/{id}/metrics", h.Ingest)

	// Admin commands (Bearer token required)
	gated("POST /api/clients", h.CreateClient)
	gated("GET /api/clients", h.ListClients)
	gated("DELETE /api/servers/{id}", h.DeleteServer)
	gated("PUT /api/servers/{id}/order", h.SetOrder)
	gated("PUT /api/servers/{id}/status", h.SetStatus)
	gated("GET /api/servers/{id}/install", h.InstallCommand)

	// Auth gate
	route("GET /api/auth/status", h.AuthStatus)
	route("POST /api/auth/initialize", h.Initialize)
	route("POST /api/auth/login", h.Login)
	gated("POST /api/auth/logout", h.Logout)
	gated("POST /api/auth/reset-password", h.ResetPassword)

	return mux
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gate, err := auth.New(ctx, database, auth.Config{Secret: cfg.SecretKey, TokenTTL: cfg.TokenTTL})
	if err != nil {
		log.Fatalf("failed to load admin credential: %v", err)
	}
	svc := fleet.New(database, cfg.LivenessTimeout)

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg, svc); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	if cfg.SweepInterval > 0 {
		sweeper := &liveness.Sweeper{
			Store:   database,
			Timeout: cfg.LivenessTimeout,
			OnTransition: func(t liveness.Transition) {
				metrics.RecordTransition(t.To)
			},
		}
		go sweeper.Run(ctx, cfg.SweepInterval)
	}

	apiDoc, err := handlers.OpenAPISpec(cfg.PublicURL)
	if err != nil {
		log.Fatalf("failed to load OpenAPI document: %v", err)
	}

	h := &handlers.Handler{
		DB:      database,
		Fleet:   svc,
		Auth:    gate,
		Install: install.Generator{BaseURL: cfg.PublicURL},
		Version: version,
		Commit:  commit,
	}
	mux := newMux(h, gate, reg, apiDoc)

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	handler := middleware.CORS(cfg.CORSOrigin, middleware.RequestLogger(slog.Default(), skip, mux))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", srv.Addr, "version", version, "public_url", cfg.PublicURL,
			"liveness_timeout", cfg.LivenessTimeout, "initialized", gate.Initialized())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	if err := database.Close(); err != nil {
		slog.Error("database close error", "error", err)
	}
	slog.Info("server stopped")
}
