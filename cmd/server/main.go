package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tphummel/node_heartbeat/internal/db"
	"github.com/tphummel/node_heartbeat/internal/handlers"
	"github.com/tphummel/node_heartbeat/internal/metrics"
	"github.com/tphummel/node_heartbeat/internal/middleware"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

type config struct {
	Store    db.Config
	Port     string
	Token    string
	LogLevel slog.Level
}

// loadConfig reads service configuration from environment variables and
// applies defaults.
func loadConfig() (config, error) {
	cfg := config{
		Store: db.Config{
			Driver: os.Getenv("DB_DRIVER"),
			Path:   os.Getenv("DB_PATH"),
			URL:    os.Getenv("DATABASE_URL"),
		},
		Port:  os.Getenv("PORT"),
		Token: os.Getenv("API_TOKEN"),
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = db.DriverSQLite
	}
	switch cfg.Store.Driver {
	case db.DriverSQLite:
		if cfg.Store.Path == "" {
			cfg.Store.Path = "./node_heartbeat.db"
		}
	case db.DriverPostgres:
		if cfg.Store.URL == "" {
			return cfg, fmt.Errorf("DATABASE_URL environment variable is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", db.DriverSQLite, db.DriverPostgres, cfg.Store.Driver)
	}

	if cfg.Port == "" {
		cfg.Port = "6000"
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	return cfg, nil
}

func main() {
	// A missing .env file is fine; the process environment still applies.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, err := db.Open(context.Background(), cfg.Store)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Store.Driver, err)
	}

	metrics.Register(prometheus.DefaultRegisterer, store)

	h := &handlers.Handler{DB: store, Logger: logger, Version: version, Commit: commit}
	mux := h.Routes(cfg.Token, metrics.Handler(prometheus.DefaultGatherer))

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	handler := middleware.RequestLogger(logger, skip, mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr, "driver", cfg.Store.Driver, "read_auth", cfg.Token != "")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}
	logger.Info("server stopped")
}
