package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"marketplace/dashboard/internal/config"
	"marketplace/dashboard/internal/devbackend"
)

// devbackend serves a seeded in-memory marketplace API for local runs of
// the dashboard.
func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := devbackend.NewStore()
	if err := store.Seed(); err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}

	server := devbackend.NewServer(devbackend.Config{
		JWTSecret:       cfg.JWTSecret,
		JWTIssuer:       cfg.JWTIssuer,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		RotateRefresh:   true,
	}, store, logger)

	// Mounted under /api so API_BASE_URL defaults line up.
	root := chi.NewRouter()
	root.Mount("/api", server.Router())

	httpServer := &http.Server{
		Addr:              cfg.DevBackendAddr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("devbackend http listening", "addr", cfg.DevBackendAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}
