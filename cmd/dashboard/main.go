package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/authapi"
	"marketplace/dashboard/internal/config"
	"marketplace/dashboard/internal/session"
	"marketplace/dashboard/internal/tokenstore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Admin dashboard for the marketplace backend",
		Long: `dashboard keeps an admin session against the marketplace API and
serves the guarded admin pages on top of it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		loginCmd(),
		logoutCmd(),
		statusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// app is the session core shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *tokenstore.Store
	api    *apiclient.Client
	ctrl   *session.Controller
}

// newApp wires the session core. serve passes a registerer and asks for
// JSON logs; the one-shot commands log text and skip metrics.
func newApp(ctx context.Context, reg prometheus.Registerer, jsonLogs bool) (*app, error) {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, jsonLogs)
	slog.SetDefault(logger)

	store, err := tokenstore.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []apiclient.Option{
		apiclient.WithTimeout(cfg.APITimeout),
		apiclient.WithLogger(logger),
	}
	if reg != nil {
		opts = append(opts, apiclient.WithMetrics(apiclient.NewMetrics(reg)))
	}
	api := apiclient.New(cfg.APIBaseURL, store, opts...)
	ctrl := session.New(api, authapi.New(api, store), store, session.WithLogger(logger))

	return &app{cfg: cfg, logger: logger, store: store, api: api, ctrl: ctrl}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close token store", "error", err)
	}
}

func newLogger(level string, jsonLogs bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
