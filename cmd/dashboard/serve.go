package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"marketplace/dashboard/internal/clients"
	dashboardgrpc "marketplace/dashboard/internal/grpc"
	internalhttp "marketplace/dashboard/internal/http"
	"marketplace/dashboard/internal/jobs"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Resolve the stored session and serve the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx, prometheus.DefaultRegisterer, true)
	if err != nil {
		return err
	}
	defer a.Close()

	health := dashboardgrpc.NewHealth()
	unsubscribe := a.ctrl.Subscribe(health.Update)
	defer unsubscribe()

	c := clients.New(a.api)
	pending := jobs.NewPendingPayments(a.cfg, c.Payments, a.ctrl, prometheus.DefaultRegisterer, a.logger)

	server := internalhttp.NewServer(a.ctrl, c, pending, a.logger)
	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := dashboardgrpc.NewServer(health, a.logger)

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("dashboard http listening", "addr", a.cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		listener, err := net.Listen("tcp", a.cfg.GRPCAddr)
		if err != nil {
			errCh <- err
			return
		}
		a.logger.Info("dashboard grpc listening", "addr", a.cfg.GRPCAddr)
		if err := grpcServer.Serve(listener); err != nil {
			errCh <- err
		}
	}()

	// The guard answers 503 until this resolves.
	state := a.ctrl.CheckAuth(ctx)
	a.logger.Info("session resolved", "phase", state.Phase.String(), "reason", state.Reason)
	pending.Start(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown error", "error", err)
	}
	grpcServer.GracefulStop()
	return nil
}
