package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"theoros/internal/api"
	"theoros/internal/metrics"
)

func newServeCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, ro)
		},
	}
}

func serve(ctx context.Context, ro *rootOptions) error {
	cfg := ro.cfg
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.health.Check(ctx)
	a.health.StartLivenessChecker(ctx, 30*time.Second)

	separateMetrics := cfg.Server.MetricsAddr != ""
	if separateMetrics {
		ms := metrics.NewServer(cfg.Server.MetricsAddr, a.metrics, a.health)
		ms.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ms.Stop(shutdownCtx)
		}()
	}

	router := api.NewServer(api.Deps{
		Auth:        a.auth,
		Brokerage:   a.client,
		Equity:      a.equity,
		Credentials: a.store,
		Metrics:     a.metrics,
		Health:      a.health,
	}, api.Options{
		CORSOrigin:      cfg.Server.CORSOrigin,
		AdminTOTPSecret: cfg.Server.AdminTOTPSecret,
		DefaultDays:     cfg.Equity.DefaultDays,
		ServeMetrics:    !separateMetrics,
	}).NewRouter()

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("theoros serving", "addr", cfg.Server.ListenAddr, "authenticated", !a.store.IsExpired())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
