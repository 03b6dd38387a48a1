package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-watchdog/internal/api"
	"github.com/miradorstack/mirador-watchdog/internal/metrics"
	"github.com/miradorstack/mirador-watchdog/internal/services"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitors, alert bridge and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting mirador-watchdog", slog.String("address", cfg.Server.Address), slog.Int("services", len(cfg.Services)))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	watchdog, err := services.NewWatchdog(*cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := watchdog.Close(); err != nil {
			logger.Warn("close watchdog", slog.Any("error", err))
		}
	}()

	server, err := api.NewServer(cfg.Server, watchdog, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchdog.Run(gctx) })
	g.Go(func() error { return server.RunHealthSync(gctx, cfg.Monitor.MinInterval) })
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()
		select {
		case err := <-errCh:
			return err
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
			defer cancel()
			server.Shutdown(shutdownCtx)
			return nil
		}
	})

	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			metricsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("mirador-watchdog stopped")
	return err
}
