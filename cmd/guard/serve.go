package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guardapi/guard/internal/database"
	"github.com/guardapi/guard/internal/monitoring"
	"github.com/guardapi/guard/internal/ratelimit"
	"github.com/guardapi/guard/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log.Info().
			Str("env", cfg.Server.Env).
			Str("name", cfg.Server.Name).
			Msg("Starting Guard API server")

		monitoring.Init()

		if serveMigrate && cfg.NeedsPostgres() {
			if err := database.RunMigrations(cfg.Database.URL); err != nil {
				return err
			}
		}

		a, err := connect(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a.buildKeys()
		if err := a.buildAdmission(ctx); err != nil {
			return err
		}

		keysCtx, stopKeys := context.WithCancel(ctx)
		keysDone := make(chan struct{})
		go func() {
			defer close(keysDone)
			a.keys.Run(keysCtx, cfg.Keys.LastSeenFlushInterval)
		}()

		if cfg.Retention.Enabled {
			a.buildSweeper()
			if err := a.sweeper.Start(ctx); err != nil {
				return fmt.Errorf("start retention sweeper: %w", err)
			}
		}

		var adminLimiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
		if cfg.RateLimit.Backend == "redis" {
			adminLimiter = a.limiter
		}
		stopPruning := ratelimit.StartPruning(ctx, time.Minute, a.limiter, adminLimiter)

		srv := server.New(cfg, server.Deps{
			Engine:       a.engine,
			Keys:         a.keys,
			Writer:       a.writer,
			Logs:         a.usage,
			Aggregator:   a.aggregate,
			AdminLimiter: adminLimiter,
			Health:       a.healthChecks(),
			Breakers:     a.breakers,
		})

		httpServer := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      srv.Router(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		var metricsServer *http.Server
		if cfg.Monitoring.PrometheusEnabled && cfg.Monitoring.PrometheusPort != 0 {
			metricsServer = newMetricsServer(cfg.Monitoring.PrometheusPort)
			go func() {
				log.Info().Int("port", cfg.Monitoring.PrometheusPort).Msg("Prometheus metrics server listening")
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("Metrics server error")
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().
				Int("port", cfg.Server.Port).
				Str("url", cfg.Server.URL).
				Msg("API server listening")
			errCh <- httpServer.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info().
				Str("signal", sig.String()).
				Msg("Shutdown signal received, gracefully shutting down...")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server exited")
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}

		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Usage.CloseTimeout)
		defer closeCancel()
		if err := a.writer.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Usage log writer did not drain")
		}

		stopKeys()
		<-keysDone
		stopPruning()

		if a.sweeper != nil {
			a.sweeper.Stop()
		}

		log.Info().Msg("Server exited gracefully")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply pending migrations before serving")
}

func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
