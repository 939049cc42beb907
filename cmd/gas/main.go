// GridAgent Server terminates long-lived GridAgent TCP connections,
// persists their measurements, and relays backend commands to them.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridwise/gridagent-server/internal/adapter/config"
	"github.com/gridwise/gridagent-server/internal/domain"
	"github.com/gridwise/gridagent-server/internal/health"
	"github.com/gridwise/gridagent-server/internal/ingress"
	"github.com/gridwise/gridagent-server/internal/metrics"
	"github.com/gridwise/gridagent-server/internal/server"
	"github.com/gridwise/gridagent-server/internal/store"
	"github.com/gridwise/gridagent-server/pkg/logging"
)

const (
	serviceName    = "gridagent-server"
	serviceVersion = "1.0.0"
)

// registryRouter resolves command targets against the live session
// registry.
type registryRouter struct {
	reg *server.Registry
}

func (r registryRouter) Route(mac domain.MAC) (ingress.Sender, bool) {
	c, ok := r.reg.Lookup(mac)
	if !ok {
		return nil, false
	}
	return c, true
}

func main() {
	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Str("version", serviceVersion).Msg("Starting GridAgent Server")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	logger.Info().Str("profile", cfg.Profile).Msg("Configuration loaded")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database first; everything downstream persists through it.
	st, err := store.Open(cfg.DB.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DB.Path).Msg("Failed to open database")
	}
	defer st.Close()

	srv := server.New(server.Config{
		ListenAddr:             cfg.Server.ListenAddr,
		PollInterval:           cfg.Poll.Interval,
		PollStartupDelay:       cfg.Poll.StartupDelay,
		PollStartDelay:         cfg.Poll.StartDelay,
		TimeSyncInterval:       cfg.TimeSync.Interval,
		TimeSyncTolerance:      cfg.TimeSync.Tolerance,
		DefaultProtocolVersion: cfg.Server.ProtocolVersion,
		OutboundQueueSize:      cfg.Server.OutboundQueueSize,
		WorkQueueSize:          cfg.Server.WorkQueueSize,
		ShutdownTimeout:        cfg.Server.ShutdownTimeout,
	}, st, metricsRegistry, logger)

	consumer := ingress.New(ingress.Config{
		URL:      cfg.AMQP.URL,
		Exchange: cfg.AMQP.Exchange,
		Queue:    cfg.AMQP.Queue,
		Prefetch: cfg.AMQP.Prefetch,
	}, registryRouter{reg: srv.Registry()}, metricsRegistry, logger)

	// Registration drives the per-agent routing-key bindings.
	srv.SetRegistrationHooks(consumer.BindAgent, consumer.UnbindAgent)

	// An unreachable broker at startup is fatal; commands would silently
	// pile up on the exchange otherwise.
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start command ingress")
	}
	defer consumer.Stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(ctx)
	}()

	healthChecker := health.NewChecker(serviceName, serviceVersion)
	healthChecker.Register("database", st)
	healthChecker.Register("broker", consumer)
	healthChecker.Register("listener", srv)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.Handler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		stats := srv.Stats()
		fmt.Fprintf(w, `{"service":%q,"version":%q,"connections":{"active":%d,"accepted":%d,"closed":%d}}`,
			serviceName, serviceVersion,
			srv.Registry().Len(),
			stats.ConnectionsAccepted.Load(), stats.ConnectionsClosed.Load())
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("Ops HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Ops HTTP server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metricsRegistry.UpdateSystemMetrics()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Fatal().Err(err).Msg("Agent listener failed")
		}
		logger.Info().Msg("Agent listener stopped")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Ops HTTP server shutdown failed")
	}
	if err := srv.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("Agent listener shutdown failed")
	}
	consumer.Stop()

	logger.Info().Msg("Shutdown complete")
}
