package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/crowdsense/crowdsense-backend/internal/alerting"
	"github.com/crowdsense/crowdsense-backend/internal/anomaly"
	"github.com/crowdsense/crowdsense-backend/internal/api/rest"
	"github.com/crowdsense/crowdsense-backend/internal/api/websocket"
	"github.com/crowdsense/crowdsense-backend/internal/collector"
	"github.com/crowdsense/crowdsense-backend/internal/config"
	"github.com/crowdsense/crowdsense-backend/internal/location"
	"github.com/crowdsense/crowdsense-backend/internal/metrics"
	"github.com/crowdsense/crowdsense-backend/internal/models"
	"github.com/crowdsense/crowdsense-backend/internal/pkg/logger"
	pkgmetrics "github.com/crowdsense/crowdsense-backend/internal/pkg/metrics"
	"github.com/crowdsense/crowdsense-backend/internal/pkg/tracing"
	"github.com/crowdsense/crowdsense-backend/internal/repository"
	"github.com/crowdsense/crowdsense-backend/internal/scheduler"
	"github.com/crowdsense/crowdsense-backend/internal/service"
	"github.com/crowdsense/crowdsense-backend/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("crowdsense backend starting",
		"port", cfg.Port, "db", cfg.DatabasePath, "keywords", cfg.Keywords)

	cleanupTracing, err := tracing.Init("crowdsense-backend", cfg.TracingEndpoint, cfg.TracingSamplingRate)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer cleanupTracing()

	repo, err := repository.NewSQLiteRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(migrations.FS); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations complete")

	reg := newMetricsRegistry()

	var notifier alerting.Notifier = alerting.NewChannelNotifier(
		notificationChannels(cfg), time.Duration(cfg.NotifierTimeoutSec)*time.Second, log)

	sched := scheduler.New(log, reg)

	wsHub := websocket.NewHub(ctx)
	go wsHub.Run()

	alerts := alerting.NewManager(alerting.Options{
		Cooldown: cfg.CooldownPeriod,
		DispatchPolicy: scheduler.RetryPolicy{
			MaxRetries:  cfg.DispatchRetry.MaxRetries,
			BackoffBase: cfg.DispatchRetry.BackoffBase,
			BackoffCap:  cfg.DispatchRetry.BackoffCap,
		},
		SendTimeout: time.Duration(cfg.NotifierTimeoutSec) * time.Second,
		Notifier:    notifier,
		Store:       repo,
		Scheduler:   sched,
		Metrics:     reg,
		Logger:      log,
		OnDispatched: func(alert models.Alert) {
			if err := wsHub.BroadcastAlert(alert); err != nil {
				log.Warn("failed to broadcast alert", "alert_id", alert.ID, "err", err)
			}
		},
	})

	detectors := anomaly.NewRegistry(anomaly.Config{
		WindowSize:         cfg.Detection.WindowSize,
		Alpha:              cfg.Detection.EWMAAlpha,
		ZThreshold:         cfg.Detection.ZThreshold,
		DeviationThreshold: cfg.Detection.EWMADeviationThreshold,
		FallbackPercentile: cfg.Detection.FallbackPercentile,
	}, reg)

	var source collector.Collector
	var simulated *collector.SimulatedCollector
	if cfg.CollectorEndpoint != "" {
		source = collector.NewHTTPCollector(cfg.CollectorEndpoint,
			cfg.CollectorRateLimitPerSec, cfg.CollectorRateLimitBurst, 10*time.Second)
		log.Info("using live collector", "endpoint", cfg.CollectorEndpoint)
	} else {
		simulated = collector.NewSimulatedCollector(5, 2, 0)
		source = simulated
		log.Info("using simulated collector")
	}

	resolver, err := location.NewGazetteerResolver(nil, 0)
	if err != nil {
		return fmt.Errorf("build location resolver: %w", err)
	}

	pipeline := service.NewPipeline(service.PipelineOptions{
		Config:    cfg,
		Source:    source,
		Detectors: detectors,
		Alerts:    alerts,
		Store:     repo,
		Scheduler: sched,
		Resolver:  resolver,
		Metrics:   reg,
		Logger:    log,
		OnEvent: func(ev models.AnomalyEvent) {
			if err := wsHub.BroadcastAnomalyEvent(ev); err != nil {
				log.Warn("failed to broadcast anomaly event", "signal", ev.Signal, "err", err)
			}
		},
	})
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	sched.Start(ctx)
	log.Info("pipeline started", "tasks", len(sched.Health()))

	router := mux.NewRouter()
	router.Use(recoveryMiddleware(log))

	wsHandler := websocket.NewHandler(ctx, wsHub, log)
	apiHandler := rest.NewHandler(rest.HandlerOptions{
		Alerts:    repo,
		Scheduler: sched,
		Injector:  pipeline,
		Simulated: simulated,
		Metrics:   reg,
		Keywords:  cfg.Keywords,
		Logger:    log,
	})
	apiHandler.SetupRoutes(router, rest.NewHealthzHandler(repo), wsHandler.ServeWS)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      corsHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Shutdown order: stop accepting requests, stop tasks, stop the hub.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server forced to shutdown", "err", err)
	}

	cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warn("scheduler shutdown incomplete", "err", err)
	}
	wsHub.Stop()

	log.Info("server exited gracefully")
	return nil
}

// newMetricsRegistry builds the pipeline registry with its well-known
// series mirrored to the Prometheus collectors.
func newMetricsRegistry() *metrics.Registry {
	reg := metrics.NewRegistry()
	reg.MirrorCounter(metrics.CounterSamplesProcessed, pkgmetrics.SamplesProcessedTotal)
	reg.MirrorCounter(metrics.CounterAnomaliesDetected, pkgmetrics.AnomaliesDetectedTotal)
	reg.MirrorCounter(metrics.CounterAlertsSent, pkgmetrics.AlertsSentTotal)
	reg.MirrorCounter(metrics.CounterAlertsSuppressed, pkgmetrics.AlertsSuppressedTotal)
	reg.MirrorCounter(metrics.CounterDispatchFailures, pkgmetrics.DispatchFailuresTotal)
	reg.MirrorCounter(metrics.CounterCollectionErrors, pkgmetrics.CollectionErrorsTotal)
	reg.MirrorCounter(metrics.CounterDetectionDegraded, pkgmetrics.DetectionDegradedTotal)
	reg.MirrorCounter(metrics.CounterPersistenceErrors, pkgmetrics.PersistenceErrorsTotal)
	reg.MirrorGauge(metrics.GaugeLastAnomalyScore, pkgmetrics.LastAnomalyScore)
	reg.MirrorGauge(metrics.GaugeTasksFailed, pkgmetrics.TasksFailedTerminal)
	return reg
}

// notificationChannels converts configured targets into channels.
func notificationChannels(cfg *config.Config) []models.NotificationChannel {
	channels := make([]models.NotificationChannel, 0, len(cfg.Channels))
	for i, target := range cfg.Channels {
		channels = append(channels, models.NotificationChannel{
			ID:            fmt.Sprintf("channel-%d", i),
			Name:          target.Name,
			Type:          models.NotificationChannelType(target.Type),
			URL:           target.URL,
			Enabled:       true,
			DisasterTypes: target.DisasterTypes,
		})
	}
	return channels
}

// recoveryMiddleware converts handler panics into 500s instead of
// killing the process.
func recoveryMiddleware(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", "path", r.URL.Path, "panic", rec)
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
