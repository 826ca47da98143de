package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/jittakal/flightrec/internal/config"
	"github.com/jittakal/flightrec/internal/config/dto"
	"github.com/jittakal/flightrec/internal/observability"
	"github.com/jittakal/flightrec/internal/recorder"
	"github.com/jittakal/flightrec/internal/server"
)

const defaultConfigPath = "config/application.yaml"

func newRecordCmd() *cobra.Command {
	var configPath, dumpPath string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Run a recording until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), resolveConfigPath(configPath), dumpPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().StringVar(&dumpPath, "dump", "", "write the whole recording to this file before stopping")
	return cmd
}

// resolveConfigPath applies the precedence flag > CONFIG_PATH > default.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return defaultConfigPath
}

func runRecord(ctx context.Context, cfgPath, dumpPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.NewLoader().Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:     cfg.Observability.Logging.Level,
		Format:    cfg.Observability.Logging.Format,
		Output:    cfg.Observability.Logging.Output,
		AddSource: cfg.Observability.Logging.AddSource,
	})
	slog.SetDefault(logger)
	logger.Info("starting flight recorder",
		"version", cfg.Application.Version,
		"environment", cfg.Application.Environment,
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	rec, err := recorder.New(ctx, cfg, recorder.Deps{Logger: logger, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}
	// The persister outlives the signal context; Stop ends it.
	if err := rec.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	shutdownHTTP := func() {}
	if health := cfg.Observability.Health; health.Enabled {
		httpServer := server.NewServer(serverConfig(cfg.Observability), rec, rec, registry, logger)
		if err := httpServer.Start(); err != nil {
			_ = stopRecording(rec, cfg.Shutdown.GracePeriod, logger)
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		shutdownHTTP = sync.OnceFunc(func() { shutdownServer(httpServer, logger) })
		// A fatal recording error exits through atexit.
		atexit.Register(shutdownHTTP)
	}

	logger.Info("recording started", "recording_id", rec.ID())

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("received termination signal")

	shutdownHTTP()

	if dumpPath != "" {
		dumpCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod)
		n, err := rec.Dump(dumpCtx, dumpPath)
		cancel()
		if err != nil {
			logger.Error("failed to dump recording", "dest", dumpPath, "error", err)
		} else {
			logger.Info("recording dumped", "dest", dumpPath, "bytes", n)
		}
	}

	if err := stopRecording(rec, cfg.Shutdown.GracePeriod, logger); err != nil {
		return err
	}
	logger.Info("recording stopped")
	return nil
}

func serverConfig(obs dto.ObservabilityConfig) server.Config {
	cfg := server.Config{
		Port:          obs.Health.Port,
		LivenessPath:  obs.Health.LivenessPath,
		ReadinessPath: obs.Health.ReadinessPath,
	}
	if obs.Metrics.Enabled {
		cfg.MetricsPath = obs.Metrics.Path
	}
	return cfg
}

func stopRecording(rec *recorder.Recorder, grace time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := rec.Stop(ctx); err != nil {
		logger.Error("failed to stop recording", "error", err)
		return fmt.Errorf("failed to stop recording: %w", err)
	}
	return nil
}

func shutdownServer(s *server.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
}
