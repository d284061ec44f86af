// Command relayd wires the relay's components through the Module Registry
// and drives its lifecycle to Active, then waits for SIGINT/SIGTERM to drive
// an orderly shutdown. Grounded on the teacher's cmd/*/main.go structure
// (flat numbered setup steps, log lines announcing each stage) and on
// ProhibitedTV-BitRiver-Live's cmd/transcoder/main.go for the
// signal.NotifyContext shutdown shape, since the teacher's own mains never
// needed graceful shutdown — mains in this pack are either long-running
// workers killed by their process supervisor or one-shot CLI invocations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaycaster/internal/api"
	"relaycaster/internal/config"
	"relaycaster/internal/ingest"
	"relaycaster/internal/logging"
	"relaycaster/internal/metrics"
	"relaycaster/internal/preflight"
	"relaycaster/internal/registry"
	"relaycaster/internal/relay"
	"relaycaster/internal/telemetry"
)

func main() {
	configPath := flag.String("config", envOrDefault("CONFIG_PATH", "config.yaml"), "path to config.yaml")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "debug|info|warn|error")
	logFormat := flag.String("log-format", envOrDefault("LOG_FORMAT", "json"), "json|text")
	operatorSecret := flag.String("operator-secret", os.Getenv("OPERATOR_SECRET"), "shared secret gating mutating Control API routes")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: *logLevel, Format: logging.Format(*logFormat)})

	store := config.NewStore()
	cfg, err := store.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if found, _ := preflight.ProbeBinary("ffmpeg"); !found {
		logger.Warn("ffmpeg not found on PATH at startup; relay starts will fail until it is installed")
	}

	portAddrs := map[string]string{
		"ingest": fmt.Sprintf("%s:%d", cfg.StreamManager.RTMPServer.Host, cfg.StreamManager.RTMPServer.Port),
		"ui":     fmt.Sprintf("%s:%d", cfg.UI.Host, cfg.UI.Port),
	}
	preflightCtx, cancelPreflight := context.WithTimeout(context.Background(), 5*time.Second)
	if err := preflight.ProbePorts(preflightCtx, portAddrs); err != nil {
		cancelPreflight()
		logger.Error("port preflight failed", "error", err)
		os.Exit(1)
	}
	cancelPreflight()

	met := metrics.New()
	bus := telemetry.NewBus(logging.WithComponent(logger, "telemetry"))
	defer bus.Close()

	ing := ingest.New(cfg.IngestConfig(), logging.WithComponent(logger, "ingest"))
	ing.SetMetrics(met)

	sup := relay.New(ing, logging.WithComponent(logger, "relay"),
		func(snapshot []relay.Projection) { bus.Status(snapshot) },
		func(destinationID string, stats *telemetry.Stats) { bus.RecordStats(destinationID, stats) },
	)
	sup.SetMetrics(met)
	sup.Configure(cfg.Destinations())

	apiServer := api.New(api.Options{
		ConfigStore:    store,
		ConfigPath:     *configPath,
		Supervisor:     sup,
		Ingest:         ing,
		Bus:            bus,
		Metrics:        met,
		Logger:         logging.WithComponent(logger, "api"),
		OperatorSecret: *operatorSecret,
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.UI.Host, cfg.UI.Port),
	})

	reg := registry.New()
	mustRegister(reg, "ingest", ing)
	mustRegister(reg, "relay-supervisor", sup)
	mustRegister(reg, "control-api", apiServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reg.InitializeAll(ctx); err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}
	if err := reg.ActivateAll(ctx); err != nil {
		logger.Error("activation failed", "error", err)
		os.Exit(1)
	}

	logger.Info("relaycaster is up",
		"ingest", portAddrs["ingest"],
		"control_api", portAddrs["ui"],
	)

	if cfg.StreamManager.AutoReconnect {
		if err := sup.StartAll(); err != nil {
			logger.Warn("not every destination could be started at boot", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reg.DeactivateAll(shutdownCtx); err != nil {
		logger.Error("deactivation reported errors", "error", err)
	}
	if err := reg.DestroyAll(shutdownCtx); err != nil {
		logger.Error("teardown reported errors", "error", err)
	}
	logger.Info("relaycaster stopped")
}

func mustRegister(r *registry.Registry, name string, m registry.Module) {
	if err := r.Register(name, func(*registry.Registry) (registry.Module, error) { return m, nil }, nil, nil); err != nil {
		panic(err)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
