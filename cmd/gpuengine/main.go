package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Yuanxyyds/steven-universe/pkg/api"
	"github.com/Yuanxyyds/steven-universe/pkg/config"
	"github.com/Yuanxyyds/steven-universe/pkg/devices"
	"github.com/Yuanxyyds/steven-universe/pkg/metrics"
	"github.com/Yuanxyyds/steven-universe/pkg/modelcache"
	"github.com/Yuanxyyds/steven-universe/pkg/pipeline"
	"github.com/Yuanxyyds/steven-universe/pkg/rundriver"
	"github.com/Yuanxyyds/steven-universe/pkg/sessions"
	"github.com/Yuanxyyds/steven-universe/pkg/streamevents"
	"github.com/Yuanxyyds/steven-universe/pkg/telelog"
	"github.com/Yuanxyyds/steven-universe/pkg/templates"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gpuengine",
	Short:   "GPU task engine - multi-tenant scheduler for a fixed GPU pool",
	Long:    `gpuengine accepts task submissions over HTTP, schedules them onto a fixed pool of GPUs, runs each in an isolated container, and streams progress back as it happens.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gpuengine version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(templateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	telelog.Init(telelog.Config{
		Level:      telelog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admission API and task pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Inspect and validate the template catalog",
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate that every template resolves to an action (and model path, if it names one)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		catalog := templates.New(cfg.TemplateDir)
		if err := catalog.Validate(); err != nil {
			return fmt.Errorf("template catalog invalid: %w", err)
		}
		fmt.Println("template catalog OK")
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templateValidateCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	deviceConfigs := make([]devices.Config, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		deviceConfigs = append(deviceConfigs, devices.Config{
			ID:              d.ID,
			CapabilityClass: d.CapabilityClass,
			TotalMemoryMB:   cfg.ContainerMemoryLimitMB,
		})
	}
	deviceRegistry := devices.New(deviceConfigs, nil, cfg.TelemetryInterval)
	deviceRegistry.Start()
	defer deviceRegistry.Stop()

	modelCache, err := modelcache.New(modelcache.Config{
		Dir:        cfg.ModelCacheDir,
		AutoFetch:  cfg.ModelAutoFetch,
		ServiceURL: cfg.FileServiceURL,
		ServiceKey: cfg.FileServiceKey,
	})
	if err != nil {
		return fmt.Errorf("opening model cache: %w", err)
	}
	defer modelCache.Close()

	driver, err := rundriver.New(rundriver.DefaultSocketPath)
	if err != nil {
		return fmt.Errorf("connecting to containerd: %w", err)
	}
	defer driver.Close()

	sessionRegistry := sessions.New(cfg.SessionQueueCapacity, deviceRegistry)
	sessionRegistry.StartSweeper(cfg.SessionSweepInterval, func(containerID string) {
		if err := driver.Stop(context.Background(), containerID, 5); err != nil {
			telelog.WithComponent("sweeper").Warn().Err(err).Str("container_id", containerID).Msg("stopping swept session container")
		}
	})
	defer sessionRegistry.StopSweeper()

	catalog := templates.New(cfg.TemplateDir)
	if err := catalog.Validate(); err != nil {
		return fmt.Errorf("template catalog invalid: %w", err)
	}

	broker := streamevents.NewBroker()

	pipe := pipeline.New(catalog, modelCache, deviceRegistry, driver, sessionRegistry, broker, pipeline.Settings{
		DefaultTimeoutSeconds: cfg.DefaultTaskTimeoutSeconds,
		MaxTimeoutSeconds:     cfg.MaxTaskTimeoutSeconds,
		IdleTimeout:           cfg.SessionIdleTimeout,
		MaxLifetime:           cfg.SessionMaxLifetime,
		ContainerLimits: rundriver.ResourceLimits{
			CPULimit:      cfg.ContainerCPULimit,
			MemoryLimitMB: cfg.ContainerMemoryLimitMB,
		},
	})

	collector := metrics.NewCollector(deviceRegistry, sessionRegistry, cfg.TelemetryInterval)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("containerd", true, "connected")
	metrics.RegisterComponent("devices", true, "ready")
	metrics.RegisterComponent("model_cache", true, "ready")
	metrics.RegisterComponent("api", false, "initializing")

	metricsAddr := getEnvOr("GPUENGINE_METRICS_ADDR", "127.0.0.1:9090")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			telelog.WithComponent("serve").Error().Err(err).Msg("metrics server exited")
		}
	}()
	telelog.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	server := api.New(api.Config{
		ListenAddr:  cfg.ListenAddr,
		APIKey:      cfg.AdmissionAPIKey,
		CORSOrigins: cfg.CORSOrigins,
	}, pipe, sessionRegistry, deviceRegistry, pipe, driver)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	time.Sleep(200 * time.Millisecond)
	metrics.RegisterComponent("api", true, "ready")
	telelog.Logger.Info().Str("addr", cfg.ListenAddr).Msg("gpuengine is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		telelog.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		telelog.Logger.Error().Err(err).Msg("admission API server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		telelog.Logger.Warn().Err(err).Msg("admission API shutdown did not complete cleanly")
	}

	telelog.Logger.Info().Msg("shutdown complete")
	return nil
}

func getEnvOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
