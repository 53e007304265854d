package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/config"
	"github.com/marmos91/dittosdb/pkg/server"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DittoSDB server",
	Long: `Start the DittoSDB server in the foreground with the specified
configuration. Without --config the default location
$XDG_CONFIG_HOME/dittosdb/config.yaml is used if it exists, built-in
defaults otherwise.

SIGINT or SIGTERM shuts the server down gracefully: adapters stop
accepting, open databases are asked to close, and the storage service
drains within server.shutdown_timeout.

Examples:
  # Start with default config location
  dittosdb start

  # Start with custom config file
  dittosdb start --config /etc/dittosdb/config.yaml

  # Start with environment variable overrides
  DITTOSDB_LOGGING_LEVEL=DEBUG dittosdb start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return fmt.Errorf("configuration file not found: %s (create it with: dittosdb init --config %s)", configFile, configFile)
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "DittoSDB - per-origin simple database server")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(configFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		err = <-serverDone
	case err = <-serverDone:
	}

	if err := shutdownError(err); err != nil {
		logger.Error("Server error", logger.KeyError, err)
		return err
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// buildServer wires storage, quota, metrics and adapters from cfg.
func buildServer(ctx context.Context, cfg *config.Config) (*server.DittoServer, error) {
	// Metrics first so collectors register before anything records.
	metricsResult := config.InitializeMetrics(cfg)
	if cfg.Metrics.Enabled {
		logger.Info("Metrics enabled", logger.KeyPort, cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	fs, err := config.CreateStorageFs(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	logger.Info("Storage root", logger.KeyPath, cfg.Storage.BasePath, "enabled", cfg.Storage.IsEnabled())

	usage, err := config.CreateUsageStore(ctx, &cfg.Quota.UsageStore)
	if err != nil {
		return nil, err
	}
	logger.Info("Usage store created", "type", cfg.Quota.UsageStore.Type)

	mgr := config.CreateQuotaManager(cfg, fs, usage)

	srv, err := server.New(mgr, server.Options{
		StorageEnabled:  cfg.Storage.IsEnabled(),
		MaxReadSize:     cfg.Storage.MaxReadSize,
		OpenPause:       cfg.Storage.OpenPause,
		Metrics:         metricsResult.SDBMetrics,
		Admin:           metricsResult.ServerConfig,
		Usage:           usage,
		GC:              cfg.Quota.GC,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		_ = usage.Close()
		return nil, err
	}

	adapters, err := config.CreateAdapters(cfg, metricsResult.SDBMetrics)
	if err != nil {
		_ = usage.Close()
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			_ = usage.Close()
			return nil, fmt.Errorf("failed to add %s adapter: %w", a.Protocol(), err)
		}
	}

	return srv, nil
}

// shutdownError drops context.Canceled, the normal way out of Serve, and
// keeps whatever went wrong alongside it.
func shutdownError(err error) error {
	if err == nil {
		return nil
	}

	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	var rest []error
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, context.Canceled) {
			rest = append(rest, e)
		}
	}
	return errors.Join(rest...)
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.ConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// InitLogger configures the logger from the logging section.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
