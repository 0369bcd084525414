package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hkust-sing/singio-broker/internal/logger"
	"github.com/hkust-sing/singio-broker/internal/server"
	"github.com/hkust-sing/singio-broker/pkg/config"
)

var pidFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the singio-broker dispatch engine",
	Long: `Start the singio-broker dispatch engine with the specified
configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/singio-broker/config.yaml.

Examples:
  # Start with default config
  singio-broker start

  # Start with custom config file
  singio-broker start --config /etc/singio-broker/config.yaml

  # Override a setting via environment variable
  SINGIO_LOGGING_LEVEL=DEBUG singio-broker start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/singio-broker/singio-broker.pid)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("singio-broker starting", "version", Version)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	if cfg.Metrics.Enabled {
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	broker, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	path := pidFile
	if path == "" {
		path = GetDefaultPidFile()
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create PID file directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = os.Remove(path) }()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- broker.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV)

	logger.Info("Broker is running on", "socket", cfg.IPC.Socket)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Broker shutdown error", "error", err)
			return err
		}
		logger.Info("Broker stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Broker error", "error", err)
			return err
		}
		logger.Info("Broker stopped")
	}

	return nil
}
