package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skillet-dev/skillet/pkg/logger"
	"github.com/skillet-dev/skillet/pkg/presenter"
	"github.com/skillet-dev/skillet/pkg/webui"
)

// ServeConfig holds configuration for the serve command
type ServeConfig struct {
	Host          string
	Port          int
	SweepInterval time.Duration
}

// NewServeConfig creates a new ServeConfig with default values
func NewServeConfig() *ServeConfig {
	return &ServeConfig{
		Host:          "localhost",
		Port:          8080,
		SweepInterval: time.Minute,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session API server",
	Long: `Start the HTTP API server. Clients create sessions by submitting
queries, tail the session event log over SSE, and reconnect at any time
by replaying events past a cursor. Idle sessions are reclaimed by a
background sweep.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config := getServeConfigFromFlags(cmd)
		runServeCommand(ctx, config)
	},
}

func init() {
	defaults := NewServeConfig()
	serveCmd.Flags().String("host", defaults.Host, "Host to bind the server to")
	serveCmd.Flags().Int("port", defaults.Port, "Port to bind the server to")
	serveCmd.Flags().Duration("sweep-interval", defaults.SweepInterval, "How often expired sessions are swept")
}

// getServeConfigFromFlags extracts serve configuration from command flags
func getServeConfigFromFlags(cmd *cobra.Command) *ServeConfig {
	config := NewServeConfig()

	if host, err := cmd.Flags().GetString("host"); err == nil {
		config.Host = host
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil {
		config.Port = port
	}
	if interval, err := cmd.Flags().GetDuration("sweep-interval"); err == nil {
		config.SweepInterval = interval
	}
	if interval := viper.GetDuration("sweep_interval"); interval > 0 && !cmd.Flags().Changed("sweep-interval") {
		config.SweepInterval = interval
	}

	return config
}

// validateServeConfig validates the serve configuration
func validateServeConfig(config *ServeConfig) error {
	if config.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if config.Host != "localhost" && config.Host != "0.0.0.0" {
		if ip := net.ParseIP(config.Host); ip == nil {
			if strings.Contains(config.Host, " ") || strings.Contains(config.Host, ":") {
				return fmt.Errorf("invalid host: %s", config.Host)
			}
		}
	}

	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", config.Port)
	}

	if config.Port < 1024 {
		logger.G(context.Background()).WithField("port", config.Port).Warn("using privileged port (< 1024) may require elevated permissions")
	}

	if config.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", config.SweepInterval)
	}

	return nil
}

// runServeCommand starts the API server
func runServeCommand(ctx context.Context, config *ServeConfig) {
	if err := validateServeConfig(config); err != nil {
		presenter.Error(err, "invalid server configuration")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown := initTracing(ctx)
	defer shutdown(context.Background())

	store := newStore()
	store.StartSweeper(ctx, config.SweepInterval)

	orch, registry, err := buildOrchestrator(ctx, store)
	if err != nil {
		presenter.Error(err, "failed to initialize orchestrator")
		os.Exit(1)
	}

	logger.G(ctx).WithFields(map[string]interface{}{
		"host": config.Host,
		"port": config.Port,
	}).Info("Starting API server")

	server, err := webui.NewServer(&webui.ServerConfig{
		Host: config.Host,
		Port: config.Port,
	}, store, registry, orch)
	if err != nil {
		presenter.Error(err, "failed to create server")
		os.Exit(1)
	}

	presenter.Success(fmt.Sprintf("API server starting on http://%s:%d", config.Host, config.Port))
	presenter.Info("Press Ctrl+C to stop the server")

	if err := server.Start(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("server error")
		presenter.Error(err, "server failed")
		os.Exit(1)
	}

	presenter.Info("Server stopped")
}
