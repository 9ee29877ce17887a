package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/castarr/internal/cast"
	"github.com/jmylchreest/castarr/internal/config"
	"github.com/jmylchreest/castarr/internal/discovery"
	internalhttp "github.com/jmylchreest/castarr/internal/http"
	"github.com/jmylchreest/castarr/internal/http/handlers"
	"github.com/jmylchreest/castarr/internal/relay"
	"github.com/jmylchreest/castarr/internal/upnp"
	"github.com/jmylchreest/castarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the castarr server",
	Long: `Start the castarr HTTP server and API.

The server provides:
- REST API for renderer discovery, the play queue, and casting sessions
- Health check endpoint
- A local stream relay that renderers pull from`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().Int("relay-port", 8899, "Port for the stream relay")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("relay.port", serveCmd.Flags().Lookup("relay-port"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config/env only when explicitly set.
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = viper.GetString("server.host")
	}
	if flags.Changed("port") {
		cfg.Server.Port = viper.GetInt("server.port")
	}
	if flags.Changed("relay-port") {
		cfg.Relay.Port = viper.GetInt("relay.port")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := slog.Default()

	// Core components. The relay is started on demand by the cast
	// orchestrator, not here.
	relaySrv := relay.NewServer(cfg.Relay).WithLogger(logger)
	controlClient := upnp.NewClient(cfg.Control).WithLogger(logger)
	discoveryService := discovery.NewService(cfg.Discovery).WithLogger(logger)

	queue := cast.NewQueue()
	manager := cast.NewManager(cfg.Control, relaySrv, controlClient, queue).WithLogger(logger)

	// HTTP server and handlers
	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	healthHandler := handlers.NewHealthHandler(version.Version).WithRelay(relaySrv)
	healthHandler.Register(server.API())

	devicesHandler := handlers.NewDevicesHandler(discoveryService)
	devicesHandler.Register(server.API())

	queueHandler := handlers.NewQueueHandler(queue)
	queueHandler.Register(server.API())

	castHandler := handlers.NewCastHandler(manager).WithLogger(logger)
	castHandler.Register(server.API())

	relayHandler := handlers.NewRelayHandler(relaySrv)
	relayHandler.Register(server.API())

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	logger.Info("starting castarr server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}

	// Tear down any active cast before stopping the API so the renderer
	// is left in a clean state.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if manager.Casting() {
		if err := manager.StopCasting(shutdownCtx); err != nil {
			logger.Warn("stopping cast session on shutdown", slog.String("error", err.Error()))
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
