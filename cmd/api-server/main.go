// Package main implements the testrig API server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/testrig/testrig/internal/apiserver"
	"github.com/testrig/testrig/internal/config"
	"github.com/testrig/testrig/internal/monitoring"
	"github.com/testrig/testrig/internal/system"
	"github.com/testrig/testrig/pkg/logging"
)

// Version can be set at build time
var Version = "dev"

var logger = logging.NewLogger("api-server")

// @title           Testrig API
// @version         1.0
// @description     REST API for preparing test environments ahead of test batches

// @contact.name   API Support
// @contact.url    https://github.com/testrig/testrig/issues

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8084
// @BasePath  /api/v1

// @schemes http
func main() {
	if err := run(); err != nil {
		logger.Error("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	var port int
	flag.IntVar(&port, "port", 0, "Port to listen on (overrides TESTRIG_PORT)")
	flag.Parse()

	cfg := config.LoadConfig()
	serverCfg := config.LoadServerConfig()
	if port > 0 {
		serverCfg.Port = port
	}
	if err := serverCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logConfiguration(cfg, serverCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := system.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Close()

	server, err := apiserver.NewAPIServer(serverCfg, components.Service)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	components.Service.Start()

	diskMonitor := monitoring.NewDiskMonitor(cfg)
	go diskMonitor.Start(ctx)

	return runServer(serverCfg, server, components)
}

func logConfiguration(cfg *config.Config, serverCfg *config.ServerConfig) {
	logger.Info("Starting testrig API server v%s", Version)
	logger.Info("Configuration:")
	logger.Info("  Port: %d", serverCfg.Port)
	logger.Info("  Queue backend: %s", cfg.QueueBackend)
	logger.Info("  Artifact store: %s", cfg.ArtifactStore)
	logger.Info("  Lease backend: %s", cfg.LeaseBackend)
	logger.Info("  Environments file: %s", cfg.EnvironmentsFile)
}

func runServer(serverCfg *config.ServerConfig, server *apiserver.APIServer, components *system.Components) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
		return gracefulShutdown(serverCfg, server, components)
	case err := <-errChan:
		if shutdownErr := gracefulShutdown(serverCfg, server, components); shutdownErr != nil {
			logger.Error("Shutdown error: %v", shutdownErr)
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

func gracefulShutdown(serverCfg *config.ServerConfig, server *apiserver.APIServer, components *system.Components) error {
	timeout := serverCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop accepting requests first, then drain the deployment backend so
	// in-flight stages reach a boundary
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server: %v", err)
	}

	if err := components.Service.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop deployment service: %w", err)
	}
	return nil
}
