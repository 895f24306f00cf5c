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

	"github.com/spf13/cobra"

	"github.com/testrig/testrig/internal/apiserver"
	"github.com/testrig/testrig/internal/config"
	"github.com/testrig/testrig/internal/monitoring"
	"github.com/testrig/testrig/internal/system"
)

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the testrig API server",
	}

	cmd.AddCommand(
		newServerStartCommand(),
		newServerStatusCommand(),
	)

	return cmd
}

func newServerStartCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the API server in the foreground",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServerForeground(port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides TESTRIG_PORT)")
	return cmd
}

func newServerStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check API server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return checkServerStatus()
		},
	}
}

func runServerForeground(port int) error {
	cfg := config.LoadConfig()
	serverCfg := config.LoadServerConfig()
	if port > 0 {
		serverCfg.Port = port
	}
	if err := serverCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

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

	fmt.Printf("Testrig API server listening on %s\n", serverCfg.ListenAddr())

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
		fmt.Println("Shutting down...")
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to shutdown server: %v\n", err)
	}
	return components.Service.Stop(shutdownCtx)
}

func checkServerStatus() error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(apiURL("/api/v1/system/health"))
	if err != nil {
		return fmt.Errorf("server is not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Println("Server is healthy")
	case http.StatusServiceUnavailable:
		fmt.Println("Server is degraded")
	default:
		fmt.Printf("Server returned unexpected status %s\n", resp.Status)
	}
	return nil
}
