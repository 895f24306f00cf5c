// Package main implements the testrig command line interface
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"    //nolint:gochecknoglobals // Build-time commit info
	date    = "unknown" //nolint:gochecknoglobals // Build-time date info

	// Global server address flag for client commands
	serverAddr string //nolint:gochecknoglobals // CLI global flag
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "testrig",
		Short: "Deployment orchestration for test environments",
		Long: `Testrig prepares test environments ahead of test batches: it transfers
artifacts, installs dependencies, configures kernel instrumentation and
validates that each environment is ready to execute tests.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServerAddr(),
		"Base URL of the testrig API server")

	rootCmd.AddCommand(
		newServerCommand(),
		newSubmitCommand(),
		newStatusCommand(),
		newResultCommand(),
		newLogsCommand(),
		newListCommand(),
		newCancelCommand(),
		newRetryCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultServerAddr() string {
	if addr := os.Getenv("TESTRIG_SERVER"); addr != "" {
		return addr
	}
	return "http://localhost:8084"
}

func newSubmitCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit [plan.json]",
		Short: "Submit a deployment plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSubmit(args[0], wait)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the deployment reaches a terminal state")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [deployment-id]",
		Short: "Show the status of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runStatus(args[0])
		},
	}
}

func newResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "result [deployment-id]",
		Short: "Show the terminal result of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runResult(args[0])
		},
	}
}

func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs [deployment-id]",
		Short: "Show the buffered logs of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runLogs(args[0])
		},
	}
}

func newListCommand() *cobra.Command {
	var status string
	var pool string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runList(status, pool)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, completed, failed, ...)")
	cmd.Flags().StringVar(&pool, "pool", "", "Filter by pool (virtual, physical)")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [deployment-id]",
		Short: "Cancel a queued or running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runCancel(args[0])
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [deployment-id]",
		Short: "Resubmit a failed deployment under a new ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runRetry(args[0])
		},
	}
}
