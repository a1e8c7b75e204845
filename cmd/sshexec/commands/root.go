package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	hostName    string
	hostFile    string
	verbose     bool
	jsonOutput  bool
	metricsAddr string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "sshexec",
		Short: "sshexec - timeout-bounded remote execution over SSH",
		Long: `sshexec runs commands on remote hosts over SSH and always comes back within
a bounded time, with whatever output the command produced.

Features:
  - Execute with timeouts and salvaged partial output
  - Background processes stopped with an interrupt
  - Detached processes that survive the connection
  - Local and remote port forwarding
  - SFTP upload and download
  - A journal of executions in a local SQLite store`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default "+defaultConfigPath+")")
	rootCmd.PersistentFlags().StringVarP(&hostName, "host", "H", "", "inventory host name (default: the configured default host)")
	rootCmd.PersistentFlags().StringVar(&hostFile, "host-file", "", "JSON host record to connect to instead of the inventory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	// Add subcommands
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newBackgroundCommand())
	rootCmd.AddCommand(newProcessCommand())
	rootCmd.AddCommand(newForwardCommand())
	rootCmd.AddCommand(newUploadCommand())
	rootCmd.AddCommand(newDownloadCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newHostsCommand())

	return rootCmd
}
