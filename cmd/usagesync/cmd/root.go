// Package cmd provides the CLI commands for usagesync.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const serviceName = "usage-sync"

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "usagesync",
	Short: "Synchronize EA usage-detail records for a billing period",
	Long: `usagesync pulls every usage-detail record of an enrollment's billing
period, stores the snapshot and reports the earliest day at which the fresh
data diverges from what was stored before.

Settings come from the environment (or a .env file).

Examples:
  usagesync sync --period 201804
  usagesync sync --force --format json
  usagesync watch
  usagesync serve`,
	SilenceUsage: true,
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "usagesync version %s\n", Version)
	},
}
