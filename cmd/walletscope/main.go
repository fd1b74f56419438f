// Package main is the walletscope entry point: the serve command runs the
// API, the WebSocket gateway and all worker pools in one process; maintain
// runs offline housekeeping.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/walletscope/walletscope/pkg/version"
)

// Exit codes: 0 success, 1 runtime failure, 2 configuration failure.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// errConfig wraps configuration failures so main can pick the exit code.
var errConfig = errors.New("configuration error")

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "walletscope",
		Short: "Solana wallet trading analytics engine",
		Long: `Walletscope analyzes Solana wallet trading history.

Commands:
  serve     Run the API server, gateway and worker pools
  maintain  Run offline housekeeping against the database`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(maintainCmd())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		if errors.Is(err, errConfig) {
			os.Exit(exitConfig)
		}

		os.Exit(exitRuntime)
	}

	os.Exit(exitOK)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "walletscope %s (commit: %s, built: %s)\n",
				version.Version, version.Commit, version.Date)
		},
	}
}
