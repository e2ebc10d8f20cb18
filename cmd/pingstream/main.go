// Package main is the entry point for the pingstream CLI.
//
// Usage:
//
//	pingstream serve                      # Watch URLs with defaults
//	pingstream serve -c pingstream.yaml   # Watch URLs from a config file
//	pingstream validate -c pingstream.yaml
//	pingstream watch --server http://localhost:8080
//	pingstream version
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "pingstream",
	Short: "Watch URLs and stream their liveness",
	Long: `pingstream checks a set of URLs on a fixed interval and streams every
result to live subscribers over Server-Sent Events and WebSockets.

Quick start:
  1. Run: pingstream serve
  2. Open http://localhost:8080 and add a URL
  3. Or follow results in a terminal: pingstream watch

Example config:
  check_interval: 1s
  duplicates: reject
  targets:
    - https://example.com
  store:
    driver: postgres
    dsn: ${DATABASE_URL}`,
	// a .env file is optional and never overrides the real environment
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this pingstream binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pingstream %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
