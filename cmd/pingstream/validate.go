package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/pingstream/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a pingstream configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It does not connect to the configured store.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  pingstream validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	timeout := "derived from interval"
	if cfg.CheckTimeout != 0 {
		timeout = cfg.CheckTimeout.Duration().String()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Listen:         %s\n", cfg.Listen)
	fmt.Fprintf(out, "  Check interval: %s\n", cfg.CheckInterval.Duration())
	fmt.Fprintf(out, "  Check timeout:  %s\n", timeout)
	fmt.Fprintf(out, "  Duplicates:     %s\n", cfg.Duplicates)
	fmt.Fprintf(out, "  Store:          %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "  Seed targets:   %d\n", len(cfg.Targets))
	return nil
}
