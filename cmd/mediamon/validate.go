package main

import (
	"fmt"
	"strings"

	"github.com/jpalmerr/mediamon/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a mediamon configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. The effective configuration is printed with secrets masked.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  mediamon validate -c mediamon.yaml`,
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

	effective, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	services := strings.Join(cfg.Enabled(), ", ")
	if services == "" {
		services = "none"
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Config is valid!\n")
	_, _ = fmt.Fprintf(out, "  Port:     %d\n", cfg.Port)
	_, _ = fmt.Fprintf(out, "  Interval: %s\n", cfg.Interval.Duration())
	_, _ = fmt.Fprintf(out, "  Services: %s\n\n", services)
	_, _ = fmt.Fprintf(out, "%s", effective)
	return nil
}
