// Package main is the entry point for the mediamon CLI.
//
// Usage:
//
//	mediamon serve -c config.yaml         # Poll services and serve /metrics
//	mediamon serve -c config.yaml --once  # Poll every service once and exit
//	mediamon validate -c config.yaml      # Validate configuration
//	mediamon version                      # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd only displays help; functionality lives in subcommands.
var rootCmd = &cobra.Command{
	Use:   "mediamon",
	Short: "Prometheus exporter for home media services",
	Long: `mediamon polls Transmission, Sonarr, Radarr and Plex and publishes
their state as Prometheus gauges.

Quick start:
  1. Create a config file (mediamon.yaml)
  2. Run: mediamon serve -c mediamon.yaml
  3. Scrape http://localhost:8080/metrics

Example config:
  port: 8080
  interval: 30s
  services:
    transmission:
      url: http://nas:9091
    sonarr:
      url: http://nas:8989
      apikey: ${SONARR_API_KEY}`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this mediamon binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "mediamon %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
