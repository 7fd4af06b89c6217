package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jpalmerr/mediamon"
	"github.com/jpalmerr/mediamon/config"
	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/jpalmerr/mediamon/internal/poller"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// log formats accepted by --log-format
const (
	logFormatJSON    = "json"
	logFormatConsole = "console"
)

// newLogger creates the CLI logger: slog's JSON handler, or a zerolog
// console writer behind a slog handler for humans.
func newLogger(w io.Writer, format string, debug bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	switch format {
	case logFormatJSON, "":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	case logFormatConsole:
		zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}).With().Timestamp().Logger()
		opts := slogzerolog.Option{Level: level, Logger: &zl}
		return slog.New(opts.NewZerologHandler()), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want %s or %s)", format, logFormatJSON, logFormatConsole)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the configured services and serve their metrics",
	Long: `Start mediamon.

The server will:
  - Load configuration from the specified YAML file
  - Poll every configured service at its interval
  - Serve /metrics, /api/status, /api/sse and /healthz on the configured port

With --once every service is polled exactly once, the outcomes are logged
and the command exits non-zero if any service is unhealthy.

Example:
  mediamon serve -c mediamon.yaml
  mediamon serve -c mediamon.yaml --once --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().Bool("once", false, "poll every service once and exit")
	serveCmd.Flags().Bool("debug", false, "enable debug logging")
	serveCmd.Flags().String("log-format", logFormatJSON, "log format: json or console")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	once, _ := cmd.Flags().GetBool("once")
	debug, _ := cmd.Flags().GetBool("debug")
	logFormat, _ := cmd.Flags().GetString("log-format")

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cmd.ErrOrStderr(), logFormat, debug || cfg.Debug)
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"version", version,
		"services", strings.Join(cfg.Enabled(), ","),
		"port", cfg.Port,
		"interval", cfg.Interval.Duration().String(),
	)

	client := poller.NewClient()
	defer client.Close()

	mm, err := buildMediamon(cfg, client, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		return runOnce(ctx, mm, logger)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- mm.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}

// buildMediamon wires a fresh registry, the configured probes and the
// process collectors into a [mediamon.Mediamon].
func buildMediamon(cfg *config.Config, client *poller.Client, logger *slog.Logger) (*mediamon.Mediamon, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sink, err := metrics.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	probes, err := config.BuildProbes(cfg, config.Deps{
		Sink:    sink,
		Client:  client,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build probes: %w", err)
	}

	opts := []mediamon.Option{
		mediamon.WithPort(cfg.Port),
		mediamon.WithLogger(logger),
		mediamon.WithGatherer(reg),
	}
	for _, p := range probes {
		logger.Info("monitoring service", "probe", p.Runner.Name(), "interval", p.Interval.String())
		opts = append(opts, mediamon.WithProbe(p.Runner, p.Interval))
	}

	mm, err := mediamon.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mediamon: %w", err)
	}
	return mm, nil
}

// errUnhealthy is returned by --once when at least one probe is unhealthy.
var errUnhealthy = errors.New("unhealthy services")

func runOnce(ctx context.Context, mm *mediamon.Mediamon, logger *slog.Logger) error {
	var unhealthy []string
	for _, st := range mm.RunOnce(ctx) {
		attrs := []any{
			"probe", st.Name,
			"healthy", st.Healthy,
			"duration_ms", st.DurationMs,
		}
		if st.Error != nil {
			attrs = append(attrs, "error", *st.Error)
		}
		logger.Info("probe outcome", attrs...)
		if !st.Healthy {
			unhealthy = append(unhealthy, st.Name)
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("%w: %s", errUnhealthy, strings.Join(unhealthy, ", "))
	}
	return nil
}
