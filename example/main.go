package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/mediamon"
	"github.com/jpalmerr/mediamon/config"
	"github.com/jpalmerr/mediamon/example/mockmedia"
	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const demoConfig = `
interval: 10s
services:
  transmission:
    url: http://localhost:9999
  sonarr:
    url: http://localhost:9999/sonarr
    apikey: demo-key
  radarr:
    url: http://localhost:9999/radarr
    apikey: demo-key
    interval: 30s
  plex:
    username: demo
    password: demo
    auth_url: http://localhost:9999/plextv
`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// start the fake media stack (see mockmedia)
	go func() {
		if err := http.ListenAndServe(":9999", mockmedia.New(logger)); err != nil {
			logger.Error("mock server error", "error", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	cfg, err := config.Parse([]byte(demoConfig))
	if err != nil {
		logger.Error("invalid demo config", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheusSink(reg)
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	probes, err := config.BuildProbes(cfg, config.Deps{Sink: sink, Logger: logger})
	if err != nil {
		logger.Error("failed to build probes", "error", err)
		os.Exit(1)
	}

	opts := []mediamon.Option{
		mediamon.WithPort(8080),
		mediamon.WithGatherer(reg),
		mediamon.WithLogger(logger),
		mediamon.WithStatusCallback(func(s mediamon.ProbeStatus) {
			fmt.Printf("  %-13s healthy=%-5t %4dms\n", s.Name, s.Healthy, s.DurationMs)
		}),
	}
	for _, p := range probes {
		opts = append(opts, mediamon.WithProbe(p.Runner, p.Interval))
	}

	mm, err := mediamon.New(opts...)
	if err != nil {
		logger.Error("failed to create mediamon", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  mediamon demo")
	fmt.Println()
	fmt.Println("  Metrics: http://localhost:8080/metrics")
	fmt.Println("  Status:  http://localhost:8080/api/status")
	fmt.Println("  Mock stack on :9999 (Transmission, Sonarr, Radarr, plex.tv, Plex)")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mm.Start(ctx); err != nil {
		logger.Error("mediamon error", "error", err)
		os.Exit(1)
	}
}
