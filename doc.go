// Package mediamon polls home-media services and publishes their state as
// Prometheus gauges.
//
// Supported backends are the Transmission torrent client, the Sonarr and
// Radarr content-management services, and Plex Media Servers discovered
// through plex.tv. Each backend is a probe with its own polling interval;
// a single scheduler runs the probes that are due, in registration order,
// and one failing probe never affects the others.
//
// # Quick Start
//
// Probes are usually built from a configuration file:
//
//	cfg, err := config.Load("mediamon.yaml")
//	if err != nil {
//	    return err
//	}
//	reg := prometheus.NewRegistry()
//	sink, err := metrics.NewPrometheusSink(reg)
//	if err != nil {
//	    return err
//	}
//	probes, err := config.BuildProbes(cfg, config.Deps{Sink: sink, Logger: logger})
//	if err != nil {
//	    return err
//	}
//
//	opts := []mediamon.Option{mediamon.WithGatherer(reg), mediamon.WithPort(cfg.Port)}
//	for _, p := range probes {
//	    opts = append(opts, mediamon.WithProbe(p.Runner, p.Interval))
//	}
//	mm, err := mediamon.New(opts...)
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	mm.Start(ctx) // blocks until context is cancelled
//
// # HTTP endpoints
//
//   - /metrics: Prometheus exposition
//   - /api/status: last outcome of every probe as JSON
//   - /api/sse: Server-Sent Events stream of probe outcomes
//   - /healthz: liveness
//   - /: status page
//
// # Architecture
//
//   - internal/poller: HTTP client, probe life-cycle and scheduler
//   - internal/failover: address rotation for multi-address servers
//   - internal/transmission, internal/xxxarr, internal/plex: backend probes
//   - internal/metrics: gauge table and sinks
//   - internal/store: in-memory probe status with pub/sub
//   - internal/server: HTTP server
//
// The internal packages are not part of the public API.
package mediamon
