package mediamon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jpalmerr/mediamon/dashboard"
	"github.com/jpalmerr/mediamon/internal/poller"
	"github.com/jpalmerr/mediamon/internal/server"
	"github.com/jpalmerr/mediamon/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const defaultPort = 8080

// Mediamon runs the registered probes and serves their metrics.
//
// The typical lifecycle is:
//
//	mm, err := mediamon.New(
//	    mediamon.WithProbe(probe, 30*time.Second),
//	    mediamon.WithGatherer(registry),
//	)
//	if err != nil {
//	    slog.Error("failed to create mediamon", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	mm.Start(ctx) // blocks until context cancelled
type Mediamon struct {
	port      int
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	store     *store.MemoryStore
	scheduler *poller.Scheduler
}

// New creates a new [Mediamon] with the given options.
//
// Returns an error if any option is invalid or two probes share a name.
// Zero probes is allowed; [Mediamon.Start] then only serves the endpoint.
func New(opts ...Option) (*Mediamon, error) {
	cfg := &mmConfig{
		port:     defaultPort,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	memStore := store.NewMemoryStore()
	var st store.Store = memStore
	if len(cfg.statusCallbacks) > 0 {
		st = &callbackStore{Store: memStore, callbacks: cfg.statusCallbacks, logger: logger}
	}

	scheduler := poller.NewScheduler(st, logger)
	for _, reg := range cfg.probes {
		if err := scheduler.Register(reg.runner, reg.interval); err != nil {
			return nil, err
		}
	}

	return &Mediamon{
		port:      cfg.port,
		logger:    logger,
		gatherer:  cfg.gatherer,
		store:     memStore,
		scheduler: scheduler,
	}, nil
}

// Start runs the scheduler and the HTTP server until ctx is cancelled.
//
// Returns nil on graceful shutdown, or an error if the HTTP server fails to
// start.
func (m *Mediamon) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	m.warnIfNoProbes()
	m.logger.Info("mediamon starting", "probe_count", m.scheduler.Len(), "port", m.port)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv := server.NewServer(m.store, m.gatherer, dashboard.Assets, m.port, m.logger)
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		return m.scheduler.Run(gctx)
	})

	err := g.Wait()
	m.logger.Info("mediamon stopped")
	return err
}

// RunOnce runs every registered probe exactly once and returns their
// outcomes, sorted by name.
func (m *Mediamon) RunOnce(ctx context.Context) []ProbeStatus {
	m.warnIfNoProbes()
	m.scheduler.RunOnce(ctx)
	return m.store.GetAll()
}

func (m *Mediamon) warnIfNoProbes() {
	if m.scheduler.Len() == 0 {
		m.logger.Warn("no probes registered, no services will be monitored")
	}
}

// Statuses returns the last outcome of every probe that has run.
func (m *Mediamon) Statuses() []ProbeStatus {
	return m.store.GetAll()
}

// Port returns the configured HTTP port.
func (m *Mediamon) Port() int {
	return m.port
}

// ProbeNames returns the names of the registered probes in registration
// order.
func (m *Mediamon) ProbeNames() []string {
	entries := m.scheduler.Entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Probe.Name()
	}
	return names
}
