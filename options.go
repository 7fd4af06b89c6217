package mediamon

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type registration struct {
	runner   Runner
	interval time.Duration
}

// mmConfig holds mutable state during Mediamon construction.
type mmConfig struct {
	probes          []registration
	port            int
	logger          *slog.Logger
	gatherer        prometheus.Gatherer
	statusCallbacks []func(ProbeStatus)
}

// Option configures a [Mediamon] instance during construction.
//
// Options return an error if validation fails.
type Option func(*mmConfig) error

// WithProbe registers a probe to run every interval.
//
// Probes run in registration order within a scheduler pass. Returns an error
// if the probe is nil or the interval is not positive.
func WithProbe(r Runner, interval time.Duration) Option {
	return func(cfg *mmConfig) error {
		if r == nil {
			return errors.New("probe cannot be nil")
		}
		if interval <= 0 {
			return fmt.Errorf("probe %q: interval must be positive", r.Name())
		}
		cfg.probes = append(cfg.probes, registration{runner: r, interval: interval})
		return nil
	}
}

// WithProbes registers several probes sharing one interval.
func WithProbes(interval time.Duration, runners ...Runner) Option {
	return func(cfg *mmConfig) error {
		for _, r := range runners {
			if err := WithProbe(r, interval)(cfg); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithPort sets the HTTP port for the scrape endpoint. Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *mmConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default]
// is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *mmConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithGatherer sets the registry exposed on /metrics. The probes' metrics
// sink must be registered on the same registry. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(cfg *mmConfig) error {
		if g == nil {
			return errors.New("gatherer cannot be nil")
		}
		cfg.gatherer = g
		return nil
	}
}

// WithStatusCallback registers a function called after every probe run.
//
// Callbacks are invoked synchronously from the scheduler goroutine, in
// registration order, and must not block. Panics are recovered and logged.
// Nil callbacks are ignored.
func WithStatusCallback(cb func(ProbeStatus)) Option {
	return func(cfg *mmConfig) error {
		if cb == nil {
			return nil
		}
		cfg.statusCallbacks = append(cfg.statusCallbacks, cb)
		return nil
	}
}
