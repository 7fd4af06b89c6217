package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/jpalmerr/mediamon/internal/plex"
	"github.com/jpalmerr/mediamon/internal/poller"
	"github.com/jpalmerr/mediamon/internal/transmission"
	"github.com/jpalmerr/mediamon/internal/xxxarr"
)

// Probe is a runnable probe and the interval it should be scheduled at.
type Probe struct {
	Runner   poller.Runner
	Interval time.Duration
}

// Deps are the shared collaborators every probe is built with.
type Deps struct {
	// Sink receives gauge updates. Required.
	Sink metrics.Sink

	// Client is the shared HTTP client. Nil creates a new one.
	Client *poller.Client

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Version is advertised to plex.tv.
	Version string
}

// BuildProbes converts parsed configuration into runnable probes.
//
// Probes are returned in a fixed order: transmission, sonarr, radarr, plex.
// Services that are not configured are skipped.
func BuildProbes(cfg *Config, deps Deps) ([]Probe, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if deps.Sink == nil {
		return nil, errors.New("metrics sink cannot be nil")
	}
	if deps.Client == nil {
		deps.Client = poller.NewClient()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	var probes []Probe
	s := cfg.Services

	if t := s.Transmission; t != nil {
		client := transmission.NewClient(t.URL, deps.Client, t.Timeout.Duration(), deps.Logger)
		p := transmission.NewProbe(client, deps.Sink, deps.Logger)
		probes = append(probes, Probe{
			Runner:   poller.Lifecycle(p, deps.Logger),
			Interval: intervalOr(t.Interval, cfg.Interval),
		})
	}

	for _, svc := range []struct {
		kind xxxarr.Kind
		cfg  *XxxarrConfig
	}{
		{xxxarr.KindSonarr, s.Sonarr},
		{xxxarr.KindRadarr, s.Radarr},
	} {
		if svc.cfg == nil {
			continue
		}
		p, err := xxxarr.NewProbe(svc.kind, svc.cfg.URL, svc.cfg.APIKey, svc.cfg.Timeout.Duration(), deps.Client, deps.Sink, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", svc.kind, err)
		}
		probes = append(probes, Probe{
			Runner:   poller.Lifecycle(p, deps.Logger),
			Interval: intervalOr(svc.cfg.Interval, cfg.Interval),
		})
	}

	if p := s.Plex; p != nil {
		policy, err := plex.ParseReauthPolicy(p.Reauthenticate)
		if err != nil {
			return nil, fmt.Errorf("plex: %w", err)
		}
		d := plex.NewDiscovery(plex.DiscoveryConfig{
			Username: p.Username,
			Password: p.Password,
			AuthURL:  p.AuthURL,
			Timeout:  p.Timeout.Duration(),
			Reauth:   policy,
			Version:  deps.Version,
		}, deps.Client, deps.Sink, deps.Logger)
		probes = append(probes, Probe{
			Runner:   d,
			Interval: intervalOr(p.Interval, cfg.Interval),
		})
	}

	return probes, nil
}

func intervalOr(d, fallback Duration) time.Duration {
	if d != 0 {
		return d.Duration()
	}
	if fallback != 0 {
		return fallback.Duration()
	}
	return defaultInterval
}
