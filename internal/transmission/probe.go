package transmission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/jpalmerr/mediamon/internal/poller"
)

// ServerName is the server label value of every Transmission gauge.
const ServerName = "transmission"

// Measurement is the raw result of one cycle.
type Measurement struct {
	Stats   SessionStats
	Version string
}

// Sample is the normalized form reported to the sink.
type Sample struct {
	Active   float64
	Paused   float64
	Download float64
	Upload   float64
	Version  string
}

// Probe measures a Transmission instance.
//
// A cycle issues session-stats and then session-get. If session-stats fails
// the cycle fails; a failed session-get only leaves the version empty.
type Probe struct {
	client  *Client
	sink    metrics.Sink
	version *metrics.VersionInfo
	logger  *slog.Logger

	mu      sync.Mutex
	healthy bool
}

var _ poller.Probe[Measurement, Sample] = (*Probe)(nil)

// NewProbe creates a Transmission [Probe].
func NewProbe(client *Client, sink metrics.Sink, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		client:  client,
		sink:    sink,
		version: metrics.NewVersionInfo(ServerName),
		logger:  logger,
		healthy: true,
	}
}

// Name returns the probe name.
func (p *Probe) Name() string { return ServerName }

// Healthy reports whether the last cycle succeeded.
func (p *Probe) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *Probe) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if healthy && !p.healthy {
		p.logger.Info("connection with transmission re-established")
	}
	p.healthy = healthy
}

// Measure implements [poller.Probe].
func (p *Probe) Measure(ctx context.Context) (Measurement, error) {
	stats, err := p.client.SessionStats(ctx)
	if err != nil {
		p.setHealthy(false)
		return Measurement{}, err
	}

	m := Measurement{Stats: stats}
	params, err := p.client.SessionParameters(ctx)
	if err != nil {
		p.logger.Warn("failed to get transmission version", "error", err)
		p.setHealthy(false)
		return m, nil
	}
	m.Version = params.Version
	p.setHealthy(true)
	return m, nil
}

// Process implements [poller.Probe].
func (p *Probe) Process(m Measurement) Sample {
	return Sample{
		Active:   float64(m.Stats.ActiveTorrentCount),
		Paused:   float64(m.Stats.PausedTorrentCount),
		Download: float64(m.Stats.DownloadSpeed),
		Upload:   float64(m.Stats.UploadSpeed),
		Version:  m.Version,
	}
}

// Report implements [poller.Probe].
func (p *Probe) Report(s Sample) {
	labels := []string{ServerName}
	p.set(metrics.ActiveTorrentCount, labels, s.Active)
	p.set(metrics.PausedTorrentCount, labels, s.Paused)
	p.set(metrics.DownloadSpeed, labels, s.Download)
	p.set(metrics.UploadSpeed, labels, s.Upload)
	if err := p.version.Set(p.sink, s.Version); err != nil {
		p.logger.Warn("failed to set server info", "error", err)
	}
}

func (p *Probe) set(name string, labels []string, value float64) {
	if err := p.sink.SetGauge(name, labels, value); err != nil {
		p.logger.Warn("failed to set gauge", "gauge", name, "error", err)
	}
}
