// Package xxxarr probes the Sonarr and Radarr content-management services.
//
// Both expose the same v3 API shape; [Kind] selects the catalog endpoint
// and the server label.
package xxxarr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/jpalmerr/mediamon/internal/poller"
)

// catalogMaxBodySize bounds the catalog listing, which grows with the
// library and easily exceeds the client's default limit.
const catalogMaxBodySize = 512 << 20

// Kind identifies a supported catalog service.
type Kind string

const (
	KindSonarr Kind = "sonarr"
	KindRadarr Kind = "radarr"
)

// catalogPath returns the endpoint listing the full catalog.
func (k Kind) catalogPath() (string, error) {
	switch k {
	case KindSonarr:
		return "/api/v3/series", nil
	case KindRadarr:
		return "/api/v3/movie", nil
	default:
		return "", fmt.Errorf("unsupported kind %q", string(k))
	}
}

type calendarEntry struct {
	HasFile bool `json:"hasFile"`
}

type queuePage struct {
	TotalRecords int `json:"totalRecords"`
}

type catalogEntry struct {
	Monitored bool `json:"monitored"`
}

type systemStatus struct {
	Version string `json:"version"`
}

// Measurement holds the decoded responses of one cycle. A nil slice or
// pointer means the corresponding call failed.
type Measurement struct {
	Calendar []calendarEntry
	Queue    *queuePage
	Catalog  []catalogEntry
	Status   *systemStatus
}

// Sample is the normalized form reported to the sink.
type Sample struct {
	Calendar    int
	Queued      int
	Monitored   int
	Unmonitored int
	Version     string
}

// Probe measures one Sonarr or Radarr instance.
//
// The calls of a cycle are independent: a failed call yields 0 (or an empty
// version) for the metric derived from it, and the other metrics are still
// reported. The probe is healthy only if every call succeeded.
type Probe struct {
	kind    Kind
	baseURL string
	apiKey  string
	catalog string
	timeout time.Duration
	client  *poller.Client
	sink    metrics.Sink
	version *metrics.VersionInfo
	logger  *slog.Logger

	mu      sync.Mutex
	healthy bool
}

var _ poller.Probe[Measurement, Sample] = (*Probe)(nil)

// NewProbe creates a [Probe] for the service of the given kind at baseURL.
func NewProbe(kind Kind, baseURL, apiKey string, timeout time.Duration, client *poller.Client, sink metrics.Sink, logger *slog.Logger) (*Probe, error) {
	catalog, err := kind.catalogPath()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		kind:    kind,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		catalog: catalog,
		timeout: timeout,
		client:  client,
		sink:    sink,
		version: metrics.NewVersionInfo(string(kind)),
		logger:  logger.With("kind", string(kind)),
		healthy: true,
	}, nil
}

// Name returns the probe name, which is also its server label.
func (p *Probe) Name() string { return string(p.kind) }

// Healthy reports whether every call of the last cycle succeeded.
func (p *Probe) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Measure implements [poller.Probe]. It never returns an error.
func (p *Probe) Measure(ctx context.Context) (Measurement, error) {
	var m Measurement
	ok := true

	if err := p.get(ctx, "/api/v3/calendar", 0, &m.Calendar); err != nil {
		p.logger.Warn("calendar call failed", "error", err)
		m.Calendar, ok = nil, false
	}

	var queue queuePage
	if err := p.get(ctx, "/api/v3/queue", 0, &queue); err != nil {
		p.logger.Warn("queue call failed", "error", err)
		ok = false
	} else {
		m.Queue = &queue
	}

	if err := p.get(ctx, p.catalog, catalogMaxBodySize, &m.Catalog); err != nil {
		p.logger.Warn("catalog call failed", "error", err)
		m.Catalog, ok = nil, false
	}

	var status systemStatus
	if err := p.get(ctx, "/api/v3/system/status", 0, &status); err != nil {
		p.logger.Warn("system status call failed", "error", err)
		ok = false
	} else {
		m.Status = &status
	}

	p.mu.Lock()
	p.healthy = ok
	p.mu.Unlock()
	return m, nil
}

// Process implements [poller.Probe].
func (p *Probe) Process(m Measurement) Sample {
	var s Sample
	for _, entry := range m.Calendar {
		if !entry.HasFile {
			s.Calendar++
		}
	}
	if m.Queue != nil {
		s.Queued = m.Queue.TotalRecords
	}
	for _, entry := range m.Catalog {
		if entry.Monitored {
			s.Monitored++
		} else {
			s.Unmonitored++
		}
	}
	if m.Status != nil {
		s.Version = m.Status.Version
	}
	return s
}

// Report implements [poller.Probe].
func (p *Probe) Report(s Sample) {
	labels := []string{p.Name()}
	p.set(metrics.CalendarCount, labels, float64(s.Calendar))
	p.set(metrics.QueuedCount, labels, float64(s.Queued))
	p.set(metrics.MonitoredCount, labels, float64(s.Monitored))
	p.set(metrics.UnmonitoredCount, labels, float64(s.Unmonitored))
	if err := p.version.Set(p.sink, s.Version); err != nil {
		p.logger.Warn("failed to set server info", "error", err)
	}
}

func (p *Probe) set(name string, labels []string, value float64) {
	if err := p.sink.SetGauge(name, labels, value); err != nil {
		p.logger.Warn("failed to set gauge", "gauge", name, "error", err)
	}
}

// get decodes path into target. A zero maxBody uses the client default.
func (p *Probe) get(ctx context.Context, path string, maxBody int64, target any) error {
	resp := p.client.Fetch(ctx, poller.Request{
		URL: p.baseURL + path,
		Headers: map[string]string{
			"X-Api-Key": p.apiKey,
			"Accept":    "application/json",
		},
		Timeout:     p.timeout,
		MaxBodySize: maxBody,
	})
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := json.Unmarshal(resp.Body, target); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}
