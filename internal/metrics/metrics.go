// Package metrics publishes normalized probe measurements as gauges.
//
// Probes push values through the [Sink] interface. [PrometheusSink] backs a
// Prometheus registry that is exposed for scraping; [Recorder] keeps values
// in memory and is used in tests.
package metrics

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrUnknownGauge is returned when a gauge name is not part of the gauge table.
var ErrUnknownGauge = errors.New("unknown gauge")

// Sink receives gauge values from probes.
//
// labelValues must match the label names of the gauge, in order. For all
// gauges the first label is the server name.
type Sink interface {
	SetGauge(name string, labelValues []string, value float64) error

	// DeleteGauge removes the series with the given label values. Deleting
	// a series that was never set is not an error.
	DeleteGauge(name string, labelValues []string) error
}

// Gauge names published by the probes.
const (
	PlexSessionCount         = "mediaserver_plex_session_count"
	PlexActiveSessionCount   = "mediaserver_plex_active_session_count"
	PlexTranscoderCount      = "mediaserver_plex_transcoder_count"
	PlexTranscoderTypeCount  = "mediaserver_plex_transcoder_type_count"
	PlexTranscoderSpeedTotal = "mediaserver_plex_transcoder_speed_total"
	PlexTranscoderEncoding   = "mediaserver_plex_transcoder_encoding_count"
	CalendarCount            = "mediaserver_calendar_count"
	QueuedCount              = "mediaserver_queued_count"
	MonitoredCount           = "mediaserver_monitored_count"
	UnmonitoredCount         = "mediaserver_unmonitored_count"
	ActiveTorrentCount       = "mediaserver_active_torrent_count"
	PausedTorrentCount       = "mediaserver_paused_torrent_count"
	DownloadSpeed            = "mediaserver_download_speed"
	UploadSpeed              = "mediaserver_upload_speed"
	ServerInfo               = "mediaserver_server_info"
)

// GaugeDef describes one gauge in the table.
type GaugeDef struct {
	Help   string
	Labels []string
}

// Gauges is the fixed gauge table. Every gauge carries a "server" label.
var Gauges = map[string]GaugeDef{
	PlexSessionCount:         {Help: "Active Plex sessions per user", Labels: []string{"server", "user"}},
	PlexActiveSessionCount:   {Help: "Active Plex sessions", Labels: []string{"server"}},
	PlexTranscoderCount:      {Help: "Active transcoder count", Labels: []string{"server"}},
	PlexTranscoderTypeCount:  {Help: "Active transcoder count by mode", Labels: []string{"server", "mode"}},
	PlexTranscoderSpeedTotal: {Help: "Speed of active transcoders", Labels: []string{"server"}},
	PlexTranscoderEncoding:   {Help: "Number of transcoders that are actively encoding", Labels: []string{"server"}},
	CalendarCount:            {Help: "Number of upcoming episodes or movies without a file", Labels: []string{"server"}},
	QueuedCount:              {Help: "Number of queued downloads", Labels: []string{"server"}},
	MonitoredCount:           {Help: "Number of monitored entries", Labels: []string{"server"}},
	UnmonitoredCount:         {Help: "Number of unmonitored entries", Labels: []string{"server"}},
	ActiveTorrentCount:       {Help: "Active torrents", Labels: []string{"server"}},
	PausedTorrentCount:       {Help: "Paused torrents", Labels: []string{"server"}},
	DownloadSpeed:            {Help: "Transmission download speed in bytes/sec", Labels: []string{"server"}},
	UploadSpeed:              {Help: "Transmission upload speed in bytes/sec", Labels: []string{"server"}},
	ServerInfo:               {Help: "Server info", Labels: []string{"server", "version"}},
}

// PrometheusSink is a [Sink] backed by Prometheus gauge vectors.
//
// All gauges of [Gauges] are created and registered by [NewPrometheusSink].
// PrometheusSink is safe for concurrent use.
type PrometheusSink struct {
	gauges map[string]*prometheus.GaugeVec
}

var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink creates the gauge vectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{gauges: make(map[string]*prometheus.GaugeVec, len(Gauges))}
	for name, def := range Gauges {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: def.Help,
		}, def.Labels)
		if err := reg.Register(g); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		s.gauges[name] = g
	}
	return s, nil
}

// SetGauge implements [Sink].
func (s *PrometheusSink) SetGauge(name string, labelValues []string, value float64) error {
	g, ok := s.gauges[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGauge, name)
	}
	m, err := g.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("%s{%s}: %w", name, strings.Join(labelValues, ","), err)
	}
	m.Set(value)
	return nil
}

// DeleteGauge implements [Sink].
func (s *PrometheusSink) DeleteGauge(name string, labelValues []string) error {
	g, ok := s.gauges[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGauge, name)
	}
	g.DeleteLabelValues(labelValues...)
	return nil
}

// Vec returns the gauge vector registered under name, or nil.
func (s *PrometheusSink) Vec(name string) *prometheus.GaugeVec {
	return s.gauges[name]
}
