package plex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jpalmerr/mediamon/internal/failover"
	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/jpalmerr/mediamon/internal/poller"
)

// ErrExhausted is returned when every address of a device failed.
var ErrExhausted = errors.New("no working address")

// protocolHeader is set by every Plex Media Server response.
const protocolHeader = "X-Plex-Protocol"

// Session is one active playback session.
type Session struct {
	User      string
	Player    string
	Transcode bool
	Mode      string
	Throttled bool
	Speed     float64
}

// Measurement is the raw result of one cycle.
type Measurement struct {
	Sessions []Session
	Version  string
}

// Sample is the normalized form of a [Measurement].
//
// Users and Modes only hold keys observed in this measurement; backfilling
// of previously seen keys happens in [DeviceProbe.Report].
type Sample struct {
	Sessions    int
	Users       map[string]int
	Transcoders int
	Modes       map[string]int
	SpeedTotal  float64
	Encoding    int
	Version     string
}

type sessionsResponse struct {
	MediaContainer struct {
		Metadata []struct {
			User struct {
				Title string `json:"title"`
			} `json:"User"`
			Player struct {
				Product string `json:"product"`
			} `json:"Player"`
			TranscodeSession *struct {
				VideoDecision string      `json:"videoDecision"`
				Throttled     bool        `json:"throttled"`
				Speed         json.Number `json:"speed"`
			} `json:"TranscodeSession"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

type identityResponse struct {
	MediaContainer struct {
		Version string `json:"version"`
	} `json:"MediaContainer"`
}

// DeviceProbe measures one Plex Media Server, rotating over its advertised
// addresses until one answers.
type DeviceProbe struct {
	name    string
	token   string
	timeout time.Duration
	client  *poller.Client
	sink    metrics.Sink
	version *metrics.VersionInfo
	logger  *slog.Logger

	mu    sync.Mutex
	addrs *failover.Addresses

	// discovered dimensions, never pruned
	users map[string]struct{}
	modes map[string]struct{}
}

var _ poller.Probe[Measurement, Sample] = (*DeviceProbe)(nil)

// NewDeviceProbe creates a probe for device, authenticating with token.
func NewDeviceProbe(device Device, token string, timeout time.Duration, client *poller.Client, sink metrics.Sink, logger *slog.Logger) *DeviceProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceProbe{
		name:    device.Name,
		token:   token,
		timeout: timeout,
		client:  client,
		sink:    sink,
		version: metrics.NewVersionInfo(device.Name),
		logger:  logger.With("server", device.Name),
		addrs:   failover.New(device.Addresses),
		users:   make(map[string]struct{}),
		modes:   make(map[string]struct{}),
	}
}

// Name returns the device name.
func (p *DeviceProbe) Name() string { return p.name }

// Addresses returns the device's addresses in advertised order.
func (p *DeviceProbe) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addrs.Addresses()
}

// Healthy reports whether the last call reached the device.
func (p *DeviceProbe) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addrs.Healthy()
}

// Measure implements [poller.Probe].
//
// The version is only requested when the sessions call succeeded, so a
// cycle never makes more calls than the device has addresses when the
// device is unreachable.
func (p *DeviceProbe) Measure(ctx context.Context) (Measurement, error) {
	var sessions sessionsResponse
	if err := p.call(ctx, "/status/sessions", &sessions); err != nil {
		return Measurement{}, err
	}

	m := Measurement{Sessions: make([]Session, 0, len(sessions.MediaContainer.Metadata))}
	for _, entry := range sessions.MediaContainer.Metadata {
		s := Session{
			User:   entry.User.Title,
			Player: entry.Player.Product,
		}
		if ts := entry.TranscodeSession; ts != nil {
			s.Transcode = true
			s.Mode = ts.VideoDecision
			if s.Mode == "" {
				s.Mode = "unknown"
			}
			s.Throttled = ts.Throttled
			if speed, err := ts.Speed.Float64(); err == nil {
				s.Speed = speed
			}
		}
		m.Sessions = append(m.Sessions, s)
	}

	var identity identityResponse
	if err := p.call(ctx, "/identity", &identity); err != nil {
		p.logger.Warn("failed to get version", "error", err)
	} else {
		m.Version = identity.MediaContainer.Version
	}
	return m, nil
}

// Process implements [poller.Probe].
func (p *DeviceProbe) Process(m Measurement) Sample {
	s := Sample{
		Sessions: len(m.Sessions),
		Users:    make(map[string]int),
		Modes:    make(map[string]int),
		Version:  m.Version,
	}
	for _, session := range m.Sessions {
		s.Users[session.User]++
		if !session.Transcode {
			continue
		}
		s.Transcoders++
		s.Modes[session.Mode]++
		s.SpeedTotal += session.Speed
		if !session.Throttled {
			s.Encoding++
		}
	}
	return s
}

// Report implements [poller.Probe].
//
// Every user and transcode mode ever observed by this probe is reported,
// with 0 when absent from the sample.
func (p *DeviceProbe) Report(s Sample) {
	p.mu.Lock()
	for user := range s.Users {
		p.users[user] = struct{}{}
	}
	for mode := range s.Modes {
		p.modes[mode] = struct{}{}
	}
	users := sortedKeys(p.users)
	modes := sortedKeys(p.modes)
	p.mu.Unlock()

	server := []string{p.name}
	for _, user := range users {
		p.set(metrics.PlexSessionCount, []string{p.name, user}, float64(s.Users[user]))
	}
	for _, mode := range modes {
		p.set(metrics.PlexTranscoderTypeCount, []string{p.name, mode}, float64(s.Modes[mode]))
	}
	p.set(metrics.PlexActiveSessionCount, server, float64(s.Sessions))
	p.set(metrics.PlexTranscoderCount, server, float64(s.Transcoders))
	p.set(metrics.PlexTranscoderSpeedTotal, server, s.SpeedTotal)
	p.set(metrics.PlexTranscoderEncoding, server, float64(s.Encoding))
	if err := p.version.Set(p.sink, s.Version); err != nil {
		p.logger.Warn("failed to set server info", "error", err)
	}
}

func (p *DeviceProbe) set(name string, labels []string, value float64) {
	if err := p.sink.SetGauge(name, labels, value); err != nil {
		p.logger.Warn("failed to set gauge", "gauge", name, "error", err)
	}
}

// call performs one logical call, trying each address at most once.
//
// Starting at the current address, a failure marks the device unhealthy and
// moves to the next address; the loop stops on success or once it is back
// at the address it started from.
func (p *DeviceProbe) call(ctx context.Context, path string, target any) error {
	p.mu.Lock()
	start := p.addrs.Index()
	p.mu.Unlock()

	for {
		p.mu.Lock()
		addr, ok := p.addrs.Current()
		p.mu.Unlock()
		if !ok {
			return fmt.Errorf("%s: %w: no addresses", path, ErrExhausted)
		}

		err := p.fetch(ctx, addr+path, target)
		if err == nil {
			p.mu.Lock()
			if !p.addrs.Healthy() {
				p.logger.Info("connection established", "address", addr)
			}
			p.addrs.SetHealthy(true)
			p.mu.Unlock()
			return nil
		}
		p.logger.Warn("call failed, moving to next address", "address", addr, "error", err)

		p.mu.Lock()
		p.addrs.SetHealthy(false)
		p.addrs.Advance()
		done := p.addrs.Index() == start
		p.mu.Unlock()

		if done || ctx.Err() != nil {
			return fmt.Errorf("%s: %w", path, ErrExhausted)
		}
	}
}

func (p *DeviceProbe) fetch(ctx context.Context, url string, target any) error {
	resp := p.client.Fetch(ctx, poller.Request{
		URL: url,
		Headers: map[string]string{
			"X-Plex-Token": p.token,
			"Accept":       "application/json",
		},
		Timeout: p.timeout,
	})
	if err := resp.Err(); err != nil {
		return err
	}
	if resp.Header.Get(protocolHeader) == "" {
		return fmt.Errorf("%s header missing, not a plex server", protocolHeader)
	}
	if err := json.Unmarshal(resp.Body, target); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
