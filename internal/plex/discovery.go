// Package plex discovers Plex Media Servers through plex.tv and probes
// each of them.
//
// [Discovery] is the scheduled unit: it logs in, lists the servers owned by
// the account and runs one [DeviceProbe] per server. After each pass it
// reconciles the probe set, rebuilding unhealthy probes from a fresh
// listing.
package plex

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/jpalmerr/mediamon/internal/poller"
	"golang.org/x/time/rate"
)

// DefaultAuthURL is the plex.tv endpoint used for login and device listing.
const DefaultAuthURL = "https://plex.tv"

// Product is sent as X-Plex-Product.
const Product = "mediamon"

// ErrNoToken is returned when a login response carries no token.
var ErrNoToken = errors.New("no authentication token")

// ErrUnauthorized is returned when plex.tv rejects the credentials or token.
var ErrUnauthorized = errors.New("plex.tv authentication failed")

// ErrLoginThrottled is returned when a login is due but the login budget is
// spent.
var ErrLoginThrottled = errors.New("plex.tv login throttled")

// login budget: a short burst, then one attempt per interval
const (
	loginBurst    = 3
	loginInterval = time.Minute
)

// Device is a server advertised by plex.tv.
type Device struct {
	Name      string
	Addresses []string
}

// State is the discovery state.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Materialized
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Materialized:
		return "materialized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ReauthPolicy decides whether reconciliation logs in again before listing.
type ReauthPolicy int

const (
	// ReauthNever keeps the token for the lifetime of the Discovery.
	ReauthNever ReauthPolicy = iota
	// ReauthWhenAllUnhealthy discards the token when every device probe
	// failed, so the listing is made with a fresh login.
	ReauthWhenAllUnhealthy
)

// ParseReauthPolicy parses "never" or "when_all_unhealthy". The empty
// string means [ReauthNever].
func ParseReauthPolicy(s string) (ReauthPolicy, error) {
	switch s {
	case "", "never":
		return ReauthNever, nil
	case "when_all_unhealthy":
		return ReauthWhenAllUnhealthy, nil
	default:
		return ReauthNever, fmt.Errorf("invalid reauthenticate policy %q: must be never or when_all_unhealthy", s)
	}
}

func (p ReauthPolicy) String() string {
	if p == ReauthWhenAllUnhealthy {
		return "when_all_unhealthy"
	}
	return "never"
}

// DiscoveryConfig configures a [Discovery].
type DiscoveryConfig struct {
	Username string
	Password string

	// AuthURL defaults to [DefaultAuthURL].
	AuthURL string

	// Timeout bounds every call. Zero means [poller.DefaultTimeout].
	Timeout time.Duration

	Reauth ReauthPolicy

	// Version is sent as X-Plex-Version.
	Version string
}

// Discovery authenticates with plex.tv, materializes one [DeviceProbe] per
// server and keeps that set reconciled.
//
// Discovery implements [poller.Runner] and [poller.HealthReporter]. It is
// driven by a single goroutine; accessors are safe to call concurrently.
type Discovery struct {
	cfg      DiscoveryConfig
	clientID string
	client   *poller.Client
	sink     metrics.Sink
	logger   *slog.Logger
	logins   *rate.Limiter

	// outlives rebuilt probes so an upgrade retires the old version series
	versions map[string]*metrics.VersionInfo

	mu      sync.Mutex
	state   State
	token   string
	probes  []*DeviceProbe
	healthy bool
}

// NewDiscovery creates a [Discovery] in the Unauthenticated state.
func NewDiscovery(cfg DiscoveryConfig, client *poller.Client, sink metrics.Sink, logger *slog.Logger) *Discovery {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	cfg.AuthURL = strings.TrimSuffix(cfg.AuthURL, "/")
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		cfg:      cfg,
		clientID: uuid.NewString(),
		client:   client,
		sink:     sink,
		logger:   logger.With("probe", "plex"),
		logins:   rate.NewLimiter(rate.Every(loginInterval), loginBurst),
		versions: make(map[string]*metrics.VersionInfo),
	}
}

// Name returns the probe name.
func (d *Discovery) Name() string { return "plex" }

// State returns the current discovery state.
func (d *Discovery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Probes returns the current device probes in discovery order.
func (d *Discovery) Probes() []*DeviceProbe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.probes)
}

// Healthy reports whether the last pass ran at least one device probe and
// all of them succeeded.
func (d *Discovery) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

// Run performs one pass: discover if there are no probes, run every device
// probe, then reconcile.
//
// Only a failed discovery is returned as an error. Device probe failures
// are logged and reflected in [Discovery.Healthy].
func (d *Discovery) Run(ctx context.Context) error {
	if len(d.Probes()) == 0 {
		if err := d.materialize(ctx); err != nil {
			d.setHealthy(false)
			return err
		}
	}

	probes := d.Probes()
	healthy := len(probes) > 0
	for _, p := range probes {
		if err := poller.Lifecycle[Measurement, Sample](p, d.logger).Run(ctx); err != nil {
			d.logger.Warn("device probe failed", "server", p.Name(), "error", err)
		}
		healthy = healthy && p.Healthy()
	}
	d.setHealthy(healthy)

	d.reconcile(ctx)
	return nil
}

func (d *Discovery) setHealthy(healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthy = healthy
}

// materialize lists the devices and replaces the probe set.
func (d *Discovery) materialize(ctx context.Context) error {
	devices, err := d.listDevices(ctx)
	if err != nil {
		return err
	}

	token := d.currentToken()
	probes := make([]*DeviceProbe, 0, len(devices))
	for _, device := range devices {
		d.logger.Info("plex server found", "server", device.Name, "addresses", strings.Join(device.Addresses, ","))
		probes = append(probes, d.newProbe(device, token))
	}
	if len(probes) == 0 {
		d.logger.Warn("no plex servers found")
	}

	d.mu.Lock()
	d.probes = probes
	d.state = Materialized
	d.mu.Unlock()
	return nil
}

// reconcile drops unhealthy probes and rebuilds those whose device is still
// listed. Healthy probes are kept as they are.
func (d *Discovery) reconcile(ctx context.Context) {
	current := d.Probes()
	var healthy, unhealthy []*DeviceProbe
	for _, p := range current {
		if p.Healthy() {
			healthy = append(healthy, p)
		} else {
			unhealthy = append(unhealthy, p)
		}
	}
	if len(unhealthy) == 0 {
		return
	}

	if d.cfg.Reauth == ReauthWhenAllUnhealthy && len(healthy) == 0 {
		d.logger.Info("all plex servers unhealthy, discarding token")
		d.resetToken()
	}

	devices, err := d.listDevices(ctx)
	if err != nil {
		d.logger.Warn("failed to list plex servers during reconciliation", "error", err)
	}

	token := d.currentToken()
	next := make([]*DeviceProbe, 0, len(current))
	next = append(next, healthy...)
	for _, p := range unhealthy {
		i := slices.IndexFunc(devices, func(device Device) bool { return device.Name == p.Name() })
		if i < 0 {
			d.logger.Info("plex server no longer listed, dropping", "server", p.Name())
			continue
		}
		d.logger.Info("reconnecting to plex server", "server", p.Name())
		next = append(next, d.newProbe(devices[i], token))
	}

	d.mu.Lock()
	d.probes = next
	d.mu.Unlock()
}

func (d *Discovery) newProbe(device Device, token string) *DeviceProbe {
	p := NewDeviceProbe(device, token, d.cfg.Timeout, d.client, d.sink, d.logger)
	info, ok := d.versions[device.Name]
	if !ok {
		info = metrics.NewVersionInfo(device.Name)
		d.versions[device.Name] = info
	}
	p.version = info
	return p
}

func (d *Discovery) currentToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *Discovery) resetToken() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = ""
	d.state = Unauthenticated
}

func (d *Discovery) baseHeaders() map[string]string {
	return map[string]string{
		"X-Plex-Product":           Product,
		"X-Plex-Version":           d.cfg.Version,
		"X-Plex-Client-Identifier": d.clientID,
	}
}

type signInResponse struct {
	XMLName             xml.Name `xml:"user"`
	AuthenticationToken string   `xml:"authenticationToken,attr"`
}

type devicesResponse struct {
	XMLName xml.Name `xml:"MediaContainer"`
	Devices []struct {
		Name        string `xml:"name,attr"`
		Provides    string `xml:"provides,attr"`
		Connections []struct {
			URI string `xml:"uri,attr"`
		} `xml:"Connection"`
	} `xml:"Device"`
}

// login exchanges the account credentials for a token.
func (d *Discovery) login(ctx context.Context) error {
	if !d.logins.Allow() {
		return fmt.Errorf("login: %w", ErrLoginThrottled)
	}

	form := url.Values{}
	form.Set("user[login]", d.cfg.Username)
	form.Set("user[password]", d.cfg.Password)

	headers := d.baseHeaders()
	headers["Content-Type"] = "application/x-www-form-urlencoded"

	resp := d.client.Fetch(ctx, poller.Request{
		Method:  http.MethodPost,
		URL:     d.cfg.AuthURL + "/users/sign_in.xml",
		Headers: headers,
		Body:    []byte(form.Encode()),
		Timeout: d.cfg.Timeout,
	})
	if resp.Error != nil {
		return fmt.Errorf("login: %w", resp.Error)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("login: %w", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("login: %w: %d %s", poller.ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var user signInResponse
	if err := xml.Unmarshal(resp.Body, &user); err != nil {
		return fmt.Errorf("login: decode: %w", err)
	}
	if user.AuthenticationToken == "" {
		return fmt.Errorf("login: %w", ErrNoToken)
	}

	d.mu.Lock()
	d.token = user.AuthenticationToken
	d.state = Authenticated
	d.mu.Unlock()
	d.logger.Info("logged in to plex.tv")
	return nil
}

// listDevices returns the servers of the account, logging in first if
// there is no token. A rejected token sends the discovery back to the
// Unauthenticated state.
func (d *Discovery) listDevices(ctx context.Context) ([]Device, error) {
	if d.currentToken() == "" {
		if err := d.login(ctx); err != nil {
			return nil, err
		}
	}

	headers := d.baseHeaders()
	headers["X-Plex-Token"] = d.currentToken()

	resp := d.client.Fetch(ctx, poller.Request{
		URL:     d.cfg.AuthURL + "/devices.xml",
		Headers: headers,
		Timeout: d.cfg.Timeout,
	})
	if resp.Error == nil && resp.StatusCode == http.StatusUnauthorized {
		d.resetToken()
		return nil, fmt.Errorf("list devices: %w", ErrUnauthorized)
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return parseDevices(resp.Body)
}

// parseDevices keeps the devices that provide "server", in listing order.
func parseDevices(body []byte) ([]Device, error) {
	var listing devicesResponse
	if err := xml.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("list devices: decode: %w", err)
	}

	var devices []Device
	for _, entry := range listing.Devices {
		if !provides(entry.Provides, "server") {
			continue
		}
		device := Device{Name: entry.Name}
		for _, conn := range entry.Connections {
			if conn.URI != "" {
				device.Addresses = append(device.Addresses, conn.URI)
			}
		}
		devices = append(devices, device)
	}
	return devices, nil
}

func provides(list, capability string) bool {
	for _, c := range strings.Split(list, ",") {
		if strings.TrimSpace(c) == capability {
			return true
		}
	}
	return false
}
