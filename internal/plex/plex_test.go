package plex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/jpalmerr/mediamon/internal/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const twoServers = `<?xml version="1.0" encoding="UTF-8"?>
<MediaContainer size="3">
  <Device name="Server A" product="Plex Media Server" provides="server">
    <Connection uri="http://10.0.0.1:32400"/>
    <Connection uri="https://a.plex.direct:32400"/>
  </Device>
  <Device name="Phone" product="Plex for Android" provides="client,player">
    <Connection uri="http://10.0.0.9:32500"/>
  </Device>
  <Device name="Server B" product="Plex Media Server" provides="server,sync-target">
    <Connection uri="http://10.0.0.2:32400"/>
  </Device>
</MediaContainer>`

const onlyServerA = `<MediaContainer size="1">
  <Device name="Server A" provides="server">
    <Connection uri="http://10.0.0.1:32400"/>
    <Connection uri="https://a.plex.direct:32400"/>
  </Device>
</MediaContainer>`

// fakePlexTV serves sign_in.xml and devices.xml.
type fakePlexTV struct {
	mu          sync.Mutex
	devices     string
	rejectLogin bool
	logins      int
	listings    int
}

func (f *fakePlexTV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("X-Plex-Client-Identifier") == "" || r.Header.Get("X-Plex-Product") != Product {
		http.Error(w, "missing client headers", http.StatusBadRequest)
		return
	}

	switch r.URL.Path {
	case "/users/sign_in.xml":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_ = r.ParseForm()
		if f.rejectLogin || r.PostForm.Get("user[login]") != "me" || r.PostForm.Get("user[password]") != "secret" {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		f.logins++
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><user email="me@example.com" authenticationToken="tok-%d"/>`, f.logins)
	case "/devices.xml":
		if !strings.HasPrefix(r.Header.Get("X-Plex-Token"), "tok-") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.listings++
		_, _ = w.Write([]byte(f.devices))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakePlexTV) setDevices(devices string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakePlexTV) counts() (logins, listings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.listings
}

func newDiscovery(t *testing.T, plexTV http.Handler, reauth ReauthPolicy, sink metrics.Sink) *Discovery {
	t.Helper()
	server := httptest.NewServer(plexTV)
	t.Cleanup(server.Close)
	return NewDiscovery(DiscoveryConfig{
		Username: "me",
		Password: "secret",
		AuthURL:  server.URL + "/",
		Reauth:   reauth,
	}, poller.NewClient(), sink, testLogger())
}

func markUnhealthy(p *DeviceProbe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs.SetHealthy(false)
}

const sessionsJSON = `{"MediaContainer":{"size":3,"Metadata":[
  {"User":{"title":"alice"},"Player":{"product":"Plex Web"},"TranscodeSession":{"videoDecision":"transcode","throttled":false,"speed":2.5}},
  {"User":{"title":"alice"},"Player":{"product":"Plex for iOS"},"TranscodeSession":{"videoDecision":"copy","throttled":true,"speed":"1.0"}},
  {"User":{"title":"bob"},"Player":{"product":"Plex for LG"}}
]}}`

// fakeMediaServer serves /status/sessions and /identity under any prefix
// listed in healthy; every other prefix fails.
type fakeMediaServer struct {
	healthy    map[string]bool
	noProtocol bool
	calls      atomic.Int32
}

func (f *fakeMediaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	prefix, path, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !f.healthy[prefix] {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.Header.Get("X-Plex-Token") == "" || r.Header.Get("Accept") != "application/json" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !f.noProtocol {
		w.Header().Set(protocolHeader, "1.0")
	}
	switch "/" + path {
	case "/status/sessions":
		_, _ = w.Write([]byte(sessionsJSON))
	case "/identity":
		_, _ = w.Write([]byte(`{"MediaContainer":{"size":0,"claimed":true,"version":"1.40.0.7998"}}`))
	default:
		http.NotFound(w, r)
	}
}

func newDeviceProbe(t *testing.T, fake *fakeMediaServer, prefixes ...string) (*DeviceProbe, *metrics.Recorder) {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	device := Device{Name: "Plex"}
	for _, prefix := range prefixes {
		device.Addresses = append(device.Addresses, server.URL+"/"+prefix)
	}
	rec := metrics.NewRecorder()
	return NewDeviceProbe(device, "tok-1", 0, poller.NewClient(), rec, testLogger()), rec
}

func TestParseReauthPolicy(t *testing.T) {
	for input, want := range map[string]ReauthPolicy{
		"":                   ReauthNever,
		"never":              ReauthNever,
		"when_all_unhealthy": ReauthWhenAllUnhealthy,
	} {
		got, err := ParseReauthPolicy(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseReauthPolicy("always")
	assert.Error(t, err)
	assert.Equal(t, "when_all_unhealthy", ReauthWhenAllUnhealthy.String())
}

func TestParseDevices(t *testing.T) {
	devices, err := parseDevices([]byte(twoServers))
	require.NoError(t, err)
	assert.Equal(t, []Device{
		{Name: "Server A", Addresses: []string{"http://10.0.0.1:32400", "https://a.plex.direct:32400"}},
		{Name: "Server B", Addresses: []string{"http://10.0.0.2:32400"}},
	}, devices)

	_, err = parseDevices([]byte("<MediaContainer"))
	assert.Error(t, err)
}

// TestDiscovery_Materialize covers discovery of two servers with two and one
// addresses: exactly two probes, addresses verbatim, in listing order.
func TestDiscovery_Materialize(t *testing.T) {
	plexTV := &fakePlexTV{devices: twoServers}
	d := newDiscovery(t, plexTV, ReauthNever, metrics.NewRecorder())
	assert.Equal(t, Unauthenticated, d.State())

	require.NoError(t, d.materialize(context.Background()))
	assert.Equal(t, Materialized, d.State())

	probes := d.Probes()
	require.Len(t, probes, 2)
	assert.Equal(t, "Server A", probes[0].Name())
	assert.Equal(t, []string{"http://10.0.0.1:32400", "https://a.plex.direct:32400"}, probes[0].Addresses())
	assert.Equal(t, "Server B", probes[1].Name())
	assert.Equal(t, []string{"http://10.0.0.2:32400"}, probes[1].Addresses())
	assert.Equal(t, "tok-1", probes[0].token)
}

func TestDiscovery_ReconcileRebuildsUnhealthy(t *testing.T) {
	plexTV := &fakePlexTV{devices: twoServers}
	d := newDiscovery(t, plexTV, ReauthNever, metrics.NewRecorder())
	require.NoError(t, d.materialize(context.Background()))

	before := d.Probes()
	markUnhealthy(before[1])

	d.reconcile(context.Background())

	after := d.Probes()
	require.Len(t, after, 2)
	assert.Same(t, before[0], after[0], "healthy probe is kept")
	assert.Equal(t, "Server B", after[1].Name())
	assert.NotSame(t, before[1], after[1], "unhealthy probe is rebuilt")
	assert.True(t, after[1].Healthy())

	logins, listings := plexTV.counts()
	assert.Equal(t, 1, logins)
	assert.Equal(t, 2, listings)
}

func TestDiscovery_RebuiltProbeRetiresOldVersion(t *testing.T) {
	plexTV := &fakePlexTV{devices: twoServers}
	rec := metrics.NewRecorder()
	d := newDiscovery(t, plexTV, ReauthNever, rec)
	require.NoError(t, d.materialize(context.Background()))

	before := d.Probes()
	before[1].Report(Sample{Version: "1.40.0"})
	markUnhealthy(before[1])

	d.reconcile(context.Background())

	after := d.Probes()
	require.Len(t, after, 2)
	require.NotSame(t, before[1], after[1])
	after[1].Report(Sample{Version: "1.41.0"})

	assert.Equal(t, []string{"Server B,1.41.0"}, rec.Keys(metrics.ServerInfo))
}

func TestDiscovery_ReconcileDropsVanished(t *testing.T) {
	plexTV := &fakePlexTV{devices: twoServers}
	d := newDiscovery(t, plexTV, ReauthNever, metrics.NewRecorder())
	require.NoError(t, d.materialize(context.Background()))

	before := d.Probes()
	markUnhealthy(before[1])
	plexTV.setDevices(onlyServerA)

	d.reconcile(context.Background())

	after := d.Probes()
	require.Len(t, after, 1)
	assert.Equal(t, "Server A", after[0].Name())
}

func TestDiscovery_ReconcileAllHealthyIsNoop(t *testing.T) {
	plexTV := &fakePlexTV{devices: twoServers}
	d := newDiscovery(t, plexTV, ReauthNever, metrics.NewRecorder())
	require.NoError(t, d.materialize(context.Background()))

	d.reconcile(context.Background())

	_, listings := plexTV.counts()
	assert.Equal(t, 1, listings, "no re-listing when all probes are healthy")
}

func TestDiscovery_ReauthPolicy(t *testing.T) {
	tests := []struct {
		policy     ReauthPolicy
		wantLogins int
	}{
		{ReauthNever, 1},
		{ReauthWhenAllUnhealthy, 2},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			plexTV := &fakePlexTV{devices: twoServers}
			d := newDiscovery(t, plexTV, tt.policy, metrics.NewRecorder())
			require.NoError(t, d.materialize(context.Background()))

			for _, p := range d.Probes() {
				markUnhealthy(p)
			}
			d.reconcile(context.Background())

			logins, _ := plexTV.counts()
			assert.Equal(t, tt.wantLogins, logins)
			assert.Len(t, d.Probes(), 2)
		})
	}
}

func TestDiscovery_LoginFailureRetriedNextRun(t *testing.T) {
	plexTV := &fakePlexTV{devices: twoServers, rejectLogin: true}
	d := newDiscovery(t, plexTV, ReauthNever, metrics.NewRecorder())

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, Unauthenticated, d.State())
	assert.False(t, d.Healthy())

	plexTV.mu.Lock()
	plexTV.rejectLogin = false
	plexTV.mu.Unlock()

	require.NoError(t, d.materialize(context.Background()))
	assert.Equal(t, Materialized, d.State())
}

func TestDiscovery_LoginThrottled(t *testing.T) {
	plexTV := &fakePlexTV{devices: twoServers, rejectLogin: true}
	d := newDiscovery(t, plexTV, ReauthNever, metrics.NewRecorder())

	for i := 0; i < loginBurst; i++ {
		err := d.Run(context.Background())
		require.ErrorIs(t, err, ErrUnauthorized, "attempt %d", i+1)
	}

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrLoginThrottled)
	assert.Equal(t, Unauthenticated, d.State())
}

func TestDiscovery_Run(t *testing.T) {
	media := &fakeMediaServer{healthy: map[string]bool{"a": true}}
	mediaServer := httptest.NewServer(media)
	t.Cleanup(mediaServer.Close)

	plexTV := &fakePlexTV{devices: fmt.Sprintf(`<MediaContainer>
  <Device name="Server A" provides="server"><Connection uri="%s/down"/><Connection uri="%s/a"/></Device>
</MediaContainer>`, mediaServer.URL, mediaServer.URL)}

	rec := metrics.NewRecorder()
	d := newDiscovery(t, plexTV, ReauthNever, rec)

	require.NoError(t, d.Run(context.Background()))
	assert.True(t, d.Healthy())
	require.Len(t, d.Probes(), 1)

	got, ok := rec.Get(metrics.PlexActiveSessionCount, "Server A")
	assert.True(t, ok)
	assert.Equal(t, 3.0, got)
	_, ok = rec.Get(metrics.ServerInfo, "Server A", "1.40.0.7998")
	assert.True(t, ok)

	// a second run reuses the probe without listing again
	require.NoError(t, d.Run(context.Background()))
	_, listings := plexTV.counts()
	assert.Equal(t, 1, listings)
}

func TestDiscovery_RunWithoutServers(t *testing.T) {
	plexTV := &fakePlexTV{devices: `<MediaContainer size="0"></MediaContainer>`}
	d := newDiscovery(t, plexTV, ReauthNever, metrics.NewRecorder())

	require.NoError(t, d.Run(context.Background()))
	assert.False(t, d.Healthy())
	assert.Empty(t, d.Probes())

	// an empty probe set triggers discovery again
	require.NoError(t, d.Run(context.Background()))
	_, listings := plexTV.counts()
	assert.Equal(t, 2, listings)
}

// TestDeviceProbe_FullFailoverLoop verifies that when every address fails a
// measurement makes at most one call per address and leaves the probe
// unhealthy.
func TestDeviceProbe_FullFailoverLoop(t *testing.T) {
	fake := &fakeMediaServer{}
	p, rec := newDeviceProbe(t, fake, "a", "b", "c")

	err := poller.Lifecycle[Measurement, Sample](p, testLogger()).Run(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(3), fake.calls.Load())
	assert.False(t, p.Healthy())
	assert.Zero(t, rec.Writes())
}

func TestDeviceProbe_FailoverToSecondAddress(t *testing.T) {
	fake := &fakeMediaServer{healthy: map[string]bool{"b": true}}
	p, _ := newDeviceProbe(t, fake, "a", "b")

	m, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Healthy())
	assert.Len(t, m.Sessions, 3)
	assert.Equal(t, "1.40.0.7998", m.Version)
	assert.Equal(t, int32(3), fake.calls.Load(), "a/sessions, b/sessions, b/identity")

	// the working address is kept for the next cycle
	_, err = p.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(5), fake.calls.Load())
}

func TestDeviceProbe_MissingProtocolHeader(t *testing.T) {
	fake := &fakeMediaServer{healthy: map[string]bool{"a": true}, noProtocol: true}
	p, _ := newDeviceProbe(t, fake, "a")

	_, err := p.Measure(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.False(t, p.Healthy())
}

func TestDeviceProbe_NoAddresses(t *testing.T) {
	p := NewDeviceProbe(Device{Name: "empty"}, "tok", 0, poller.NewClient(), metrics.NewRecorder(), testLogger())
	_, err := p.Measure(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDeviceProbe_Process(t *testing.T) {
	p := NewDeviceProbe(Device{Name: "Plex"}, "tok", 0, poller.NewClient(), metrics.NewRecorder(), testLogger())

	s := p.Process(Measurement{
		Sessions: []Session{
			{User: "alice", Transcode: true, Mode: "transcode", Speed: 2.5},
			{User: "alice", Transcode: true, Mode: "copy", Throttled: true, Speed: 1.0},
			{User: "bob"},
		},
		Version: "1.40",
	})

	assert.Equal(t, Sample{
		Sessions:    3,
		Users:       map[string]int{"alice": 2, "bob": 1},
		Transcoders: 2,
		Modes:       map[string]int{"transcode": 1, "copy": 1},
		SpeedTotal:  3.5,
		Encoding:    1,
		Version:     "1.40",
	}, s)
}

// TestDeviceProbe_Backfill verifies that users and modes seen once are
// reported on every later cycle, with 0 when absent.
func TestDeviceProbe_Backfill(t *testing.T) {
	rec := metrics.NewRecorder()
	p := NewDeviceProbe(Device{Name: "Plex"}, "tok", 0, poller.NewClient(), rec, testLogger())

	p.Report(p.Process(Measurement{Sessions: []Session{
		{User: "alice", Transcode: true, Mode: "transcode", Speed: 1},
		{User: "bob"},
	}}))
	p.Report(p.Process(Measurement{Sessions: []Session{
		{User: "carol", Transcode: true, Mode: "copy"},
	}}))

	for _, tc := range []struct {
		gauge string
		key   string
		want  float64
	}{
		{metrics.PlexSessionCount, "alice", 0},
		{metrics.PlexSessionCount, "bob", 0},
		{metrics.PlexSessionCount, "carol", 1},
		{metrics.PlexTranscoderTypeCount, "transcode", 0},
		{metrics.PlexTranscoderTypeCount, "copy", 1},
	} {
		got, ok := rec.Get(tc.gauge, "Plex", tc.key)
		assert.True(t, ok, tc.key)
		assert.Equal(t, tc.want, got, tc.key)
	}

	// an empty cycle still reports every known key
	p.Report(p.Process(Measurement{}))
	assert.Equal(t, []string{"Plex,alice", "Plex,bob", "Plex,carol"}, rec.Keys(metrics.PlexSessionCount))
	got, _ := rec.Get(metrics.PlexSessionCount, "Plex", "carol")
	assert.Zero(t, got)
}
