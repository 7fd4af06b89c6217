package xxxarr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jpalmerr/mediamon/internal/metrics"
	"github.com/jpalmerr/mediamon/internal/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// catalogJSON returns n entries, the first m of which are monitored.
func catalogJSON(n, m int) string {
	entries := make([]string, n)
	for i := range entries {
		entries[i] = fmt.Sprintf(`{"id":%d,"monitored":%t}`, i, i < m)
	}
	return "[" + strings.Join(entries, ",") + "]"
}

func newServer(t *testing.T, catalogPath string, failing map[string]bool) *httptest.Server {
	t.Helper()
	responses := map[string]string{
		"/api/v3/calendar":      `[{"hasFile":false},{"hasFile":true},{"hasFile":false}]`,
		"/api/v3/queue":         `{"page":1,"pageSize":10,"totalRecords":4,"records":[]}`,
		catalogPath:             catalogJSON(10, 7),
		"/api/v3/system/status": `{"version":"4.0.1.929"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "1234" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if failing[r.URL.Path] {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		body, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewProbe_UnsupportedKind(t *testing.T) {
	_, err := NewProbe(Kind("lidarr"), "http://localhost", "", 0, poller.NewClient(), metrics.NewRecorder(), testLogger())
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	tests := []struct {
		kind        Kind
		catalogPath string
	}{
		{KindSonarr, "/api/v3/series"},
		{KindRadarr, "/api/v3/movie"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			server := newServer(t, tt.catalogPath, nil)
			rec := metrics.NewRecorder()
			p, err := NewProbe(tt.kind, server.URL+"/", "1234", 0, poller.NewClient(), rec, testLogger())
			require.NoError(t, err)

			require.NoError(t, poller.Lifecycle[Measurement, Sample](p, testLogger()).Run(context.Background()))
			assert.True(t, p.Healthy())

			name := string(tt.kind)
			for gauge, want := range map[string]float64{
				metrics.CalendarCount:    2,
				metrics.QueuedCount:      4,
				metrics.MonitoredCount:   7,
				metrics.UnmonitoredCount: 3,
			} {
				got, ok := rec.Get(gauge, name)
				assert.True(t, ok, gauge)
				assert.Equal(t, want, got, gauge)
			}
			_, ok := rec.Get(metrics.ServerInfo, name, "4.0.1.929")
			assert.True(t, ok)
		})
	}
}

func TestProcess_Partition(t *testing.T) {
	p, err := NewProbe(KindRadarr, "http://localhost", "", 0, poller.NewClient(), metrics.NewRecorder(), testLogger())
	require.NoError(t, err)

	for _, tc := range []struct{ n, m int }{{0, 0}, {1, 1}, {1, 0}, {25, 9}} {
		catalog := make([]catalogEntry, tc.n)
		for i := 0; i < tc.m; i++ {
			catalog[i].Monitored = true
		}
		s := p.Process(Measurement{Catalog: catalog})
		assert.Equal(t, tc.m, s.Monitored)
		assert.Equal(t, tc.n-tc.m, s.Unmonitored)
		assert.Equal(t, tc.n, s.Monitored+s.Unmonitored)
	}
}

// TestProbe_FailedCallYieldsZero verifies that one failing call does not
// prevent the other metrics from being reported.
func TestProbe_FailedCallYieldsZero(t *testing.T) {
	server := newServer(t, "/api/v3/series", map[string]bool{"/api/v3/series": true})
	rec := metrics.NewRecorder()
	p, err := NewProbe(KindSonarr, server.URL, "1234", 0, poller.NewClient(), rec, testLogger())
	require.NoError(t, err)

	require.NoError(t, poller.Lifecycle[Measurement, Sample](p, testLogger()).Run(context.Background()))
	assert.False(t, p.Healthy())

	got, _ := rec.Get(metrics.MonitoredCount, "sonarr")
	assert.Zero(t, got)
	got, _ = rec.Get(metrics.UnmonitoredCount, "sonarr")
	assert.Zero(t, got)
	got, _ = rec.Get(metrics.CalendarCount, "sonarr")
	assert.Equal(t, 2.0, got)
	got, _ = rec.Get(metrics.QueuedCount, "sonarr")
	assert.Equal(t, 4.0, got)
}

// TestProbe_LargeCatalog verifies that a catalog listing larger than the
// client's default body limit is decoded in full.
func TestProbe_LargeCatalog(t *testing.T) {
	const total, monitored = 3000, 2000
	title := strings.Repeat("a", 2000)
	entries := make([]string, total)
	for i := range entries {
		entries[i] = fmt.Sprintf(`{"id":%d,"title":%q,"monitored":%t}`, i, title, i < monitored)
	}
	catalog := "[" + strings.Join(entries, ",") + "]"
	require.Greater(t, len(catalog), poller.DefaultMaxBodySize)

	responses := map[string]string{
		"/api/v3/calendar":      `[]`,
		"/api/v3/queue":         `{"totalRecords":0}`,
		"/api/v3/series":        catalog,
		"/api/v3/system/status": `{"version":"4.0.1.929"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(responses[r.URL.Path]))
	}))
	t.Cleanup(server.Close)

	rec := metrics.NewRecorder()
	p, err := NewProbe(KindSonarr, server.URL, "1234", 0, poller.NewClient(), rec, testLogger())
	require.NoError(t, err)

	require.NoError(t, poller.Lifecycle[Measurement, Sample](p, testLogger()).Run(context.Background()))
	assert.True(t, p.Healthy())

	got, _ := rec.Get(metrics.MonitoredCount, "sonarr")
	assert.Equal(t, float64(monitored), got)
	got, _ = rec.Get(metrics.UnmonitoredCount, "sonarr")
	assert.Equal(t, float64(total-monitored), got)
}

func TestProbe_Unauthorized(t *testing.T) {
	server := newServer(t, "/api/v3/movie", nil)
	rec := metrics.NewRecorder()
	p, err := NewProbe(KindRadarr, server.URL, "wrong", 0, poller.NewClient(), rec, testLogger())
	require.NoError(t, err)

	m, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.False(t, p.Healthy())

	s := p.Process(m)
	assert.Equal(t, Sample{}, s)

	p.Report(s)
	_, ok := rec.Get(metrics.ServerInfo, "radarr", "")
	assert.False(t, ok, "empty version is not reported")
}

func TestProbe_VersionUpgradeRetiresOldSeries(t *testing.T) {
	rec := metrics.NewRecorder()
	p, err := NewProbe(KindRadarr, "http://localhost", "", 0, poller.NewClient(), rec, testLogger())
	require.NoError(t, err)

	p.Report(Sample{Version: "5.2.6"})
	p.Report(Sample{})
	p.Report(Sample{Version: "5.3.0"})

	assert.Equal(t, []string{"radarr,5.3.0"}, rec.Keys(metrics.ServerInfo))
}
