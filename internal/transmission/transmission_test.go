package transmission

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

// fakeTransmission answers 409 until the client presents token, then serves
// session-stats and session-get.
type fakeTransmission struct {
	token        string
	alwaysReject bool
	noArguments  bool

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeTransmission) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.Method]++
	f.mu.Unlock()

	if r.URL.Path != "/transmission/rpc" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if f.alwaysReject || r.Header.Get(SessionHeader) != f.token {
		w.Header().Set(SessionHeader, f.token)
		w.WriteHeader(http.StatusConflict)
		return
	}
	if f.noArguments {
		_, _ = w.Write([]byte(`{"result":"success"}`))
		return
	}

	switch req.Method {
	case "session-stats":
		_, _ = w.Write([]byte(`{"arguments":{"activeTorrentCount":3,"pausedTorrentCount":2,"downloadSpeed":1000,"uploadSpeed":500},"result":"success"}`))
	case "session-get":
		_, _ = w.Write([]byte(`{"arguments":{"version":"4.0.5 (a6fe2a64aa)"},"result":"success"}`))
	default:
		http.Error(w, "unknown method", http.StatusBadRequest)
	}
}

func (f *fakeTransmission) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, poller.NewClient(), 0, testLogger())
}

func TestClient_SessionHandshake(t *testing.T) {
	fake := &fakeTransmission{token: "abc123"}
	c := newTestClient(t, fake)

	stats, err := c.SessionStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SessionStats{ActiveTorrentCount: 3, PausedTorrentCount: 2, DownloadSpeed: 1000, UploadSpeed: 500}, stats)
	assert.Equal(t, 2, fake.Calls("session-stats"), "exactly one re-attempt after 409")

	// token is kept for subsequent calls
	params, err := c.SessionParameters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4.0.5 (a6fe2a64aa)", params.Version)
	assert.Equal(t, 1, fake.Calls("session-get"))
}

func TestClient_SecondConflictFails(t *testing.T) {
	fake := &fakeTransmission{token: "abc123", alwaysReject: true}
	c := newTestClient(t, fake)

	_, err := c.SessionStats(context.Background())
	require.ErrorIs(t, err, ErrSessionConflict)
	assert.Equal(t, 2, fake.Calls("session-stats"), "no generic retry loop")
}

func TestClient_ConflictWithoutToken(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))

	_, err := c.SessionStats(context.Background())
	require.ErrorIs(t, err, ErrSessionConflict)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_MalformedResponse(t *testing.T) {
	fake := &fakeTransmission{noArguments: true}
	c := newTestClient(t, fake)

	_, err := c.SessionStats(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClient_HTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.SessionStats(context.Background())
	assert.ErrorIs(t, err, poller.ErrHTTPStatus)
}

func TestProbe_Lifecycle(t *testing.T) {
	fake := &fakeTransmission{token: "abc123"}
	rec := metrics.NewRecorder()
	p := NewProbe(newTestClient(t, fake), rec, testLogger())

	m, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, m.Stats.ActiveTorrentCount)
	assert.True(t, p.Healthy())

	p.Report(p.Process(m))

	for name, want := range map[string]float64{
		metrics.ActiveTorrentCount: 3,
		metrics.PausedTorrentCount: 2,
		metrics.DownloadSpeed:      1000,
		metrics.UploadSpeed:        500,
	} {
		got, ok := rec.Get(name, ServerName)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	got, ok := rec.Get(metrics.ServerInfo, ServerName, "4.0.5 (a6fe2a64aa)")
	assert.True(t, ok)
	assert.Equal(t, 1.0, got)
}

func TestProbe_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	rec := metrics.NewRecorder()
	p := NewProbe(NewClient(url, poller.NewClient(), 0, testLogger()), rec, testLogger())
	r := poller.Lifecycle[Measurement, Sample](p, testLogger())

	require.Error(t, r.Run(context.Background()))
	assert.False(t, p.Healthy())
	assert.Zero(t, rec.Writes(), "nothing reported after failed measure")
}

func TestProbe_VersionFailureKeepsStats(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "session-get" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"arguments":{"activeTorrentCount":1},"result":"success"}`))
	}))

	p := NewProbe(c, metrics.NewRecorder(), testLogger())
	m, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats.ActiveTorrentCount)
	assert.Empty(t, m.Version)
	assert.False(t, p.Healthy())
}

func TestProbe_VersionUpgradeRetiresOldSeries(t *testing.T) {
	rec := metrics.NewRecorder()
	p := NewProbe(NewClient("http://localhost", poller.NewClient(), 0, testLogger()), rec, testLogger())

	p.Report(Sample{Version: "4.0.5"})
	p.Report(Sample{Version: "4.0.6"})

	assert.Equal(t, []string{ServerName + ",4.0.6"}, rec.Keys(metrics.ServerInfo))
}
