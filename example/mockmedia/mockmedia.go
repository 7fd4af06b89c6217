// Package mockmedia serves a fake home-media stack on one handler:
// Transmission, Sonarr, Radarr, plex.tv and a Plex Media Server.
//
// Routes are mounted under a prefix per service, so a single listener on
// :9999 can stand in for all of them:
//
//	/transmission/rpc      Transmission RPC (with the 409 session handshake)
//	/sonarr/api/v3/...     Sonarr
//	/radarr/api/v3/...     Radarr
//	/plextv/...            plex.tv sign-in and device listing
//	/pms/...               Plex Media Server
//
// The plex.tv device listing advertises the media server behind an
// unreachable address first, so discovery has to fail over.
//
// Activity changes every 20-60 seconds to give the gauges something to do.
package mockmedia

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// Username and Password are the accepted plex.tv credentials.
	Username = "demo"
	Password = "demo"

	// APIKey is the accepted Sonarr/Radarr API key.
	APIKey = "demo-key"

	sessionID = "mock-session"
	plexToken = "mock-plex-token"

	// DeadAddress is advertised as the first connection of the mock server.
	DeadAddress = "http://127.0.0.1:1"
)

// activity is the state that changes over time.
type activity struct {
	active, paused   int
	download, upload int64
	queued           int
	sessions         int
	nextChangeAt     time.Time
}

// Stack is the fake media stack. It implements http.Handler.
type Stack struct {
	mux    *http.ServeMux
	logger *slog.Logger

	mu    sync.Mutex
	state activity
	rng   *rand.Rand
}

// New creates a [Stack]. If logger is nil, [slog.Default] is used.
func New(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{
		mux:    http.NewServeMux(),
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state: activity{
			active:   2,
			paused:   1,
			download: 1_250_000,
			upload:   300_000,
			queued:   1,
			sessions: 2,
		},
	}
	s.state.nextChangeAt = s.nextChange()

	s.mux.HandleFunc("/transmission/rpc", s.handleTransmission)
	for _, kind := range []string{"sonarr", "radarr"} {
		s.mux.Handle("/"+kind+"/api/v3/", http.StripPrefix("/"+kind, s.xxxarr(kind)))
	}
	s.mux.HandleFunc("/plextv/users/sign_in.xml", s.handleSignIn)
	s.mux.HandleFunc("/plextv/devices.xml", s.handleDevices)
	s.mux.HandleFunc("/pms/status/sessions", s.handleSessions)
	s.mux.HandleFunc("/pms/identity", s.handleIdentity)
	return s
}

func (s *Stack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Stack) nextChange() time.Time {
	return time.Now().Add(time.Duration(20+s.rng.Intn(41)) * time.Second)
}

// snapshot returns the current activity, moving it on when due.
func (s *Stack) snapshot() activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Now().After(s.state.nextChangeAt) {
		s.state.active = s.rng.Intn(6)
		s.state.paused = s.rng.Intn(3)
		s.state.download = int64(s.rng.Intn(5_000_000))
		s.state.upload = int64(s.rng.Intn(1_000_000))
		s.state.queued = s.rng.Intn(4)
		s.state.sessions = s.rng.Intn(4)
		s.state.nextChangeAt = s.nextChange()
		s.logger.Info("activity changed",
			"active_torrents", s.state.active,
			"plex_sessions", s.state.sessions,
		)
	}
	return s.state
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (s *Stack) handleTransmission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("X-Transmission-Session-Id") != sessionID {
		w.Header().Set("X-Transmission-Session-Id", sessionID)
		http.Error(w, "session id required", http.StatusConflict)
		return
	}

	var req struct {
		Method string `json:"method"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	a := s.snapshot()
	switch req.Method {
	case "session-stats":
		writeJSON(w, map[string]any{
			"result": "success",
			"arguments": map[string]any{
				"activeTorrentCount": a.active,
				"pausedTorrentCount": a.paused,
				"downloadSpeed":      a.download,
				"uploadSpeed":        a.upload,
			},
		})
	case "session-get":
		writeJSON(w, map[string]any{
			"result":    "success",
			"arguments": map[string]any{"version": "4.0.5 (a6fe2a64aa)"},
		})
	default:
		writeJSON(w, map[string]any{"result": "method name not recognized"})
	}
}

func (s *Stack) xxxarr(kind string) http.Handler {
	version := map[string]string{"sonarr": "4.0.10.2544", "radarr": "5.14.0.9383"}[kind]
	catalog := map[string]string{"sonarr": "/api/v3/series", "radarr": "/api/v3/movie"}[kind]

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		a := s.snapshot()
		switch r.URL.Path {
		case "/api/v3/calendar":
			writeJSON(w, []map[string]any{{"hasFile": true}, {"hasFile": false}, {"hasFile": false}})
		case "/api/v3/queue":
			writeJSON(w, map[string]any{"totalRecords": a.queued})
		case catalog:
			writeJSON(w, []map[string]any{{"monitored": true}, {"monitored": true}, {"monitored": false}})
		case "/api/v3/system/status":
			writeJSON(w, map[string]any{"version": version})
		default:
			http.NotFound(w, r)
		}
	})
}

func (s *Stack) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = r.ParseForm()
	if r.PostForm.Get("user[login]") != Username || r.PostForm.Get("user[password]") != Password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><user email="demo@example.com" authenticationToken=%q/>`, plexToken)
}

func (s *Stack) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Plex-Token") != plexToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	live := "http://" + r.Host + "/pms"
	w.Header().Set("Content-Type", "application/xml")
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<MediaContainer size="2">
  <Device name="Mock Plex" provides="server">
    <Connection uri=%q/>
    <Connection uri=%q/>
  </Device>
  <Device name="Living Room TV" provides="player,client"/>
</MediaContainer>`, DeadAddress, live)
}

func (s *Stack) plexAuthorized(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("X-Plex-Protocol", "1.0")
	if r.Header.Get("X-Plex-Token") != plexToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

var (
	plexUsers   = []string{"alice", "bob", "carol"}
	plexPlayers = []string{"Plex Web", "Plex for iOS", "Plex for LG"}
)

func (s *Stack) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.plexAuthorized(w, r) {
		return
	}

	a := s.snapshot()
	metadata := make([]map[string]any, 0, a.sessions)
	for i := 0; i < a.sessions; i++ {
		session := map[string]any{
			"User":   map[string]any{"title": plexUsers[i%len(plexUsers)]},
			"Player": map[string]any{"product": plexPlayers[i%len(plexPlayers)]},
		}
		if i%2 == 0 {
			session["TranscodeSession"] = map[string]any{
				"videoDecision": "transcode",
				"throttled":     i == 2,
				"speed":         1.5,
			}
		}
		metadata = append(metadata, session)
	}
	writeJSON(w, map[string]any{
		"MediaContainer": map[string]any{"size": len(metadata), "Metadata": metadata},
	})
}

func (s *Stack) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !s.plexAuthorized(w, r) {
		return
	}
	writeJSON(w, map[string]any{
		"MediaContainer": map[string]any{"version": "1.41.3.9314", "machineIdentifier": strings.Repeat("a", 40)},
	})
}
