package metrics

import "sync"

// VersionInfo publishes the version series of one server under the [ServerInfo] gauge.
//
// When the reported version changes, the series of the previous version is
// deleted so a backend upgrade leaves exactly one series at 1.
type VersionInfo struct {
	mu      sync.Mutex
	server  string
	version string
}

// NewVersionInfo returns a [VersionInfo] for the given server label.
func NewVersionInfo(server string) *VersionInfo {
	return &VersionInfo{server: server}
}

// Set reports version for the server. An empty version is ignored.
func (i *VersionInfo) Set(sink Sink, version string) error {
	if version == "" {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.version != "" && i.version != version {
		if err := sink.DeleteGauge(ServerInfo, []string{i.server, i.version}); err != nil {
			return err
		}
	}
	if err := sink.SetGauge(ServerInfo, []string{i.server, version}, 1); err != nil {
		return err
	}
	i.version = version
	return nil
}
