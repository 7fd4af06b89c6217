package store

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Statuses are kept in a lock-free map. Subscribers receive updates via
// buffered channels. Updates are sent non-blocking; if a subscriber's buffer
// is full, the update is dropped for that subscriber.
type MemoryStore struct {
	statuses    *xsync.Map[string, ProbeStatus]
	subscribers map[chan ProbeStatus]struct{}
	subMu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory [Store] implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses:    xsync.NewMap[string, ProbeStatus](),
		subscribers: make(map[chan ProbeStatus]struct{}),
	}
}

// Update stores a [ProbeStatus] and notifies all subscribers.
func (m *MemoryStore) Update(status ProbeStatus) {
	m.statuses.Store(status.Name, status)
	m.notifySubscribers(status)
}

// GetAll returns a snapshot of all stored statuses, sorted by name.
func (m *MemoryStore) GetAll() []ProbeStatus {
	statuses := make([]ProbeStatus, 0, m.statuses.Size())
	for _, status := range m.statuses.Range {
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// Get returns the stored status for name.
func (m *MemoryStore) Get(name string) (ProbeStatus, bool) {
	return m.statuses.Load(name)
}

// Subscribe creates a new subscription and returns a channel for receiving updates.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan ProbeStatus {
	ch := make(chan ProbeStatus, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan ProbeStatus) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends the status to all active subscribers without blocking.
func (m *MemoryStore) notifySubscribers(status ProbeStatus) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- status:
		default:
			// subscriber is slow, drop the message
		}
	}
}
