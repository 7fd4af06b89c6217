package store

import "time"

// ProbeStatus is the outcome of the most recent run of one probe.
type ProbeStatus struct {
	// Name is the probe's name, unique per scheduler.
	Name string `json:"name"`

	// Healthy reflects the most recent run only.
	Healthy bool `json:"healthy"`

	// IntervalSeconds is the configured polling interval.
	IntervalSeconds float64 `json:"interval_seconds"`

	// DurationMs is how long the run took in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// LastRun is when the run started.
	LastRun time.Time `json:"last_run"`

	// NextRun is when the probe is next due.
	NextRun time.Time `json:"next_run"`

	// Error contains the error message if the run failed.
	Error *string `json:"error"`
}

// Store defines the interface for storing and subscribing to probe outcomes.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	// Update stores a new status and notifies all subscribers.
	// Statuses are keyed by Name, so later updates replace earlier ones.
	Update(status ProbeStatus)

	// GetAll returns a snapshot of all stored statuses, sorted by name.
	GetAll() []ProbeStatus

	// Subscribe returns a channel that receives status updates.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan ProbeStatus

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan ProbeStatus)
}
