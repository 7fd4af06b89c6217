package mediamon

import (
	"log/slog"

	"github.com/jpalmerr/mediamon/internal/poller"
	"github.com/jpalmerr/mediamon/internal/store"
)

// Runner is a schedulable probe. Backend probes are built by the config
// package; any type with these two methods can be registered.
type Runner = poller.Runner

// ProbeStatus is the outcome of the most recent run of one probe.
type ProbeStatus = store.ProbeStatus

// callbackStore forwards every update to the status callbacks after storing
// it. Callbacks run on the scheduler goroutine.
type callbackStore struct {
	store.Store
	callbacks []func(ProbeStatus)
	logger    *slog.Logger
}

func (c *callbackStore) Update(status ProbeStatus) {
	c.Store.Update(status)
	for _, cb := range c.callbacks {
		invokeCallbackSafe(cb, copyStatus(status), c.logger)
	}
}

// copyStatus returns a copy that shares no pointers with status.
func copyStatus(status ProbeStatus) ProbeStatus {
	if status.Error != nil {
		msg := *status.Error
		status.Error = &msg
	}
	return status
}

// invokeCallbackSafe calls a status callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(ProbeStatus), status ProbeStatus, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("status callback panicked",
				"panic", r,
				"probe", status.Name,
			)
		}
	}()
	cb(status)
}
