// Package poller runs backend probes on a fixed interval.
//
// The main components are:
//
//   - [Client]: HTTP client wrapper with per-request timeouts and size limits
//   - [Probe]: the measure, process, report life-cycle of one backend
//   - [Lifecycle]: adapts a [Probe] into a [Runner]
//   - [Scheduler]: runs registered runners sequentially when they are due
//
// Users of the mediamon package should not need to interact with this
// package directly; probes are built from configuration and registered by
// the root package.
package poller
