// Package store keeps the outcome of the most recent run of every probe.
//
// The scheduler writes one [ProbeStatus] per run; the HTTP server reads a
// snapshot for the status API and subscribes for the event stream.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [ProbeStatus]: Last run outcome of one probe
//
// Subscribers receive updates via channels with non-blocking sends (slow
// subscribers will miss updates rather than block the scheduler).
package store
