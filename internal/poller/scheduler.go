package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpalmerr/mediamon/internal/store"
)

// ScheduledProbe is one registered probe and its timing.
type ScheduledProbe struct {
	// Probe is the unit of work.
	Probe Runner

	// Interval is the time between runs.
	Interval time.Duration

	// NextRunAt is when the probe is next due. Zero means due immediately.
	NextRunAt time.Time
}

// Scheduler runs registered probes when their interval has elapsed.
//
// All due probes are run sequentially, in registration order, from the
// goroutine calling [Scheduler.RunOnce], [Scheduler.RunFor] or
// [Scheduler.Run]. A probe that blocks on network I/O delays the probes
// after it in the same pass; every outbound call is bounded by the
// [Client] timeout.
//
// A probe returning an error or panicking is logged and recorded, and the
// remaining probes still run.
type Scheduler struct {
	mu      sync.Mutex
	entries []*ScheduledProbe
	running bool

	store  store.Store
	logger *slog.Logger
}

// NewScheduler creates a new [Scheduler].
//
// st receives the outcome of every run and may be nil. If logger is nil,
// [slog.Default] is used.
func NewScheduler(st store.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  st,
		logger: logger,
	}
}

// Register adds a probe to the scheduler. The probe is due immediately.
//
// Returns an error if the interval is not positive or a probe with the same
// name is already registered.
func (s *Scheduler) Register(r Runner, interval time.Duration) error {
	if r == nil {
		return errors.New("probe cannot be nil")
	}
	if interval <= 0 {
		return fmt.Errorf("probe %q: interval must be positive, got %s", r.Name(), interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Probe.Name() == r.Name() {
			return fmt.Errorf("duplicate probe name: %q", r.Name())
		}
	}
	s.entries = append(s.entries, &ScheduledProbe{Probe: r, Interval: interval})
	return nil
}

// Len returns the number of registered probes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a snapshot of the registered probes in registration order.
func (s *Scheduler) Entries() []ScheduledProbe {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]ScheduledProbe, len(s.entries))
	for i, e := range s.entries {
		entries[i] = *e
	}
	return entries
}

// RunOnce runs every registered probe exactly once, ignoring intervals.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, e := range s.snapshot() {
		if ctx.Err() != nil {
			return
		}
		s.runEntry(ctx, e)
	}
}

// RunFor runs due probes until budget has elapsed or ctx is cancelled.
//
// Between passes the scheduler sleeps until the earliest next due time,
// capped by what remains of the budget.
func (s *Scheduler) RunFor(ctx context.Context, budget time.Duration) {
	s.loop(ctx, time.Now().Add(budget), true)
}

// Run runs due probes until ctx is cancelled.
//
// Run returns an error if the scheduler is already running.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.loop(ctx, time.Time{}, false)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, deadline time.Time, bounded bool) {
	for ctx.Err() == nil {
		s.runDue(ctx)

		now := time.Now()
		wait := s.untilNextDue(now)
		if bounded {
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				return
			}
			if wait < 0 || wait > remaining {
				wait = remaining
			}
		}
		if wait < 0 {
			// nothing registered: idle until cancelled
			<-ctx.Done()
			return
		}
		if wait == 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runDue runs every probe whose NextRunAt has passed, in registration order.
func (s *Scheduler) runDue(ctx context.Context) {
	for _, e := range s.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if time.Now().Before(e.NextRunAt) {
			continue
		}
		s.runEntry(ctx, e)
	}
}

// untilNextDue returns the time until the earliest due probe, or -1 if no
// probe is registered.
func (s *Scheduler) untilNextDue(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return -1
	}
	next := s.entries[0].NextRunAt
	for _, e := range s.entries[1:] {
		if e.NextRunAt.Before(next) {
			next = e.NextRunAt
		}
	}
	if wait := next.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

func (s *Scheduler) snapshot() []*ScheduledProbe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ScheduledProbe(nil), s.entries...)
}

// runEntry runs one probe and records its outcome.
//
// TIMING SEMANTIC: NextRunAt is computed from when the run STARTS, so the
// cadence does not drift by the duration of the run.
func (s *Scheduler) runEntry(ctx context.Context, e *ScheduledProbe) {
	start := time.Now()
	next := start.Add(e.Interval)

	s.mu.Lock()
	e.NextRunAt = next
	s.mu.Unlock()

	err := s.safeRun(ctx, e.Probe)
	elapsed := time.Since(start)

	healthy := err == nil
	if hr, ok := e.Probe.(HealthReporter); ok {
		healthy = healthy && hr.Healthy()
	}

	logAttrs := []any{
		"probe", e.Probe.Name(),
		"healthy", healthy,
		"duration_ms", elapsed.Milliseconds(),
	}
	if err != nil {
		s.logger.Warn("probe run failed", append(logAttrs, "error", err.Error())...)
	} else {
		s.logger.Debug("probe run completed", logAttrs...)
	}

	if s.store == nil {
		return
	}
	var errStr *string
	if err != nil {
		msg := err.Error()
		errStr = &msg
	}
	s.store.Update(store.ProbeStatus{
		Name:            e.Probe.Name(),
		Healthy:         healthy,
		IntervalSeconds: e.Interval.Seconds(),
		DurationMs:      elapsed.Milliseconds(),
		LastRun:         start,
		NextRun:         next,
		Error:           errStr,
	})
}

// safeRun calls the probe with panic recovery.
// A panic is logged with its stack trace and a correlation ID, and returned
// as an error containing the ID.
func (s *Scheduler) safeRun(ctx context.Context, r Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			correlationID := uuid.NewString()
			s.logger.Error("probe panic",
				"probe", r.Name(),
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("probe panic (correlation_id: %s)", correlationID)
		}
	}()
	return r.Run(ctx)
}
