package poller

import (
	"context"
	"log/slog"
)

// Runner is the unit of work the [Scheduler] executes.
//
// Run performs one complete cycle. Ordinary backend failures should be
// handled inside Run; a returned error is logged and recorded as the
// probe's last outcome but never stops the scheduler.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// HealthReporter is implemented by runners that track backend health.
type HealthReporter interface {
	Healthy() bool
}

// Probe is the measure, process, report life-cycle of one backend.
//
// Measure performs the network calls and should return partial data rather
// than an error whenever some of the calls succeeded. Process is pure and
// must tolerate missing fields. Report pushes the sample to a metrics sink.
type Probe[Raw, Sample any] interface {
	Name() string
	Measure(ctx context.Context) (Raw, error)
	Process(raw Raw) Sample
	Report(sample Sample)
}

// Lifecycle adapts a [Probe] into a [Runner].
//
// If Measure fails, Process and Report are skipped for this cycle and the
// error is returned. If p implements [HealthReporter], so does the result.
func Lifecycle[Raw, Sample any](p Probe[Raw, Sample], logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &lifecycle[Raw, Sample]{probe: p, logger: logger}
}

type lifecycle[Raw, Sample any] struct {
	probe  Probe[Raw, Sample]
	logger *slog.Logger
}

func (l *lifecycle[Raw, Sample]) Name() string {
	return l.probe.Name()
}

func (l *lifecycle[Raw, Sample]) Run(ctx context.Context) error {
	raw, err := l.probe.Measure(ctx)
	if err != nil {
		return err
	}
	sample := l.probe.Process(raw)
	l.logger.Debug("probe measured", "probe", l.probe.Name(), "sample", sample)
	l.probe.Report(sample)
	return nil
}

func (l *lifecycle[Raw, Sample]) Healthy() bool {
	if hr, ok := l.probe.(HealthReporter); ok {
		return hr.Healthy()
	}
	return true
}
