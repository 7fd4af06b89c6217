package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Recorder is an in-memory [Sink].
//
// Recorder validates names and label counts against [Gauges] the same way
// [PrometheusSink] does, so probes can be tested without a registry.
// Values are keyed by gauge name and label values; later writes replace
// earlier ones.
type Recorder struct {
	mu     sync.RWMutex
	values map[string]float64
	writes int
}

var _ Sink = (*Recorder)(nil)

// NewRecorder returns an empty [Recorder].
func NewRecorder() *Recorder {
	return &Recorder{values: make(map[string]float64)}
}

// SetGauge implements [Sink].
func (r *Recorder) SetGauge(name string, labelValues []string, value float64) error {
	def, ok := Gauges[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGauge, name)
	}
	if len(def.Labels) != len(labelValues) {
		return fmt.Errorf("%s: expected %d label values, got %d", name, len(def.Labels), len(labelValues))
	}

	r.mu.Lock()
	r.values[key(name, labelValues)] = value
	r.writes++
	r.mu.Unlock()
	return nil
}

// DeleteGauge implements [Sink].
func (r *Recorder) DeleteGauge(name string, labelValues []string) error {
	if _, ok := Gauges[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGauge, name)
	}
	r.mu.Lock()
	delete(r.values, key(name, labelValues))
	r.mu.Unlock()
	return nil
}

// Get returns the last value written for name with the given label values.
func (r *Recorder) Get(name string, labelValues ...string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.values[key(name, labelValues)]
	return v, ok
}

// Keys returns the sorted label value sets recorded for name.
// Each entry is the label values joined with ",".
func (r *Recorder) Keys(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := name + "{"
	var keys []string
	for k := range r.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(k, prefix), "}"))
		}
	}
	sort.Strings(keys)
	return keys
}

// Writes returns the total number of successful SetGauge calls.
func (r *Recorder) Writes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writes
}

func key(name string, labelValues []string) string {
	return name + "{" + strings.Join(labelValues, ",") + "}"
}
