// Package monitor defines the measurement sink used by the entity layer.
//
// A [Monitor] receives named counters and statistic samples from table
// operations. Implementations must be safe for concurrent use and must
// never fail the operation being measured; delivery is best effort.
package monitor

import "sync"

// Monitor receives operational measurements.
type Monitor interface {
	// Count adds value to the named counter.
	Count(name string, value float64)

	// Measure records one sample of the named statistic.
	Measure(name string, value float64)
}

// Nop is a Monitor that discards every measurement.
type Nop struct{}

func (Nop) Count(name string, value float64)   {}
func (Nop) Measure(name string, value float64) {}

// Recorder is an in-memory Monitor for tests. It accumulates counters
// and keeps every sample per statistic.
type Recorder struct {
	mu       sync.Mutex
	counts   map[string]float64
	measures map[string][]float64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counts:   make(map[string]float64),
		measures: make(map[string][]float64),
	}
}

func (r *Recorder) Count(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += value
}

func (r *Recorder) Measure(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measures[name] = append(r.measures[name], value)
}

// CountOf returns the accumulated value of the named counter.
func (r *Recorder) CountOf(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// MeasuresOf returns a copy of the samples recorded for name.
func (r *Recorder) MeasuresOf(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.measures[name]))
	copy(out, r.measures[name])
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[string]float64)
	r.measures = make(map[string][]float64)
}
