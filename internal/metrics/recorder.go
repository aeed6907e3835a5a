package metrics

import (
	"sync"
	"time"
)

// Recorder keeps metrics in memory so tests can assert on emitted counters.
type Recorder struct {
	mu        sync.Mutex
	counters  map[string]int
	gauges    map[string]int
	durations map[string][]time.Duration
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:  make(map[string]int),
		gauges:    make(map[string]int),
		durations: make(map[string][]time.Duration),
	}
}

func (r *Recorder) Increment(metric string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[metric]++
}

func (r *Recorder) Duration(metric string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[metric] = append(r.durations[metric], d)
}

func (r *Recorder) Gauge(metric string, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[metric] = value
}

// Count returns how many times metric was incremented.
func (r *Recorder) Count(metric string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[metric]
}

// GaugeValue returns the last value recorded for metric.
func (r *Recorder) GaugeValue(metric string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[metric]
	return v, ok
}

// Timings returns a copy of the durations recorded for metric.
func (r *Recorder) Timings(metric string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.durations[metric]...)
}
