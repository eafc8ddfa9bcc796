// Package metrics implements the process-wide counter/gauge registry used
// by every pipeline component as a side channel. It never errors and never
// sits on a decision-critical path. Selected series are mirrored to the
// Prometheus collectors in internal/pkg/metrics for scraping.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Well-known counter and gauge names recorded by the pipeline.
const (
	CounterSamplesProcessed  = "samples_processed"
	CounterAnomaliesDetected = "anomalies_detected"
	CounterAlertsSent        = "alerts_sent"
	CounterAlertsSuppressed  = "alerts_suppressed"
	CounterDispatchFailures  = "dispatch_failures"
	CounterCollectionErrors  = "collection_errors"
	CounterDetectionDegraded = "detection_degraded"
	CounterPersistenceErrors = "persistence_errors"

	GaugeLastAnomalyScore = "last_anomaly_score"
	GaugeTasksFailed      = "tasks_failed_terminal"
)

// Registry is a thread-safe map of named counters and gauges. A counter
// only moves up; a gauge is set to the latest value. Snapshot returns an
// atomic immutable copy of both.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64

	promCounters map[string]prometheus.Counter
	promGauges   map[string]prometheus.Gauge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:     make(map[string]float64),
		gauges:       make(map[string]float64),
		promCounters: make(map[string]prometheus.Counter),
		promGauges:   make(map[string]prometheus.Gauge),
	}
}

// MirrorCounter attaches a Prometheus counter that receives every Inc/Add
// for the named counter.
func (r *Registry) MirrorCounter(name string, c prometheus.Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promCounters[name] = c
}

// MirrorGauge attaches a Prometheus gauge that receives every SetGauge
// for the named gauge.
func (r *Registry) MirrorGauge(name string, g prometheus.Gauge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promGauges[name] = g
}

// Inc increments the named counter by one.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add increments the named counter by delta. Negative deltas are ignored;
// counters are monotonic.
func (r *Registry) Add(name string, delta float64) {
	if delta < 0 {
		return
	}
	r.mu.Lock()
	r.counters[name] += delta
	c := r.promCounters[name]
	r.mu.Unlock()
	if c != nil {
		c.Add(delta)
	}
}

// SetGauge records the current value of the named gauge.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	g := r.promGauges[name]
	r.mu.Unlock()
	if g != nil {
		g.Set(value)
	}
}

// Snapshot is a read-only view of all counters and gauges, taken atomically.
type Snapshot struct {
	Counters map[string]float64 `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

// Snapshot copies every counter and gauge under one lock acquisition.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Counters: make(map[string]float64, len(r.counters)),
		Gauges:   make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
}

// Counter returns the current value of the named counter (0 if unknown).
func (r *Registry) Counter(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// Gauge returns the current value of the named gauge (0 if unknown).
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}
