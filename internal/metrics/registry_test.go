package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_CountersAndGauges(t *testing.T) {
	r := NewRegistry()

	r.Inc(CounterAlertsSent)
	r.Inc(CounterAlertsSent)
	r.Add(CounterSamplesProcessed, 10)
	r.Add(CounterSamplesProcessed, -5) // negative deltas ignored
	r.SetGauge(GaugeLastAnomalyScore, 3.2)
	r.SetGauge(GaugeLastAnomalyScore, 1.1)

	assert.Equal(t, 2.0, r.Counter(CounterAlertsSent))
	assert.Equal(t, 10.0, r.Counter(CounterSamplesProcessed))
	assert.Equal(t, 1.1, r.Gauge(GaugeLastAnomalyScore))
	assert.Equal(t, 0.0, r.Counter("never_recorded"))
}

func TestRegistry_SnapshotIsImmutableCopy(t *testing.T) {
	r := NewRegistry()
	r.Inc(CounterAnomaliesDetected)
	r.SetGauge(GaugeTasksFailed, 1)

	snap := r.Snapshot()
	snap.Counters[CounterAnomaliesDetected] = 99
	snap.Gauges[GaugeTasksFailed] = 99

	assert.Equal(t, 1.0, r.Counter(CounterAnomaliesDetected), "mutating a snapshot must not touch the registry")
	assert.Equal(t, 1.0, r.Gauge(GaugeTasksFailed))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc(CounterSamplesProcessed)
				r.SetGauge(GaugeLastAnomalyScore, float64(j))
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5000.0, r.Counter(CounterSamplesProcessed))
}

func TestRegistry_PrometheusMirror(t *testing.T) {
	r := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_mirror_counter"})
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_mirror_gauge"})
	r.MirrorCounter(CounterAlertsSent, c)
	r.MirrorGauge(GaugeLastAnomalyScore, g)

	r.Inc(CounterAlertsSent)
	r.SetGauge(GaugeLastAnomalyScore, 2.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(c))
	assert.Equal(t, 2.5, testutil.ToFloat64(g))
}
