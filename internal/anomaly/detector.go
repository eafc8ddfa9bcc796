// Package anomaly implements per-signal spike detection over rolling
// sample windows. Two statistical measures must agree before an
// observation is flagged: a z-score against the window mean and a
// relative deviation from the EWMA baseline. A percentile fallback covers
// cold starts until the fixed window fills.
package anomaly

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/crowdsense/crowdsense-backend/internal/metrics"
	"github.com/crowdsense/crowdsense-backend/internal/models"
)

const ewmaEpsilon = 1e-9

// minFallbackSamples is the least history the percentile path needs
// before it is allowed to fire during warm-up.
const minFallbackSamples = 5

// Config tunes one detector. Validated upstream; a zero Config is unusable.
type Config struct {
	WindowSize         int
	Alpha              float64 // EWMA smoothing factor in (0,1]
	ZThreshold         float64
	DeviationThreshold float64 // Relative deviation from EWMA
	FallbackPercentile float64 // Warm-up percentile in (0,100)
}

// Detector owns the rolling state for exactly one signal. All access is
// serialized by its mutex; separate signals evaluate fully in parallel.
type Detector struct {
	signal string
	cfg    Config
	reg    *metrics.Registry

	mu     sync.Mutex
	window []models.Sample
	// Welford running aggregates over the window. m2 is the sum of
	// squared deviations; population variance = m2 / len(window).
	mean float64
	m2   float64

	ewma     float64
	ewmaInit bool
}

// NewDetector creates a detector for one signal. reg may be nil in tests.
func NewDetector(signal string, cfg Config, reg *metrics.Registry) *Detector {
	return &Detector{
		signal: signal,
		cfg:    cfg,
		window: make([]models.Sample, 0, cfg.WindowSize),
		reg:    reg,
	}
}

// Ingest appends a sample to the rolling window, evicting the oldest
// entry once the window is full, and advances the EWMA. Non-finite
// values are dropped whole so a bad sample never corrupts the state.
func (d *Detector) Ingest(s models.Sample) {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		d.degrade()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ingestLocked(s)
}

func (d *Detector) ingestLocked(s models.Sample) {
	if len(d.window) == d.cfg.WindowSize {
		d.removeOldestLocked()
	}
	d.window = append(d.window, s)
	d.addWelford(s.Value)

	if !d.ewmaInit {
		// EWMA is seeded to the first observed value.
		d.ewma = s.Value
		d.ewmaInit = true
	} else {
		d.ewma = d.cfg.Alpha*s.Value + (1-d.cfg.Alpha)*d.ewma
	}
}

// removeOldestLocked evicts the FIFO head and reverses its contribution
// to the running mean and m2.
func (d *Detector) removeOldestLocked() {
	x := d.window[0].Value
	d.window = d.window[1:]
	n := float64(len(d.window))
	if n == 0 {
		d.mean, d.m2 = 0, 0
		return
	}
	oldMean := d.mean
	d.mean = (oldMean*(n+1) - x) / n
	d.m2 -= (x - d.mean) * (x - oldMean)
	if d.m2 < 0 {
		// Floating point drift can leave a tiny negative residue.
		d.m2 = 0
	}
}

func (d *Detector) addWelford(x float64) {
	n := float64(len(d.window))
	delta := x - d.mean
	d.mean += delta / n
	d.m2 += delta * (x - d.mean)
}

// Evaluate judges the most recently ingested sample. It returns
// DecisionInsufficient during warm-up unless the percentile fallback has
// enough history, in which case the event carries ConfidenceFallback so
// downstream consumers can tell the paths apart.
func (d *Detector) Evaluate() models.AnomalyEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evaluateLocked()
}

// Observe ingests and evaluates under a single lock acquisition, so
// evaluations for one signal happen in exactly ingestion order.
func (d *Detector) Observe(s models.Sample) models.AnomalyEvent {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		d.degrade()
		return models.AnomalyEvent{
			Timestamp:  time.Now().UTC(),
			Signal:     d.signal,
			Decision:   models.DecisionNormal,
			Confidence: models.ConfidenceNone,
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ingestLocked(s)
	return d.evaluateLocked()
}

func (d *Detector) evaluateLocked() models.AnomalyEvent {
	now := time.Now().UTC()
	ev := models.AnomalyEvent{
		Timestamp:  now,
		Signal:     d.signal,
		Decision:   models.DecisionInsufficient,
		Confidence: models.ConfidenceNone,
	}
	if len(d.window) == 0 {
		return ev
	}

	current := d.window[len(d.window)-1].Value
	ev.Value = current
	ev.EWMA = d.ewma
	ev.EWMADeviation = math.Abs(current-d.ewma) / math.Max(d.ewma, ewmaEpsilon)

	if len(d.window) < d.cfg.WindowSize {
		return d.evaluateFallbackLocked(ev, current)
	}

	variance := d.m2 / float64(len(d.window))
	stddev := math.Sqrt(variance)

	ev.Confidence = models.ConfidenceFull
	ev.Decision = models.DecisionNormal

	if stddev == 0 {
		// Flat signal: any deviation would divide by zero, and a
		// perfectly constant baseline is never a spike.
		ev.ZScore = 0
		return ev
	}

	z := (current - d.mean) / stddev
	if math.IsNaN(z) || math.IsInf(z, 0) || math.IsNaN(ev.EWMADeviation) || math.IsInf(ev.EWMADeviation, 0) {
		// Prefer a false negative over crashing the pipeline.
		d.degrade()
		ev.ZScore = 0
		return ev
	}
	ev.ZScore = z

	// Conjunctive scoring: both measures must agree.
	if z > d.cfg.ZThreshold && ev.EWMADeviation > d.cfg.DeviationThreshold {
		ev.Decision = models.DecisionAnomaly
	}
	return ev
}

// evaluateFallbackLocked is the cold-start path: before the window fills,
// fire only when the observation exceeds the configured percentile of
// whatever history exists. Less strict than the full conjunction, and
// always marked ConfidenceFallback.
func (d *Detector) evaluateFallbackLocked(ev models.AnomalyEvent, current float64) models.AnomalyEvent {
	if len(d.window) < minFallbackSamples {
		return ev // DecisionInsufficient
	}

	history := make([]float64, 0, len(d.window)-1)
	for _, s := range d.window[:len(d.window)-1] {
		history = append(history, s.Value)
	}
	threshold := percentile(history, d.cfg.FallbackPercentile)

	ev.Confidence = models.ConfidenceFallback
	if current > threshold && current > d.ewma {
		ev.Decision = models.DecisionAnomaly
	} else {
		ev.Decision = models.DecisionNormal
	}
	return ev
}

// SeedHistory restores window state from persisted metrics after a
// process restart. Samples must be in chronological order; only the most
// recent WindowSize entries are kept.
func (d *Detector) SeedHistory(samples []models.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(samples) > d.cfg.WindowSize {
		samples = samples[len(samples)-d.cfg.WindowSize:]
	}
	for _, s := range samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		d.ingestLocked(s)
	}
}

// Len reports the current window occupancy.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

func (d *Detector) degrade() {
	if d.reg != nil {
		d.reg.Inc(metrics.CounterDetectionDegraded)
	}
}

// percentile returns the nearest-rank p-th percentile of values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Registry owns one Detector per monitored signal. Detectors are created
// lazily on first use so the manual trigger can address new signals.
type Registry struct {
	cfg Config
	reg *metrics.Registry

	mu        sync.RWMutex
	detectors map[string]*Detector
}

// NewRegistry creates a detector registry with shared tuning.
func NewRegistry(cfg Config, reg *metrics.Registry) *Registry {
	return &Registry{
		cfg:       cfg,
		reg:       reg,
		detectors: make(map[string]*Detector),
	}
}

// Detector returns the detector owning the signal's state, creating it on
// first use.
func (r *Registry) Detector(signal string) *Detector {
	r.mu.RLock()
	d, ok := r.detectors[signal]
	r.mu.RUnlock()
	if ok {
		return d
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.detectors[signal]; ok {
		return d
	}
	d = NewDetector(signal, r.cfg, r.reg)
	r.detectors[signal] = d
	return d
}

// Signals lists all signals with live detector state.
func (r *Registry) Signals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.detectors))
	for s := range r.detectors {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
