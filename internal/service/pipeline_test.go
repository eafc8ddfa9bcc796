package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdsense/crowdsense-backend/internal/alerting"
	"github.com/crowdsense/crowdsense-backend/internal/anomaly"
	"github.com/crowdsense/crowdsense-backend/internal/collector"
	"github.com/crowdsense/crowdsense-backend/internal/config"
	"github.com/crowdsense/crowdsense-backend/internal/location"
	"github.com/crowdsense/crowdsense-backend/internal/metrics"
	"github.com/crowdsense/crowdsense-backend/internal/models"
	"github.com/crowdsense/crowdsense-backend/internal/repository"
	"github.com/crowdsense/crowdsense-backend/internal/scheduler"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *recordingNotifier) Send(ctx context.Context, alert models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingNotifier) sent() []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

type memoryStore struct {
	mu      sync.Mutex
	samples map[string][]models.Sample
	cleaned int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{samples: make(map[string][]models.Sample)}
}

func (m *memoryStore) StoreSamples(ctx context.Context, signal string, samples []models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[signal] = append(m.samples[signal], samples...)
	return nil
}

func (m *memoryStore) RecentSamples(ctx context.Context, signal string, limit int) ([]models.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.samples[signal]
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	out := make([]models.Sample, len(s))
	copy(out, s)
	return out, nil
}

func (m *memoryStore) Cleanup(ctx context.Context, sampleRetention, alertRetention time.Duration) (repository.CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaned++
	return repository.CleanupResult{}, nil
}

type failingCollector struct{}

func (failingCollector) Fetch(ctx context.Context, signal string, window time.Duration) ([]models.Sample, error) {
	return nil, &collector.CollectionError{Signal: signal, Err: errors.New("upstream down")}
}

func testConfig() *config.Config {
	return &config.Config{
		Keywords: []string{"flood"},
		Detection: config.Detection{
			WindowSize:             15,
			EWMAAlpha:              0.3,
			ZThreshold:             2.5,
			EWMADeviationThreshold: 0.5,
			FallbackPercentile:     95,
		},
		CooldownPeriod:  30 * time.Minute,
		CollectInterval: 2 * time.Minute,
		CleanupInterval: time.Hour,
		CollectionRetry: config.RetryPolicy{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond},
		DispatchRetry:   config.RetryPolicy{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond},
		AlertRetention:  7 * 24 * time.Hour,
		MetricRetention: 30 * 24 * time.Hour,
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, src collector.Collector, store SampleStore) (*Pipeline, *recordingNotifier, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	detectors := anomaly.NewRegistry(anomaly.Config{
		WindowSize:         cfg.Detection.WindowSize,
		Alpha:              cfg.Detection.EWMAAlpha,
		ZThreshold:         cfg.Detection.ZThreshold,
		DeviationThreshold: cfg.Detection.EWMADeviationThreshold,
		FallbackPercentile: cfg.Detection.FallbackPercentile,
	}, reg)
	notifier := &recordingNotifier{}
	alerts := alerting.NewManager(alerting.Options{
		Cooldown:    cfg.CooldownPeriod,
		SendTimeout: time.Second,
		Notifier:    notifier,
		Metrics:     reg,
	})
	resolver, err := location.NewGazetteerResolver(nil, 0)
	require.NoError(t, err)

	p := NewPipeline(PipelineOptions{
		Config:    cfg,
		Source:    src,
		Detectors: detectors,
		Alerts:    alerts,
		Store:     store,
		Scheduler: scheduler.New(nil, reg),
		Resolver:  resolver,
		Metrics:   reg,
	})
	return p, notifier, reg
}

func baselineSamples(n int, value float64) []models.Sample {
	out := make([]models.Sample, n)
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	for i := range out {
		out[i] = models.Sample{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: value, SourceTag: "test"}
	}
	return out
}

func TestPipeline_InjectedSpikeProducesLocatedAlert(t *testing.T) {
	cfg := testConfig()
	p, notifier, reg := newTestPipeline(t, cfg, collector.NewSimulatedCollector(5, 0, 1), newMemoryStore())
	ctx := context.Background()

	p.InjectSamples(ctx, "flood", baselineSamples(15, 5))
	events := p.InjectSamples(ctx, "flood", []models.Sample{
		{Value: 50, Text: "flood waters rising fast in Chennai, avoid T Nagar"},
	})

	require.Len(t, events, 1)
	assert.Equal(t, models.DecisionAnomaly, events[0].Decision)

	sent := notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "flood", sent[0].DisasterType)
	assert.Equal(t, "chennai", sent[0].Location)
	assert.Equal(t, 16.0, reg.Counter(metrics.CounterSamplesProcessed))
	assert.Equal(t, 1.0, reg.Counter(metrics.CounterAnomaliesDetected))
}

func TestPipeline_SpikeWithoutTextFallsBackToUnknownLocation(t *testing.T) {
	cfg := testConfig()
	p, notifier, _ := newTestPipeline(t, cfg, collector.NewSimulatedCollector(5, 0, 1), nil)
	ctx := context.Background()

	p.InjectSamples(ctx, "flood", baselineSamples(15, 5))
	p.InjectSamples(ctx, "flood", []models.Sample{{Value: 50}})

	sent := notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.LocationUnknown, sent[0].Location)
}

func TestPipeline_CollectErrorLeavesDetectorUntouched(t *testing.T) {
	cfg := testConfig()
	p, _, reg := newTestPipeline(t, cfg, failingCollector{}, nil)

	err := p.collectOnce(context.Background(), "flood")

	var cerr *collector.CollectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1.0, reg.Counter(metrics.CounterCollectionErrors))
	assert.Equal(t, 0.0, reg.Counter(metrics.CounterSamplesProcessed))
	assert.Equal(t, 0, p.detectors.Detector("flood").Len())
}

func TestPipeline_StartSeedsDetectorsFromStore(t *testing.T) {
	cfg := testConfig()
	store := newMemoryStore()
	require.NoError(t, store.StoreSamples(context.Background(), "flood", baselineSamples(15, 5)))

	p, notifier, _ := newTestPipeline(t, cfg, collector.NewSimulatedCollector(5, 0, 1), store)
	p.seedDetectors(context.Background())

	assert.Equal(t, 15, p.detectors.Detector("flood").Len())

	// The very next spike evaluates with a full window, not cold start.
	events := p.InjectSamples(context.Background(), "flood", []models.Sample{{Value: 50, Text: "flood in Mumbai"}})
	require.Len(t, events, 1)
	assert.Equal(t, models.DecisionAnomaly, events[0].Decision)
	assert.Equal(t, models.ConfidenceFull, events[0].Confidence)
	require.Len(t, notifier.sent(), 1)
}

func TestPipeline_StartRegistersTasks(t *testing.T) {
	cfg := testConfig()
	cfg.Keywords = []string{"flood", "fire"}
	store := newMemoryStore()
	p, _, _ := newTestPipeline(t, cfg, collector.NewSimulatedCollector(5, 0, 1), store)

	require.NoError(t, p.Start(context.Background()))

	names := map[string]bool{}
	for _, st := range p.sched.Health() {
		names[st.Name] = true
	}
	assert.True(t, names["collect:flood"])
	assert.True(t, names["collect:fire"])
	assert.True(t, names["cleanup"])
}

func TestPipeline_CleanupTask(t *testing.T) {
	cfg := testConfig()
	store := newMemoryStore()
	p, _, _ := newTestPipeline(t, cfg, collector.NewSimulatedCollector(5, 0, 1), store)

	require.NoError(t, p.runCleanup(context.Background()))
	assert.Equal(t, 1, store.cleaned)
}
