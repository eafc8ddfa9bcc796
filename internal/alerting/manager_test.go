package alerting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdsense/crowdsense-backend/internal/metrics"
	"github.com/crowdsense/crowdsense-backend/internal/models"
	"github.com/crowdsense/crowdsense-backend/internal/scheduler"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sends int
	fail  bool
	// failFirst fails the first n attempts, then succeeds.
	failFirst int
}

func (f *fakeNotifier) Send(ctx context.Context, alert models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.fail {
		return errors.New("notifier unavailable")
	}
	if f.sends <= f.failFirst {
		return errors.New("notifier flapping")
	}
	return nil
}

func (f *fakeNotifier) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type fakeStore struct {
	mu           sync.Mutex
	alerts       []models.Alert
	suppressions []models.SuppressionRecord
	statusByID   map[string]models.AlertStatus
	fail         bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{statusByID: make(map[string]models.AlertStatus)}
}

func (f *fakeStore) StoreAlert(ctx context.Context, alert *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.alerts = append(f.alerts, *alert)
	return nil
}

func (f *fakeStore) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.statusByID[id] = status
	return nil
}

func (f *fakeStore) StoreSuppression(ctx context.Context, rec *models.SuppressionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.suppressions = append(f.suppressions, *rec)
	return nil
}

func (f *fakeStore) suppressionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.suppressions)
}

// bucketStart aligns the fake clock to a cooldown bucket boundary so two
// events inside the window share a dedup key.
func bucketStart(cooldown time.Duration) time.Time {
	sec := int64(cooldown.Seconds())
	return time.Unix((1_700_000_000/sec)*sec, 0).UTC()
}

func anomalyEvent(signal string, z float64) models.AnomalyEvent {
	return models.AnomalyEvent{
		Timestamp:  time.Now().UTC(),
		Signal:     signal,
		Value:      50,
		ZScore:     z,
		Decision:   models.DecisionAnomaly,
		Confidence: models.ConfidenceFull,
	}
}

func newTestManager(t *testing.T, notifier Notifier, store Store, sched *scheduler.Scheduler) (*Manager, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	m := NewManager(Options{
		Cooldown: 30 * time.Minute,
		DispatchPolicy: scheduler.RetryPolicy{
			MaxRetries:  2,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
		},
		SendTimeout: time.Second,
		Notifier:    notifier,
		Store:       store,
		Scheduler:   sched,
		Metrics:     reg,
	})
	return m, reg
}

func TestManager_DispatchSuccess(t *testing.T) {
	n := &fakeNotifier{}
	store := newFakeStore()
	m, reg := newTestManager(t, n, store, nil)

	alert, suppressed := m.Consider(context.Background(), anomalyEvent("flood", 3.7), "Chennai")

	require.False(t, suppressed)
	assert.Equal(t, models.AlertDispatched, alert.Status)
	assert.Equal(t, "flood", alert.DisasterType)
	assert.Equal(t, "chennai", alert.Location)
	assert.Equal(t, 1, alert.DispatchAttempts)
	assert.Equal(t, "high", alert.Severity)
	assert.Equal(t, 1, n.sendCount())
	assert.Equal(t, 1.0, reg.Counter(metrics.CounterAlertsSent))
	assert.Equal(t, models.AlertDispatched, store.statusByID[alert.ID])
}

func TestManager_DedupWithinCooldown(t *testing.T) {
	n := &fakeNotifier{}
	store := newFakeStore()
	m, reg := newTestManager(t, n, store, nil)

	clock := bucketStart(30 * time.Minute)
	m.now = func() time.Time { return clock }

	first, suppressed := m.Consider(context.Background(), anomalyEvent("flood", 4.0), "Chennai")
	require.False(t, suppressed)

	clock = clock.Add(10 * time.Minute)
	second, suppressed := m.Consider(context.Background(), anomalyEvent("flood", 6.0), "chennai ")

	assert.True(t, suppressed, "second event inside the cooldown must be suppressed")
	assert.Equal(t, first.ID, second.ID, "suppression points at the existing alert")
	assert.Equal(t, 1, n.sendCount(), "a suppressed event is never dispatched")
	assert.Equal(t, 1, store.suppressionCount())
	assert.Equal(t, 1.0, reg.Counter(metrics.CounterAlertsSuppressed))
	assert.Len(t, m.Active(), 1)
}

func TestManager_NewAlertAfterCooldown(t *testing.T) {
	n := &fakeNotifier{}
	m, _ := newTestManager(t, n, newFakeStore(), nil)

	clock := bucketStart(30 * time.Minute)
	m.now = func() time.Time { return clock }

	first, _ := m.Consider(context.Background(), anomalyEvent("fire", 3.0), "Delhi")

	clock = clock.Add(31 * time.Minute)
	second, suppressed := m.Consider(context.Background(), anomalyEvent("fire", 3.0), "Delhi")

	assert.False(t, suppressed, "a repeat after the cooldown is a new, independent alert")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, n.sendCount())
}

func TestManager_DifferentLocationsAreIndependent(t *testing.T) {
	n := &fakeNotifier{}
	m, _ := newTestManager(t, n, newFakeStore(), nil)
	clock := bucketStart(30 * time.Minute)
	m.now = func() time.Time { return clock }

	_, s1 := m.Consider(context.Background(), anomalyEvent("storm", 3.0), "Mumbai")
	_, s2 := m.Consider(context.Background(), anomalyEvent("storm", 3.0), "Kolkata")

	assert.False(t, s1)
	assert.False(t, s2)
	assert.Equal(t, 2, n.sendCount())
}

func TestManager_UnknownLocationStillAlerts(t *testing.T) {
	n := &fakeNotifier{}
	m, _ := newTestManager(t, n, newFakeStore(), nil)

	alert, suppressed := m.Consider(context.Background(), anomalyEvent("earthquake", 4.2), "")

	assert.False(t, suppressed)
	assert.Equal(t, models.LocationUnknown, alert.Location)
	assert.Equal(t, models.AlertDispatched, alert.Status)
}

func TestManager_DispatchRetryRecovers(t *testing.T) {
	n := &fakeNotifier{failFirst: 2}
	store := newFakeStore()
	sched := scheduler.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	m, _ := newTestManager(t, n, store, sched)

	alert, suppressed := m.Consider(context.Background(), anomalyEvent("cyclone", 5.5), "Odisha")
	require.False(t, suppressed)
	assert.Equal(t, models.AlertFailedDispatch, alert.Status, "first attempt fails")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		status := store.statusByID[alert.ID]
		store.mu.Unlock()
		if status == models.AlertDispatched {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	store.mu.Lock()
	finalStatus := store.statusByID[alert.ID]
	store.mu.Unlock()
	assert.Equal(t, models.AlertDispatched, finalStatus, "retry must eventually dispatch")
	assert.Equal(t, 3, n.sendCount())

	sc, scCancel := context.WithTimeout(context.Background(), time.Second)
	defer scCancel()
	_ = sched.Shutdown(sc)
}

func TestManager_DispatchCeilingLeavesFailedPermanently(t *testing.T) {
	n := &fakeNotifier{fail: true}
	store := newFakeStore()
	sched := scheduler.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	m, reg := newTestManager(t, n, store, sched)

	alert, _ := m.Consider(context.Background(), anomalyEvent("tsunami", 6.0), "coast")
	require.Equal(t, models.AlertFailedDispatch, alert.Status)

	// Retry ceiling: 1 initial + 1 retry-task initial + 2 retries = 4.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && n.sendCount() < 4 {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, n.sendCount(), "attempts stop at the ceiling")
	assert.GreaterOrEqual(t, reg.Counter(metrics.CounterDispatchFailures), 4.0)

	store.mu.Lock()
	status := store.statusByID[alert.ID]
	store.mu.Unlock()
	assert.Equal(t, models.AlertFailedDispatch, status)

	sc, scCancel := context.WithTimeout(context.Background(), time.Second)
	defer scCancel()
	_ = sched.Shutdown(sc)
}

func TestManager_ConcurrentSameKeyCreatesOneAlert(t *testing.T) {
	n := &fakeNotifier{}
	m, _ := newTestManager(t, n, newFakeStore(), nil)
	clock := bucketStart(30 * time.Minute)
	m.now = func() time.Time { return clock }

	var nonSuppressed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, suppressed := m.Consider(context.Background(), anomalyEvent("flood", 3.0), "Chennai"); !suppressed {
				nonSuppressed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), nonSuppressed.Load(), "check-and-create must be atomic")
	assert.Len(t, m.Active(), 1)
}

func TestManager_PersistenceFailureNeverBlocksDispatch(t *testing.T) {
	n := &fakeNotifier{}
	store := newFakeStore()
	store.fail = true
	m, reg := newTestManager(t, n, store, nil)

	alert, suppressed := m.Consider(context.Background(), anomalyEvent("landslide", 3.1), "hills")

	assert.False(t, suppressed)
	assert.Equal(t, models.AlertDispatched, alert.Status)
	assert.Greater(t, reg.Counter(metrics.CounterPersistenceErrors), 0.0)
}

// blockingNotifier parks the first Send until released; later sends
// succeed immediately.
type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (b *blockingNotifier) Send(ctx context.Context, alert models.Alert) error {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
	return nil
}

func TestManager_PrunedDuringDispatchStillReturnsAlert(t *testing.T) {
	n := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newTestManager(t, n, nil, nil)
	m.cooldown = 10 * time.Millisecond

	var clockMu sync.Mutex
	clock := bucketStart(time.Minute)
	m.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	type result struct {
		alert      *models.Alert
		suppressed bool
	}
	done := make(chan result, 1)
	go func() {
		alert, suppressed := m.Consider(context.Background(), anomalyEvent("flood", 3.0), "chennai")
		done <- result{alert, suppressed}
	}()

	// While the first dispatch is parked in Send, advance past the prune
	// horizon and let an unrelated Consider evict the first entry.
	<-n.entered
	clockMu.Lock()
	clock = clock.Add(25 * m.cooldown)
	clockMu.Unlock()
	_, suppressed := m.Consider(context.Background(), anomalyEvent("fire", 3.0), "mumbai")
	require.False(t, suppressed)
	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "fire", active[0].DisasterType)

	close(n.release)
	res := <-done
	require.NotNil(t, res.alert)
	assert.False(t, res.suppressed)
	assert.Equal(t, models.AlertDispatched, res.alert.Status)
}
