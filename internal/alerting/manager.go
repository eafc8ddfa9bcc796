package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdsense/crowdsense-backend/internal/metrics"
	"github.com/crowdsense/crowdsense-backend/internal/models"
	"github.com/crowdsense/crowdsense-backend/internal/scheduler"
)

// Store is the persistence collaborator. Writes are best-effort and
// write-behind; a failing store never blocks dedup or dispatch.
type Store interface {
	StoreAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, attempts int) error
	StoreSuppression(ctx context.Context, rec *models.SuppressionRecord) error
}

// Manager owns the alert lifecycle from creation through terminal status.
// The dedup check-and-create is its single critical section; all network
// calls happen outside the lock.
type Manager struct {
	cooldown       time.Duration
	dispatchPolicy scheduler.RetryPolicy
	sendTimeout    time.Duration

	notifier Notifier
	store    Store
	sched    *scheduler.Scheduler
	reg      *metrics.Registry
	log      *slog.Logger

	// onDispatched is invoked after a successful dispatch (live feed).
	onDispatched func(models.Alert)

	mu     sync.Mutex
	active map[string]*models.Alert // dedupKey -> non-suppressed alert

	now func() time.Time
}

// Options configures a Manager.
type Options struct {
	Cooldown       time.Duration
	DispatchPolicy scheduler.RetryPolicy
	SendTimeout    time.Duration
	Notifier       Notifier
	Store          Store
	Scheduler      *scheduler.Scheduler
	Metrics        *metrics.Registry
	Logger         *slog.Logger
	OnDispatched   func(models.Alert)
}

// NewManager creates an alert manager. Store, Scheduler, Metrics, and
// OnDispatched may be nil; Notifier is required.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Manager{
		cooldown:       opts.Cooldown,
		dispatchPolicy: opts.DispatchPolicy,
		sendTimeout:    sendTimeout,
		notifier:       opts.Notifier,
		store:          opts.Store,
		sched:          opts.Scheduler,
		reg:            opts.Metrics,
		log:            log,
		onDispatched:   opts.OnDispatched,
		active:         make(map[string]*models.Alert),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Consider processes one anomaly decision. Call only for events with
// DecisionAnomaly. Returns the created or suppressing record's alert and
// whether the event was suppressed by the cooldown window.
func (m *Manager) Consider(ctx context.Context, ev models.AnomalyEvent, location string) (*models.Alert, bool) {
	createdAt := m.now()
	key := models.DedupKey(ev.Signal, location, createdAt, m.cooldown)

	m.mu.Lock()
	m.pruneLocked(createdAt)
	if existing, ok := m.active[key]; ok {
		existingCopy := *existing
		m.mu.Unlock()
		m.recordSuppression(ctx, key, ev, location, createdAt)
		return &existingCopy, true
	}
	alert := &models.Alert{
		ID:           uuid.New().String(),
		DisasterType: ev.Signal,
		Location:     models.NormalizeLocation(location),
		Severity:     severityFor(ev.ZScore),
		Message: fmt.Sprintf("Possible %s near %s: spike of %.0f posts (z-score %.2f)",
			ev.Signal, models.NormalizeLocation(location), ev.Value, ev.ZScore),
		DedupKey:  key,
		ZScore:    ev.ZScore,
		Status:    models.AlertPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	m.active[key] = alert
	alertCopy := *alert
	m.mu.Unlock()

	// Best-effort persistence, then dispatch outside any lock.
	m.persistAlert(ctx, &alertCopy)
	m.dispatch(ctx, alert)

	// Read through the retained pointer, not the map: a concurrent
	// Consider may have pruned the entry while dispatch was in flight.
	m.mu.Lock()
	final := *alert
	m.mu.Unlock()
	return &final, false
}

// dispatch attempts delivery once and hands failures to the scheduler's
// one-shot retry machinery with the independent dispatch policy.
func (m *Manager) dispatch(ctx context.Context, alert *models.Alert) {
	err := m.sendOnce(ctx, alert)
	if err == nil {
		return
	}

	m.log.Warn("alert dispatch failed, scheduling retries",
		"alert_id", alert.ID, "dedup_key", alert.DedupKey, "err", err)

	if m.sched == nil {
		return
	}
	id := alert.ID
	taskName := "dispatch:" + id
	if serr := m.sched.Submit(taskName, m.dispatchPolicy, func(taskCtx context.Context) error {
		return m.retrySend(taskCtx, id, alert.DedupKey)
	}); serr != nil {
		m.log.Error("failed to schedule dispatch retry", "alert_id", id, "err", serr)
	}
}

// sendOnce performs a single delivery attempt and records the outcome.
func (m *Manager) sendOnce(ctx context.Context, alert *models.Alert) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	m.mu.Lock()
	alert.DispatchAttempts++
	attempts := alert.DispatchAttempts
	alertCopy := *alert
	m.mu.Unlock()

	err := m.notifier.Send(sendCtx, alertCopy)

	m.mu.Lock()
	if err == nil {
		alert.Status = models.AlertDispatched
	} else {
		alert.Status = models.AlertFailedDispatch
	}
	alert.UpdatedAt = m.now()
	alertCopy = *alert
	m.mu.Unlock()

	m.persistStatus(ctx, alertCopy.ID, alertCopy.Status, attempts)

	if err == nil {
		if m.reg != nil {
			m.reg.Inc(metrics.CounterAlertsSent)
		}
		m.log.Info("alert dispatched",
			"alert_id", alertCopy.ID, "disaster_type", alertCopy.DisasterType,
			"location", alertCopy.Location, "attempts", attempts)
		if m.onDispatched != nil {
			m.onDispatched(alertCopy)
		}
		return nil
	}

	if m.reg != nil {
		m.reg.Inc(metrics.CounterDispatchFailures)
	}
	return err
}

// retrySend is the one-shot retry body. It looks the alert up by dedup
// key so a concurrent success short-circuits the remaining retries.
func (m *Manager) retrySend(ctx context.Context, alertID, dedupKey string) error {
	m.mu.Lock()
	alert, ok := m.active[dedupKey]
	if !ok || alert.ID != alertID || alert.Status == models.AlertDispatched {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.sendOnce(ctx, alert); err != nil {
		return fmt.Errorf("dispatch %s: %w", alertID, err)
	}
	return nil
}

func (m *Manager) recordSuppression(ctx context.Context, key string, ev models.AnomalyEvent, location string, at time.Time) {
	rec := &models.SuppressionRecord{
		ID:           uuid.New().String(),
		DedupKey:     key,
		DisasterType: ev.Signal,
		Location:     models.NormalizeLocation(location),
		ZScore:       ev.ZScore,
		CreatedAt:    at,
	}
	if m.reg != nil {
		m.reg.Inc(metrics.CounterAlertsSuppressed)
	}
	m.log.Info("anomaly suppressed by cooldown",
		"dedup_key", key, "disaster_type", ev.Signal, "location", rec.Location)

	if m.store == nil {
		return
	}
	if err := m.store.StoreSuppression(ctx, rec); err != nil {
		m.persistenceError("store suppression", err)
	}
}

func (m *Manager) persistAlert(ctx context.Context, alert *models.Alert) {
	if m.store == nil {
		return
	}
	if err := m.store.StoreAlert(ctx, alert); err != nil {
		m.persistenceError("store alert", err)
	}
}

func (m *Manager) persistStatus(ctx context.Context, id string, status models.AlertStatus, attempts int) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateAlertStatus(ctx, id, status, attempts); err != nil {
		m.persistenceError("update alert status", err)
	}
}

func (m *Manager) persistenceError(op string, err error) {
	m.log.Warn("best-effort persistence failed", "op", op, "err", err)
	if m.reg != nil {
		m.reg.Inc(metrics.CounterPersistenceErrors)
	}
}

// pruneLocked drops entries whose cooldown bucket can no longer collide
// with new dedup keys. Requires m.mu held.
func (m *Manager) pruneLocked(now time.Time) {
	if m.cooldown <= 0 {
		return
	}
	horizon := now.Add(-2 * m.cooldown)
	for key, alert := range m.active {
		if alert.CreatedAt.Before(horizon) {
			delete(m.active, key)
		}
	}
}

// Active returns a copy of the non-suppressed alerts currently tracked.
func (m *Manager) Active() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// severityFor maps a z-score to an operator-facing severity label.
func severityFor(z float64) string {
	switch {
	case z >= 5:
		return "critical"
	case z >= 3.5:
		return "high"
	default:
		return "moderate"
	}
}
