// Package service wires the detection pipeline together: scheduled
// collection per keyword, per-signal anomaly evaluation, alert
// consideration, and periodic retention cleanup.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

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

// SampleStore is the slice of the repository the pipeline needs. Nil
// disables persistence and cold-start seeding.
type SampleStore interface {
	StoreSamples(ctx context.Context, signal string, samples []models.Sample) error
	RecentSamples(ctx context.Context, signal string, limit int) ([]models.Sample, error)
	Cleanup(ctx context.Context, sampleRetention, alertRetention time.Duration) (repository.CleanupResult, error)
}

// Pipeline owns the end-to-end path from raw samples to alerts. All
// entry points (scheduled collection and manual injection) feed the
// same processSample path so behavior cannot diverge.
type Pipeline struct {
	cfg       *config.Config
	source    collector.Collector
	detectors *anomaly.Registry
	alerts    *alerting.Manager
	store     SampleStore
	sched     *scheduler.Scheduler
	resolver  location.Resolver
	reg       *metrics.Registry
	log       *slog.Logger

	// onEvent receives every evaluation result (live feed). Optional.
	onEvent func(models.AnomalyEvent)
}

// PipelineOptions configures a Pipeline. Store, Resolver, and OnEvent
// may be nil.
type PipelineOptions struct {
	Config    *config.Config
	Source    collector.Collector
	Detectors *anomaly.Registry
	Alerts    *alerting.Manager
	Store     SampleStore
	Scheduler *scheduler.Scheduler
	Resolver  location.Resolver
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	OnEvent   func(models.AnomalyEvent)
}

// NewPipeline assembles the pipeline; call Start to register its tasks.
func NewPipeline(opts PipelineOptions) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:       opts.Config,
		source:    opts.Source,
		detectors: opts.Detectors,
		alerts:    opts.Alerts,
		store:     opts.Store,
		sched:     opts.Scheduler,
		resolver:  opts.Resolver,
		reg:       opts.Metrics,
		log:       log,
		onEvent:   opts.OnEvent,
	}
}

// Start seeds detector windows from persisted samples and registers one
// collect task per keyword plus the retention cleanup task. The
// scheduler must not have been started yet.
func (p *Pipeline) Start(ctx context.Context) error {
	p.seedDetectors(ctx)

	for _, kw := range p.cfg.Keywords {
		keyword := kw
		name := "collect:" + keyword
		policy := toSchedulerPolicy(p.cfg.CollectionRetry)
		err := p.sched.Register(name, p.cfg.CollectInterval, true, policy, func(taskCtx context.Context) error {
			return p.collectOnce(taskCtx, keyword)
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	if p.store != nil {
		cleanupPolicy := scheduler.RetryPolicy{
			MaxRetries:  2,
			BackoffBase: time.Minute,
			BackoffCap:  10 * time.Minute,
		}
		err := p.sched.Register("cleanup", p.cfg.CleanupInterval, false, cleanupPolicy, p.runCleanup)
		if err != nil {
			return fmt.Errorf("register cleanup: %w", err)
		}
	}
	return nil
}

// seedDetectors warms each signal's window from the newest persisted
// samples so a restart does not reset anomaly detection to cold start.
func (p *Pipeline) seedDetectors(ctx context.Context) {
	if p.store == nil {
		return
	}
	for _, kw := range p.cfg.Keywords {
		samples, err := p.store.RecentSamples(ctx, kw, p.cfg.Detection.WindowSize)
		if err != nil {
			p.log.Warn("failed to seed detector history", "signal", kw, "err", err)
			continue
		}
		if len(samples) == 0 {
			continue
		}
		p.detectors.Detector(kw).SeedHistory(samples)
		p.log.Info("seeded detector from persisted samples", "signal", kw, "samples", len(samples))
	}
}

// collectOnce fetches one batch for a signal and runs it through the
// detection path. Fetch errors are returned to the scheduler so its
// backoff policy applies; detector state is untouched on error.
func (p *Pipeline) collectOnce(ctx context.Context, signal string) error {
	samples, err := p.source.Fetch(ctx, signal, p.cfg.CollectInterval)
	if err != nil {
		if p.reg != nil {
			p.reg.Inc(metrics.CounterCollectionErrors)
		}
		return err
	}

	p.persistSamples(ctx, signal, samples)
	for _, s := range samples {
		p.processSample(ctx, signal, s)
	}
	return nil
}

// InjectSamples feeds manually supplied samples through the identical
// detection path as scheduled collection. Used by the simulation API.
func (p *Pipeline) InjectSamples(ctx context.Context, signal string, samples []models.Sample) []models.AnomalyEvent {
	now := time.Now().UTC()
	for i := range samples {
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = now
		}
		if samples[i].SourceTag == "" {
			samples[i].SourceTag = "manual"
		}
	}

	p.persistSamples(ctx, signal, samples)
	events := make([]models.AnomalyEvent, 0, len(samples))
	for _, s := range samples {
		events = append(events, p.processSample(ctx, signal, s))
	}
	return events
}

// processSample is the single evaluation path: observe, publish, and
// hand anomalies to the alert manager.
func (p *Pipeline) processSample(ctx context.Context, signal string, s models.Sample) models.AnomalyEvent {
	ev := p.detectors.Detector(signal).Observe(s)

	if p.reg != nil {
		p.reg.Inc(metrics.CounterSamplesProcessed)
	}

	if p.onEvent != nil {
		p.onEvent(ev)
	}

	if ev.Decision != models.DecisionAnomaly {
		return ev
	}

	if p.reg != nil {
		p.reg.Inc(metrics.CounterAnomaliesDetected)
		p.reg.SetGauge(metrics.GaugeLastAnomalyScore, ev.ZScore)
	}

	loc := models.LocationUnknown
	if p.resolver != nil && s.Text != "" {
		if resolved, ok := p.resolver.Resolve(ctx, s.Text); ok {
			loc = resolved
		}
	}

	p.log.Info("anomaly detected",
		"signal", signal, "value", s.Value, "z_score", ev.ZScore,
		"confidence", string(ev.Confidence), "location", loc)
	p.alerts.Consider(ctx, ev, loc)
	return ev
}

func (p *Pipeline) persistSamples(ctx context.Context, signal string, samples []models.Sample) {
	if p.store == nil || len(samples) == 0 {
		return
	}
	if err := p.store.StoreSamples(ctx, signal, samples); err != nil {
		p.log.Warn("best-effort sample persistence failed", "signal", signal, "err", err)
		if p.reg != nil {
			p.reg.Inc(metrics.CounterPersistenceErrors)
		}
	}
}

// runCleanup is the retention task body.
func (p *Pipeline) runCleanup(ctx context.Context) error {
	result, err := p.store.Cleanup(ctx, p.cfg.MetricRetention, p.cfg.AlertRetention)
	if err != nil {
		return fmt.Errorf("retention cleanup: %w", err)
	}
	p.log.Info("retention cleanup complete",
		"samples_deleted", result.SamplesDeleted,
		"alerts_deleted", result.AlertsDeleted,
		"suppressions_deleted", result.SuppressionsDeleted)
	return nil
}

func toSchedulerPolicy(p config.RetryPolicy) scheduler.RetryPolicy {
	return scheduler.RetryPolicy{
		MaxRetries:  p.MaxRetries,
		BackoffBase: p.BackoffBase,
		BackoffCap:  p.BackoffCap,
	}
}
