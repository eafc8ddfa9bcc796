// Package scheduler runs named background tasks on independent timers
// with bounded retry, overlap protection, and cooperative shutdown. Each
// task walks Idle -> Running -> {Idle, RetryWait -> Running, Failed};
// Failed is terminal until an explicit reset.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crowdsense/crowdsense-backend/internal/metrics"
	"github.com/crowdsense/crowdsense-backend/internal/models"
	pkgmetrics "github.com/crowdsense/crowdsense-backend/internal/pkg/metrics"
)

// Task is one unit of scheduled work. It must observe ctx at its natural
// suspension points and return promptly once ctx is cancelled.
type Task func(ctx context.Context) error

// RetryPolicy bounds the retry loop of one task.
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Backoff returns the wait before retry attempt n (0-based):
// base * 2^n, capped.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if p.BackoffCap > 0 && d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if p.BackoffCap > 0 && d > p.BackoffCap {
		d = p.BackoffCap
	}
	return d
}

type taskEntry struct {
	name           string
	interval       time.Duration // 0 = one-shot
	runImmediately bool
	policy         RetryPolicy
	fn             Task

	mu         sync.Mutex
	state      models.TaskState
	lastRun    time.Time
	lastStatus models.RunStatus
	lastErr    string
	runCount   int
	retryCount int

	wake chan struct{} // manual trigger, capacity 1
}

// Scheduler owns the task registry. Register tasks before Start; one-shot
// jobs may be submitted at any time after Start.
type Scheduler struct {
	log *slog.Logger
	reg *metrics.Registry

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. reg may be nil in tests.
func New(log *slog.Logger, reg *metrics.Registry) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:   log,
		reg:   reg,
		tasks: make(map[string]*taskEntry),
	}
}

// Register adds a named periodic task. Names are unique keys; registering
// a duplicate is an error. interval must be positive.
func (s *Scheduler) Register(name string, interval time.Duration, runImmediately bool, policy RetryPolicy, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: task %q interval must be > 0", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("scheduler: task %q already registered", name)
	}
	e := &taskEntry{
		name:           name,
		interval:       interval,
		runImmediately: runImmediately,
		policy:         policy,
		fn:             fn,
		state:          models.TaskIdle,
		lastStatus:     models.RunStatusNone,
		wake:           make(chan struct{}, 1),
	}
	s.tasks[name] = e
	if s.started {
		s.wg.Add(1)
		go s.runLoop(e)
	}
	return nil
}

// Start launches one goroutine per registered task. Tasks registered
// after Start are launched immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, e := range s.tasks {
		s.wg.Add(1)
		go s.runLoop(e)
	}
	s.log.Info("scheduler started", "tasks", len(s.tasks))
}

func (s *Scheduler) runLoop(e *taskEntry) {
	defer s.wg.Done()

	if e.runImmediately {
		s.execute(e)
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.execute(e)
			drain(ticker.C)
		case <-e.wake:
			s.execute(e)
			drain(ticker.C)
		}
	}
}

// drain discards a tick that accumulated while the task was executing,
// so a missed tick is dropped instead of queued.
func drain(c <-chan time.Time) {
	select {
	case <-c:
	default:
	}
}

// execute runs one task cycle including its retry loop. A task already
// in Running or RetryWait drops the tick rather than queueing it.
func (s *Scheduler) execute(e *taskEntry) {
	e.mu.Lock()
	if e.state != models.TaskIdle {
		// Overlap protection and terminal-failure latch: a Running,
		// RetryWait, or Failed task is never re-triggered by its timer.
		skipped := e.state
		e.mu.Unlock()
		if skipped != models.TaskFailed {
			s.log.Debug("tick dropped, task busy", "task", e.name, "state", string(skipped))
		}
		return
	}
	e.state = models.TaskRunning
	e.mu.Unlock()

	for {
		start := time.Now().UTC()
		err := s.runBody(e)

		e.mu.Lock()
		e.lastRun = start
		e.runCount++
		if err == nil {
			e.state = models.TaskIdle
			e.lastStatus = models.RunStatusSuccess
			e.lastErr = ""
			e.retryCount = 0
			e.mu.Unlock()
			pkgmetrics.TaskRunsTotal.WithLabelValues(e.name, "success").Inc()
			return
		}

		e.lastStatus = models.RunStatusError
		e.lastErr = err.Error()
		pkgmetrics.TaskRunsTotal.WithLabelValues(e.name, "error").Inc()

		if e.retryCount >= e.policy.MaxRetries {
			e.state = models.TaskFailed
			e.mu.Unlock()
			s.log.Error("task failed terminally, needs reset",
				"task", e.name, "retries", e.policy.MaxRetries, "err", err)
			s.updateFailedGauge()
			return
		}

		wait := e.policy.Backoff(e.retryCount)
		e.retryCount++
		e.state = models.TaskRetryWait
		e.mu.Unlock()
		s.log.Warn("task failed, backing off",
			"task", e.name, "retry", e.retryCount, "backoff", wait, "err", err)

		// Backoff is a suspension point: shutdown must not wait it out.
		select {
		case <-s.ctx.Done():
			e.mu.Lock()
			e.state = models.TaskIdle
			e.mu.Unlock()
			return
		case <-time.After(wait):
		}

		e.mu.Lock()
		e.state = models.TaskRunning
		e.mu.Unlock()
	}
}

func (s *Scheduler) runBody(e *taskEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return e.fn(s.ctx)
}

// RunNow triggers an extra execution of a registered task without
// waiting for its timer. Returns an error for unknown names. The trigger
// is dropped if one is already pending.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Submit runs a one-shot job under the scheduler's lifecycle and retry
// semantics. Successful jobs are removed from the registry; terminally
// failed ones remain visible in Health until reset or shutdown.
func (s *Scheduler) Submit(name string, policy RetryPolicy, fn Task) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: not started")
	}
	if _, exists := s.tasks[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: task %q already registered", name)
	}
	e := &taskEntry{
		name:       name,
		policy:     policy,
		fn:         fn,
		state:      models.TaskIdle,
		lastStatus: models.RunStatusNone,
		wake:       make(chan struct{}, 1),
	}
	s.tasks[name] = e
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(e)
		e.mu.Lock()
		done := e.state == models.TaskIdle
		e.mu.Unlock()
		if done {
			s.mu.Lock()
			delete(s.tasks, name)
			s.mu.Unlock()
		}
	}()
	return nil
}

// Reset returns a terminally failed task to Idle so its timer can fire
// again. Resetting a non-failed task is a no-op.
func (s *Scheduler) Reset(name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	e.mu.Lock()
	if e.state == models.TaskFailed {
		e.state = models.TaskIdle
		e.retryCount = 0
	}
	e.mu.Unlock()
	s.updateFailedGauge()
	return nil
}

// Health reports every task's state without blocking on running bodies.
func (s *Scheduler) Health() []models.TaskStatus {
	s.mu.Lock()
	entries := make([]*taskEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]models.TaskStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, models.TaskStatus{
			Name:       e.name,
			State:      e.state,
			Interval:   e.interval.String(),
			LastRun:    e.lastRun,
			LastStatus: e.lastStatus,
			LastError:  e.lastErr,
			RunCount:   e.runCount,
			RetryCount: e.retryCount,
			MaxRetries: e.policy.MaxRetries,
		})
		e.mu.Unlock()
	}
	return out
}

// Shutdown stops starting new runs and blocks until all tasks settle or
// ctx expires, after which the stragglers are abandoned and logged.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		for _, st := range s.Health() {
			if st.State == models.TaskRunning || st.State == models.TaskRetryWait {
				s.log.Warn("abandoning task at shutdown", "task", st.Name, "state", string(st.State))
			}
		}
		return fmt.Errorf("scheduler: shutdown timed out: %w", ctx.Err())
	}
}

func (s *Scheduler) updateFailedGauge() {
	failed := 0
	for _, st := range s.Health() {
		if st.State == models.TaskFailed {
			failed++
		}
	}
	if s.reg != nil {
		s.reg.SetGauge(metrics.GaugeTasksFailed, float64(failed))
	}
}
