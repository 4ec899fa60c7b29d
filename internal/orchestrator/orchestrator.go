// Package orchestrator owns the daemon's background schedules: journal
// drains on a short interval, anchor and vault sweeps on cron expressions,
// and retention cleanup. Every task runs as a singleton with a per-iteration
// deadline; a failing iteration is logged and counted, never fatal to the
// schedule.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/metrics"
)

// ErrDrainTimeout reports a shutdown that cut off still-running iterations.
var ErrDrainTimeout = errors.New("orchestrator: drain timeout exceeded")

// Task is one schedulable unit of background work.
type Task struct {
	// Name is a stable identifier used in logs and metric labels.
	Name string

	// Run does one iteration. It must honor ctx and return rather than
	// loop.
	Run func(ctx context.Context) error

	// Timeout overrides the derived per-iteration deadline when positive.
	Timeout time.Duration
}

// Options tune the scheduler.
type Options struct {
	// Margin is shaved off an interval task's period to form its deadline,
	// so an iteration lands its bookkeeping before the next tick fires.
	Margin time.Duration

	// CronTimeout bounds one iteration of a cron-scheduled task.
	CronTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Margin <= 0 {
		o.Margin = 5 * time.Second
	}
	if o.CronTimeout <= 0 {
		o.CronTimeout = time.Hour
	}
	return o
}

type scheduled struct {
	task    Task
	every   time.Duration // zero for cron tasks
	timeout time.Duration
	running atomic.Bool
}

// Orchestrator runs registered tasks on their schedules. Register everything
// before Start; Shutdown stops scheduling and drains in-flight iterations.
type Orchestrator struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron

	mu        sync.Mutex
	intervals []*scheduled
	started   bool
	stopped   bool

	wg sync.WaitGroup

	// schedCtx stops the tick loops; taskCtx is the parent of every
	// iteration and falls only after the drain window, so shutdown lets
	// running work finish first.
	schedCtx    context.Context
	schedCancel context.CancelFunc
	taskCtx     context.Context
	taskCancel  context.CancelFunc
}

// New builds an empty scheduler.
func New(logger *zap.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	return &Orchestrator{
		opts:    opts.withDefaults(),
		logger:  logger.Named("orchestrator"),
		metrics: m,
		cron:    cron.New(),
	}
}

// Every schedules t at a fixed interval. The per-iteration deadline is the
// interval minus the configured margin unless the task carries its own.
func (o *Orchestrator) Every(interval time.Duration, t Task) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = interval - o.opts.Margin
		if timeout <= 0 {
			timeout = interval
		}
	}
	o.mu.Lock()
	o.intervals = append(o.intervals, &scheduled{task: t, every: interval, timeout: timeout})
	o.mu.Unlock()
}

// Cron schedules t by a cron expression (five-field or @-descriptor form).
func (o *Orchestrator) Cron(expr string, t Task) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = o.opts.CronTimeout
	}
	s := &scheduled{task: t, timeout: timeout}
	if _, err := o.cron.AddFunc(expr, func() { o.iterate(s) }); err != nil {
		return fmt.Errorf("orchestrator: schedule %s (%q): %w", t.Name, expr, err)
	}
	return nil
}

// Start launches every registered schedule.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.schedCtx, o.schedCancel = context.WithCancel(context.Background())
	o.taskCtx, o.taskCancel = context.WithCancel(context.Background())

	for _, s := range o.intervals {
		o.wg.Add(1)
		go o.loop(s)
	}
	o.cron.Start()
	o.logger.Info("background schedules started",
		zap.Int("intervalTasks", len(o.intervals)),
		zap.Int("cronTasks", len(o.cron.Entries())),
	)
}

// Shutdown stops scheduling and waits up to drainTimeout for in-flight
// iterations. Past the deadline the shared task context is cancelled and
// ErrDrainTimeout returned.
func (o *Orchestrator) Shutdown(drainTimeout time.Duration) error {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	o.schedCancel()
	cronCtx := o.cron.Stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()

	select {
	case <-done:
		o.taskCancel()
		o.logger.Info("background tasks drained")
		return nil
	case <-time.After(drainTimeout):
		o.taskCancel()
		o.logger.Warn("tasks still running at drain deadline, cancelled",
			zap.Duration("drainTimeout", drainTimeout))
		return ErrDrainTimeout
	}
}

func (o *Orchestrator) loop(s *scheduled) {
	defer o.wg.Done()
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-o.schedCtx.Done():
			return
		case <-ticker.C:
			o.iterate(s)
		}
	}
}

// iterate runs one guarded iteration. A trigger that lands while the
// previous run still holds the guard is skipped, not queued.
func (o *Orchestrator) iterate(s *scheduled) {
	if !s.running.CompareAndSwap(false, true) {
		o.metrics.TaskSkipped.WithLabelValues(s.task.Name).Inc()
		o.logger.Debug("previous run still going, tick skipped",
			zap.String("task", s.task.Name))
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(o.taskCtx, s.timeout)
	defer cancel()

	start := time.Now()
	err := runSafe(ctx, s.task)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		o.logger.Error("task iteration failed",
			zap.String("task", s.task.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
	o.metrics.TaskRuns.WithLabelValues(s.task.Name, outcome).Inc()
}

// runSafe converts a panicking task into an error so the schedule survives.
func runSafe(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}
