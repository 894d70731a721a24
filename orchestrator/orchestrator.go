/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Background task scheduler owning the journal
             drain loop, the Merkle anchor cron, the vault
             sweep cron, and any additional cleaners. Each
             task has a singleton re-entry guard, a
             per-iteration deadline, and isolated error
             handling — one failing iteration never starves
             the next. Start/Shutdown with a drain timeout.
Root Cause:  Sprint task L017 — background orchestration.
Context:     Cron jobs as globally imported start() calls are
             replaced by one component owning every timer and
             handing tasks a cancellable context.
Suitability: L3 — background scheduling with status tracking.
──────────────────────────────────────────────────────────────
*/

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task is a unit of recurring background work. Exactly one of Interval or
// CronExpr selects the schedule.
type Task struct {
	Name     string
	Interval time.Duration
	CronExpr string
	Run      func(ctx context.Context) error
}

type taskState struct {
	Task
	running int32
	runs    int64
	errors  int64
}

// Orchestrator schedules registered tasks and isolates their failures.
type Orchestrator struct {
	logger zerolog.Logger
	tasks  []*taskState
	cron   *cron.Cron

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func New(logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		logger: logger.With().Str("component", "orchestrator").Logger(),
		cron:   cron.New(),
	}
}

// Register adds a task. Must be called before Start.
func (o *Orchestrator) Register(t Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append(o.tasks, &taskState{Task: t})
}

// Start launches every registered task. Interval tasks run immediately,
// then on their ticker; cron tasks follow their expression.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	o.started = true

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	for _, ts := range o.tasks {
		ts := ts
		if ts.CronExpr != "" {
			if _, err := o.cron.AddFunc(ts.CronExpr, func() { o.runIteration(ctx, ts) }); err != nil {
				cancel()
				o.started = false
				return err
			}
			o.logger.Info().Str("task", ts.Name).Str("cron", ts.CronExpr).Msg("task scheduled")
			continue
		}

		o.wg.Add(1)
		go o.tickLoop(ctx, ts)
		o.logger.Info().Str("task", ts.Name).Dur("interval", ts.Interval).Msg("task started")
	}
	o.cron.Start()
	return nil
}

func (o *Orchestrator) tickLoop(ctx context.Context, ts *taskState) {
	defer o.wg.Done()

	o.runIteration(ctx, ts)

	ticker := time.NewTicker(ts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runIteration(ctx, ts)
		}
	}
}

// runIteration executes one iteration under the singleton guard with a
// deadline of the schedule interval minus a safety margin.
func (o *Orchestrator) runIteration(ctx context.Context, ts *taskState) {
	if !atomic.CompareAndSwapInt32(&ts.running, 0, 1) {
		o.logger.Warn().Str("task", ts.Name).Msg("previous iteration still running — skipped")
		return
	}
	defer atomic.StoreInt32(&ts.running, 0)

	deadline := ts.Interval - ts.Interval/10
	if deadline <= 0 {
		// Cron tasks have no natural interval; cap them generously.
		deadline = 10 * time.Minute
	}
	iterCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	atomic.AddInt64(&ts.runs, 1)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&ts.errors, 1)
			o.logger.Error().Str("task", ts.Name).Interface("panic", r).Msg("task iteration panicked")
		}
	}()

	if err := ts.Run(iterCtx); err != nil {
		atomic.AddInt64(&ts.errors, 1)
		o.logger.Error().Err(err).Str("task", ts.Name).Dur("took", time.Since(start)).Msg("task iteration failed")
		return
	}
	o.logger.Debug().Str("task", ts.Name).Dur("took", time.Since(start)).Msg("task iteration complete")
}

// Shutdown stops scheduling new iterations and waits up to drainTimeout
// for in-flight ones.
func (o *Orchestrator) Shutdown(drainTimeout time.Duration) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	cronCtx := o.cron.Stop()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info().Msg("orchestrator stopped")
	case <-time.After(drainTimeout):
		o.logger.Warn().Msg("orchestrator shutdown drain timeout exceeded")
	}
}

// Stats reports run/error counters per task.
func (o *Orchestrator) Stats() map[string]map[string]int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]map[string]int64, len(o.tasks))
	for _, ts := range o.tasks {
		out[ts.Name] = map[string]int64{
			"runs":   atomic.LoadInt64(&ts.runs),
			"errors": atomic.LoadInt64(&ts.errors),
		}
	}
	return out
}
