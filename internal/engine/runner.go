package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/llm"
	"github.com/fyrsmithlabs/autodev/internal/repostate"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// Store persists the task list between cycles.
type Store interface {
	Load() (*tasks.List, error)
	Save(list *tasks.List) error
}

// Analyzer produces repository snapshots.
type Analyzer interface {
	Current(ctx context.Context) (*repostate.Snapshot, error)
}

// TaskScheduler selects work and replenishes the backlog.
type TaskScheduler interface {
	SelectNext(list *tasks.List, snap *repostate.Snapshot) *tasks.Task
	ShouldGenerateNewTasks(list *tasks.List, snap *repostate.Snapshot) bool
	GenerateTasks(ctx context.Context, client llm.Client, list *tasks.List, snap *repostate.Snapshot) ([]*tasks.Task, error)
}

// TaskRecovery sweeps stuck tasks back into schedulable states.
type TaskRecovery interface {
	AttemptTaskRecovery(task *tasks.Task) (bool, error)
}

// RunnerConfig controls the scheduling loop.
type RunnerConfig struct {
	// Interval between cycles when nothing woke the loop earlier.
	Interval time.Duration `koanf:"interval"`
	// TransientBackoff is the initial backoff after a transient upstream
	// failure; it doubles per consecutive failure up to MaxBackoff.
	TransientBackoff time.Duration `koanf:"transient_backoff"`
	MaxBackoff       time.Duration `koanf:"max_backoff"`
}

// ApplyDefaults fills in zero values.
func (c *RunnerConfig) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Minute
	}
}

// Runner drives scheduling cycles: load tasks, recover stragglers,
// replenish the backlog, execute the selected task, persist.
type Runner struct {
	cfg       RunnerConfig
	store     Store
	analyzer  Analyzer
	scheduler TaskScheduler
	recovery  TaskRecovery
	engine    *Engine
	client    llm.Client
	wake      <-chan struct{}
	logger    *zap.Logger

	consecutiveFailures int
}

// NewRunner creates a runner. wake may be nil; when set (the task-file
// watcher), a signal starts the next cycle early.
func NewRunner(cfg RunnerConfig, store Store, analyzer Analyzer, sched TaskScheduler, recovery TaskRecovery, eng *Engine, client llm.Client, wake <-chan struct{}, logger *zap.Logger) (*Runner, error) {
	cfg.ApplyDefaults()
	switch {
	case store == nil:
		return nil, fmt.Errorf("runner: store is required")
	case analyzer == nil:
		return nil, fmt.Errorf("runner: analyzer is required")
	case sched == nil:
		return nil, fmt.Errorf("runner: scheduler is required")
	case eng == nil:
		return nil, fmt.Errorf("runner: engine is required")
	case client == nil:
		return nil, fmt.Errorf("runner: llm client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		store:     store,
		analyzer:  analyzer,
		scheduler: sched,
		recovery:  recovery,
		engine:    eng,
		client:    client,
		wake:      wake,
		logger:    logger,
	}, nil
}

// Run executes cycles until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := r.Cycle(ctx); err != nil {
			r.consecutiveFailures++
			r.logger.Error("cycle failed",
				zap.Int("consecutive_failures", r.consecutiveFailures),
				zap.Error(err),
			)
		} else {
			r.consecutiveFailures = 0
		}

		wait := r.nextWait()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wakeChan():
			r.logger.Debug("task file changed, starting cycle early")
		case <-time.After(wait):
		}
	}
}

func (r *Runner) wakeChan() <-chan struct{} {
	if r.wake == nil {
		// A nil channel blocks forever, which is exactly what we want.
		return nil
	}
	return r.wake
}

// nextWait applies exponential backoff only after transient upstream
// failures; everything else uses the fixed interval.
func (r *Runner) nextWait() time.Duration {
	if r.consecutiveFailures == 0 {
		return r.cfg.Interval
	}
	backoff := r.cfg.TransientBackoff
	for i := 1; i < r.consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	if backoff > r.cfg.MaxBackoff {
		backoff = r.cfg.MaxBackoff
	}
	return backoff
}

// Cycle runs one full scheduling cycle.
func (r *Runner) Cycle(ctx context.Context) error {
	if r.engine.metrics != nil {
		r.engine.metrics.CyclesTotal.Inc()
	}

	list, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}

	snap, err := r.analyzer.Current(ctx)
	if err != nil {
		return fmt.Errorf("analyzing repository: %w", err)
	}

	changed := false

	// Sweep stuck tasks back into the pool before selection.
	if r.recovery != nil {
		for _, t := range list.Tasks {
			recovered, err := r.recovery.AttemptTaskRecovery(t)
			if err != nil {
				r.logger.Warn("task recovery sweep failed",
					zap.Int("task", t.ID), zap.Error(err))
			}
			changed = changed || recovered
		}
	}

	if r.scheduler.ShouldGenerateNewTasks(list, snap) {
		added, err := r.scheduler.GenerateTasks(ctx, r.client, list, snap)
		if err != nil {
			// Generation failures must not stop execution of existing work.
			r.logger.Warn("task generation failed", zap.Error(err))
		}
		changed = changed || len(added) > 0
	}

	task := r.scheduler.SelectNext(list, snap)
	// Selection may have mutated the list (blocked-situation handler).
	if changed || task != nil {
		if err := r.store.Save(list); err != nil {
			return fmt.Errorf("saving tasks before execution: %w", err)
		}
	}
	if task == nil {
		r.logger.Info("no schedulable task, idling")
		return nil
	}

	execErr := r.engine.ExecuteTask(ctx, task)
	list.RefreshSuperTasks()
	if err := r.store.Save(list); err != nil {
		return fmt.Errorf("saving tasks after execution: %w", err)
	}

	if execErr != nil {
		if isTransientUpstream(execErr) {
			return fmt.Errorf("transient upstream failure: %w", execErr)
		}
		// Non-transient task failures were already routed through recovery;
		// the cycle itself is fine.
		r.logger.Warn("task execution failed",
			zap.Int("task", task.ID), zap.Error(execErr))
	}
	return nil
}

// isTransientUpstream classifies failures that deserve exponential backoff
// instead of an immediate next cycle.
func isTransientUpstream(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429", "502", "503", "504",
		"overloaded", "timeout", "connection refused", "connection reset",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
