package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/ci"
	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/dashboard"
	"github.com/fyrsmithlabs/autodev/internal/engine"
	"github.com/fyrsmithlabs/autodev/internal/gitops"
	"github.com/fyrsmithlabs/autodev/internal/hosting"
	"github.com/fyrsmithlabs/autodev/internal/llm"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/memory"
	"github.com/fyrsmithlabs/autodev/internal/patch"
	"github.com/fyrsmithlabs/autodev/internal/recovery"
	"github.com/fyrsmithlabs/autodev/internal/repostate"
	"github.com/fyrsmithlabs/autodev/internal/scheduler"
	"github.com/fyrsmithlabs/autodev/internal/secrets"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator loop until interrupted",
	Long: `Run the scheduling loop: load tasks, sweep stuck work back into the
pool, replenish the backlog, execute the highest-value task, repeat. Also
serves the read-only dashboard and watches the task file for edits.

Examples:
  autodev run --config ~/.config/autodev/config.yaml
  AUTODEV_HOSTING_TOKEN=ghp_xxx autodev run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(cmd.Context())
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run exactly one scheduling cycle and exit",
	Long: `Run a single cycle: recovery sweep, optional task generation, one
task execution. Useful from cron or for debugging a single task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context())
	},
}

func runLoop(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	if sys.cfg.Tasks.Watch {
		watcher, err := tasks.NewWatcher(sys.cfg.Tasks.Path, sys.logger)
		if err != nil {
			sys.logger.Warn("task file watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
			sys.wake = watcher.Changed()
		}
	}

	runner, err := sys.newRunner()
	if err != nil {
		return err
	}

	dash, err := dashboard.New(sys.cfg.Dashboard, sys.engine, sys.store, sys.registry, sys.logger)
	if err != nil {
		return err
	}
	dashErr := make(chan error, 1)
	go func() { dashErr <- dash.Start(ctx) }()

	sys.logger.Info("autodev running",
		zap.String("workspace", sys.cfg.Gitops.Dir),
		zap.String("tasks", sys.cfg.Tasks.Path),
		zap.String("dashboard", sys.cfg.Dashboard.Addr),
	)

	runErr := runner.Run(ctx)
	if err := <-dashErr; err != nil {
		sys.logger.Error("dashboard stopped", zap.Error(err))
	}
	if runErr != nil && ctx.Err() != nil {
		// Shutdown via signal is a clean exit.
		sys.logger.Info("shutdown complete")
		return nil
	}
	return runErr
}

func runOnce(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	runner, err := sys.newRunner()
	if err != nil {
		return err
	}
	return runner.Cycle(ctx)
}

// system holds the wired collaborators shared by run and once.
type system struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *tasks.Store
	analyzer *repostate.Analyzer
	sched    *scheduler.Scheduler
	policy   *recovery.Policy
	engine   *engine.Engine
	client   llm.Client
	registry *prometheus.Registry
	wake     <-chan struct{}
}

func (s *system) newRunner() (*engine.Runner, error) {
	return engine.NewRunner(s.cfg.Runner, s.store, s.analyzer, s.sched,
		s.policy, s.engine, s.client, s.wake, s.logger)
}

func (s *system) Close() {
	_ = s.logger.Sync()
}

// buildSystem loads configuration and wires every service: workspace clone,
// hosting client, LLM service, analyzer, patch applier, CI monitor,
// recovery policy, memory store and the engine itself.
func buildSystem(ctx context.Context) (*system, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// The state directory holds the task file, snapshot cache, memory
	// store and recovery log.
	for _, p := range []string{cfg.Tasks.Path, cfg.Recovery.LogPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	workspace, err := gitops.Open(ctx, cfg.Gitops, logger)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	platform, err := hosting.NewClient(ctx, cfg.Hosting, logger)
	if err != nil {
		return nil, fmt.Errorf("creating hosting client: %w", err)
	}

	client, err := llm.NewService(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("creating llm service: %w", err)
	}

	analyzer, err := repostate.NewAnalyzer(cfg.Repostate, logger)
	if err != nil {
		return nil, fmt.Errorf("creating repository analyzer: %w", err)
	}

	monitor, err := ci.NewMonitor(platform, cfg.CI, logger)
	if err != nil {
		return nil, fmt.Errorf("creating ci monitor: %w", err)
	}

	recLog, err := recovery.NewLog(cfg.Recovery.LogPath)
	if err != nil {
		return nil, fmt.Errorf("opening recovery log: %w", err)
	}
	policy, err := recovery.NewPolicy(cfg.Recovery, workspace, recLog, logger)
	if err != nil {
		return nil, fmt.Errorf("creating recovery policy: %w", err)
	}

	scanner, err := secrets.NewScanner(nil)
	if err != nil {
		return nil, fmt.Errorf("creating secret scanner: %w", err)
	}

	memStore, err := memory.NewStore(cfg.Memory, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(registry)

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Client:    client,
		Workspace: workspace,
		Platform:  platform,
		Applier:   patch.NewApplier(workspace.Dir(), logger),
		Monitor:   monitor,
		Scrubber:  scanner,
		Recovery:  policy,
		Recorder:  memStore,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	return &system{
		cfg:      cfg,
		logger:   logger,
		store:    tasks.NewStore(cfg.Tasks.Path, logger),
		analyzer: analyzer,
		sched:    scheduler.New(cfg.Scheduler, logger),
		policy:   policy,
		engine:   eng,
		client:   client,
		registry: registry,
	}, nil
}
