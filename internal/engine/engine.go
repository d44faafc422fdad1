// Package engine drives one task through the workflow state machine:
// iterative patch generation, pull request lifecycle, CI monitoring and
// merge, with recovery for anything that escapes.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/hosting"
	"github.com/fyrsmithlabs/autodev/internal/llm"
	"github.com/fyrsmithlabs/autodev/internal/secrets"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// Workspace is the slice of gitops the engine needs.
type Workspace interface {
	CreateBranchFrom(ctx context.Context, name, base string) error
	BranchExists(name string) bool
	AheadCount(branch string) (int, error)
	CommitAll(message string) (string, error)
	Push(ctx context.Context, branch string) error
	HardResetToRemote(ctx context.Context, branch string) error
	Head() (string, error)
}

// Platform is the slice of hosting the engine needs.
type Platform interface {
	CreatePullRequest(ctx context.Context, title, head, base, body string) (*hosting.PullRequest, error)
	GetPullRequest(ctx context.Context, number int) (*hosting.PullRequest, error)
	ListWorkflowRunsForSHA(ctx context.Context, sha string) ([]hosting.WorkflowRun, error)
	ListFailedJobLogs(ctx context.Context, runs []hosting.WorkflowRun) ([]hosting.JobLog, error)
}

// Applier lands a generated diff in the workspace.
type Applier interface {
	Apply(ctx context.Context, diff string) (string, error)
}

// Monitor waits for CI and merges green pull requests.
type Monitor interface {
	WaitForCIAndMerge(ctx context.Context, prNumber int) (bool, error)
}

// Scrubber gates patches on secret findings.
type Scrubber interface {
	Check(content string) []secrets.Finding
}

// RecoveryPolicy is the slice of recovery the engine needs.
type RecoveryPolicy interface {
	NukeBranchIfStuck(ctx context.Context, task *tasks.Task, branch string) (bool, error)
}

// Recorder persists merge outcomes to the progress log and memory store.
type Recorder interface {
	RecordMerge(ctx context.Context, task *tasks.Task, summary string) error
}

// Config bounds the workflow.
type Config struct {
	MaxIterations int    `koanf:"max_iterations"`
	MaxCIAttempts int    `koanf:"max_ci_attempts"`
	DefaultBranch string `koanf:"default_branch"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxCIAttempts <= 0 {
		c.MaxCIAttempts = 3
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
}

// Engine executes tasks.
type Engine struct {
	cfg       Config
	client    llm.Client
	workspace Workspace
	platform  Platform
	applier   Applier
	monitor   Monitor
	scrubber  Scrubber
	recovery  RecoveryPolicy
	recorder  Recorder
	metrics   *Metrics
	logger    *zap.Logger

	mu     sync.RWMutex
	active *WorkflowState
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Client    llm.Client
	Workspace Workspace
	Platform  Platform
	Applier   Applier
	Monitor   Monitor
	Scrubber  Scrubber
	Recovery  RecoveryPolicy
	Recorder  Recorder
	Metrics   *Metrics
	Logger    *zap.Logger
}

// New creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.ApplyDefaults()
	switch {
	case deps.Client == nil:
		return nil, fmt.Errorf("engine: llm client is required")
	case deps.Workspace == nil:
		return nil, fmt.Errorf("engine: workspace is required")
	case deps.Platform == nil:
		return nil, fmt.Errorf("engine: platform is required")
	case deps.Applier == nil:
		return nil, fmt.Errorf("engine: applier is required")
	case deps.Monitor == nil:
		return nil, fmt.Errorf("engine: monitor is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		client:    deps.Client,
		workspace: deps.Workspace,
		platform:  deps.Platform,
		applier:   deps.Applier,
		monitor:   deps.Monitor,
		scrubber:  deps.Scrubber,
		recovery:  deps.Recovery,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}, nil
}

// StatusSnapshot is the dashboard view of the engine.
type StatusSnapshot struct {
	State          State      `json:"state"`
	TaskID         int        `json:"taskId,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	Iteration      int        `json:"iteration,omitempty"`
	PRNumber       int        `json:"prNumber,omitempty"`
	CIFailureCount int        `json:"ciFailureCount,omitempty"`
	Decisions      []Decision `json:"decisions,omitempty"`
}

// Status returns the current engine status for the dashboard.
func (e *Engine) Status() StatusSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return StatusSnapshot{State: StateIdle}
	}
	return StatusSnapshot{
		State:          e.active.State,
		TaskID:         e.active.Task.ID,
		Branch:         e.active.Branch,
		Iteration:      e.active.Iteration,
		PRNumber:       e.active.PRNumber,
		CIFailureCount: e.active.CIFailureCount,
		Decisions:      append([]Decision(nil), e.active.DecisionHistory...),
	}
}

func (e *Engine) setState(ws *WorkflowState, state State) {
	e.mu.Lock()
	ws.State = state
	e.mu.Unlock()
	e.logger.Info("workflow state",
		zap.String("workflow", ws.ID),
		zap.Int("task", ws.Task.ID),
		zap.String("state", string(state)),
	)
}

var branchSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// branchName derives a feature branch name from the task.
func branchName(task *tasks.Task) string {
	slug := strings.ToLower(task.Description)
	slug = branchSlugRe.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	words := strings.Split(slug, "-")
	if len(words) > 4 {
		words = words[:4]
	}
	return fmt.Sprintf("task-%d-%s", task.ID, strings.Join(words, "-"))
}

// ExecuteTask runs one task through the full state machine. The returned
// error is the original failure after recovery has run; a blocked or
// merged task returns nil.
func (e *Engine) ExecuteTask(ctx context.Context, task *tasks.Task) error {
	ws := newWorkflowState(task, branchName(task))
	e.mu.Lock()
	e.active = ws
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()

	start := time.Now()
	err := e.execute(ctx, ws)
	if e.metrics != nil {
		e.metrics.TaskDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		e.logger.Error("workflow failed, entering recovery",
			zap.String("workflow", ws.ID),
			zap.Int("task", task.ID),
			zap.Error(err),
		)
		e.recover(ctx, ws, err)
		return err
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, ws *WorkflowState) error {
	task := ws.Task

	// INIT: claim the task and prepare the branch.
	e.setState(ws, StateInit)
	now := time.Now().UTC()
	task.Status = tasks.StatusInProgress
	task.Metadata.LastAttempt = &now
	task.Touch()

	if err := e.workspace.CreateBranchFrom(ctx, ws.Branch, e.cfg.DefaultBranch); err != nil {
		return fmt.Errorf("preparing branch: %w", err)
	}

	e.setState(ws, StateIterating)
	if err := e.iterate(ctx, ws); err != nil {
		return err
	}

	e.setState(ws, StateCIMonitor)
	merged, err := e.monitorAndMerge(ctx, ws)
	if err != nil {
		return err
	}
	if !merged {
		// CI_BLOCKED is terminal but not a workflow failure.
		e.setState(ws, StateCIBlocked)
		return nil
	}

	e.setState(ws, StateMerged)
	return e.finalize(ctx, ws)
}

// finalize records the merged outcome: summary, progress, task metadata.
func (e *Engine) finalize(ctx context.Context, ws *WorkflowState) error {
	task := ws.Task

	summary, err := e.summarize(ctx, ws)
	if err != nil {
		// The merge already happened; a missing summary must not fail it.
		e.logger.Warn("summary generation failed", zap.Error(err))
		summary = fmt.Sprintf("Completed: %s (%d iterations)", task.Description, ws.Iteration)
	}
	if e.recorder != nil {
		if err := e.recorder.RecordMerge(ctx, task, summary); err != nil {
			e.logger.Warn("failed to record merge", zap.Error(err))
		}
	}

	task.Metadata.IterationCount = ws.Iteration
	task.Metadata.CIFailureCount = ws.CIFailureCount
	task.Metadata.DecisionCount = len(ws.DecisionHistory)
	task.MarkDone()

	if e.metrics != nil {
		e.metrics.TasksMergedTotal.Inc()
	}
	e.logger.Info("task merged",
		zap.Int("task", task.ID),
		zap.Int("pr", ws.PRNumber),
		zap.Int("iterations", ws.Iteration),
	)
	return nil
}

func (e *Engine) summarize(ctx context.Context, ws *WorkflowState) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the completed work in 2-3 sentences for a progress log.\n\nTask: %s\nIterations: %d\nCI failures along the way: %d\nPull request: #%d",
		ws.Task.Description, ws.Iteration, ws.CIFailureCount, ws.PRNumber)
	return e.client.Complete(ctx, llm.TierRoutine, []llm.Message{llm.UserMessage(prompt)})
}

// recover handles an escaped failure: bump counters, ask the text service
// for an action, execute it via the recovery policy. Anything unparseable
// or failing leaves the task pending for a plain retry. The branch is
// never deleted here.
func (e *Engine) recover(ctx context.Context, ws *WorkflowState, cause error) {
	e.setState(ws, StateRecovery)
	if e.metrics != nil {
		e.metrics.RecoveriesTotal.Inc()
	}

	task := ws.Task
	task.Metadata.FailureCount++
	now := time.Now().UTC()
	task.Metadata.LastAttempt = &now
	ws.LastFailureReason = cause.Error()

	action := e.requestRecoveryAction(ctx, ws, cause)
	if action == nil {
		task.Status = tasks.StatusPending
		task.Touch()
		e.logger.Info("no parseable recovery action, task left pending",
			zap.Int("task", task.ID))
		return
	}

	ws.recordDecision(string(action.Kind), action.Reason)
	switch action.Kind {
	case llm.CmdNukeBranch:
		if e.recovery == nil {
			task.Status = tasks.StatusPending
			break
		}
		if _, err := e.recovery.NukeBranchIfStuck(ctx, task, ws.Branch); err != nil {
			e.logger.Warn("branch nuke failed during recovery", zap.Error(err))
		}
		task.Status = tasks.StatusPending
	case llm.CmdRestartTask:
		task.Status = tasks.StatusPending
	case llm.CmdBlockTask:
		task.Status = tasks.StatusBlocked
		reason := action.Reason
		if reason == "" {
			reason = cause.Error()
		}
		task.Metadata.BlockedReason = reason
	default:
		// The broader vocabulary is not actionable in recovery.
		task.Status = tasks.StatusPending
	}
	task.Touch()
}

func (e *Engine) requestRecoveryAction(ctx context.Context, ws *WorkflowState, cause error) *llm.Command {
	prompt := fmt.Sprintf(
		"A task workflow failed and needs a recovery decision.\n\nTask: %s\nFailure count: %d\nError: %v\n\nRespond with exactly one of:\nNUKE_BRANCH: <branch> - <reason>\nRESTART_TASK: <id> - <reason>\nBLOCK_TASK: <id> - <reason>",
		ws.Task.Description, ws.Task.Metadata.FailureCount, cause)

	raw, err := e.client.Complete(ctx, llm.TierImportant, []llm.Message{llm.UserMessage(prompt)})
	if err != nil {
		e.logger.Warn("recovery action request failed", zap.Error(err))
		return nil
	}
	return llm.ParseCommand(raw)
}
