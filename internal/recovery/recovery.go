// Package recovery decides what to do with tasks and branches that are
// stuck: recreating branches, demoting repeat offenders to research, and
// the whole-workspace emergency reset. Every action is recorded in an
// append-only recovery log.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// Workspace is the slice of gitops the policy needs.
type Workspace interface {
	CreateBranchFrom(ctx context.Context, name, base string) error
	HardResetToRemote(ctx context.Context, branch string) error
	DeleteRemoteBranch(ctx context.Context, branch string) error
	EmergencyReset(ctx context.Context) error
}

// Config controls the staleness thresholds.
type Config struct {
	DefaultBranch string `koanf:"default_branch"`
	// StuckAfter is how long an in-progress task may sit before its branch
	// is considered stuck.
	StuckAfter time.Duration `koanf:"stuck_after"`
	// AbandonedAfter is how long before an in-progress task is reset to
	// pending.
	AbandonedAfter time.Duration `koanf:"abandoned_after"`
	// MaxFailures is the failure count that triggers escalation.
	MaxFailures int `koanf:"max_failures"`
	// LogPath is the append-only recovery log file. Consumed by the caller
	// when constructing the Log, not by the policy itself.
	LogPath string `koanf:"log_path"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 24 * time.Hour
	}
	if c.AbandonedAfter <= 0 {
		c.AbandonedAfter = 48 * time.Hour
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
}

// Policy implements the escalation rules.
type Policy struct {
	cfg       Config
	workspace Workspace
	log       *Log
	logger    *zap.Logger
}

// NewPolicy creates a policy.
func NewPolicy(cfg Config, workspace Workspace, log *Log, logger *zap.Logger) (*Policy, error) {
	cfg.ApplyDefaults()
	if workspace == nil {
		return nil, fmt.Errorf("recovery: workspace is required")
	}
	if log == nil {
		return nil, fmt.Errorf("recovery: recovery log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{cfg: cfg, workspace: workspace, log: log, logger: logger}, nil
}

// shouldNuke reports whether a task's branch is beyond repair in place.
func (p *Policy) shouldNuke(task *tasks.Task) bool {
	if task.Metadata.FailureCount >= p.cfg.MaxFailures {
		return true
	}
	if task.Status == tasks.StatusInProgress &&
		task.Metadata.LastAttempt != nil &&
		time.Since(*task.Metadata.LastAttempt) > p.cfg.StuckAfter {
		return true
	}
	if task.Status == tasks.StatusBlocked &&
		strings.Contains(strings.ToLower(task.Metadata.BlockedReason), "unrecoverable") {
		return true
	}
	return false
}

// NukeBranchIfStuck recreates the task's branch from the remote default
// branch when the task is stuck. Returns true when the branch was nuked.
func (p *Policy) NukeBranchIfStuck(ctx context.Context, task *tasks.Task, branch string) (bool, error) {
	if !p.shouldNuke(task) {
		return false, nil
	}

	p.logger.Warn("nuking stuck branch",
		zap.Int("task", task.ID),
		zap.String("branch", branch),
		zap.Int("failure_count", task.Metadata.FailureCount),
	)

	if err := p.workspace.HardResetToRemote(ctx, p.cfg.DefaultBranch); err != nil {
		return false, fmt.Errorf("resyncing before nuke: %w", err)
	}
	if err := p.workspace.DeleteRemoteBranch(ctx, branch); err != nil {
		// The remote branch may never have been pushed.
		p.logger.Debug("remote branch delete failed during nuke",
			zap.String("branch", branch), zap.Error(err))
	}
	if err := p.workspace.CreateBranchFrom(ctx, branch, p.cfg.DefaultBranch); err != nil {
		return false, fmt.Errorf("recreating branch %s: %w", branch, err)
	}

	task.Metadata.FailureCount++
	if err := p.log.AppendTask(task.ID, "NUKE_BRANCH", branch); err != nil {
		return true, err
	}
	return true, nil
}

// AttemptTaskRecovery mutates a stuck task back into a schedulable state.
// Returns true when the task was changed.
func (p *Policy) AttemptTaskRecovery(task *tasks.Task) (bool, error) {
	if task.Metadata.FailureCount >= p.cfg.MaxFailures {
		// Permanent demotion: the task has earned an investigation, not
		// another blind retry.
		if task.Type != tasks.TypeResearch {
			task.Description = fmt.Sprintf("Investigate repeated failures: %s", task.Description)
		}
		task.Type = tasks.TypeResearch
		task.Status = tasks.StatusPending
		p.logger.Info("task demoted to research",
			zap.Int("task", task.ID),
			zap.Int("failure_count", task.Metadata.FailureCount),
		)
		if err := p.log.AppendTask(task.ID, "DEMOTE_TO_RESEARCH", truncate(task.Description, 80)); err != nil {
			return true, err
		}
		return true, nil
	}

	if task.Status == tasks.StatusInProgress &&
		task.Metadata.LastAttempt != nil &&
		time.Since(*task.Metadata.LastAttempt) > p.cfg.AbandonedAfter {
		task.Status = tasks.StatusPending
		task.Metadata.BlockedReason = ""
		task.Metadata.LastAttempt = nil
		p.logger.Info("abandoned task reset to pending", zap.Int("task", task.ID))
		if err := p.log.AppendTask(task.ID, "RESET_TO_PENDING", truncate(task.Description, 80)); err != nil {
			return true, err
		}
		return true, nil
	}

	return false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// PerformEmergencyReset deletes and re-clones the workspace. Only the
// workspace-corruption sentinel should route here.
func (p *Policy) PerformEmergencyReset(ctx context.Context) error {
	p.logger.Error("performing emergency workspace reset")
	if err := p.workspace.EmergencyReset(ctx); err != nil {
		return fmt.Errorf("emergency reset: %w", err)
	}
	return p.log.AppendSystem("EMERGENCY_RESET", "workspace")
}
