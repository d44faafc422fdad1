package ci

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/hosting"
)

// Platform is the slice of the hosting client the monitor needs.
type Platform interface {
	GetPullRequest(ctx context.Context, number int) (*hosting.PullRequest, error)
	ListWorkflowRunsForSHA(ctx context.Context, sha string) ([]hosting.WorkflowRun, error)
	ListCheckRunsForRef(ctx context.Context, ref string) ([]hosting.CheckRun, error)
	GetCombinedStatus(ctx context.Context, ref string) ([]hosting.CommitStatus, error)
	MergePullRequest(ctx context.Context, number int, commitMessage string) error
	DeleteBranchRef(ctx context.Context, branch string) error
}

// Config bounds the wait-and-merge loop.
type Config struct {
	MaxWait      time.Duration `koanf:"max_wait"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Monitor polls CI for a pull request and merges it on green.
type Monitor struct {
	platform Platform
	cfg      Config
	logger   *zap.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(platform Platform, cfg Config, logger *zap.Logger) (*Monitor, error) {
	if platform == nil {
		return nil, fmt.Errorf("ci: platform is required")
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{platform: platform, cfg: cfg, logger: logger}, nil
}

// Verdict reconciles the current CI state for one commit SHA.
func (m *Monitor) Verdict(ctx context.Context, sha string) (Status, error) {
	ghRuns, err := m.platform.ListWorkflowRunsForSHA(ctx, sha)
	if err != nil {
		return Status{}, fmt.Errorf("listing workflow runs: %w", err)
	}
	runs := make([]RunSignal, 0, len(ghRuns))
	for _, r := range ghRuns {
		runs = append(runs, RunSignal{Name: r.Name, Status: r.Status, Conclusion: r.Conclusion})
	}

	var checks []CheckSignal
	var statuses []StatusSignal
	if len(runs) == 0 {
		ghChecks, err := m.platform.ListCheckRunsForRef(ctx, sha)
		if err != nil {
			return Status{}, fmt.Errorf("listing check runs: %w", err)
		}
		for _, c := range ghChecks {
			checks = append(checks, CheckSignal{Name: c.Name, Status: c.Status, Conclusion: c.Conclusion})
		}
		ghStatuses, err := m.platform.GetCombinedStatus(ctx, sha)
		if err != nil {
			return Status{}, fmt.Errorf("getting combined status: %w", err)
		}
		for _, s := range ghStatuses {
			statuses = append(statuses, StatusSignal{Context: s.Context, State: s.State})
		}
	}

	return Reconcile(runs, checks, statuses), nil
}

// WaitForCIAndMerge polls until CI settles, then squash-merges on success.
// It returns (true, nil) when the PR ends up merged, (false, nil) when CI
// concluded red or the wait budget ran out, and an error only for platform
// failures.
func (m *Monitor) WaitForCIAndMerge(ctx context.Context, prNumber int) (bool, error) {
	deadline := time.Now().Add(m.cfg.MaxWait)

	for {
		pr, err := m.platform.GetPullRequest(ctx, prNumber)
		if err != nil {
			return false, fmt.Errorf("fetching PR #%d: %w", prNumber, err)
		}
		if pr.Merged {
			return true, nil
		}
		if pr.State == "closed" {
			m.logger.Warn("PR closed without merge", zap.Int("pr", prNumber))
			return false, nil
		}

		verdict, err := m.Verdict(ctx, pr.HeadSHA)
		if err != nil {
			return false, err
		}

		switch verdict.State {
		case StateSuccess:
			// Merge only once the platform reports the PR mergeable; nil
			// means mergeability is still being computed, so keep polling.
			if pr.Mergeable == nil || !*pr.Mergeable {
				m.logger.Info("CI green, PR not mergeable yet",
					zap.Int("pr", prNumber),
					zap.Bool("known", pr.Mergeable != nil),
				)
				break
			}
			m.logger.Info("CI green, merging",
				zap.Int("pr", prNumber),
				zap.String("sha", pr.HeadSHA),
			)
			if err := m.platform.MergePullRequest(ctx, prNumber, pr.Title); err != nil {
				return false, fmt.Errorf("merging PR #%d: %w", prNumber, err)
			}
			// Branch cleanup is best effort; auto-delete may beat us to it.
			if err := m.platform.DeleteBranchRef(ctx, pr.HeadRef); err != nil {
				m.logger.Warn("failed to delete merged branch",
					zap.String("branch", pr.HeadRef), zap.Error(err))
			}
			return true, nil

		case StateFailure, StateError:
			m.logger.Info("CI concluded red",
				zap.Int("pr", prNumber),
				zap.String("state", string(verdict.State)),
				zap.String("description", verdict.Description),
			)
			return false, nil
		}

		if time.Now().After(deadline) {
			m.logger.Warn("CI wait budget exhausted",
				zap.Int("pr", prNumber),
				zap.Duration("max_wait", m.cfg.MaxWait),
			)
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}
