// Package hosting talks to the code-hosting platform: pull requests,
// merges, branch refs, workflow runs, job logs and the legacy check/status
// APIs. All calls go through a shared retry wrapper that honors rate
// limits.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrNoPullRequest is returned when a lookup finds no matching PR.
var ErrNoPullRequest = errors.New("no matching pull request")

// Config configures the platform client.
type Config struct {
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	Token string `koanf:"token"`

	Retry RetryConfig `koanf:"retry"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Owner == "" || c.Repo == "" {
		return fmt.Errorf("hosting: owner and repo are required")
	}
	if c.Token == "" {
		return fmt.Errorf("hosting: token is required")
	}
	return nil
}

// PullRequest is the subset of PR state the engine needs.
type PullRequest struct {
	Number  int
	Title   string
	State   string
	Merged  bool
	HeadRef string
	HeadSHA string
	URL     string
	// Mergeable is nil while the platform is still computing mergeability
	// (and on list responses, which never carry it).
	Mergeable *bool
}

// WorkflowRun is one CI workflow run for a commit.
type WorkflowRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
}

// CheckRun is one legacy check-run result.
type CheckRun struct {
	Name       string
	Status     string
	Conclusion string
}

// CommitStatus is one legacy commit status context.
type CommitStatus struct {
	Context string
	State   string
}

// JobLog carries the log text of one failed CI job.
type JobLog struct {
	JobName string
	Content string
}

// Client wraps the GitHub API for one repository.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	retry  RetryConfig
	logger *zap.Logger
}

// NewClient creates an authenticated platform client.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Retry.ApplyDefaults()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	tc := oauth2.NewClient(ctx, ts)
	return &Client{
		gh:     github.NewClient(tc),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		retry:  cfg.Retry,
		logger: logger,
	}, nil
}

func convertPR(pr *github.PullRequest) *PullRequest {
	out := &PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged(),
		URL:       pr.GetHTMLURL(),
		Mergeable: pr.Mergeable,
	}
	if head := pr.GetHead(); head != nil {
		out.HeadRef = head.GetRef()
		out.HeadSHA = head.GetSHA()
	}
	return out
}

// GetPullRequest fetches a PR by number.
func (c *Client) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	var pr *github.PullRequest
	_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		var resp *github.Response
		var opErr error
		pr, resp, opErr = c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
		return resp, opErr
	})
	if err != nil {
		return nil, fmt.Errorf("getting PR #%d: %w", number, err)
	}
	return convertPR(pr), nil
}

// FindOpenPullRequestByBranch returns the open PR whose head is the given
// branch, or ErrNoPullRequest.
func (c *Client) FindOpenPullRequestByBranch(ctx context.Context, branch string) (*PullRequest, error) {
	var prs []*github.PullRequest
	_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		var resp *github.Response
		var opErr error
		prs, resp, opErr = c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
			State: "open",
			Head:  fmt.Sprintf("%s:%s", c.owner, branch),
		})
		return resp, opErr
	})
	if err != nil {
		return nil, fmt.Errorf("listing PRs for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("%w: branch %s", ErrNoPullRequest, branch)
	}
	return convertPR(prs[0]), nil
}

// CreatePullRequest opens a PR. When the platform reports the PR already
// exists it resolves and returns the existing one instead of failing.
func (c *Client) CreatePullRequest(ctx context.Context, title, head, base, body string) (*PullRequest, error) {
	var pr *github.PullRequest
	_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		var resp *github.Response
		var opErr error
		pr, resp, opErr = c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(head),
			Base:  github.String(base),
			Body:  github.String(body),
		})
		return resp, opErr
	})
	if err != nil {
		if isAlreadyExists(err) {
			c.logger.Info("PR already exists for branch, reusing it",
				zap.String("branch", head))
			return c.FindOpenPullRequestByBranch(ctx, head)
		}
		return nil, fmt.Errorf("creating PR for %s: %w", head, err)
	}
	return convertPR(pr), nil
}

// isAlreadyExists detects the 422 the platform returns for a duplicate PR.
func isAlreadyExists(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	if ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	for _, e := range ghErr.Errors {
		if strings.Contains(strings.ToLower(e.Message), "already exists") {
			return true
		}
	}
	return false
}

// MergePullRequest squash-merges a PR.
func (c *Client) MergePullRequest(ctx context.Context, number int, commitMessage string) error {
	_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		_, resp, opErr := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, commitMessage,
			&github.PullRequestOptions{MergeMethod: "squash"})
		return resp, opErr
	})
	if err != nil {
		return fmt.Errorf("merging PR #%d: %w", number, err)
	}
	return nil
}

// DeleteBranchRef deletes a branch ref on the platform. A missing ref is
// not an error: the branch may already be auto-deleted after merge.
func (c *Client) DeleteBranchRef(ctx context.Context, branch string) error {
	resp, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		return c.gh.Git.DeleteRef(ctx, c.owner, c.repo, "heads/"+branch)
	})
	if err != nil {
		if resp != nil && resp.Response != nil && resp.Response.StatusCode == http.StatusUnprocessableEntity {
			return nil
		}
		return fmt.Errorf("deleting ref %s: %w", branch, err)
	}
	return nil
}

// ListWorkflowRunsForSHA lists workflow runs whose head commit is sha.
func (c *Client) ListWorkflowRunsForSHA(ctx context.Context, sha string) ([]WorkflowRun, error) {
	var runs *github.WorkflowRuns
	_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		var resp *github.Response
		var opErr error
		runs, resp, opErr = c.gh.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, c.repo,
			&github.ListWorkflowRunsOptions{
				HeadSHA:     sha,
				ListOptions: github.ListOptions{PerPage: 50},
			})
		return resp, opErr
	})
	if err != nil {
		return nil, fmt.Errorf("listing workflow runs for %s: %w", sha, err)
	}

	out := make([]WorkflowRun, 0, len(runs.WorkflowRuns))
	for _, r := range runs.WorkflowRuns {
		out = append(out, WorkflowRun{
			ID:         r.GetID(),
			Name:       r.GetName(),
			Status:     r.GetStatus(),
			Conclusion: r.GetConclusion(),
		})
	}
	return out, nil
}

// maxLogBytes bounds how much of one job log is downloaded for triage.
const maxLogBytes = 64 * 1024

// ListFailedJobLogs downloads the log tails of failed jobs across the
// given workflow runs. Download failures degrade to a placeholder rather
// than failing triage.
func (c *Client) ListFailedJobLogs(ctx context.Context, runs []WorkflowRun) ([]JobLog, error) {
	var logs []JobLog
	for _, run := range runs {
		if run.Conclusion != "failure" {
			continue
		}
		var jobs *github.Jobs
		_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
			var resp *github.Response
			var opErr error
			jobs, resp, opErr = c.gh.Actions.ListWorkflowJobs(ctx, c.owner, c.repo, run.ID,
				&github.ListWorkflowJobsOptions{Filter: "latest"})
			return resp, opErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing jobs for run %d: %w", run.ID, err)
		}

		for _, job := range jobs.Jobs {
			if job.GetConclusion() != "failure" {
				continue
			}
			content := c.downloadJobLog(ctx, job.GetID())
			logs = append(logs, JobLog{
				JobName: fmt.Sprintf("%s / %s", run.Name, job.GetName()),
				Content: content,
			})
		}
	}
	return logs, nil
}

func (c *Client) downloadJobLog(ctx context.Context, jobID int64) string {
	logURL, _, err := c.gh.Actions.GetWorkflowJobLogs(ctx, c.owner, c.repo, jobID, 3)
	if err != nil {
		c.logger.Warn("failed to resolve job log URL",
			zap.Int64("job_id", jobID), zap.Error(err))
		return "(log unavailable)"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return "(log unavailable)"
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to download job log",
			zap.Int64("job_id", jobID), zap.Error(err))
		return "(log unavailable)"
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLogBytes))
	if err != nil {
		return "(log unavailable)"
	}
	// The tail is what matters for failures.
	text := string(data)
	if len(text) == maxLogBytes {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
	}
	return text
}

// ListCheckRunsForRef lists legacy check runs for a commit.
func (c *Client) ListCheckRunsForRef(ctx context.Context, ref string) ([]CheckRun, error) {
	var result *github.ListCheckRunsResults
	_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		var resp *github.Response
		var opErr error
		result, resp, opErr = c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, ref,
			&github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 50}})
		return resp, opErr
	})
	if err != nil {
		return nil, fmt.Errorf("listing check runs for %s: %w", ref, err)
	}

	out := make([]CheckRun, 0, len(result.CheckRuns))
	for _, cr := range result.CheckRuns {
		out = append(out, CheckRun{
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
		})
	}
	return out, nil
}

// GetCombinedStatus lists legacy commit statuses for a commit.
func (c *Client) GetCombinedStatus(ctx context.Context, ref string) ([]CommitStatus, error) {
	var combined *github.CombinedStatus
	_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
		var resp *github.Response
		var opErr error
		combined, resp, opErr = c.gh.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, ref,
			&github.ListOptions{PerPage: 50})
		return resp, opErr
	})
	if err != nil {
		return nil, fmt.Errorf("getting combined status for %s: %w", ref, err)
	}

	out := make([]CommitStatus, 0, len(combined.Statuses))
	for _, s := range combined.Statuses {
		out = append(out, CommitStatus{
			Context: s.GetContext(),
			State:   s.GetState(),
		})
	}
	return out, nil
}
