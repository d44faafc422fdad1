package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodev/internal/hosting"
	"github.com/fyrsmithlabs/autodev/internal/llm"
	"github.com/fyrsmithlabs/autodev/internal/secrets"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

const testDiff = "```diff\ndiff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1,2 +1,3 @@\n package main\n+\n```"

const approvedReview = "✅ correct\n✅ complete\n✅ error handling\n✅ tests\n✅ no security issues"

const rejectedReview = "✅ correct\n❌ missing tests\n❌ incomplete error handling\n✅ no security issues"

// fakeLLM routes responses by prompt content, mirroring how the engine's
// prompts are distinguishable in practice.
type fakeLLM struct {
	reviewResp   string
	assessResp   string
	triageResp   string
	recoveryResp string
	genCalls     int
	lastTier     llm.Tier
}

func (f *fakeLLM) Complete(_ context.Context, tier llm.Tier, msgs []llm.Message) (string, error) {
	f.lastTier = tier
	prompt := msgs[len(msgs)-1].Content
	switch {
	case strings.Contains(prompt, "Produce a unified diff"),
		strings.Contains(prompt, "produce a minimal unified diff"):
		f.genCalls++
		return testDiff, nil
	case strings.Contains(prompt, "Review this patch"):
		if f.reviewResp != "" {
			return f.reviewResp, nil
		}
		return approvedReview, nil
	case strings.Contains(prompt, "Is this task complete"):
		if f.assessResp != "" {
			return f.assessResp, nil
		}
		return `{"needsMoreWork": false, "reasoning": "looks done"}`, nil
	case strings.Contains(prompt, "Decide the remediation"):
		return f.triageResp, nil
	case strings.Contains(prompt, "recovery decision"):
		return f.recoveryResp, nil
	case strings.Contains(prompt, "Summarize"):
		return "Implemented the feature across one iteration.", nil
	}
	return "", errors.New("unexpected prompt")
}

type fakeWorkspace struct {
	commits     []string
	pushes      int
	ahead       int
	branchKnown bool
	createErr   error
}

func (f *fakeWorkspace) CreateBranchFrom(_ context.Context, _, _ string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.branchKnown = true
	return nil
}
func (f *fakeWorkspace) BranchExists(string) bool { return f.branchKnown }
func (f *fakeWorkspace) AheadCount(string) (int, error) {
	if f.ahead == 0 {
		return len(f.commits), nil
	}
	return f.ahead, nil
}
func (f *fakeWorkspace) CommitAll(msg string) (string, error) {
	f.commits = append(f.commits, msg)
	return "deadbeef", nil
}
func (f *fakeWorkspace) Push(context.Context, string) error { f.pushes++; return nil }
func (f *fakeWorkspace) HardResetToRemote(context.Context, string) error { return nil }
func (f *fakeWorkspace) Head() (string, error)                           { return "deadbeef", nil }

type fakeEnginePlatform struct {
	created  int
	prNumber int
}

func (f *fakeEnginePlatform) CreatePullRequest(_ context.Context, title, head, _, _ string) (*hosting.PullRequest, error) {
	f.created++
	return &hosting.PullRequest{Number: f.prNumber, Title: title, HeadRef: head, HeadSHA: "deadbeef"}, nil
}
func (f *fakeEnginePlatform) GetPullRequest(_ context.Context, n int) (*hosting.PullRequest, error) {
	return &hosting.PullRequest{Number: n, HeadSHA: "deadbeef"}, nil
}
func (f *fakeEnginePlatform) ListWorkflowRunsForSHA(context.Context, string) ([]hosting.WorkflowRun, error) {
	return []hosting.WorkflowRun{{ID: 1, Name: "CI", Status: "completed", Conclusion: "failure"}}, nil
}
func (f *fakeEnginePlatform) ListFailedJobLogs(context.Context, []hosting.WorkflowRun) ([]hosting.JobLog, error) {
	return []hosting.JobLog{{JobName: "CI / test", Content: "FAIL: TestX"}}, nil
}

type fakeApplier struct {
	applied []string
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, diff string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.applied = append(f.applied, diff)
	return "git-apply-index", nil
}

type fakeMonitor struct {
	results []bool
	calls   int
}

func (f *fakeMonitor) WaitForCIAndMerge(context.Context, int) (bool, error) {
	i := f.calls
	f.calls++
	if i < len(f.results) {
		return f.results[i], nil
	}
	return false, nil
}

type fakeRecorder struct {
	summaries []string
}

func (f *fakeRecorder) RecordMerge(_ context.Context, _ *tasks.Task, summary string) error {
	f.summaries = append(f.summaries, summary)
	return nil
}

type fakeRecoveryPolicy struct{ nuked bool }

func (f *fakeRecoveryPolicy) NukeBranchIfStuck(context.Context, *tasks.Task, string) (bool, error) {
	f.nuked = true
	return true, nil
}

type testRig struct {
	llm      *fakeLLM
	ws       *fakeWorkspace
	platform *fakeEnginePlatform
	applier  *fakeApplier
	monitor  *fakeMonitor
	recorder *fakeRecorder
	policy   *fakeRecoveryPolicy
	engine   *Engine
}

func newRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	rig := &testRig{
		llm:      &fakeLLM{},
		ws:       &fakeWorkspace{},
		platform: &fakeEnginePlatform{prNumber: 42},
		applier:  &fakeApplier{},
		monitor:  &fakeMonitor{results: []bool{true}},
		recorder: &fakeRecorder{},
		policy:   &fakeRecoveryPolicy{},
	}
	scrubber, err := secrets.NewScanner(nil)
	require.NoError(t, err)

	rig.engine, err = New(cfg, Deps{
		Client:    rig.llm,
		Workspace: rig.ws,
		Platform:  rig.platform,
		Applier:   rig.applier,
		Monitor:   rig.monitor,
		Scrubber:  scrubber,
		Recovery:  rig.policy,
		Recorder:  rig.recorder,
	})
	require.NoError(t, err)
	return rig
}

func newTask() *tasks.Task {
	return &tasks.Task{
		ID:              3,
		Description:     "add a parser for config files",
		Type:            tasks.TypeFeature,
		Status:          tasks.StatusPending,
		Priority:        tasks.PriorityHigh,
		EstimatedEffort: tasks.EffortSmall,
	}
}

func TestBranchName(t *testing.T) {
	task := &tasks.Task{ID: 12, Description: "Add OAuth2 support to the API gateway!"}
	assert.Equal(t, "task-12-add-oauth2-support-to", branchName(task))
}

func TestExecuteTask_HappyPath(t *testing.T) {
	rig := newRig(t, Config{})
	task := newTask()

	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task))

	assert.Equal(t, tasks.StatusDone, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, 1, task.Metadata.IterationCount)
	assert.Equal(t, 0, task.Metadata.CIFailureCount)
	assert.Greater(t, task.Metadata.DecisionCount, 0)

	assert.Equal(t, 1, rig.platform.created, "PR opened exactly once")
	assert.Len(t, rig.applier.applied, 1)
	assert.Len(t, rig.ws.commits, 1)
	assert.Contains(t, rig.ws.commits[0], "task #3: iteration 1")
	require.Len(t, rig.recorder.summaries, 1)
	assert.NotEmpty(t, rig.recorder.summaries[0])
}

func TestExecuteTask_RejectedReviewRegeneratesOnce(t *testing.T) {
	rig := newRig(t, Config{})
	rig.llm.reviewResp = rejectedReview
	task := newTask()

	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task))
	assert.Equal(t, 2, rig.llm.genCalls, "one generation plus one regeneration")
	assert.Len(t, rig.applier.applied, 1, "only the regenerated patch is applied")
}

func TestExecuteTask_FreeFormApprovalReviewLands(t *testing.T) {
	rig := newRig(t, Config{})
	rig.llm.reviewResp = "LGTM, this does exactly what the task asks."
	task := newTask()

	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task))
	assert.Equal(t, tasks.StatusDone, task.Status)
	assert.Equal(t, 1, rig.llm.genCalls, "no regeneration for an approving free-form review")
}

func TestExecuteTask_FreeFormRejectionRegenerates(t *testing.T) {
	rig := newRig(t, Config{})
	rig.llm.reviewResp = "I must reject this patch, the tests are missing entirely."
	task := newTask()

	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task))
	assert.Equal(t, 2, rig.llm.genCalls, "one generation plus one regeneration")
}

func TestExecuteTask_UnreadableReviewIsStepFailure(t *testing.T) {
	rig := newRig(t, Config{})
	rig.llm.reviewResp = "The patch raises several architectural questions I would want to discuss first."
	rig.llm.recoveryResp = "no actionable advice"
	task := newTask()

	err := rig.engine.ExecuteTask(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reviewing patch")
	assert.Empty(t, rig.ws.commits, "an unreviewable patch must not be committed")
	assert.Equal(t, 1, task.Metadata.FailureCount)
}

func TestVerdictHeuristic(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantOK       bool
		wantApproved bool
	}{
		{"lgtm", "lgtm!", true, true},
		{"looks good", "Overall this looks good to me.", true, true},
		{"reject", "Rejected: the change is incomplete.", true, false},
		{"negated approval", "This is not approved in its current form.", true, false},
		{"no verdict", "Here are some general thoughts on the structure.", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := verdictHeuristic(tt.raw)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantApproved, r.Approved)
			}
		})
	}
}

func TestExecuteTask_MaxIterationsRoutesToRecovery(t *testing.T) {
	rig := newRig(t, Config{MaxIterations: 2})
	rig.llm.assessResp = `{"needsMoreWork": true, "reasoning": "still missing pieces"}`
	rig.llm.recoveryResp = "no actionable advice"
	task := newTask()

	err := rig.engine.ExecuteTask(context.Background(), task)
	require.ErrorIs(t, err, ErrMaxIterations)

	assert.Equal(t, 1, task.Metadata.FailureCount)
	assert.Equal(t, tasks.StatusPending, task.Status,
		"unparseable recovery action leaves the task pending")
	require.NotNil(t, task.Metadata.LastAttempt)
}

func TestExecuteTask_RecoveryBlockTask(t *testing.T) {
	rig := newRig(t, Config{MaxIterations: 1})
	rig.llm.assessResp = `{"needsMoreWork": true, "reasoning": "incomplete"}`
	rig.llm.recoveryResp = "BLOCK_TASK: 3 - requires credentials we do not have"
	task := newTask()

	err := rig.engine.ExecuteTask(context.Background(), task)
	require.ErrorIs(t, err, ErrMaxIterations)
	assert.Equal(t, tasks.StatusBlocked, task.Status)
	assert.Contains(t, task.Metadata.BlockedReason, "credentials")
}

func TestExecuteTask_RecoveryNukeBranch(t *testing.T) {
	rig := newRig(t, Config{MaxIterations: 1})
	rig.llm.assessResp = `{"needsMoreWork": true, "reasoning": "incomplete"}`
	rig.llm.recoveryResp = "NUKE_BRANCH: task-3-add-a-parser - branch state is hopeless"
	task := newTask()

	err := rig.engine.ExecuteTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, rig.policy.nuked)
	assert.Equal(t, tasks.StatusPending, task.Status)
}

func TestExecuteTask_SecretGateBlocksCommit(t *testing.T) {
	rig := newRig(t, Config{MaxIterations: 2})

	// First generation leaks a token; the engine must not commit it and
	// must carry the findings into the next iteration.
	leakyDiff := "```diff\ndiff --git a/c.go b/c.go\n--- a/c.go\n+++ b/c.go\n@@ -1 +1,2 @@\n package c\n+const token = \"ghp_" + strings.Repeat("a", 36) + "\"\n```"
	gen := 0
	inner := rig.llm
	client := llm.Client(completeFunc(func(ctx context.Context, tier llm.Tier, msgs []llm.Message) (string, error) {
		prompt := msgs[len(msgs)-1].Content
		if strings.Contains(prompt, "Produce a unified diff") {
			gen++
			if gen == 1 {
				return leakyDiff, nil
			}
			return testDiff, nil
		}
		return inner.Complete(ctx, tier, msgs)
	}))
	rig.engine.client = client

	task := newTask()
	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task))

	assert.Len(t, rig.ws.commits, 1, "only the clean patch is committed")
	assert.NotContains(t, rig.applier.applied[0], "ghp_")
	assert.Equal(t, tasks.StatusDone, task.Status)
}

type completeFunc func(ctx context.Context, tier llm.Tier, msgs []llm.Message) (string, error)

func (f completeFunc) Complete(ctx context.Context, tier llm.Tier, msgs []llm.Message) (string, error) {
	return f(ctx, tier, msgs)
}

func TestExecuteTask_CITriageBlockTask(t *testing.T) {
	rig := newRig(t, Config{})
	rig.monitor.results = []bool{false}
	rig.llm.triageResp = "BLOCK_TASK - flaky infrastructure needs human attention"
	task := newTask()

	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task),
		"a blocked task is a terminal outcome, not a workflow failure")
	assert.Equal(t, tasks.StatusBlocked, task.Status)
	assert.Contains(t, task.Metadata.BlockedReason, "flaky infrastructure")
}

func TestExecuteTask_CITriageGenerateFixThenMerge(t *testing.T) {
	rig := newRig(t, Config{})
	rig.monitor.results = []bool{false, true}
	rig.llm.triageResp = "GENERATE_FIX - one failing assertion in TestX"
	task := newTask()

	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task))
	assert.Equal(t, tasks.StatusDone, task.Status)
	assert.Equal(t, 1, task.Metadata.CIFailureCount)
	assert.Len(t, rig.ws.commits, 2, "iteration commit plus the CI fix commit")
	assert.Contains(t, rig.ws.commits[1], "fix CI failure")
}

func TestExecuteTask_CIAttemptBudgetExhausted(t *testing.T) {
	rig := newRig(t, Config{MaxCIAttempts: 2})
	rig.monitor.results = []bool{false, false}
	rig.llm.triageResp = "RESTART_ITERATION - approach was wrong"
	task := newTask()

	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task))
	assert.Equal(t, tasks.StatusBlocked, task.Status)
	assert.Contains(t, task.Metadata.BlockedReason, "CI failed")
}

func TestExecuteTask_SingleCIAttemptBlockedReason(t *testing.T) {
	// With one attempt no triage ever runs, so there is no diagnosis to
	// interpolate into the blocked reason.
	rig := newRig(t, Config{MaxCIAttempts: 1})
	rig.monitor.results = []bool{false}
	task := newTask()

	require.NoError(t, rig.engine.ExecuteTask(context.Background(), task))
	assert.Equal(t, tasks.StatusBlocked, task.Status)
	assert.Contains(t, task.Metadata.BlockedReason, "CI failed 1 times")
	assert.Contains(t, task.Metadata.BlockedReason, "no triage diagnosis available")
	assert.NotRegexp(t, `last: $`, task.Metadata.BlockedReason)
}

func TestExecuteTask_ApplyFailureRoutesToRecovery(t *testing.T) {
	rig := newRig(t, Config{})
	rig.applier.err = errors.New("all apply strategies failed")
	rig.llm.recoveryResp = "RESTART_TASK: 3 - retry with fresh context"
	task := newTask()

	err := rig.engine.ExecuteTask(context.Background(), task)
	require.ErrorIs(t, err, ErrNoPatchApplied)
	assert.Equal(t, tasks.StatusPending, task.Status)
	assert.Equal(t, 1, task.Metadata.FailureCount)
}

func TestParseTriage(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantVerb   string
		wantReason string
	}{
		{"generate fix", "GENERATE_FIX - missing import", triageGenerateFix, "missing import"},
		{"block with colon", "BLOCK_TASK: needs credentials", triageBlockTask, "needs credentials"},
		{"verb inside prose", "I recommend RESTART_ITERATION - the approach is wrong", triageRestartIteration, "the approach is wrong"},
		{"lowercase verb", "generate_fix - typo in test", triageGenerateFix, "typo in test"},
		{"no verb defaults to restart", "just try again I guess", triageRestartIteration, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verb, reason := parseTriage(tt.raw)
			assert.Equal(t, tt.wantVerb, verb)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, reason)
			}
		})
	}
}

func TestContinuationHeuristic(t *testing.T) {
	rig := newRig(t, Config{})

	t.Run("early iteration of non-small task", func(t *testing.T) {
		ws := newWorkflowState(&tasks.Task{EstimatedEffort: tasks.EffortLarge}, "b")
		ws.Iteration = 1
		assert.True(t, rig.engine.continuationHeuristic(ws))
	})

	t.Run("small task first iteration", func(t *testing.T) {
		ws := newWorkflowState(&tasks.Task{EstimatedEffort: tasks.EffortSmall}, "b")
		ws.Iteration = 1
		assert.False(t, rig.engine.continuationHeuristic(ws))
	})

	t.Run("pending CI failure within budget", func(t *testing.T) {
		ws := newWorkflowState(&tasks.Task{EstimatedEffort: tasks.EffortSmall}, "b")
		ws.Iteration = 5
		ws.CIFailureCount = 2
		assert.True(t, rig.engine.continuationHeuristic(ws))
	})

	t.Run("CI failures over budget stop voting", func(t *testing.T) {
		ws := newWorkflowState(&tasks.Task{EstimatedEffort: tasks.EffortSmall}, "b")
		ws.Iteration = 5
		ws.CIFailureCount = 4
		assert.False(t, rig.engine.continuationHeuristic(ws))
	})
}

func TestStatusSnapshot(t *testing.T) {
	rig := newRig(t, Config{})
	assert.Equal(t, StateIdle, rig.engine.Status().State)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
