package ci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcile_FailureDominates(t *testing.T) {
	runs := []RunSignal{
		{Name: "CI", Status: "completed", Conclusion: "success"},
		{Name: "Tests", Status: "completed", Conclusion: "failure"},
		{Name: "Lint", Status: "in_progress"},
	}
	verdict := Reconcile(runs, nil, nil)
	assert.Equal(t, StateFailure, verdict.State)
	assert.Contains(t, verdict.Description, "Tests")
}

func TestReconcile_PendingWhileRunning(t *testing.T) {
	runs := []RunSignal{
		{Name: "CI", Status: "completed", Conclusion: "success"},
		{Name: "Build", Status: "queued"},
	}
	assert.Equal(t, StatePending, Reconcile(runs, nil, nil).State)
}

func TestReconcile_AllGreen(t *testing.T) {
	runs := []RunSignal{
		{Name: "CI", Status: "completed", Conclusion: "success"},
		{Name: "Tests", Status: "completed", Conclusion: "success"},
	}
	verdict := Reconcile(runs, nil, nil)
	assert.Equal(t, StateSuccess, verdict.State)
	assert.Equal(t, "success", verdict.Conclusion)
}

func TestReconcile_IgnoresUnrelatedWorkflows(t *testing.T) {
	// A failing release workflow must not block the merge when the legacy
	// sources are clean.
	runs := []RunSignal{
		{Name: "Release Drafter", Status: "completed", Conclusion: "failure"},
	}
	assert.Equal(t, StateSuccess, Reconcile(runs, nil, nil).State)
}

func TestReconcile_WorkflowRunsDominateLegacy(t *testing.T) {
	runs := []RunSignal{{Name: "CI", Status: "completed", Conclusion: "success"}}
	checks := []CheckSignal{{Name: "old-check", Status: "completed", Conclusion: "failure"}}
	assert.Equal(t, StateSuccess, Reconcile(runs, checks, nil).State,
		"legacy signals must not be consulted when workflow runs exist")
}

func TestReconcile_LegacyUnion(t *testing.T) {
	tests := []struct {
		name     string
		checks   []CheckSignal
		statuses []StatusSignal
		want     State
	}{
		{
			"check failure",
			[]CheckSignal{{Name: "c", Status: "completed", Conclusion: "failure"}},
			nil,
			StateFailure,
		},
		{
			"status error",
			nil,
			[]StatusSignal{{Context: "deploy", State: "error"}},
			StateError,
		},
		{
			"pending check",
			[]CheckSignal{{Name: "c", Status: "in_progress"}},
			nil,
			StatePending,
		},
		{
			"pending status",
			nil,
			[]StatusSignal{{Context: "deploy", State: "pending"}},
			StatePending,
		},
		{
			"all green",
			[]CheckSignal{{Name: "c", Status: "completed", Conclusion: "success"}},
			[]StatusSignal{{Context: "deploy", State: "success"}},
			StateSuccess,
		},
		{"no signals at all", nil, nil, StateSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reconcile(nil, tt.checks, tt.statuses).State)
		})
	}
}

func TestReconcile_FailureBeatsPendingInLegacy(t *testing.T) {
	checks := []CheckSignal{
		{Name: "a", Status: "in_progress"},
		{Name: "b", Status: "completed", Conclusion: "failure"},
	}
	assert.Equal(t, StateFailure, Reconcile(nil, checks, nil).State)
}

func TestIsFailureConclusion(t *testing.T) {
	for _, c := range []string{"failure", "timed_out", "cancelled", "action_required", "startup_failure"} {
		assert.True(t, isFailureConclusion(c), c)
	}
	for _, c := range []string{"success", "neutral", "skipped", ""} {
		assert.False(t, isFailureConclusion(c), c)
	}
}
