// Package ci turns the platform's three overlapping signal sources
// (workflow runs, check runs, commit statuses) into one verdict per
// commit, and drives the wait-then-merge loop for open pull requests.
package ci

import (
	"fmt"
	"strings"
)

// State is the reconciled CI state for one commit.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// Status is the single reconciled verdict for one commit.
type Status struct {
	State       State
	Conclusion  string
	Description string
	TargetURL   string
}

// RunSignal is one workflow run observed for the commit.
type RunSignal struct {
	Name       string
	Status     string // queued | in_progress | completed
	Conclusion string // success | failure | cancelled | ...
	URL        string
}

// CheckSignal is one legacy check run.
type CheckSignal struct {
	Name       string
	Status     string
	Conclusion string
}

// StatusSignal is one legacy commit status context.
type StatusSignal struct {
	Context string
	State   string // pending | success | failure | error
}

// ciNameFragments identify workflow runs that gate merges. Runs with
// unrelated names (release automation, labels) do not count.
var ciNameFragments = []string{"ci", "test", "build", "check", "lint"}

func isCIRun(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range ciNameFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Reconcile folds the three signal sources into one Status. Workflow runs
// dominate when any are present; the legacy sources are only consulted as
// a fallback union. A commit with no signals at all is a success: plenty
// of repositories run no CI.
func Reconcile(runs []RunSignal, checks []CheckSignal, statuses []StatusSignal) Status {
	var relevant []RunSignal
	for _, r := range runs {
		if isCIRun(r.Name) {
			relevant = append(relevant, r)
		}
	}

	if len(relevant) > 0 {
		return reconcileRuns(relevant)
	}
	return reconcileLegacy(checks, statuses)
}

func reconcileRuns(runs []RunSignal) Status {
	// Failure dominates: one red run blocks the merge even while others
	// are still going.
	for _, r := range runs {
		if r.Status == "completed" && isFailureConclusion(r.Conclusion) {
			return Status{
				State:       StateFailure,
				Conclusion:  r.Conclusion,
				Description: fmt.Sprintf("workflow %q concluded %s", r.Name, r.Conclusion),
				TargetURL:   r.URL,
			}
		}
	}
	for _, r := range runs {
		if r.Status != "completed" {
			return Status{
				State:       StatePending,
				Description: fmt.Sprintf("workflow %q is %s", r.Name, r.Status),
				TargetURL:   r.URL,
			}
		}
	}
	return Status{
		State:       StateSuccess,
		Conclusion:  "success",
		Description: fmt.Sprintf("all %d workflow runs succeeded", len(runs)),
	}
}

func isFailureConclusion(conclusion string) bool {
	switch conclusion {
	case "failure", "timed_out", "cancelled", "action_required", "startup_failure":
		return true
	}
	return false
}

func reconcileLegacy(checks []CheckSignal, statuses []StatusSignal) Status {
	for _, c := range checks {
		if c.Status == "completed" && isFailureConclusion(c.Conclusion) {
			return Status{
				State:       StateFailure,
				Conclusion:  c.Conclusion,
				Description: fmt.Sprintf("check %q concluded %s", c.Name, c.Conclusion),
			}
		}
	}
	for _, s := range statuses {
		if s.State == "failure" || s.State == "error" {
			return Status{
				State:       State(s.State),
				Conclusion:  s.State,
				Description: fmt.Sprintf("status %q is %s", s.Context, s.State),
			}
		}
	}
	for _, c := range checks {
		if c.Status != "completed" {
			return Status{
				State:       StatePending,
				Description: fmt.Sprintf("check %q is %s", c.Name, c.Status),
			}
		}
	}
	for _, s := range statuses {
		if s.State == "pending" {
			return Status{
				State:       StatePending,
				Description: fmt.Sprintf("status %q is pending", s.Context),
			}
		}
	}
	return Status{
		State:       StateSuccess,
		Conclusion:  "success",
		Description: "no failing checks or statuses",
	}
}
