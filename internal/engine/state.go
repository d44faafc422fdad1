package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// State is the workflow state machine position.
type State string

const (
	StateInit      State = "INIT"
	StateIterating State = "ITERATING"
	StatePROpen    State = "PR_OPEN"
	StateCIMonitor State = "CI_MONITOR"
	StateMerged    State = "MERGED"
	StateCIBlocked State = "CI_BLOCKED"
	StateRecovery  State = "RECOVERY"
	StateIdle      State = "IDLE"
)

// ErrMaxIterations marks a workflow that hit the iteration bound without a
// completion decision. Distinguishable from other failures so recovery can
// treat it differently from a crash.
var ErrMaxIterations = errors.New("maximum iterations reached without completion")

// ErrNoPatchApplied marks an iteration where no strategy could land the
// generated patch.
var ErrNoPatchApplied = errors.New("no patch applied")

// ErrTaskBlocked marks a task the engine decided to block. Not retried.
var ErrTaskBlocked = errors.New("task blocked")

// Decision is one continuation or triage decision, appended in order.
type Decision struct {
	Iteration int       `json:"iteration"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowState is the ephemeral per-execution state. It exists only for
// the duration of one task execution and is never persisted; durable
// outcomes land on the task's metadata.
type WorkflowState struct {
	ID                string
	Task              *tasks.Task
	Branch            string
	State             State
	Iteration         int
	DecisionHistory   []Decision
	CIFailureCount    int
	LastFailureReason string
	PRNumber          int
	StartedAt         time.Time
}

func newWorkflowState(task *tasks.Task, branch string) *WorkflowState {
	return &WorkflowState{
		ID:        uuid.NewString(),
		Task:      task,
		Branch:    branch,
		State:     StateInit,
		StartedAt: time.Now().UTC(),
	}
}

func (w *WorkflowState) recordDecision(decision, reasoning string) {
	w.DecisionHistory = append(w.DecisionHistory, Decision{
		Iteration: w.Iteration,
		Decision:  decision,
		Reasoning: reasoning,
		Timestamp: time.Now().UTC(),
	})
}
