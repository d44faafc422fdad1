// Package tasks defines the task model and its flat-file persistence.
package tasks

import (
	"time"
)

// Priority orders tasks for selection.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight returns the scheduler scoring weight for the priority.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityMedium:
		return 50
	case PriorityLow:
		return 25
	default:
		return 25
	}
}

// Status is the lifecycle state of a task. Status only moves forward,
// except for explicit resets by the recovery policy. Tasks are never
// deleted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Type categorizes what kind of work a task represents.
type Type string

const (
	TypeFeature  Type = "feature"
	TypeRefactor Type = "refactor"
	TypeFix      Type = "fix"
	TypeResearch Type = "research"
	TypeTool     Type = "tool"
	TypeSuper    Type = "super"
	TypeSubtask  Type = "subtask"
	TypeStandard Type = "standard"
)

// Effort is the estimated size of a task.
type Effort string

const (
	EffortSmall  Effort = "small"
	EffortMedium Effort = "medium"
	EffortLarge  Effort = "large"
	EffortEpic   Effort = "epic"
)

// Metadata carries execution bookkeeping for a task.
type Metadata struct {
	FailureCount     int        `json:"failureCount"`
	LastAttempt      *time.Time `json:"lastAttempt,omitempty"`
	BlockedReason    string     `json:"blockedReason,omitempty"`
	Context          []string   `json:"context,omitempty"`
	Impact           string     `json:"impact,omitempty"`
	Complexity       string     `json:"complexity,omitempty"`
	GenerationSource string     `json:"generationSource,omitempty"`

	// Workflow metrics persisted after a merge.
	IterationCount int `json:"iterationCount,omitempty"`
	CIFailureCount int `json:"ciFailureCount,omitempty"`
	DecisionCount  int `json:"decisionCount,omitempty"`
}

// Task is a unit of work tracked through the status lifecycle.
type Task struct {
	ID              int        `json:"id"`
	Description     string     `json:"description"`
	Priority        Priority   `json:"priority"`
	Status          Status     `json:"status"`
	Type            Type       `json:"type"`
	ParentID        *int       `json:"parentId,omitempty"`
	Children        []int      `json:"children,omitempty"`
	Dependencies    []int      `json:"dependencies,omitempty"`
	EstimatedEffort Effort     `json:"estimatedEffort"`
	Tags            []string   `json:"tags,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Metadata        Metadata   `json:"metadata"`
}

// DependenciesMet reports whether every dependency of the task is done.
// Dependencies have AND semantics. An unknown dependency id counts as unmet.
func (t *Task) DependenciesMet(byID map[int]*Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != StatusDone {
			return false
		}
	}
	return true
}

// Touch updates the modification timestamp.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// MarkDone transitions the task to done and stamps completion.
func (t *Task) MarkDone() {
	now := time.Now().UTC()
	t.Status = StatusDone
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Milestone is a named checkpoint inside a super task.
type Milestone struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// SuperTask is a long-lived initiative decomposed into subtasks. Its
// progress is derived from subtask completion and it auto-transitions to
// done once every subtask is done.
type SuperTask struct {
	ID          int         `json:"id"`
	Title       string      `json:"title"`
	Status      Status      `json:"status"`
	SubtaskIDs  []int       `json:"subtaskIds"`
	Milestones  []Milestone `json:"milestones,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// Progress returns the fraction of subtasks that are done, in [0,1].
func (s *SuperTask) Progress(byID map[int]*Task) float64 {
	if len(s.SubtaskIDs) == 0 {
		return 0
	}
	done := 0
	for _, id := range s.SubtaskIDs {
		if t, ok := byID[id]; ok && t.Status == StatusDone {
			done++
		}
	}
	return float64(done) / float64(len(s.SubtaskIDs))
}

// Refresh re-derives the super task status from its subtasks.
func (s *SuperTask) Refresh(byID map[int]*Task) {
	if s.Status == StatusDone || len(s.SubtaskIDs) == 0 {
		return
	}
	if s.Progress(byID) >= 1.0 {
		now := time.Now().UTC()
		s.Status = StatusDone
		s.CompletedAt = &now
		s.UpdatedAt = now
	}
}

// List is the full persisted task state.
type List struct {
	NextID     int          `json:"nextId"`
	Tasks      []*Task      `json:"tasks"`
	SuperTasks []*SuperTask `json:"superTasks,omitempty"`
}

// ByID indexes tasks by id.
func (l *List) ByID() map[int]*Task {
	m := make(map[int]*Task, len(l.Tasks))
	for _, t := range l.Tasks {
		m[t.ID] = t
	}
	return m
}

// Pending returns tasks with status pending, in original order.
func (l *List) Pending() []*Task {
	var out []*Task
	for _, t := range l.Tasks {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out
}

// Get returns the task with the given id, or nil.
func (l *List) Get(id int) *Task {
	for _, t := range l.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Add appends a task, assigning the next id. Returns the stored task.
func (l *List) Add(t *Task) *Task {
	if l.NextID == 0 {
		l.NextID = 1
		for _, existing := range l.Tasks {
			if existing.ID >= l.NextID {
				l.NextID = existing.ID + 1
			}
		}
	}
	t.ID = l.NextID
	l.NextID++
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Type == "" {
		t.Type = TypeStandard
	}
	if t.EstimatedEffort == "" {
		t.EstimatedEffort = EffortMedium
	}
	l.Tasks = append(l.Tasks, t)
	return t
}

// RefreshSuperTasks re-derives every super task status.
func (l *List) RefreshSuperTasks() {
	byID := l.ByID()
	for _, s := range l.SuperTasks {
		s.Refresh(byID)
	}
}
