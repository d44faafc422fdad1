// Package scheduler selects the next task to execute and decides when the
// backlog needs replenishing. Selection is pure scoring over the current
// task list and repository snapshot; an unselectable state is a valid idle
// outcome, never an error.
package scheduler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/repostate"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// Config tunes selection behavior.
type Config struct {
	// AllowNegativeScores keeps heavily-failed tasks eligible with their
	// de-prioritized score instead of excluding them outright.
	AllowNegativeScores *bool `koanf:"allow_negative_scores"`
	// MinPendingTasks is the backlog floor below which new tasks are
	// generated.
	MinPendingTasks int `koanf:"min_pending_tasks"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.AllowNegativeScores == nil {
		v := true
		c.AllowNegativeScores = &v
	}
	if c.MinPendingTasks <= 0 {
		c.MinPendingTasks = 3
	}
}

// Scheduler scores and selects tasks.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a scheduler.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, logger: logger}
}

// Score computes the selection score for one candidate against the
// repository snapshot.
func Score(t *tasks.Task, snap *repostate.Snapshot) float64 {
	score := t.Priority.Weight()

	if snap != nil {
		if t.Type == tasks.TypeTool && len(snap.MissingTools) > 0 {
			score += 30
		}
		if t.Type == tasks.TypeRefactor && snap.TechnicalDebt > 5 {
			score += 25
		}
	}
	if t.EstimatedEffort == tasks.EffortSmall {
		score += 20
	}
	if t.Metadata.Impact == "high" || t.Metadata.Impact == "critical" {
		score += 15
	}
	score -= 10 * float64(t.Metadata.FailureCount)
	return score
}

// SelectNext picks the highest-scoring schedulable task. It returns nil
// when nothing is selectable; when every pending task is dependency-blocked
// it additionally runs the blocked-situation handler, which may mutate the
// list (reclassifying repeat failures to research).
func (s *Scheduler) SelectNext(list *tasks.List, snap *repostate.Snapshot) *tasks.Task {
	pending := list.Pending()
	if len(pending) == 0 {
		return nil
	}

	byID := list.ByID()
	var candidates []*tasks.Task
	for _, t := range pending {
		if t.DependenciesMet(byID) {
			candidates = append(candidates, t)
		}
	}

	if len(candidates) == 0 {
		s.handleBlockedSituation(pending)
		return nil
	}

	allowNegative := s.cfg.AllowNegativeScores == nil || *s.cfg.AllowNegativeScores

	best := -1
	bestScore := 0.0
	for i, t := range candidates {
		score := Score(t, snap)
		if score < 0 && !allowNegative {
			continue
		}
		// Strict greater-than keeps original order on ties.
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best == -1 {
		return nil
	}

	selected := candidates[best]
	s.logger.Info("task selected",
		zap.Int("task", selected.ID),
		zap.Float64("score", bestScore),
		zap.String("type", string(selected.Type)),
		zap.Int("candidates", len(candidates)),
	)
	return selected
}

// handleBlockedSituation reclassifies tasks that keep failing while the
// whole backlog is dependency-blocked. The reclassification surfaces the
// deadlock as research work instead of spinning on it.
func (s *Scheduler) handleBlockedSituation(pending []*tasks.Task) {
	for _, t := range pending {
		if t.Metadata.FailureCount >= 2 && t.Type != tasks.TypeResearch {
			s.logger.Warn("reclassifying blocked task to research",
				zap.Int("task", t.ID),
				zap.Int("failure_count", t.Metadata.FailureCount),
			)
			t.Type = tasks.TypeResearch
			t.Metadata.BlockedReason = fmt.Sprintf(
				"reclassified after %d failures while all pending tasks were dependency-blocked",
				t.Metadata.FailureCount)
			t.Touch()
		}
	}
}

// needsRefactoring derives the refactoring pressure from the snapshot.
func needsRefactoring(snap *repostate.Snapshot) bool {
	if snap == nil {
		return false
	}
	return snap.TechnicalDebt > 5 ||
		len(snap.ArchitecturalConcerns) > 3 ||
		snap.CodebaseSize > 20
}

// ShouldGenerateNewTasks reports whether the backlog needs replenishing.
func (s *Scheduler) ShouldGenerateNewTasks(list *tasks.List, snap *repostate.Snapshot) bool {
	pending := list.Pending()
	if len(pending) == 0 {
		return true
	}
	if len(pending) < s.cfg.MinPendingTasks {
		return true
	}

	hasType := func(typ tasks.Type) bool {
		for _, t := range pending {
			if t.Type == typ {
				return true
			}
		}
		return false
	}

	if snap != nil && len(snap.MissingTools) > 0 && !hasType(tasks.TypeTool) {
		return true
	}
	if needsRefactoring(snap) && !hasType(tasks.TypeRefactor) {
		return true
	}
	return false
}

// RankedView returns the schedulable candidates in score order, for the
// dashboard. It never mutates the list.
func (s *Scheduler) RankedView(list *tasks.List, snap *repostate.Snapshot) []*tasks.Task {
	byID := list.ByID()
	var candidates []*tasks.Task
	for _, t := range list.Pending() {
		if t.DependenciesMet(byID) {
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return Score(candidates[i], snap) > Score(candidates[j], snap)
	})
	return candidates
}
