package scheduler

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/llm"
	"github.com/fyrsmithlabs/autodev/internal/repostate"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// proposal is the JSON shape the text service returns for new tasks.
type proposal struct {
	Description     string `json:"description"`
	Priority        string `json:"priority"`
	Type            string `json:"type"`
	EstimatedEffort string `json:"estimatedEffort"`
	Impact          string `json:"impact"`
	Rationale       string `json:"rationale"`
}

const maxGeneratedTasks = 5

// GenerateTasks asks the text service for backlog proposals grounded in
// the repository snapshot and appends them to the list. Returns the tasks
// added. Generation uses the routine tier: proposals are cheap and the
// scheduler filters them anyway.
func (s *Scheduler) GenerateTasks(ctx context.Context, client llm.Client, list *tasks.List, snap *repostate.Snapshot) ([]*tasks.Task, error) {
	prompt := buildGenerationPrompt(list, snap)

	raw, err := client.Complete(ctx, llm.TierRoutine, []llm.Message{llm.UserMessage(prompt)})
	if err != nil {
		return nil, fmt.Errorf("generating tasks: %w", err)
	}

	var proposals []proposal
	if err := llm.ExtractJSONArray(raw, &proposals); err != nil {
		return nil, fmt.Errorf("parsing task proposals: %w", err)
	}

	var added []*tasks.Task
	for _, p := range proposals {
		if len(added) >= maxGeneratedTasks {
			break
		}
		desc := strings.TrimSpace(p.Description)
		if desc == "" || isDuplicate(list, desc) {
			continue
		}
		t := list.Add(&tasks.Task{
			Description:     desc,
			Priority:        tasks.Priority(p.Priority),
			Type:            tasks.Type(p.Type),
			EstimatedEffort: tasks.Effort(p.EstimatedEffort),
			Metadata: tasks.Metadata{
				Impact:           p.Impact,
				GenerationSource: "llm",
			},
		})
		added = append(added, t)
		s.logger.Info("task generated",
			zap.Int("task", t.ID),
			zap.String("type", string(t.Type)),
			zap.String("description", desc),
		)
	}
	return added, nil
}

func isDuplicate(list *tasks.List, description string) bool {
	needle := strings.ToLower(description)
	for _, t := range list.Tasks {
		if strings.ToLower(t.Description) == needle {
			return true
		}
	}
	return false
}

func buildGenerationPrompt(list *tasks.List, snap *repostate.Snapshot) string {
	var b strings.Builder
	b.WriteString("Propose new development tasks for this repository as a JSON array.\n")
	b.WriteString("Each element: {\"description\", \"priority\" (critical|high|medium|low), ")
	b.WriteString("\"type\" (feature|refactor|fix|research|tool), ")
	b.WriteString("\"estimatedEffort\" (small|medium|large), \"impact\" (low|medium|high|critical), \"rationale\"}.\n")
	b.WriteString(fmt.Sprintf("Propose at most %d tasks.\n\n", maxGeneratedTasks))

	if snap != nil {
		b.WriteString("Repository state:\n")
		b.WriteString(fmt.Sprintf("- size: %.1f KLOC\n", snap.CodebaseSize))
		b.WriteString(fmt.Sprintf("- test coverage proxy: %.0f%%\n", snap.TestCoverage))
		b.WriteString(fmt.Sprintf("- technical debt density: %.1f\n", snap.TechnicalDebt))
		if len(snap.MissingTools) > 0 {
			b.WriteString(fmt.Sprintf("- missing tools: %s\n", strings.Join(snap.MissingTools, ", ")))
		}
		for _, c := range snap.ArchitecturalConcerns {
			b.WriteString(fmt.Sprintf("- concern: %s\n", c))
		}
		for _, o := range snap.OpportunityAreas {
			b.WriteString(fmt.Sprintf("- opportunity: %s\n", o))
		}
		b.WriteString("\n")
	}

	if len(list.Tasks) > 0 {
		b.WriteString("Existing tasks (do not duplicate):\n")
		for _, t := range list.Tasks {
			b.WriteString(fmt.Sprintf("- [%s] %s\n", t.Status, t.Description))
		}
	}
	return b.String()
}
