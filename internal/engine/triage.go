package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/llm"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// Triage verbs for CI failures. These are a separate, smaller vocabulary
// than the tool commands: each maps to one bounded remediation path.
const (
	triageGenerateFix      = "GENERATE_FIX"
	triageRestartIteration = "RESTART_ITERATION"
	triageBlockTask        = "BLOCK_TASK"
)

// monitorAndMerge runs the bounded CI loop: wait for a verdict, merge on
// green, triage on red. Returns (true, nil) once merged and (false, nil)
// when the task ends blocked or the attempt budget runs out.
func (e *Engine) monitorAndMerge(ctx context.Context, ws *WorkflowState) (bool, error) {
	for attempt := 1; attempt <= e.cfg.MaxCIAttempts; attempt++ {
		merged, err := e.monitor.WaitForCIAndMerge(ctx, ws.PRNumber)
		if err != nil {
			return false, fmt.Errorf("CI monitoring (attempt %d): %w", attempt, err)
		}
		if merged {
			if e.metrics != nil {
				e.metrics.CIVerdictsTotal.WithLabelValues("success").Inc()
			}
			return true, nil
		}

		ws.CIFailureCount++
		if e.metrics != nil {
			e.metrics.CIVerdictsTotal.WithLabelValues("failure").Inc()
		}
		e.logger.Info("CI failed, triaging",
			zap.Int("task", ws.Task.ID),
			zap.Int("attempt", attempt),
			zap.Int("ci_failures", ws.CIFailureCount),
		)

		if attempt == e.cfg.MaxCIAttempts {
			break
		}

		verb, reason, err := e.triageCIFailure(ctx, ws)
		if err != nil {
			return false, err
		}
		ws.recordDecision(verb, reason)

		switch verb {
		case triageGenerateFix:
			if err := e.generateTargetedFix(ctx, ws, reason); err != nil {
				return false, err
			}
		case triageRestartIteration:
			ws.Iteration++
			if _, _, err := e.runIteration(ctx, ws, []string{
				"the previous attempt failed CI: " + reason,
			}); err != nil {
				return false, err
			}
		case triageBlockTask:
			ws.Task.Status = tasks.StatusBlocked
			ws.Task.Metadata.BlockedReason = reason
			ws.Task.Touch()
			e.logger.Warn("task blocked by CI triage",
				zap.Int("task", ws.Task.ID),
				zap.String("reason", reason),
			)
			return false, nil
		}
	}

	// Attempt budget exhausted without a merge. No triage runs on the last
	// attempt, so the failure reason may be absent.
	last := ws.LastFailureReason
	if last == "" {
		last = "no triage diagnosis available"
	}
	ws.Task.Status = tasks.StatusBlocked
	ws.Task.Metadata.BlockedReason = fmt.Sprintf(
		"CI failed %d times; last: %s", ws.CIFailureCount, last)
	ws.Task.Touch()
	return false, nil
}

// triageCIFailure fetches the failing job logs and asks the text service
// which remediation path to take. Unparseable answers default to
// RESTART_ITERATION, the middle option.
func (e *Engine) triageCIFailure(ctx context.Context, ws *WorkflowState) (string, string, error) {
	logs := e.collectFailureLogs(ctx, ws)

	var b strings.Builder
	b.WriteString("CI failed for the pull request below. Decide the remediation.\n")
	b.WriteString("Respond with exactly one line: GENERATE_FIX - <reason>, RESTART_ITERATION - <reason>, or BLOCK_TASK - <reason>.\n")
	b.WriteString("GENERATE_FIX: the failure is small and a targeted patch will fix it.\n")
	b.WriteString("RESTART_ITERATION: the approach was wrong; redo one full iteration.\n")
	b.WriteString("BLOCK_TASK: the failure needs human attention.\n\n")
	fmt.Fprintf(&b, "Task: %s\nPR: #%d\nPrior CI failures: %d\n\n", ws.Task.Description, ws.PRNumber, ws.CIFailureCount)
	if logs != "" {
		fmt.Fprintf(&b, "Failing job logs:\n%s\n", logs)
	}

	raw, err := e.client.Complete(ctx, llm.TierImportant, []llm.Message{llm.UserMessage(b.String())})
	if err != nil {
		return "", "", fmt.Errorf("requesting CI triage: %w", err)
	}

	verb, reason := parseTriage(raw)
	ws.LastFailureReason = reason
	return verb, reason, nil
}

// parseTriage extracts the triage verb and its reason from free text.
func parseTriage(raw string) (string, string) {
	upper := strings.ToUpper(raw)
	for _, verb := range []string{triageGenerateFix, triageRestartIteration, triageBlockTask} {
		idx := strings.Index(upper, verb)
		if idx < 0 {
			continue
		}
		rest := raw[idx+len(verb):]
		if line := firstLine(rest); line != "" {
			reason := strings.TrimSpace(strings.TrimLeft(line, " \t:-"))
			if reason != "" {
				return verb, reason
			}
		}
		return verb, "no reason given"
	}
	return triageRestartIteration, "triage answer unparseable: " + firstLine(strings.TrimSpace(raw))
}

// collectFailureLogs gathers truncated failing job logs for the PR head.
// Log collection is best effort; triage can proceed without it.
func (e *Engine) collectFailureLogs(ctx context.Context, ws *WorkflowState) string {
	pr, err := e.platform.GetPullRequest(ctx, ws.PRNumber)
	if err != nil {
		e.logger.Warn("failed to fetch PR for triage", zap.Error(err))
		return ""
	}
	runs, err := e.platform.ListWorkflowRunsForSHA(ctx, pr.HeadSHA)
	if err != nil {
		e.logger.Warn("failed to list workflow runs for triage", zap.Error(err))
		return ""
	}
	logs, err := e.platform.ListFailedJobLogs(ctx, runs)
	if err != nil {
		e.logger.Warn("failed to download job logs for triage", zap.Error(err))
		return ""
	}

	var b strings.Builder
	for _, l := range logs {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", l.JobName, tail(l.Content, 4000))
	}
	return b.String()
}

// generateTargetedFix produces and lands exactly one fix patch for the CI
// failure, without a review round trip.
func (e *Engine) generateTargetedFix(ctx context.Context, ws *WorkflowState, reason string) error {
	logs := e.collectFailureLogs(ctx, ws)

	var b strings.Builder
	b.WriteString("CI failed; produce a minimal unified diff that fixes only the failure. Output only the diff in a fenced ```diff block.\n\n")
	fmt.Fprintf(&b, "Task: %s\nDiagnosis: %s\n", ws.Task.Description, reason)
	if logs != "" {
		fmt.Fprintf(&b, "\nFailing job logs:\n%s\n", logs)
	}

	raw, err := e.client.Complete(ctx, llm.TierImportant, []llm.Message{llm.UserMessage(b.String())})
	if err != nil {
		return fmt.Errorf("generating CI fix: %w", err)
	}
	diff, err := llm.ExtractDiff(raw)
	if err != nil {
		return fmt.Errorf("extracting CI fix: %w", err)
	}

	if e.scrubber != nil {
		if findings := e.scrubber.Check(diff); len(findings) > 0 {
			return fmt.Errorf("CI fix rejected by secret scan (%d findings)", len(findings))
		}
	}
	if _, err := e.applier.Apply(ctx, diff); err != nil {
		return fmt.Errorf("%w: %v", ErrNoPatchApplied, err)
	}

	message := fmt.Sprintf("task #%d: fix CI failure\n\n%s", ws.Task.ID, firstLine(reason))
	hash, err := e.workspace.CommitAll(message)
	if err != nil {
		return fmt.Errorf("committing CI fix: %w", err)
	}
	if hash == "" {
		return fmt.Errorf("CI fix produced no changes")
	}
	return e.workspace.Push(ctx, ws.Branch)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
