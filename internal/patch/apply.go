// Package patch validates unified diffs and applies them to the workspace
// through an ordered chain of strategies. Each strategy either succeeds or
// fails cleanly; the first success wins and only exhaustion of the whole
// chain is fatal for an iteration.
package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gitleaks/go-gitdiff/gitdiff"
	"go.uber.org/zap"
)

// ErrInvalidDiff marks a patch rejected before any strategy runs.
var ErrInvalidDiff = errors.New("invalid diff")

// ErrAllStrategiesFailed marks exhaustion of the apply chain.
var ErrAllStrategiesFailed = errors.New("all apply strategies failed")

// Validate rejects text that is not a plausible unified diff: it must carry
// a "diff --git" header or an "@@" hunk marker before any apply strategy
// runs.
func Validate(diff string) error {
	if strings.TrimSpace(diff) == "" {
		return fmt.Errorf("%w: empty patch", ErrInvalidDiff)
	}
	hasHeader := strings.Contains(diff, "diff --git")
	hasHunk := strings.Contains(diff, "@@")
	if !hasHeader && !hasHunk {
		return fmt.Errorf("%w: no diff header and no hunk markers", ErrInvalidDiff)
	}
	return nil
}

// Strategy is one named way of applying a diff to a workspace directory.
type Strategy struct {
	Name  string
	Apply func(ctx context.Context, dir, diff string) error
}

// Applier runs the strategy chain against a single workspace directory.
type Applier struct {
	dir        string
	strategies []Strategy
	logger     *zap.Logger
}

// NewApplier creates an applier with the default strategy chain.
func NewApplier(dir string, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		dir:        dir,
		strategies: DefaultStrategies(),
		logger:     logger,
	}
}

// DefaultStrategies returns the ordered chain: indexed git apply, plain
// apply plus staging, whitespace-tolerant apply, and manual line-level
// reconstruction from the diff text.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "git-apply-index", Apply: applyIndexed},
		{Name: "git-apply-stage", Apply: applyPlainAndStage},
		{Name: "git-apply-whitespace", Apply: applyWhitespaceTolerant},
		{Name: "manual-reconstruct", Apply: applyManual},
	}
}

// Apply validates the diff and tries each strategy in order. It returns
// the name of the strategy that succeeded.
func (a *Applier) Apply(ctx context.Context, diff string) (string, error) {
	if err := Validate(diff); err != nil {
		return "", err
	}

	var failures []string
	for _, s := range a.strategies {
		err := s.Apply(ctx, a.dir, diff)
		if err == nil {
			a.logger.Debug("patch applied", zap.String("strategy", s.Name))
			return s.Name, nil
		}
		a.logger.Debug("apply strategy failed",
			zap.String("strategy", s.Name),
			zap.Error(err),
		)
		failures = append(failures, fmt.Sprintf("%s: %v", s.Name, err))
	}

	return "", fmt.Errorf("%w: %s", ErrAllStrategiesFailed, strings.Join(failures, "; "))
}

// runGit invokes the git binary with the diff on stdin.
func runGit(ctx context.Context, dir, stdin string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}

func applyIndexed(ctx context.Context, dir, diff string) error {
	return runGit(ctx, dir, diff, "apply", "--index")
}

func applyPlainAndStage(ctx context.Context, dir, diff string) error {
	if err := runGit(ctx, dir, diff, "apply"); err != nil {
		return err
	}
	return runGit(ctx, dir, "", "add", "-A")
}

func applyWhitespaceTolerant(ctx context.Context, dir, diff string) error {
	if err := runGit(ctx, dir, diff, "apply", "--ignore-whitespace", "--whitespace=fix"); err != nil {
		return err
	}
	return runGit(ctx, dir, "", "add", "-A")
}

// applyManual reconstructs file content from the diff text itself, without
// the git binary, then stages the result. Used when every git-apply variant
// rejects the patch (typically due to mangled context lines).
func applyManual(ctx context.Context, dir, diff string) error {
	filesCh, err := gitdiff.Parse(strings.NewReader(diff))
	if err != nil {
		return fmt.Errorf("parsing diff: %w", err)
	}

	// Parse streams files; drain the channel fully even on failure so the
	// parser goroutine does not leak.
	var count int
	var applyErr error
	for f := range filesCh {
		count++
		if applyErr != nil {
			continue
		}
		if err := reconstructFile(dir, f); err != nil {
			applyErr = err
		}
	}
	if applyErr != nil {
		return applyErr
	}
	if count == 0 {
		return errors.New("diff contains no files")
	}
	return runGit(ctx, dir, "", "add", "-A")
}

func reconstructFile(dir string, f *gitdiff.File) error {
	name := f.NewName
	if name == "" {
		name = f.OldName
	}
	path := filepath.Join(dir, filepath.FromSlash(name))

	if f.IsDelete {
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(f.OldName))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting %s: %w", f.OldName, err)
		}
		return nil
	}

	var src []byte
	if !f.IsNew {
		var err error
		src, err = os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.OldName)))
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.OldName, err)
		}
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(src), f); err != nil {
		return fmt.Errorf("reconstructing %s: %w", name, err)
	}

	if f.IsRename && f.OldName != "" && f.OldName != f.NewName {
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(f.OldName))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing renamed %s: %w", f.OldName, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
