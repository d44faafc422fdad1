// Package gitops wraps local version-control operations on the working
// clone: branch lifecycle, commits, pushes, and the hard resets used by
// recovery. The remote side of the platform (PRs, CI) lives in hosting.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

// ErrWorkspaceCorrupt signals a clone that cannot be repaired in place.
// Callers escalate it to an emergency reset.
var ErrWorkspaceCorrupt = errors.New("workspace corrupt")

const remoteName = "origin"

// Config describes the clone the workspace manages.
type Config struct {
	// Dir is the local checkout path.
	Dir string `koanf:"dir"`
	// RemoteURL is the HTTPS clone URL.
	RemoteURL string `koanf:"remote_url"`
	// DefaultBranch is the integration branch, usually main.
	DefaultBranch string `koanf:"default_branch"`
	// Token authenticates pushes and fetches over HTTPS.
	Token string `koanf:"token"`

	// AuthorName and AuthorEmail sign the commits the engine creates.
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	if c.AuthorName == "" {
		c.AuthorName = "autodev"
	}
	if c.AuthorEmail == "" {
		c.AuthorEmail = "autodev@localhost"
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("gitops: dir is required")
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("gitops: remote_url is required")
	}
	return nil
}

// Workspace manages one local clone.
type Workspace struct {
	cfg    Config
	repo   *git.Repository
	logger *zap.Logger
}

// Open opens the existing clone at cfg.Dir, cloning it first when missing.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Workspace, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Workspace{cfg: cfg, logger: logger}
	repo, err := git.PlainOpen(cfg.Dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return w, w.clone(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrWorkspaceCorrupt, cfg.Dir, err)
	}
	w.repo = repo
	return w, nil
}

// Dir returns the checkout path.
func (w *Workspace) Dir() string { return w.cfg.Dir }

func (w *Workspace) auth() transport.AuthMethod {
	if w.cfg.Token == "" {
		return nil
	}
	// GitHub accepts any username with a token over HTTPS.
	return &githttp.BasicAuth{Username: "x-access-token", Password: w.cfg.Token}
}

func (w *Workspace) clone(ctx context.Context) error {
	w.logger.Info("cloning repository",
		zap.String("url", w.cfg.RemoteURL),
		zap.String("dir", w.cfg.Dir),
	)
	repo, err := git.PlainCloneContext(ctx, w.cfg.Dir, false, &git.CloneOptions{
		URL:  w.cfg.RemoteURL,
		Auth: w.auth(),
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", w.cfg.RemoteURL, err)
	}
	w.repo = repo
	return nil
}

// Fetch updates remote-tracking refs. Already-up-to-date is not an error.
func (w *Workspace) Fetch(ctx context.Context) error {
	err := w.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       w.auth(),
		Prune:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s: %w", remoteName, err)
	}
	return nil
}

// CheckoutBranch switches the worktree to an existing local branch.
func (w *Workspace) CheckoutBranch(name string) error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkspaceCorrupt, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Force:  true,
	}); err != nil {
		return fmt.Errorf("checking out %s: %w", name, err)
	}
	return nil
}

// CreateBranchFrom creates (or resets) a local branch at the remote head of
// base and checks it out.
func (w *Workspace) CreateBranchFrom(ctx context.Context, name, base string) error {
	if err := w.Fetch(ctx); err != nil {
		return err
	}
	baseRef, err := w.repo.Reference(
		plumbing.NewRemoteReferenceName(remoteName, base), true)
	if err != nil {
		return fmt.Errorf("resolving %s/%s: %w", remoteName, base, err)
	}
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkspaceCorrupt, err)
	}
	existed := w.BranchExists(name)
	opts := &git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Force:  true,
	}
	if !existed {
		opts.Create = true
		opts.Hash = baseRef.Hash()
	}
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("creating branch %s from %s: %w", name, base, err)
	}
	if existed {
		// Re-point the existing branch at the base head.
		if err := wt.Reset(&git.ResetOptions{Commit: baseRef.Hash(), Mode: git.HardReset}); err != nil {
			return fmt.Errorf("resetting branch %s: %w", name, err)
		}
	}
	w.logger.Debug("branch ready",
		zap.String("branch", name),
		zap.String("base", base),
		zap.String("head", baseRef.Hash().String()),
	)
	return nil
}

// BranchExists reports whether a local branch exists.
func (w *Workspace) BranchExists(name string) bool {
	_, err := w.repo.Reference(plumbing.NewBranchReferenceName(name), false)
	return err == nil
}

// DeleteLocalBranch removes a local branch ref after switching back to the
// default branch.
func (w *Workspace) DeleteLocalBranch(name string) error {
	if name == w.cfg.DefaultBranch {
		return fmt.Errorf("refusing to delete default branch %s", name)
	}
	if err := w.CheckoutBranch(w.cfg.DefaultBranch); err != nil {
		return err
	}
	if err := w.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return fmt.Errorf("deleting local branch %s: %w", name, err)
	}
	return nil
}

// DeleteRemoteBranch deletes the branch on the remote by pushing an empty
// refspec.
func (w *Workspace) DeleteRemoteBranch(ctx context.Context, name string) error {
	if name == w.cfg.DefaultBranch {
		return fmt.Errorf("refusing to delete default branch %s", name)
	}
	err := w.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       w.auth(),
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf(":refs/heads/%s", name)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("deleting remote branch %s: %w", name, err)
	}
	return nil
}

// HardResetToRemote fetches and hard-resets the current worktree to the
// remote head of the given branch, discarding local work.
func (w *Workspace) HardResetToRemote(ctx context.Context, branch string) error {
	if err := w.Fetch(ctx); err != nil {
		return err
	}
	ref, err := w.repo.Reference(
		plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return fmt.Errorf("resolving %s/%s: %w", remoteName, branch, err)
	}
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkspaceCorrupt, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("hard reset to %s/%s: %w", remoteName, branch, err)
	}
	return nil
}

// CommitAll stages everything and commits. It returns the new commit hash,
// or an empty string with no error when the worktree is clean.
func (w *Workspace) CommitAll(message string) (string, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkspaceCorrupt, err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  w.cfg.AuthorName,
			Email: w.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// Push pushes a local branch to the remote.
func (w *Workspace) Push(ctx context.Context, branch string) error {
	err := w.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       w.auth(),
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// Head returns the current HEAD commit hash.
func (w *Workspace) Head() (string, error) {
	head, err := w.repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: reading HEAD: %v", ErrWorkspaceCorrupt, err)
	}
	return head.Hash().String(), nil
}

// AheadCount counts commits on branch that are not on the remote default
// branch. Used to decide whether there is anything worth a pull request.
func (w *Workspace) AheadCount(branch string) (int, error) {
	branchRef, err := w.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", branch, err)
	}
	baseRef, err := w.repo.Reference(
		plumbing.NewRemoteReferenceName(remoteName, w.cfg.DefaultBranch), true)
	if err != nil {
		return 0, fmt.Errorf("resolving %s/%s: %w", remoteName, w.cfg.DefaultBranch, err)
	}

	baseSet := map[plumbing.Hash]bool{}
	baseIter, err := w.repo.Log(&git.LogOptions{From: baseRef.Hash()})
	if err != nil {
		return 0, fmt.Errorf("walking %s: %w", w.cfg.DefaultBranch, err)
	}
	_ = baseIter.ForEach(func(c *object.Commit) error {
		baseSet[c.Hash] = true
		return nil
	})

	count := 0
	branchIter, err := w.repo.Log(&git.LogOptions{From: branchRef.Hash()})
	if err != nil {
		return 0, fmt.Errorf("walking %s: %w", branch, err)
	}
	err = branchIter.ForEach(func(c *object.Commit) error {
		if baseSet[c.Hash] {
			return storerStop
		}
		count++
		return nil
	})
	if err != nil && !errors.Is(err, storerStop) {
		return 0, err
	}
	return count, nil
}

var storerStop = errors.New("stop iteration")

// EmergencyReset deletes the clone entirely and re-clones from the remote.
// This is the last resort for a corrupt workspace.
func (w *Workspace) EmergencyReset(ctx context.Context) error {
	w.logger.Warn("emergency reset: removing and re-cloning workspace",
		zap.String("dir", w.cfg.Dir))
	if err := os.RemoveAll(w.cfg.Dir); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return w.clone(ctx)
}
