package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"maestro/internal/logging"
)

// Git shells out to the git binary in a workspace. Remote host operations
// (review requests, comments) are delegated to an optional Host; without one
// they report a wrapped ErrVCS that workers surface as a note, not a failure.
type Git struct {
	workspace string
	timeout   time.Duration
	host      Host
}

// Host is the repository-host API used to open review requests. Kept
// separate from git plumbing so tests and non-hosted repos can omit it.
type Host interface {
	OpenReviewRequest(ctx context.Context, branch, title, body string, metadata map[string]string) (ReviewRequest, error)
	AddComment(ctx context.Context, number int, body string) error
}

// NewGit creates a git client for the workspace. A zero timeout defaults
// to 30 seconds per operation.
func NewGit(workspace string, timeout time.Duration, host Host) *Git {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Git{workspace: workspace, timeout: timeout, host: host}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: git %s: %v", ErrVCS, args[0], ctx.Err())
		}
		return "", fmt.Errorf("%w: git %s: %v: %s", ErrVCS, args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentRevision returns the HEAD commit hash.
func (g *Git) CurrentRevision(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

// ResetTo hard-resets the working tree to a revision.
func (g *Git) ResetTo(ctx context.Context, revision string) error {
	_, err := g.run(ctx, "reset", "--hard", revision)
	if err == nil {
		logging.VCS("reset working tree to %s", revision)
	}
	return err
}

// CleanUntracked removes untracked files and directories.
func (g *Git) CleanUntracked(ctx context.Context) error {
	_, err := g.run(ctx, "clean", "-fd")
	return err
}

// CreateBranch creates and checks out a branch.
func (g *Git) CreateBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "checkout", "-b", name)
	return err
}

// Commit stages the given paths and commits them, returning the new hash.
func (g *Git) Commit(ctx context.Context, paths []string, message string) (string, error) {
	args := append([]string{"add", "--"}, paths...)
	if _, err := g.run(ctx, args...); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.CurrentRevision(ctx)
}

// Push pushes a branch to origin.
func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "-u", "origin", branch)
	return err
}

// OpenReviewRequest delegates to the host API.
func (g *Git) OpenReviewRequest(ctx context.Context, branch, title, body string, metadata map[string]string) (ReviewRequest, error) {
	if g.host == nil {
		return ReviewRequest{}, fmt.Errorf("%w: no host configured", ErrVCS)
	}
	return g.host.OpenReviewRequest(ctx, branch, title, body, metadata)
}

// AddComment delegates to the host API.
func (g *Git) AddComment(ctx context.Context, number int, body string) error {
	if g.host == nil {
		return fmt.Errorf("%w: no host configured", ErrVCS)
	}
	return g.host.AddComment(ctx, number, body)
}

// Status reports whether the working tree is clean.
func (g *Git) Status(ctx context.Context) (Status, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return StatusDirty, err
	}
	if out == "" {
		return StatusClean, nil
	}
	return StatusDirty, nil
}
