// Package vcs defines the version-control collaborator contract and a git
// CLI implementation. The safety controller uses it for revision capture and
// rollback; workers use it to open review requests.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrVCS wraps any collaborator failure so callers can classify without
// knowing the backend.
var ErrVCS = errors.New("vcs: operation failed")

// ReviewRequest identifies an opened host review request.
type ReviewRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Status of the working tree.
type Status string

const (
	StatusClean Status = "/clean"
	StatusDirty Status = "/dirty"
)

// Client is the VCS collaborator contract. All operations honor the context
// deadline and cancellation.
type Client interface {
	CurrentRevision(ctx context.Context) (string, error)
	ResetTo(ctx context.Context, revision string) error
	CleanUntracked(ctx context.Context) error
	CreateBranch(ctx context.Context, name string) error
	Commit(ctx context.Context, paths []string, message string) (string, error)
	Push(ctx context.Context, branch string) error
	OpenReviewRequest(ctx context.Context, branch, title, body string, metadata map[string]string) (ReviewRequest, error)
	AddComment(ctx context.Context, number int, body string) error
	Status(ctx context.Context) (Status, error)
}

// BranchName builds the canonical branch name for a role's change:
// orchestrator/<role>-<slug>-<unix-epoch>.
func BranchName(role, description string, now time.Time) string {
	role = strings.TrimPrefix(role, "/")
	return fmt.Sprintf("orchestrator/%s-%s-%d", role, Slug(description), now.Unix())
}

// Slug lowercases a description into a short branch-safe token.
func Slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '/':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteRune('-')
			}
		}
		if b.Len() >= 32 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "change"
	}
	return out
}
