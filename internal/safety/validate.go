package safety

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"maestro/internal/logging"
	"maestro/internal/vcs"
)

// ProposedChange describes a mutation before it is applied.
type ProposedChange struct {
	Description  string   `json:"description"`
	Files        []string `json:"files"`
	LinesChanged int      `json:"lines_changed"`
	DeletesFiles bool     `json:"deletes_files"`
	HasTests     bool     `json:"has_tests"`
}

// Violation kinds, in validation order.
const (
	KindEmergencyStop      = "emergency_stop"
	KindLargeChange        = "large_change"
	KindDestructiveChange  = "destructive_change"
	KindCriticalFileChange = "critical_file_change"
	KindUntestedChange     = "untested_change"
	KindRateLimitExceeded  = "rate_limit_exceeded"
	KindDirtyRepository    = "dirty_repository"
)

// destructiveFragments flag shell-level wipes embedded in a change
// description. File deletion itself is caught by DeletesFiles.
var destructiveFragments = []string{
	"rm -rf", "drop table", "drop database", "truncate table",
	"git push --force", "git push -f",
}

// Validate runs every check in a fixed order and returns all violations
// found, never stopping at the first. The change is acceptable only when
// no violation is critical or error level.
func (c *Controller) Validate(ctx context.Context, change ProposedChange) (bool, []Violation) {
	var violations []Violation

	if c.IsStopped() {
		violations = append(violations, Violation{
			Level:   LevelCritical,
			Kind:    KindEmergencyStop,
			Message: "emergency stop is active",
			Details: c.StopReason(),
		})
	}

	if change.LinesChanged > c.cfg.MaxChangeSize {
		violations = append(violations, Violation{
			Level:   LevelError,
			Kind:    KindLargeChange,
			Message: fmt.Sprintf("change of %d lines exceeds limit %d", change.LinesChanged, c.cfg.MaxChangeSize),
		})
	}

	if change.DeletesFiles {
		violations = append(violations, Violation{
			Level:   LevelCritical,
			Kind:    KindDestructiveChange,
			Message: "change deletes files",
		})
	} else if frag := destructiveFragment(change.Description); frag != "" {
		violations = append(violations, Violation{
			Level:   LevelCritical,
			Kind:    KindDestructiveChange,
			Message: "change description contains a destructive operation",
			Details: frag,
		})
	}

	if hits := c.criticalFiles(change.Files); len(hits) > 0 {
		violations = append(violations, Violation{
			Level:   LevelWarning,
			Kind:    KindCriticalFileChange,
			Message: "change touches critical files",
			Details: strings.Join(hits, ", "),
		})
	}

	if c.cfg.RequireTests && !change.HasTests {
		passing := false
		if c.cfg.TestsPass != nil {
			passing = c.cfg.TestsPass(ctx)
		}
		if !passing {
			violations = append(violations, Violation{
				Level:   LevelError,
				Kind:    KindUntestedChange,
				Message: "tests are required and the change carries none",
			})
		}
	}

	c.mu.Lock()
	opCount := c.operationsLastHourLocked()
	limit := c.cfg.MaxOperationsPerHour
	c.mu.Unlock()
	if opCount >= limit {
		violations = append(violations, Violation{
			Level:   LevelError,
			Kind:    KindRateLimitExceeded,
			Message: fmt.Sprintf("%d operations in the last hour, limit %d", opCount, limit),
		})
	}

	if status, err := c.vcs.Status(ctx); err == nil && status == vcs.StatusDirty {
		violations = append(violations, Violation{
			Level:   LevelWarning,
			Kind:    KindDirtyRepository,
			Message: "working tree has uncommitted changes",
		})
	}

	ok := true
	for _, v := range violations {
		if v.Level == LevelCritical || v.Level == LevelError {
			ok = false
		}
	}
	if !ok {
		logging.SafetyWarn("change %q refused: %d violations", change.Description, len(violations))
	}
	return ok, violations
}

func destructiveFragment(desc string) string {
	lower := strings.ToLower(desc)
	for _, frag := range destructiveFragments {
		if strings.Contains(lower, frag) {
			return frag
		}
	}
	return ""
}

func (c *Controller) criticalFiles(files []string) []string {
	var hits []string
	for _, f := range files {
		base := filepath.Base(f)
		for _, glob := range c.cfg.CriticalGlobs {
			matched, err := filepath.Match(glob, base)
			if err != nil {
				continue
			}
			if !matched {
				// Globs with a path separator match against the full
				// relative path instead of the basename.
				if strings.ContainsRune(glob, '/') {
					matched, _ = filepath.Match(glob, filepath.ToSlash(f))
				}
			}
			if matched {
				hits = append(hits, f)
				break
			}
		}
	}
	return hits
}
