package vcs

import (
	"strings"
	"testing"
	"time"
)

func TestBranchName(t *testing.T) {
	now := time.Unix(1700000000, 0)
	got := BranchName("/developer", "Fix the login timeout", now)
	want := "orchestrator/developer-fix-the-login-timeout-1700000000"
	if got != want {
		t.Errorf("BranchName = %q, want %q", got, want)
	}
}

func TestSlug(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Fix the login timeout", "fix-the-login-timeout"},
		{"refactor internal/store layer", "refactor-internal-store-layer"},
		{"  spaces   everywhere  ", "spaces-everywhere"},
		{"émojis 🚀 and symbols!!", "mojis-and-symbols"},
		{"", "change"},
		{"!!!", "change"},
	}
	for _, tc := range cases {
		if got := Slug(tc.in); got != tc.want {
			t.Errorf("Slug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSlugIsBounded(t *testing.T) {
	got := Slug(strings.Repeat("abc ", 50))
	if len(got) > 33 {
		t.Errorf("Slug length = %d, want bounded", len(got))
	}
	if strings.HasSuffix(got, "-") || strings.HasPrefix(got, "-") {
		t.Errorf("Slug %q has dangling separators", got)
	}
}
