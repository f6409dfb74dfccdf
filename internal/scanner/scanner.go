// Package scanner walks a repository and flags candidate issues by regex
// family: security smells, quality smells, performance smells, and TODOs.
// It also computes coarse repository metrics including the test-to-source
// file ratio. It deliberately does not parse source languages.
package scanner

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"maestro/internal/logging"
)

// IssueKind is the closed set of finding families.
type IssueKind string

const (
	KindSecurity     IssueKind = "/security"
	KindPerformance  IssueKind = "/performance"
	KindBug          IssueKind = "/bug"
	KindQuality      IssueKind = "/quality"
	KindTestCoverage IssueKind = "/test_coverage"
	KindTodo         IssueKind = "/todo"
)

// Severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "/critical"
	SeverityHigh     Severity = "/high"
	SeverityMedium   Severity = "/medium"
	SeverityLow      Severity = "/low"
)

// Issue is one finding.
type Issue struct {
	Kind        IssueKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	File        string    `json:"file"`
	Line        int       `json:"line"`
	Description string    `json:"description"`
	Match       string    `json:"match,omitempty"`
}

// Metrics are coarse repository statistics.
type Metrics struct {
	TotalLines        int     `json:"total_lines"`
	CodeLines         int     `json:"code_lines"`
	TestCoverage      float64 `json:"test_coverage"` // test files / source files
	ComplexityAverage float64 `json:"complexity_average"`
	FilesCount        int     `json:"files_count"`
}

// Result of one scan.
type Result struct {
	Issues   []Issue  `json:"issues"`
	Metrics  Metrics  `json:"metrics"`
	Patterns []string `json:"patterns,omitempty"`
}

// Config tunes the scan.
type Config struct {
	// IgnorePaths are directory names skipped during the walk.
	IgnorePaths []string
	// MaxFileBytes skips larger files; 0 means 1 MiB.
	MaxFileBytes int64
}

type rule struct {
	kind     IssueKind
	severity Severity
	re       *regexp.Regexp
	desc     string
}

var todoRule = rule{KindTodo, SeverityLow,
	regexp.MustCompile(`(?i)\b(TODO|FIXME|XXX)\b[:\s]`), "open TODO marker"}

var rules = []rule{
	// Security family.
	{KindSecurity, SeverityHigh, regexp.MustCompile(`(?i)\b(md5|sha1)\s*\(|hashlib\.(md5|sha1)\b|crypto/md5|crypto/sha1`), "weak hash algorithm"},
	{KindSecurity, SeverityHigh, regexp.MustCompile(`\bmath/rand\b|random\.random\(|Math\.random\(`), "insecure randomness for a security context"},
	{KindSecurity, SeverityCritical, regexp.MustCompile(`\beval\s*\(`), "code-eval sink"},
	{KindSecurity, SeverityCritical, regexp.MustCompile(`os\.system\s*\(|subprocess\..*shell\s*=\s*True|exec\.Command\([^)]*"sh"\s*,\s*"-c"`), "shell-injection pattern"},
	{KindSecurity, SeverityHigh, regexp.MustCompile(`pickle\.loads?\s*\(|ObjectInputStream|Marshal\.load\b`), "insecure deserialization"},
	// Quality family.
	{KindQuality, SeverityLow, regexp.MustCompile(`.{161,}`), "line exceeds 160 characters"},
	{KindQuality, SeverityLow, regexp.MustCompile(`(?i)\b(print|println|console\.log|fmt\.Println)\s*\(.*debug`), "debug print residue"},
	{KindQuality, SeverityMedium, regexp.MustCompile(`def\s+\w+\([^)]*\):\s*pass\s*$`), "empty function body"},
	// Performance family. String concatenation in assignment form is the
	// portable cross-language anti-loop heuristic.
	{KindPerformance, SeverityMedium, regexp.MustCompile(`\w\s*\+=\s*["'].*["']\s*$`), "string concatenation accumulation"},
	{KindPerformance, SeverityMedium, regexp.MustCompile(`(?i)\b(time\.sleep|sleep)\s*\(\s*(\d{2,})`), "long sleep in code path"},
	// TODOs.
	todoRule,
}

var sourceExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".rb": true, ".rs": true, ".c": true, ".cc": true, ".cpp": true,
	".h": true, ".cs": true, ".php": true, ".kt": true, ".swift": true,
}

// Scan walks root and returns issues and metrics. The walk is deterministic
// (lexical order), so an unchanged tree yields the same findings.
func Scan(root string, cfg Config) (*Result, error) {
	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = 1 << 20
	}
	ignore := make(map[string]bool, len(cfg.IgnorePaths))
	for _, p := range cfg.IgnorePaths {
		ignore[p] = true
	}

	res := &Result{}
	sourceFiles := 0
	testFiles := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignore[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != root) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if !sourceExts[ext] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > cfg.MaxFileBytes {
			return nil
		}

		rel, _ := filepath.Rel(root, path)
		res.Metrics.FilesCount++
		sourceFiles++
		if isTestFile(rel) {
			testFiles++
		}

		total, code, issues, err := scanFile(path, rel)
		if err != nil {
			logging.ScannerDebug("skipping %s: %v", rel, err)
			return nil
		}
		res.Metrics.TotalLines += total
		res.Metrics.CodeLines += code
		res.Issues = append(res.Issues, issues...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	if sourceFiles > 0 {
		res.Metrics.TestCoverage = float64(testFiles) / float64(sourceFiles)
	}
	if res.Metrics.TestCoverage < 0.2 && sourceFiles > 3 {
		res.Issues = append(res.Issues, Issue{
			Kind:        KindTestCoverage,
			Severity:    SeverityMedium,
			File:        ".",
			Description: fmt.Sprintf("test-to-source ratio %.2f is below 0.2", res.Metrics.TestCoverage),
		})
	}
	res.Metrics.ComplexityAverage = estimateComplexity(res.Metrics)

	logging.Scanner("scanned %d files: %d issues, coverage ratio %.2f",
		res.Metrics.FilesCount, len(res.Issues), res.Metrics.TestCoverage)
	return res, nil
}

func scanFile(path, rel string) (totalLines, codeLines int, issues []Issue, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		totalLines++
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			if m := todoRule.re.FindString(line); m != "" {
				issues = append(issues, Issue{
					Kind: KindTodo, Severity: SeverityLow, File: rel, Line: lineNo,
					Description: "open TODO marker", Match: strings.TrimSpace(m),
				})
			}
			continue
		}
		codeLines++
		for _, r := range rules {
			if m := r.re.FindString(line); m != "" {
				issues = append(issues, Issue{
					Kind: r.kind, Severity: r.severity, File: rel, Line: lineNo,
					Description: r.desc, Match: truncate(strings.TrimSpace(m), 80),
				})
			}
		}
	}
	return totalLines, codeLines, issues, sc.Err()
}

func isTestFile(rel string) bool {
	base := filepath.Base(rel)
	return strings.HasSuffix(base, "_test.go") ||
		strings.HasPrefix(base, "test_") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.")
}

// estimateComplexity is a coarse lines-per-file proxy scaled to a familiar
// cyclomatic-looking range.
func estimateComplexity(m Metrics) float64 {
	if m.FilesCount == 0 {
		return 0
	}
	avg := float64(m.CodeLines) / float64(m.FilesCount)
	return avg / 25.0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
