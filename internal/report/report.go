// Package report renders orchestration outcomes as Markdown.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"maestro/internal/types"
)

// Report is a structured run summary.
type Report struct {
	Title           string
	TaskID          string
	Command         string
	Success         bool
	Degraded        bool
	AgentsSpawned   int
	ExecutionTime   time.Duration
	TotalCost       float64
	Records         []types.ExecutionRecord
	Errors          []string
	Recommendations []string
}

// FromResult builds a report from an orchestration result. Records are
// ordered by subtask ID for stable output.
func FromResult(title string, res *types.OrchestrationResult) *Report {
	r := &Report{
		Title:         title,
		TaskID:        res.TaskID,
		Command:       res.Command,
		Success:       res.Success,
		Degraded:      res.Degraded,
		AgentsSpawned: res.AgentsSpawned,
		ExecutionTime: res.ExecutionTime,
		Errors:        res.Errors,
	}
	ids := make([]string, 0, len(res.Results))
	for id := range res.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := res.Results[id]
		r.Records = append(r.Records, rec)
		r.TotalCost += rec.Cost
	}
	return r
}

// Markdown renders the report.
func (r *Report) Markdown() string {
	var b strings.Builder

	banner := "✅ SUCCESS"
	if !r.Success {
		banner = "❌ FAILED"
	}
	if r.Degraded {
		banner += " (degraded)"
	}
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", r.Title, banner)
	fmt.Fprintf(&b, "- Task: `%s`\n- Command: %s\n- Agents spawned: %d\n- Execution time: %s\n- Total cost: %.4f\n\n",
		r.TaskID, r.Command, r.AgentsSpawned, r.ExecutionTime.Round(time.Millisecond), r.TotalCost)

	if len(r.Records) > 0 {
		b.WriteString("## Subtasks\n\n")
		b.WriteString("| Subtask | Role | Outcome | Duration | Cost |\n")
		b.WriteString("|---------|------|---------|----------|------|\n")
		for _, rec := range r.Records {
			outcome := "✅"
			if !rec.Success {
				outcome = fmt.Sprintf("❌ %s", strings.TrimPrefix(string(rec.FailureKind), "/"))
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %.4f |\n",
				rec.SubtaskID, strings.TrimPrefix(string(rec.Role), "/"),
				outcome, rec.Duration.Round(time.Millisecond), rec.Cost)
		}
		b.WriteString("\n")
	}

	if len(r.Errors) > 0 {
		b.WriteString("## Errors\n\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}

	if len(r.Recommendations) > 0 {
		b.WriteString("## Recommendations\n\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
		b.WriteString("\n")
	}
	return b.String()
}
