package report

import (
	"strings"
	"testing"
	"time"

	"maestro/internal/types"
)

func sampleResult() *types.OrchestrationResult {
	return &types.OrchestrationResult{
		TaskID:        "task-42",
		Command:       "assess the service layer",
		Success:       true,
		AgentsSpawned: 2,
		ExecutionTime: 1500 * time.Millisecond,
		Results: map[string]types.ExecutionRecord{
			"quality": {
				SubtaskID: "quality", Role: types.RoleReviewer, Success: true,
				Duration: 700 * time.Millisecond, Cost: 0.0210,
			},
			"architecture": {
				SubtaskID: "architecture", Role: types.RoleArchitect, Success: false,
				FailureKind: types.FailureLLMUnavailable, Error: "all models down",
				Duration: 800 * time.Millisecond, Cost: 0.0100,
			},
		},
		Errors: []string{"architecture: all models down"},
	}
}

func TestFromResultOrdersRecordsAndSumsCost(t *testing.T) {
	r := FromResult("Audit run", sampleResult())

	if len(r.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(r.Records))
	}
	if r.Records[0].SubtaskID != "architecture" || r.Records[1].SubtaskID != "quality" {
		t.Errorf("records not ordered by subtask ID: %s, %s",
			r.Records[0].SubtaskID, r.Records[1].SubtaskID)
	}
	if want := 0.0310; r.TotalCost < want-1e-9 || r.TotalCost > want+1e-9 {
		t.Errorf("total cost = %f, want %f", r.TotalCost, want)
	}
}

func TestMarkdownRendersBannerTableAndErrors(t *testing.T) {
	r := FromResult("Audit run", sampleResult())
	md := r.Markdown()

	if !strings.Contains(md, "# Audit run") {
		t.Error("missing title")
	}
	if !strings.Contains(md, "✅ SUCCESS") {
		t.Error("missing success banner")
	}
	if !strings.Contains(md, "| architecture | architect | ❌ llm_unavailable |") {
		t.Errorf("missing failed-row rendering:\n%s", md)
	}
	if !strings.Contains(md, "| quality | reviewer | ✅ |") {
		t.Errorf("missing success-row rendering:\n%s", md)
	}
	if !strings.Contains(md, "## Errors") || !strings.Contains(md, "architecture: all models down") {
		t.Error("missing errors section")
	}
	if strings.Contains(md, "## Recommendations") {
		t.Error("recommendations section must be omitted when empty")
	}
}

func TestMarkdownFailureAndDegradedBanner(t *testing.T) {
	res := sampleResult()
	res.Success = false
	res.Degraded = true
	md := FromResult("Audit run", res).Markdown()

	if !strings.Contains(md, "❌ FAILED (degraded)") {
		t.Errorf("banner missing degraded failure:\n%s", md)
	}
}

func TestMarkdownRecommendations(t *testing.T) {
	r := FromResult("Audit run", sampleResult())
	r.Recommendations = []string{"prefer the fast chain for QA subtasks"}
	md := r.Markdown()

	if !strings.Contains(md, "## Recommendations") ||
		!strings.Contains(md, "prefer the fast chain for QA subtasks") {
		t.Errorf("missing recommendations section:\n%s", md)
	}
}
