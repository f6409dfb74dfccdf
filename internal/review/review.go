// Package review gates code edits before they can touch the repository.
// The verdict comes from a model; when the model's answer does
// not parse as the expected JSON shape, a keyword heuristic produces a
// conservative fallback so the gate never silently waves a change through.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/types"
)

const reviewerSystemPrompt = `You are a strict senior code reviewer. You receive an artifact produced by another agent together with the task it was meant to solve. Evaluate correctness, safety, and maintainability.

Respond with ONLY a JSON object:
{
  "decision": "approve" | "request_changes" | "reject",
  "confidence": 0.0-1.0,
  "reasoning": "short rationale",
  "suggestions": ["..."],
  "security_concerns": ["..."],
  "maintainability_score": 0.0-1.0
}

Reject anything destructive or out of scope. Request changes when the work is close but flawed.`

// Reviewer evaluates artifacts through a model chain.
type Reviewer struct {
	chain *llm.Chain
	// autoApprove is the confidence floor for an approval to stand on its
	// own. A lower-confidence approval is downgraded to request_changes.
	autoApprove float64
}

// New creates a reviewer. autoApprove of 0 defaults to 0.85.
func New(chain *llm.Chain, autoApprove float64) *Reviewer {
	if autoApprove == 0 {
		autoApprove = 0.85
	}
	return &Reviewer{chain: chain, autoApprove: autoApprove}
}

// Review evaluates one artifact against its task description. Cost of the
// underlying call is returned so the pool can account it against the budget.
func (r *Reviewer) Review(ctx context.Context, task string, artifact *types.Artifact) (types.ReviewOutcome, float64, error) {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return types.ReviewOutcome{}, 0, fmt.Errorf("failed to encode artifact for review: %w", err)
	}

	userPrompt := fmt.Sprintf("Task:\n%s\n\nArtifact (kind %s):\n%s", task, artifact.Kind, payload)
	res, err := r.chain.Complete(ctx, reviewerSystemPrompt, userPrompt)
	if err != nil {
		return types.ReviewOutcome{}, res.Cost, err
	}

	outcome := parseOutcome(res.Text)
	outcome = r.applyThreshold(outcome)
	logging.Review("decision %s confidence %.2f via %s", outcome.Decision, outcome.Confidence, res.ModelUsed)
	return outcome, res.Cost, nil
}

// applyThreshold downgrades low-confidence approvals.
func (r *Reviewer) applyThreshold(o types.ReviewOutcome) types.ReviewOutcome {
	if o.Decision == types.ReviewApprove && o.Confidence < r.autoApprove {
		o.Decision = types.ReviewRequestChanges
		o.Suggestions = append(o.Suggestions,
			fmt.Sprintf("approval confidence %.2f below auto-approve floor %.2f", o.Confidence, r.autoApprove))
	}
	return o
}

// rawOutcome is the wire shape; decisions arrive without the leading slash.
type rawOutcome struct {
	Decision             string   `json:"decision"`
	Confidence           float64  `json:"confidence"`
	Reasoning            string   `json:"reasoning"`
	Suggestions          []string `json:"suggestions"`
	SecurityConcerns     []string `json:"security_concerns"`
	MaintainabilityScore float64  `json:"maintainability_score"`
}

// parseOutcome tries strict JSON first, then the keyword heuristic. A body
// that yields neither becomes request_changes at zero confidence.
func parseOutcome(text string) types.ReviewOutcome {
	if o, ok := parseJSON(text); ok {
		return o
	}
	if o, ok := heuristicOutcome(text); ok {
		logging.ReviewDebug("structured parse failed, heuristic fallback applied")
		return o
	}
	return types.ReviewOutcome{
		Decision:   types.ReviewRequestChanges,
		Confidence: 0,
		Reasoning:  "reviewer response was unparseable",
	}
}

func parseJSON(text string) (types.ReviewOutcome, bool) {
	body := extractJSON(text)
	if body == "" {
		return types.ReviewOutcome{}, false
	}
	var raw rawOutcome
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return types.ReviewOutcome{}, false
	}
	var decision types.ReviewDecision
	switch strings.ToLower(strings.TrimPrefix(raw.Decision, "/")) {
	case "approve":
		decision = types.ReviewApprove
	case "request_changes":
		decision = types.ReviewRequestChanges
	case "reject":
		decision = types.ReviewReject
	default:
		return types.ReviewOutcome{}, false
	}
	return types.ReviewOutcome{
		Decision:             decision,
		Confidence:           clamp01(raw.Confidence),
		Reasoning:            raw.Reasoning,
		Suggestions:          raw.Suggestions,
		SecurityConcerns:     raw.SecurityConcerns,
		MaintainabilityScore: clamp01(raw.MaintainabilityScore),
	}, true
}

// heuristicOutcome scans the free text for verdict keywords. Confidence is
// fixed per keyword class and deliberately below the auto-approve floor so
// a heuristic approval always becomes request_changes.
func heuristicOutcome(text string) (types.ReviewOutcome, bool) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "reject"), strings.Contains(lower, "dangerous"),
		strings.Contains(lower, "security risk"):
		return types.ReviewOutcome{
			Decision:   types.ReviewReject,
			Confidence: 0.8,
			Reasoning:  "keyword verdict: reject",
		}, true
	case strings.Contains(lower, "request changes"), strings.Contains(lower, "request_changes"),
		strings.Contains(lower, "needs changes"):
		return types.ReviewOutcome{
			Decision:   types.ReviewRequestChanges,
			Confidence: 0.5,
			Reasoning:  "keyword verdict: request changes",
		}, true
	case strings.Contains(lower, "approve"), strings.Contains(lower, "lgtm"),
		strings.Contains(lower, "looks good"):
		return types.ReviewOutcome{
			Decision:   types.ReviewApprove,
			Confidence: 0.7,
			Reasoning:  "keyword verdict: approve",
		}, true
	}
	return types.ReviewOutcome{}, false
}

// extractJSON finds the outermost JSON object, tolerating fenced blocks and
// prose around it.
func extractJSON(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			text = rest[:j]
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			text = rest[:j]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
