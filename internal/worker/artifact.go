package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"maestro/internal/types"
)

// parseArtifact turns a model response into a typed artifact. A fenced code
// block becomes a code edit; a JSON object becomes the structured kind the
// subtask expects; free text is accepted only for analysis tasks.
func parseArtifact(text string, st types.Subtask) (*types.Artifact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("subtask %s produced an empty response", st.ID)
	}

	if st.ExpectedOutput == types.OutputCodeEdit {
		content, ok := extractFenced(text)
		if !ok {
			return nil, fmt.Errorf("subtask %s expected a fenced code block", st.ID)
		}
		target := st.TargetPath
		if target == "" {
			return nil, fmt.Errorf("subtask %s produced a code edit with no target path", st.ID)
		}
		return &types.Artifact{
			Kind: types.ArtifactCodeEdit,
			CodeEdit: &types.CodeEdit{
				TargetPath: target,
				NewContent: content,
				Rationale:  proseAround(text),
			},
		}, nil
	}

	body := jsonBody(text)
	switch st.ExpectedOutput {
	case types.OutputScoring:
		if body == "" {
			return nil, fmt.Errorf("subtask %s expected a scoring JSON object", st.ID)
		}
		var s types.Scoring
		if err := json.Unmarshal([]byte(body), &s); err != nil {
			return nil, fmt.Errorf("subtask %s scoring unparseable: %w", st.ID, err)
		}
		if len(s.Items) == 0 {
			return nil, fmt.Errorf("subtask %s scoring has no items", st.ID)
		}
		return &types.Artifact{Kind: types.ArtifactScoring, Scoring: &s}, nil

	case types.OutputPlan:
		if body == "" {
			return nil, fmt.Errorf("subtask %s expected a plan JSON object", st.ID)
		}
		var p types.Plan
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("subtask %s plan unparseable: %w", st.ID, err)
		}
		if len(p.Steps) == 0 {
			return nil, fmt.Errorf("subtask %s plan has no steps", st.ID)
		}
		return &types.Artifact{Kind: types.ArtifactPlan, Plan: &p}, nil

	case types.OutputNoOp:
		return &types.Artifact{Kind: types.ArtifactNoOp, NoOp: &types.NoOp{Reason: text}}, nil

	default:
		// Analysis accepts structured JSON when offered, plain prose
		// otherwise.
		if body != "" {
			var a types.Analysis
			if err := json.Unmarshal([]byte(body), &a); err == nil && a.Text != "" {
				return &types.Artifact{Kind: types.ArtifactAnalysis, Analysis: &a}, nil
			}
		}
		return &types.Artifact{
			Kind:     types.ArtifactAnalysis,
			Analysis: &types.Analysis{Text: text},
		}, nil
	}
}

// extractFenced returns the content of the first fenced block, tolerating a
// language tag after the opening fence.
func extractFenced(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	content := rest[:end]
	if strings.TrimSpace(content) == "" {
		return "", false
	}
	return content, true
}

// proseAround returns the text outside the first fenced block, used as the
// edit rationale.
func proseAround(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	before := strings.TrimSpace(text[:start])
	rest := text[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	after := ""
	if end := strings.Index(rest, "```"); end >= 0 {
		after = strings.TrimSpace(rest[end+3:])
	}
	switch {
	case before != "" && after != "":
		return before + "\n" + after
	case before != "":
		return before
	default:
		return after
	}
}

// jsonBody extracts the outermost JSON object from prose or a fenced block.
func jsonBody(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
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
