package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/types"
)

func TestParseArtifactCodeEdit(t *testing.T) {
	text := "Swap the comparison.\n```go\npackage app\n\nfunc Less(a, b int) bool { return a < b }\n```\nNo behavior change elsewhere."
	st := types.Subtask{ID: "implement", ExpectedOutput: types.OutputCodeEdit, TargetPath: "pkg/app.go"}

	art, err := parseArtifact(text, st)
	require.NoError(t, err)
	require.Equal(t, types.ArtifactCodeEdit, art.Kind)
	require.Equal(t, "pkg/app.go", art.CodeEdit.TargetPath)
	require.Contains(t, art.CodeEdit.NewContent, "func Less")
	require.NotContains(t, art.CodeEdit.NewContent, "```")
	require.Contains(t, art.CodeEdit.Rationale, "Swap the comparison.")
	require.Contains(t, art.CodeEdit.Rationale, "No behavior change elsewhere.")
}

func TestParseArtifactCodeEditRequiresFence(t *testing.T) {
	st := types.Subtask{ID: "implement", ExpectedOutput: types.OutputCodeEdit, TargetPath: "pkg/app.go"}
	_, err := parseArtifact("here is the file content without a fence", st)
	require.Error(t, err)
}

func TestParseArtifactCodeEditRequiresTargetPath(t *testing.T) {
	st := types.Subtask{ID: "implement", ExpectedOutput: types.OutputCodeEdit}
	_, err := parseArtifact("```go\npackage app\n```", st)
	require.Error(t, err)
}

func TestParseArtifactScoring(t *testing.T) {
	text := "Scores below.\n```json\n{\"items\":[{\"name\":\"plan-a\",\"total\":7.5,\"grade\":\"B\"}]}\n```"
	st := types.Subtask{ID: "score", ExpectedOutput: types.OutputScoring}

	art, err := parseArtifact(text, st)
	require.NoError(t, err)
	require.Equal(t, types.ArtifactScoring, art.Kind)
	require.Len(t, art.Scoring.Items, 1)
	require.Equal(t, "plan-a", art.Scoring.Items[0].Name)

	_, err = parseArtifact(`{"items":[]}`, st)
	require.Error(t, err, "a scoring with no items is useless")
}

func TestParseArtifactPlan(t *testing.T) {
	st := types.Subtask{ID: "plan", ExpectedOutput: types.OutputPlan}

	art, err := parseArtifact(`{"steps":["survey","implement","verify"]}`, st)
	require.NoError(t, err)
	require.Equal(t, types.ArtifactPlan, art.Kind)
	require.Equal(t, []string{"survey", "implement", "verify"}, art.Plan.Steps)

	_, err = parseArtifact("I would start by surveying the code.", st)
	require.Error(t, err, "plans must be structured")
}

func TestParseArtifactAnalysisAcceptsJSONAndProse(t *testing.T) {
	st := types.Subtask{ID: "assess", ExpectedOutput: types.OutputAnalysis}

	art, err := parseArtifact(`{"text":"coupling is high","insights":["split the package"]}`, st)
	require.NoError(t, err)
	require.Equal(t, types.ArtifactAnalysis, art.Kind)
	require.Equal(t, "coupling is high", art.Analysis.Text)
	require.Equal(t, []string{"split the package"}, art.Analysis.Insights)

	art, err = parseArtifact("The coupling between these packages is high.", st)
	require.NoError(t, err)
	require.Equal(t, "The coupling between these packages is high.", art.Analysis.Text)
}

func TestParseArtifactEmptyResponse(t *testing.T) {
	_, err := parseArtifact("   \n  ", types.Subtask{ID: "x", ExpectedOutput: types.OutputAnalysis})
	require.Error(t, err)
}

func TestLineDelta(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
		want     int
	}{
		{"identical", "a\nb\nc", "a\nb\nc", 0},
		{"one line added", "a\nb", "a\nb\nc", 1},
		{"one line removed", "a\nb\nc", "a\nb", 1},
		{"replacement counts both sides", "a\nold\nc", "a\nnew\nc", 2},
		{"new file counts every line", "", "a\nb\nc", 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, lineDelta(tc.old, tc.new))
		})
	}
}
