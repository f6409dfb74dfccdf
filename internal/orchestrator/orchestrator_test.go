package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"maestro/internal/config"
	"maestro/internal/ident"
	"maestro/internal/llm"
	"maestro/internal/memory"
	"maestro/internal/review"
	"maestro/internal/safety"
	"maestro/internal/types"
	"maestro/internal/vcs"
	"maestro/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubClient answers by the output kind named in the prompt; review prompts
// get an approval verdict.
type stubClient struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *stubClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string, params llm.Params) (llm.Completion, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.fail {
		return llm.Completion{}, fmt.Errorf("%w: scripted outage", llm.ErrNotAvailable)
	}
	var text string
	switch {
	case strings.Contains(userPrompt, "Expected output kind: scoring"):
		text = `{"items":[{"name":"top-pick","total":8.5,"grade":"A"}]}`
	case strings.Contains(userPrompt, "Expected output kind: plan"):
		text = `{"steps":["validate demand","pilot rollout","measure"]}`
	default:
		text = `{"text":"the findings are positive","insights":["worth pursuing"]}`
	}
	return llm.Completion{Text: text}, nil
}

type approveClient struct{}

func (approveClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string, params llm.Params) (llm.Completion, error) {
	return llm.Completion{Text: `{"decision":"approve","confidence":0.95,"reasoning":"well grounded"}`}, nil
}

type stubVCS struct{}

func (stubVCS) CurrentRevision(ctx context.Context) (string, error)     { return "rev-0", nil }
func (stubVCS) ResetTo(ctx context.Context, revision string) error      { return nil }
func (stubVCS) CleanUntracked(ctx context.Context) error                { return nil }
func (stubVCS) CreateBranch(ctx context.Context, name string) error     { return nil }
func (stubVCS) Commit(ctx context.Context, paths []string, message string) (string, error) {
	return "head", nil
}
func (stubVCS) Push(ctx context.Context, branch string) error { return nil }
func (stubVCS) OpenReviewRequest(ctx context.Context, branch, title, body string, metadata map[string]string) (vcs.ReviewRequest, error) {
	return vcs.ReviewRequest{}, nil
}
func (stubVCS) AddComment(ctx context.Context, number int, body string) error { return nil }
func (stubVCS) Status(ctx context.Context) (vcs.Status, error)                { return vcs.StatusClean, nil }

type fixture struct {
	orch      *Orchestrator
	store     *memory.Store
	safety    *safety.Controller
	client    *stubClient
	workspace string
}

func newFixture(t *testing.T, client *stubClient) *fixture {
	t.Helper()
	ws := t.TempDir()
	cfg := config.Default(ws)

	store, err := memory.NewStore(memory.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := ident.NewFakeClock(time.Unix(1700000000, 0))
	controller, err := safety.NewController(stubVCS{}, clock, ws, safety.Config{
		MarkerPath: filepath.Join(ws, ".maestro", "emergency_stop.json"),
	})
	require.NoError(t, err)

	reviewChain := llm.NewChain(approveClient{}, []llm.Model{{Name: "judge"}}, llm.ChainConfig{})
	reviewer := review.New(reviewChain, cfg.Review.AutoApproveThreshold)

	w := worker.New(cfg, client, store, reviewer, controller, stubVCS{}, nil, clock)
	pool := worker.NewPool(w, cfg.Pool, clock)
	orch := New(cfg, nil, pool, controller, store, nil, clock)
	return &fixture{orch: orch, store: store, safety: controller, client: client, workspace: ws}
}

func TestOrchestrateBusinessOpportunity(t *testing.T) {
	f := newFixture(t, &stubClient{})

	res, err := f.orch.Orchestrate(context.Background(),
		"Find autonomous deployment opportunities",
		types.Constraints{"scope": "digital_only", "skip_clarifications": true})
	require.NoError(t, err)

	require.True(t, res.Success)
	require.False(t, res.Degraded)
	require.Equal(t, 6, res.AgentsSpawned)
	require.Len(t, res.Results, 6)
	for _, id := range []string{"research", "analysis", "feasibility", "scoring", "strategy", "review"} {
		rec, ok := res.Results[id]
		require.True(t, ok, "missing record for %s", id)
		require.True(t, rec.Success, "%s: %s", id, rec.Error)
		require.Contains(t, res.FinalReport, id)
	}
	require.Equal(t, types.ArtifactScoring, res.Results["scoring"].Artifact.Kind)
	require.Equal(t, types.ArtifactPlan, res.Results["strategy"].Artifact.Kind)

	runs := f.store.Find(memory.Query{Tags: []string{"orchestration"}})
	require.Len(t, runs, 1)
}

func TestOrchestrateRequiresClarification(t *testing.T) {
	f := newFixture(t, &stubClient{})

	res, err := f.orch.Orchestrate(context.Background(),
		"find business opportunities for the product", nil)
	require.ErrorIs(t, err, ErrClarificationRequired)

	require.False(t, res.Success)
	require.Zero(t, res.AgentsSpawned)
	require.Empty(t, res.Results)
	require.NotEmpty(t, res.Errors)
	require.Contains(t, res.Errors[0], "market or scope")
	require.Zero(t, f.client.calls, "no agent may spawn before clarification")
	require.Empty(t, f.store.Find(memory.Query{Tags: []string{"worker"}}))
}

func TestOrchestrateSkipClarificationsConstraint(t *testing.T) {
	f := newFixture(t, &stubClient{})

	res, err := f.orch.Orchestrate(context.Background(),
		"find business opportunities for the product", types.Constraints{"skip_clarifications": true})
	require.NoError(t, err)
	require.Equal(t, 6, res.AgentsSpawned)
}

func TestOrchestrateDegradedPhaseSkipsDownstream(t *testing.T) {
	f := newFixture(t, &stubClient{fail: true})

	res, err := f.orch.Orchestrate(context.Background(), "assess the service layer", nil)
	require.NoError(t, err, "a degraded run still returns a result")

	// Both priority-1 audit subtasks fail, so the remediation phase is
	// skipped entirely.
	require.True(t, res.Degraded)
	require.False(t, res.Success)
	require.Equal(t, 2, res.AgentsSpawned)
	_, ran := res.Results["remediation"]
	require.False(t, ran, "downstream phase must be skipped")
	for _, rec := range res.Results {
		require.Equal(t, types.FailureLLMUnavailable, rec.FailureKind)
	}
}

func TestOrchestrateEmergencyStopAtEntry(t *testing.T) {
	f := newFixture(t, &stubClient{})
	require.NoError(t, f.safety.ActivateEmergencyStop("operator intervention"))

	res, err := f.orch.Orchestrate(context.Background(), "assess the service layer", nil)
	require.ErrorIs(t, err, ErrEmergencyStopped)
	require.Zero(t, res.AgentsSpawned)
	require.Zero(t, f.client.calls)
	require.Contains(t, res.Errors[0], "operator intervention")
}

func TestOrchestratePersistsRunArtifacts(t *testing.T) {
	f := newFixture(t, &stubClient{})

	res, err := f.orch.Orchestrate(context.Background(), "assess the service layer", nil)
	require.NoError(t, err)

	dir := filepath.Join(f.workspace, ".maestro", "runs")
	for _, name := range []string{res.TaskID + ".json", res.TaskID + ".md"} {
		_, statErr := os.Stat(filepath.Join(dir, name))
		require.NoError(t, statErr, "expected persisted run file %s", name)
	}
}

func TestGroupByPriorityOrdersPhases(t *testing.T) {
	subtasks := []types.Subtask{
		{ID: "c", Priority: 3},
		{ID: "a1", Priority: 1},
		{ID: "b", Priority: 2},
		{ID: "a2", Priority: 1},
	}
	phases := groupByPriority(subtasks)
	require.Len(t, phases, 3)
	require.Equal(t, "a1", phases[0][0].ID)
	require.Equal(t, "a2", phases[0][1].ID, "declaration order holds inside a phase")
	require.Equal(t, "b", phases[1][0].ID)
	require.Equal(t, "c", phases[2][0].ID)
}

func TestDecomposeMatchesOpportunityPhrasings(t *testing.T) {
	r := NewTemplateRegistry()
	for _, command := range []string{
		"Find autonomous deployment opportunities",
		"find business opportunities for the product",
		"explore market gaps for the api",
		"what market opportunities exist here",
	} {
		d, taskType, err := r.Decompose(command, types.Constraints{"scope": "digital_only"})
		require.NoError(t, err, command)
		require.Equal(t, "business-opportunity", taskType, command)
		require.Len(t, d.Subtasks, 6, command)
	}
}

func TestDecomposeScopeConstraintNarrowsSubtasks(t *testing.T) {
	r := NewTemplateRegistry()
	d, _, err := r.Decompose("find opportunities", types.Constraints{"scope": "digital_only"})
	require.NoError(t, err)

	require.Empty(t, d.RequiredClarifications(), "a scope constraint resolves the scope question")
	var scoped int
	for _, st := range d.Subtasks {
		if strings.Contains(st.Description, "digital_only") {
			scoped++
		}
	}
	require.GreaterOrEqual(t, scoped, 4, "exploratory subtasks must carry the scope")
}

func TestDecomposeFallsBackToGeneric(t *testing.T) {
	r := NewTemplateRegistry()
	d, taskType, err := r.Decompose("translate the docs to spanish", nil)
	require.NoError(t, err)
	require.Equal(t, "generic", taskType)
	require.Len(t, d.Subtasks, 1)
	require.Equal(t, types.RoleDeveloper, d.Subtasks[0].Role)
}
