package loop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"maestro/internal/config"
	"maestro/internal/ident"
	"maestro/internal/learning"
	"maestro/internal/llm"
	"maestro/internal/memory"
	"maestro/internal/orchestrator"
	"maestro/internal/review"
	"maestro/internal/safety"
	"maestro/internal/scanner"
	"maestro/internal/vcs"
	"maestro/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// loopClient answers by the output kind named in the prompt.
type loopClient struct {
	mu    sync.Mutex
	calls int
}

func (c *loopClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string, params llm.Params) (llm.Completion, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	var text string
	switch {
	case strings.Contains(userPrompt, "Expected output kind: code_edit"):
		text = "Hardened the hash.\n```go\npackage app\n\nfunc Checksum(b []byte) int { return len(b) }\n```"
	case strings.Contains(userPrompt, "Expected output kind: plan"):
		text = `{"steps":["replace the weak hash","verify callers"]}`
	default:
		text = `{"text":"assessment complete","insights":[]}`
	}
	return llm.Completion{Text: text}, nil
}

type loopApprover struct{}

func (loopApprover) Complete(ctx context.Context, model, systemPrompt, userPrompt string, params llm.Params) (llm.Completion, error) {
	return llm.Completion{Text: `{"decision":"approve","confidence":0.95,"reasoning":"safe replacement"}`}, nil
}

type loopVCS struct{}

func (loopVCS) CurrentRevision(ctx context.Context) (string, error) { return "rev-0", nil }
func (loopVCS) ResetTo(ctx context.Context, revision string) error  { return nil }
func (loopVCS) CleanUntracked(ctx context.Context) error            { return nil }
func (loopVCS) CreateBranch(ctx context.Context, name string) error { return nil }
func (loopVCS) Commit(ctx context.Context, paths []string, message string) (string, error) {
	return "head", nil
}
func (loopVCS) Push(ctx context.Context, branch string) error { return nil }
func (loopVCS) OpenReviewRequest(ctx context.Context, branch, title, body string, metadata map[string]string) (vcs.ReviewRequest, error) {
	return vcs.ReviewRequest{}, nil
}
func (loopVCS) AddComment(ctx context.Context, number int, body string) error { return nil }
func (loopVCS) Status(ctx context.Context) (vcs.Status, error)                { return vcs.StatusClean, nil }

// recordingVCS notes every reset so rollbacks are observable.
type recordingVCS struct {
	loopVCS
	mu     sync.Mutex
	resets []string
}

func (r *recordingVCS) ResetTo(ctx context.Context, revision string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, revision)
	return nil
}

type loopFixture struct {
	loop      *Loop
	store     *memory.Store
	safety    *safety.Controller
	client    *loopClient
	workspace string
}

func newLoopFixture(t *testing.T) *loopFixture {
	return newLoopFixtureWith(t, loopVCS{}, 0)
}

func newLoopFixtureWith(t *testing.T, vcsClient vcs.Client, maxChangeSize int) *loopFixture {
	t.Helper()
	ws := t.TempDir()
	cfg := config.Default(ws)
	cfg.Loop.TopOpportunities = 1

	store, err := memory.NewStore(memory.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := ident.NewFakeClock(time.Unix(1700000000, 0))
	controller, err := safety.NewController(vcsClient, clock, ws, safety.Config{
		MarkerPath:    filepath.Join(ws, ".maestro", "emergency_stop.json"),
		MaxChangeSize: maxChangeSize,
	})
	require.NoError(t, err)

	client := &loopClient{}
	reviewChain := llm.NewChain(loopApprover{}, []llm.Model{{Name: "judge"}}, llm.ChainConfig{})
	reviewer := review.New(reviewChain, cfg.Review.AutoApproveThreshold)
	learn := learning.NewEngine(learning.Config{}, clock)

	w := worker.New(cfg, client, store, reviewer, controller, loopVCS{}, learn, clock)
	pool := worker.NewPool(w, cfg.Pool, clock)
	orch := orchestrator.New(cfg, nil, pool, controller, store, learn, clock)
	l := New(cfg, orch, controller, store, learn, clock)
	return &loopFixture{loop: l, store: store, safety: controller, client: client, workspace: ws}
}

func seedWorkspace(t *testing.T, ws string) {
	t.Helper()
	content := `package app

import "crypto/md5"

// TODO: replace the checksum scheme
func Checksum(b []byte) [16]byte { return md5.Sum(b) }
`
	require.NoError(t, os.WriteFile(filepath.Join(ws, "app.go"), []byte(content), 0644))
}

func TestDiscoverScoresSecurityAboveTodo(t *testing.T) {
	f := newLoopFixture(t)
	seedWorkspace(t, f.workspace)

	opps, err := f.loop.Discover()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(opps), 2)

	require.Equal(t, scanner.KindSecurity, opps[0].Issue.Kind,
		"a high-severity security issue must outrank a TODO")
	// security: weight 1.0 x high 0.8, safety 0.4
	require.InDelta(t, 0.8, opps[0].Priority, 1e-9)
	require.InDelta(t, 0.4, opps[0].SafetyScore, 1e-9)

	var todo *Opportunity
	for i := range opps {
		if opps[i].Issue.Kind == scanner.KindTodo {
			todo = &opps[i]
		}
	}
	require.NotNil(t, todo)
	// todo: weight 0.3 x low 0.4, safety 0.9
	require.InDelta(t, 0.12, todo.Priority, 1e-9)
	require.InDelta(t, 0.9, todo.SafetyScore, 1e-9)
	require.Greater(t, opps[0].combined(), todo.combined())
}

func TestDiscoverIsIdempotent(t *testing.T) {
	f := newLoopFixture(t)
	seedWorkspace(t, f.workspace)

	first, err := f.loop.Discover()
	require.NoError(t, err)
	second, err := f.loop.Discover()
	require.NoError(t, err)

	issues := func(opps []Opportunity) []scanner.Issue {
		out := make([]scanner.Issue, len(opps))
		for i, o := range opps {
			out[i] = o.Issue
		}
		return out
	}
	if diff := cmp.Diff(issues(first), issues(second)); diff != "" {
		t.Errorf("re-scan of an unchanged tree differs (-first +second):\n%s", diff)
	}
}

func TestSelectTakesTopK(t *testing.T) {
	opps := []Opportunity{
		{ID: "low", Priority: 0.1, SafetyScore: 0.9},
		{ID: "high", Priority: 0.8, SafetyScore: 0.8},
		{ID: "mid", Priority: 0.5, SafetyScore: 0.6},
	}
	got := Select(opps, 2)
	require.Len(t, got, 2)
	require.Equal(t, "high", got[0].ID)
	require.Equal(t, "mid", got[1].ID)
}

func TestCommandWordingMatchesTemplates(t *testing.T) {
	cases := []struct {
		kind scanner.IssueKind
		want string
	}{
		{scanner.KindSecurity, "fix"},
		{scanner.KindBug, "fix"},
		{scanner.KindTodo, "fix"},
		{scanner.KindPerformance, "optimize"},
		{scanner.KindTestCoverage, "improve"},
		{scanner.KindQuality, "improve"},
	}
	for _, tc := range cases {
		cmd := commandFor(scanner.Issue{Kind: tc.kind, File: "app.go", Line: 3, Description: "x"})
		require.Contains(t, cmd, tc.want, "command for %s must trigger a decomposition template", tc.kind)
	}
}

func TestRunCycleEndToEnd(t *testing.T) {
	f := newLoopFixture(t)
	seedWorkspace(t, f.workspace)

	res, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	require.Greater(t, res.Opportunities, 0)
	require.Equal(t, 1, res.Selected)
	require.Equal(t, 1, res.Succeeded)
	require.Zero(t, res.Failed)
	require.Zero(t, res.RolledBack)
	require.False(t, res.Interrupted)
	require.Equal(t, StateIdle, f.loop.State())

	// The top opportunity is the weak hash; the applied edit replaces it.
	data, err := os.ReadFile(filepath.Join(f.workspace, "app.go"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "md5")

	// A clean cycle coalesces down to the first plan checkpoint.
	cps := f.safety.Checkpoints()
	require.Len(t, cps, 1)
	require.Contains(t, cps[0].Description, "plan ")

	// Three subtask records plus the cycle summary, all tagged with the
	// loop marker and the cycle id.
	cycles := f.store.Find(memory.Query{Tags: []string{"autonomous_loop", res.CycleID}})
	require.Len(t, cycles, 4)
}

func TestCriticalFailureRollsBackPlanCheckpoint(t *testing.T) {
	v := &recordingVCS{}
	// A change-size cap of one line makes the applied edit a safety
	// violation, which marks the plan critical.
	f := newLoopFixtureWith(t, v, 1)
	seedWorkspace(t, f.workspace)

	res, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, res.Selected)
	require.Zero(t, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.RolledBack)

	// The rollback targets the plan's own checkpoint revision.
	v.mu.Lock()
	resets := append([]string(nil), v.resets...)
	v.mu.Unlock()
	require.Equal(t, []string{"rev-0"}, resets)

	// A failed cycle keeps its checkpoints for inspection.
	cps := f.safety.Checkpoints()
	require.Len(t, cps, 1)
	require.Contains(t, cps[0].Description, "plan ")
}

func TestRunCycleHonorsEmergencyStop(t *testing.T) {
	f := newLoopFixture(t)
	seedWorkspace(t, f.workspace)
	require.NoError(t, f.safety.ActivateEmergencyStop("operator halt"))

	res, err := f.loop.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.True(t, res.Interrupted)
	require.Zero(t, f.client.calls)
	require.Equal(t, StateIdle, f.loop.State())
}

func TestPauseHoldsTheCycleUntilResume(t *testing.T) {
	f := newLoopFixture(t)
	seedWorkspace(t, f.workspace)

	f.loop.Pause()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.loop.RunCycle(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("cycle ran while paused")
	case <-time.After(50 * time.Millisecond):
	}

	f.loop.Resume()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("cycle did not finish after resume")
	}
}
