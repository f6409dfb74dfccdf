package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maestro/internal/config"
	"maestro/internal/llm"
	"maestro/internal/types"
)

func analysisSubtasks(n int) []types.Subtask {
	out := make([]types.Subtask, n)
	for i := range out {
		out[i] = types.Subtask{
			ID:             fmt.Sprintf("task-%d", i),
			Role:           types.RoleDeveloper,
			Description:    fmt.Sprintf("assess area %d", i),
			ExpectedOutput: types.OutputAnalysis,
			Priority:       1,
		}
	}
	return out
}

func TestPoolBoundsConcurrency(t *testing.T) {
	role := &roleClient{delay: 20 * time.Millisecond}
	h := newHarness(t, role, nil)
	pool := NewPool(h.worker, config.PoolConfig{MaxWorkers: 2, BudgetLimit: 100, ProgressInterval: time.Hour}, nil)

	results := pool.ExecuteAll(context.Background(), "audit", "assess everything", analysisSubtasks(6), nil)

	require.Len(t, results, 6)
	for id, rec := range results {
		require.True(t, rec.Success, "%s: %s", id, rec.Error)
	}
	require.LessOrEqual(t, role.maxFlight, 2, "no more than max_workers subtasks may run at once")
}

func TestPoolBudgetRefusesOnceExhausted(t *testing.T) {
	// Each model call reports 600 tokens at 1.0/1k, so a subtask settles at
	// 0.6. With a 1.0 limit the first two admit and the third is refused.
	role := &roleClient{usage: &llm.Usage{PromptTokens: 300, CompletionTokens: 300}}
	h := newHarness(t, role, nil)
	h.cfg.LLM.MaxTokens = 1000
	h.cfg.LLM.CostPer1KTokens = 1.0
	pool := NewPool(h.worker, config.PoolConfig{MaxWorkers: 1, BudgetLimit: 1.0, ProgressInterval: time.Hour}, nil)

	results := pool.ExecuteAll(context.Background(), "audit", "assess everything", analysisSubtasks(3), nil)

	require.Len(t, results, 3)
	var succeeded, refused int
	for _, rec := range results {
		switch {
		case rec.Success:
			succeeded++
		case rec.FailureKind == types.FailureBudgetExceeded:
			refused++
		default:
			t.Fatalf("unexpected record: %+v", rec)
		}
	}
	require.Equal(t, 2, succeeded)
	require.Equal(t, 1, refused)

	// Over-spend is bounded by one subtask's worst-case cost.
	require.LessOrEqual(t, pool.Spent(), 1.0+pool.maxCallCost())
}

func TestPoolCancellationMarksSubtasksCancelled(t *testing.T) {
	role := &roleClient{}
	h := newHarness(t, role, nil)
	pool := NewPool(h.worker, config.PoolConfig{MaxWorkers: 2, BudgetLimit: 100, ProgressInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := pool.ExecuteAll(ctx, "audit", "assess everything", analysisSubtasks(4), nil)

	require.Len(t, results, 4)
	for id, rec := range results {
		require.False(t, rec.Success, "%s must not succeed after cancellation", id)
		require.Equal(t, types.FailureCancelled, rec.FailureKind, "%s", id)
	}
	require.Zero(t, role.calls, "no model call may happen after cancellation")
}

func TestPoolSerializesEditsToSamePath(t *testing.T) {
	role := &roleClient{delay: 10 * time.Millisecond}
	h := newHarness(t, role, nil)
	pool := NewPool(h.worker, config.PoolConfig{MaxWorkers: 4, BudgetLimit: 100, ProgressInterval: time.Hour}, nil)

	subtasks := []types.Subtask{
		{ID: "edit-a", Role: types.RoleDeveloper, Description: "first pass", ExpectedOutput: types.OutputCodeEdit, TargetPath: "pkg/app.go"},
		{ID: "edit-b", Role: types.RoleDeveloper, Description: "second pass", ExpectedOutput: types.OutputCodeEdit, TargetPath: "pkg/app.go"},
	}
	results := pool.ExecuteAll(context.Background(), "code-improvement", "fix the flag", subtasks, nil)

	require.Len(t, results, 2)
	for id, rec := range results {
		require.True(t, rec.Success, "%s: %s", id, rec.Error)
	}
	// Two applied edits on one path means two checkpoints, taken in turn.
	require.Len(t, h.safety.Checkpoints(), 2)
}

func TestPoolProgressSnapshot(t *testing.T) {
	role := &roleClient{}
	h := newHarness(t, role, nil)
	pool := NewPool(h.worker, config.PoolConfig{MaxWorkers: 2, BudgetLimit: 100, ProgressInterval: time.Hour}, nil)

	started := time.Now()
	pool.ExecuteAll(context.Background(), "audit", "assess everything", analysisSubtasks(3), nil)

	prog := pool.Snapshot(3, started)
	require.Equal(t, 3, prog.Total)
	require.Equal(t, 3, prog.Completed)
	require.Zero(t, prog.Running)
	require.Zero(t, prog.Failed)

	// The final publish on completion leaves at least one snapshot buffered.
	select {
	case p := <-pool.ProgressCh:
		require.Equal(t, 3, p.Completed)
	default:
		t.Fatal("expected a final progress snapshot")
	}
}
