package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/types"
)

func TestLoadLayersWorkspaceFileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".maestro"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".maestro", "config.json"),
		[]byte(`{"pool":{"max_workers":8,"budget_limit":25},"safety":{"level":"high"}}`), 0644))
	t.Setenv("MAESTRO_BUDGET_LIMIT", "2.5")
	t.Setenv("MAESTRO_DEBUG", "1")

	cfg, err := Load(ws)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Pool.MaxWorkers, "workspace file overrides defaults")
	require.Equal(t, 2.5, cfg.Pool.BudgetLimit, "env overrides the workspace file")
	require.Equal(t, "high", cfg.Safety.Level)
	require.True(t, cfg.Logging.DebugMode)
	require.Equal(t, ws, cfg.Workspace)
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".maestro"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".maestro", "config.json"),
		[]byte(`{"pool":`), 0644))

	_, err := Load(ws)
	require.Error(t, err)
}

func TestSaveRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ws := t.TempDir()
	cfg := Default(ws)
	cfg.Pool.MaxWorkers = 7
	require.NoError(t, cfg.Save())

	loaded, err := Load(ws)
	require.NoError(t, err)
	require.Equal(t, 7, loaded.Pool.MaxWorkers)
}

func TestClampPoolEnforcesHardCap(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".maestro"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".maestro", "config.json"),
		[]byte(`{"pool":{"max_workers":500}}`), 0644))

	cfg, err := Load(ws)
	require.NoError(t, err)
	require.Equal(t, MaxWorkersHardCap, cfg.Pool.MaxWorkers)

	cfg.Pool.MaxWorkers = 0
	cfg.clampPool()
	require.Equal(t, 1, cfg.Pool.MaxWorkers)
}

func TestApplyConstraintsBudget(t *testing.T) {
	cfg := Default(t.TempDir())

	require.Equal(t, 3.5, cfg.ApplyConstraints(types.Constraints{"budget": 3.5}).Pool.BudgetLimit)
	require.Equal(t, 1.0, cfg.ApplyConstraints(types.Constraints{"budget": "shoestring"}).Pool.BudgetLimit)
	require.Equal(t, 50.0, cfg.ApplyConstraints(types.Constraints{"budget": "HIGH"}).Pool.BudgetLimit)
	require.Equal(t, cfg.Pool.BudgetLimit, cfg.ApplyConstraints(types.Constraints{"budget": "lavish"}).Pool.BudgetLimit,
		"unknown bands keep the default")
}

func TestApplyConstraintsWorkersAndTests(t *testing.T) {
	cfg := Default(t.TempDir())

	out := cfg.ApplyConstraints(types.Constraints{"max_workers": 12, "require_tests": true})
	require.Equal(t, 12, out.Pool.MaxWorkers)
	require.True(t, out.Safety.RequireTests)

	out = cfg.ApplyConstraints(types.Constraints{"max_workers": 9999})
	require.Equal(t, MaxWorkersHardCap, out.Pool.MaxWorkers)

	out = cfg.ApplyConstraints(types.Constraints{"max_workers": 0})
	require.Equal(t, cfg.Pool.MaxWorkers, out.Pool.MaxWorkers, "zero workers is ignored")
}

func TestApplyConstraintsSafetyLevelScalesChangeSize(t *testing.T) {
	cfg := Default(t.TempDir())

	low := cfg.ApplyConstraints(types.Constraints{"safety_level": "low"})
	require.Equal(t, cfg.Safety.MaxChangeSize*2, low.Safety.MaxChangeSize)

	high := cfg.ApplyConstraints(types.Constraints{"safety_level": "high"})
	require.Equal(t, cfg.Safety.MaxChangeSize/2, high.Safety.MaxChangeSize)

	require.Equal(t, cfg.Safety.MaxChangeSize,
		cfg.ApplyConstraints(nil).Safety.MaxChangeSize, "no constraint leaves the limit alone")
}

func TestApplyConstraintsDoesNotMutateReceiver(t *testing.T) {
	cfg := Default(t.TempDir())
	before := cfg.Pool.BudgetLimit
	cfg.ApplyConstraints(types.Constraints{"budget": 99.0, "safety_level": "low"})
	require.Equal(t, before, cfg.Pool.BudgetLimit)
	require.Equal(t, "medium", cfg.Safety.Level)
}

func TestChainForRole(t *testing.T) {
	cfg := Default(t.TempDir())

	require.Equal(t, cfg.LLM.CapableChain, cfg.ChainForRole(types.RolePlanner, ""),
		"planning roles always use the capable chain")
	require.Equal(t, cfg.LLM.CapableChain, cfg.ChainForRole(types.RolePlanner, "urgent"),
		"capable roles do not downgrade under urgency")
	require.Equal(t, cfg.LLM.FastChain, cfg.ChainForRole(types.RoleDeveloper, ""))
	require.Equal(t, cfg.LLM.CapableChain, cfg.ChainForRole(types.RoleMarketResearcher, ""))
	require.Equal(t, cfg.LLM.FastChain, cfg.ChainForRole(types.RoleMarketResearcher, "same_day"),
		"urgent timelines push non-capable roles to the fast tier")
}
