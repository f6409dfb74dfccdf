package config

import (
	"strings"

	"maestro/internal/types"
)

// Budget bands accepted as qualitative values for the budget constraint.
var budgetBands = map[string]float64{
	"shoestring": 1.0,
	"low":        5.0,
	"moderate":   10.0,
	"high":       50.0,
	"unlimited":  1000.0,
}

// ApplyConstraints returns a copy of the configuration with the recognized
// constraint keys applied. Unknown keys are silently ignored.
func (c *Config) ApplyConstraints(constraints types.Constraints) *Config {
	out := *c

	if v, ok := constraints.Float("budget"); ok {
		out.Pool.BudgetLimit = v
	} else if band := strings.ToLower(constraints.String("budget")); band != "" {
		if limit, ok := budgetBands[band]; ok {
			out.Pool.BudgetLimit = limit
		}
	}

	if n, ok := constraints.Int("max_workers"); ok && n >= 1 {
		out.Pool.MaxWorkers = n
	}

	if _, present := constraints["require_tests"]; present {
		out.Safety.RequireTests = constraints.Bool("require_tests")
	}

	switch strings.ToLower(constraints.String("safety_level")) {
	case "low":
		out.Safety.Level = "low"
		out.Safety.MaxChangeSize = c.Safety.MaxChangeSize * 2
	case "medium":
		out.Safety.Level = "medium"
	case "high":
		out.Safety.Level = "high"
		out.Safety.MaxChangeSize = c.Safety.MaxChangeSize / 2
		if out.Safety.MaxChangeSize < 1 {
			out.Safety.MaxChangeSize = 1
		}
	}

	out.clampPool()
	return &out
}

// Timeline values that select the fast chain tier for all roles.
func urgentTimeline(timeline string) bool {
	switch strings.ToLower(timeline) {
	case "urgent", "same_day":
		return true
	default:
		return false
	}
}

// ChainForRole resolves the model chain for a role under a timeline
// constraint. Planning and reviewer roles always get the capable chain;
// urgent timelines push everything else to the fast tier.
func (c *Config) ChainForRole(role types.AgentRole, timeline string) []ModelSpec {
	if profile, ok := types.ProfileFor(role); ok && profile.Capable {
		return c.LLM.CapableChain
	}
	if urgentTimeline(timeline) {
		return c.LLM.FastChain
	}
	switch role {
	case types.RoleDeveloper, types.RoleQA:
		return c.LLM.FastChain
	default:
		return c.LLM.CapableChain
	}
}
