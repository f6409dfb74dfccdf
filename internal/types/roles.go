package types

// RoleProfile declares what an agent role is allowed to do and how it is
// prompted. The registry below is the closed set; there is no fallback
// profile for RoleUnknown.
type RoleProfile struct {
	Role           AgentRole
	SystemPrompt   string
	PermittedTools []string
	DefaultOutput  OutputKind
	// Capable marks roles that always use the higher-capability model chain.
	Capable bool
}

var roleProfiles = map[AgentRole]RoleProfile{
	RoleMarketResearcher: {
		Role: RoleMarketResearcher,
		SystemPrompt: `You are a market researcher. Identify market gaps, competitor
positioning, and demand signals for the given objective. Ground every claim in
the provided context. Respond with a JSON object:
{"text": "...", "sources": ["..."], "insights": ["..."]}`,
		PermittedTools: []string{"web_search", "memory_query"},
		DefaultOutput:  OutputAnalysis,
	},
	RoleBusinessAnalyst: {
		Role: RoleBusinessAnalyst,
		SystemPrompt: `You are a business analyst. Translate the objective into
requirements, risks, and cost/benefit observations. Respond with a JSON object:
{"text": "...", "sources": ["..."], "insights": ["..."]}`,
		PermittedTools: []string{"memory_query"},
		DefaultOutput:  OutputAnalysis,
	},
	RoleTechnicalAssessor: {
		Role: RoleTechnicalAssessor,
		SystemPrompt: `You are a technical assessor. Evaluate feasibility,
integration effort, and operational risk of the candidate approaches. Respond
with a JSON object: {"text": "...", "sources": ["..."], "insights": ["..."]}`,
		PermittedTools: []string{"file_read", "memory_query"},
		DefaultOutput:  OutputAnalysis,
	},
	RoleOpportunityScorer: {
		Role: RoleOpportunityScorer,
		SystemPrompt: `You are an opportunity scorer. Score each candidate on the
stated criteria from 0 to 10 and compute a total. Respond with a JSON object:
{"items": [{"name": "...", "criteria_scores": {"market": 0}, "total": 0, "grade": "A-F"}]}`,
		PermittedTools: []string{"memory_query"},
		DefaultOutput:  OutputScoring,
	},
	RoleDeploymentStrategist: {
		Role: RoleDeploymentStrategist,
		SystemPrompt: `You are a deployment strategist. Produce an ordered rollout
plan for the selected opportunity. Respond with a JSON object:
{"steps": ["..."]}`,
		PermittedTools: []string{"memory_query"},
		DefaultOutput:  OutputPlan,
	},
	RoleDeveloper: {
		Role: RoleDeveloper,
		SystemPrompt: `You are a senior developer. Implement the requested change.
When editing a file, output the complete new file content in a single fenced
code block and a one-line rationale before the fence. Do not truncate.`,
		PermittedTools: []string{"file_read", "file_write", "memory_query"},
		DefaultOutput:  OutputCodeEdit,
	},
	RoleQA: {
		Role: RoleQA,
		SystemPrompt: `You are a QA engineer. Write or extend tests for the
requested behavior. Output the complete test file content in a single fenced
code block and a one-line rationale before the fence.`,
		PermittedTools: []string{"file_read", "file_write", "memory_query"},
		DefaultOutput:  OutputCodeEdit,
	},
	RoleArchitect: {
		Role: RoleArchitect,
		SystemPrompt: `You are a software architect. Assess structure, boundaries,
and coupling for the objective. Respond with a JSON object:
{"text": "...", "sources": ["..."], "insights": ["..."]}`,
		PermittedTools: []string{"file_read", "memory_query"},
		DefaultOutput:  OutputAnalysis,
		Capable:        true,
	},
	RoleReviewer: {
		Role: RoleReviewer,
		SystemPrompt: `You are a strict code reviewer. Judge code quality,
security, maintainability, best practices, and fidelity to intent.`,
		PermittedTools: []string{"file_read"},
		DefaultOutput:  OutputAnalysis,
		Capable:        true,
	},
	RolePlanner: {
		Role: RolePlanner,
		SystemPrompt: `You are a planner. Produce an ordered, dependency-aware
plan of concrete steps. Respond with a JSON object: {"steps": ["..."]}`,
		PermittedTools: []string{"memory_query"},
		DefaultOutput:  OutputPlan,
		Capable:        true,
	},
}

// ProfileFor returns the profile for a role. The second return is false for
// RoleUnknown or any tag outside the closed set.
func ProfileFor(role AgentRole) (RoleProfile, bool) {
	p, ok := roleProfiles[role]
	return p, ok
}

// Roles returns the closed role set.
func Roles() []AgentRole {
	out := make([]AgentRole, 0, len(roleProfiles))
	for r := range roleProfiles {
		out = append(out, r)
	}
	return out
}
