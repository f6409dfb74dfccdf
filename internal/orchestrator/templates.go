package orchestrator

import (
	"fmt"
	"strings"

	"maestro/internal/types"
)

// Template decomposes a command into subtasks. Templates are keyword-matched;
// the registry falls back to a single developer subtask when nothing fits.
type Template struct {
	Name string
	// Keywords trigger the template when any appears in the command.
	Keywords  []string
	Decompose func(command string, constraints types.Constraints) (*types.Decomposition, error)
}

// TemplateRegistry holds decomposition templates in match priority order.
type TemplateRegistry struct {
	templates []Template
}

// NewTemplateRegistry builds the registry with the built-in templates.
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{}
	r.Register(businessOpportunityTemplate())
	r.Register(codeImprovementTemplate())
	r.Register(auditTemplate())
	return r
}

// Register appends a template. Earlier registrations win ties.
func (r *TemplateRegistry) Register(t Template) {
	r.templates = append(r.templates, t)
}

// Decompose matches the command against the registry and runs the winning
// template, or the generic fallback. The second return is the template
// name, which doubles as the task type for the learning engine.
func (r *TemplateRegistry) Decompose(command string, constraints types.Constraints) (*types.Decomposition, string, error) {
	lower := strings.ToLower(command)
	for _, t := range r.templates {
		for _, kw := range t.Keywords {
			if strings.Contains(lower, kw) {
				d, err := t.Decompose(command, constraints)
				if err != nil {
					return nil, t.Name, fmt.Errorf("template %s failed: %w", t.Name, err)
				}
				if err := d.Validate(); err != nil {
					return nil, t.Name, fmt.Errorf("template %s produced an invalid decomposition: %w", t.Name, err)
				}
				return d, t.Name, nil
			}
		}
	}
	return genericDecomposition(command), "generic", nil
}

// businessOpportunityTemplate covers market exploration commands: six
// subtasks over five priority phases, research feeding analysis feeding
// scoring, strategy, and a final architectural read.
func businessOpportunityTemplate() Template {
	return Template{
		Name: "business-opportunity",
		// The bare stem matches every "opportunity"/"opportunities" phrasing,
		// including commands like "Find autonomous deployment opportunities".
		Keywords: []string{"opportunit", "explore market"},
		Decompose: func(command string, constraints types.Constraints) (*types.Decomposition, error) {
			// A scope constraint narrows every exploratory subtask to that
			// scope instead of raising a clarification.
			scope := constraints.String("scope")
			if scope == "" {
				scope = constraints.String("market")
			}
			scoped := func(desc string) string {
				if scope == "" {
					return desc
				}
				return desc + " (scope: " + scope + ")"
			}
			d := &types.Decomposition{
				Complexity: types.ComplexityComplex,
				Subtasks: []types.Subtask{
					{
						ID:             "research",
						Role:           types.RoleMarketResearcher,
						Description:    scoped("Survey the market relevant to: " + command),
						RequiredTools:  []string{"web_search", "memory_query"},
						ExpectedOutput: types.OutputAnalysis,
						Priority:       1,
					},
					{
						ID:             "analysis",
						Role:           types.RoleBusinessAnalyst,
						Description:    scoped("Translate the research into candidate opportunities for: " + command),
						RequiredTools:  []string{"memory_query"},
						ExpectedOutput: types.OutputAnalysis,
						Priority:       2,
					},
					{
						ID:             "feasibility",
						Role:           types.RoleTechnicalAssessor,
						Description:    scoped("Assess technical feasibility of the candidate opportunities"),
						RequiredTools:  []string{"file_read", "memory_query"},
						ExpectedOutput: types.OutputAnalysis,
						Priority:       2,
					},
					{
						ID:             "scoring",
						Role:           types.RoleOpportunityScorer,
						Description:    scoped("Score the candidate opportunities against market size, effort, and fit"),
						RequiredTools:  []string{"memory_query"},
						ExpectedOutput: types.OutputScoring,
						Priority:       3,
					},
					{
						ID:             "strategy",
						Role:           types.RoleDeploymentStrategist,
						Description:    "Produce a rollout strategy for the top-scored opportunity",
						RequiredTools:  []string{"memory_query"},
						ExpectedOutput: types.OutputPlan,
						Priority:       4,
					},
					{
						ID:             "review",
						Role:           types.RoleArchitect,
						Description:    "Assess structural implications of pursuing the top opportunity",
						RequiredTools:  []string{"file_read", "memory_query"},
						ExpectedOutput: types.OutputAnalysis,
						Priority:       5,
					},
				},
				Dependencies: map[string][]string{
					"analysis":    {"research"},
					"feasibility": {"research"},
					"scoring":     {"analysis", "feasibility"},
					"strategy":    {"scoring"},
					"review":      {"strategy"},
				},
				SuccessCriteria: []string{
					"at least one opportunity scored above threshold",
					"a rollout strategy exists for the top opportunity",
				},
				EstimatedDuration: "hours",
			}
			if scope == "" {
				d.Clarifications = append(d.Clarifications, types.Clarification{
					Question: "Which market or scope should the exploration target?",
					Context:  "No scope or market constraint was provided",
					Required: true,
					Options:  []string{"existing customer base", "adjacent markets", "new verticals"},
				})
			}
			return d, nil
		},
	}
}

// codeImprovementTemplate covers refactor/fix commands: plan, implement,
// test.
func codeImprovementTemplate() Template {
	return Template{
		Name:     "code-improvement",
		Keywords: []string{"refactor", "improve", "fix", "optimize", "clean up"},
		Decompose: func(command string, constraints types.Constraints) (*types.Decomposition, error) {
			target := constraints.String("target_path")
			d := &types.Decomposition{
				Complexity: types.ComplexityModerate,
				Subtasks: []types.Subtask{
					{
						ID:             "plan",
						Role:           types.RolePlanner,
						Description:    "Plan the change: " + command,
						RequiredTools:  []string{"memory_query"},
						ExpectedOutput: types.OutputPlan,
						Priority:       1,
					},
					{
						ID:             "implement",
						Role:           types.RoleDeveloper,
						Description:    command,
						RequiredTools:  []string{"file_read", "file_write"},
						ExpectedOutput: types.OutputCodeEdit,
						Priority:       2,
						TargetPath:     target,
					},
					{
						ID:             "verify",
						Role:           types.RoleQA,
						Description:    "Write or extend tests covering: " + command,
						RequiredTools:  []string{"file_read", "file_write"},
						ExpectedOutput: types.OutputCodeEdit,
						Priority:       3,
						TargetPath:     testPathFor(target),
					},
				},
				Dependencies: map[string][]string{
					"implement": {"plan"},
					"verify":    {"implement"},
				},
				SuccessCriteria: []string{"change applied", "tests extended"},
			}
			if target == "" {
				d.Clarifications = append(d.Clarifications, types.Clarification{
					Question: "Which file should the change target?",
					Context:  "No target_path constraint was provided",
					Required: true,
				})
			}
			return d, nil
		},
	}
}

// auditTemplate covers assessment commands: architecture and review reads
// in parallel, then a consolidating plan.
func auditTemplate() Template {
	return Template{
		Name:     "audit",
		Keywords: []string{"audit", "assess", "review the codebase", "analyze the codebase"},
		Decompose: func(command string, constraints types.Constraints) (*types.Decomposition, error) {
			return &types.Decomposition{
				Complexity: types.ComplexityModerate,
				Subtasks: []types.Subtask{
					{
						ID:             "architecture",
						Role:           types.RoleArchitect,
						Description:    "Assess architecture and boundaries for: " + command,
						RequiredTools:  []string{"file_read", "memory_query"},
						ExpectedOutput: types.OutputAnalysis,
						Priority:       1,
					},
					{
						ID:             "quality",
						Role:           types.RoleReviewer,
						Description:    "Assess code quality and risk for: " + command,
						RequiredTools:  []string{"file_read"},
						ExpectedOutput: types.OutputAnalysis,
						Priority:       1,
					},
					{
						ID:             "remediation",
						Role:           types.RolePlanner,
						Description:    "Consolidate the findings into a remediation plan",
						RequiredTools:  []string{"memory_query"},
						ExpectedOutput: types.OutputPlan,
						Priority:       2,
					},
				},
				Dependencies: map[string][]string{
					"remediation": {"architecture", "quality"},
				},
				SuccessCriteria: []string{"remediation plan produced"},
			}, nil
		},
	}
}

// genericDecomposition is the single-developer fallback.
func genericDecomposition(command string) *types.Decomposition {
	return &types.Decomposition{
		Complexity: types.ComplexitySimple,
		Subtasks: []types.Subtask{
			{
				ID:             "task",
				Role:           types.RoleDeveloper,
				Description:    command,
				RequiredTools:  []string{"file_read", "file_write"},
				ExpectedOutput: types.OutputAnalysis,
				Priority:       1,
			},
		},
	}
}

func testPathFor(target string) string {
	if target == "" {
		return ""
	}
	if strings.HasSuffix(target, ".go") {
		return strings.TrimSuffix(target, ".go") + "_test.go"
	}
	return ""
}
