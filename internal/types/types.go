// Package types holds the shared data model for maestro: commands,
// decompositions, subtasks, artifacts, review outcomes, and execution
// records. Components exchange these values; ownership rules live with
// the owning packages (memory, safety, learning).
package types

import (
	"fmt"
	"time"
)

// Complexity classifies how involved a decomposed command is.
type Complexity string

const (
	ComplexitySimple     Complexity = "/simple"
	ComplexityModerate   Complexity = "/moderate"
	ComplexityComplex    Complexity = "/complex"
	ComplexityEnterprise Complexity = "/enterprise"
)

// AgentRole identifies the specialist persona a worker assumes for a subtask.
// The set is closed; tags parsed from persisted JSON that match nothing map
// to RoleUnknown rather than silently coercing to a default.
type AgentRole string

const (
	RoleMarketResearcher     AgentRole = "/market_researcher"
	RoleBusinessAnalyst      AgentRole = "/business_analyst"
	RoleTechnicalAssessor    AgentRole = "/technical_assessor"
	RoleOpportunityScorer    AgentRole = "/opportunity_scorer"
	RoleDeploymentStrategist AgentRole = "/deployment_strategist"
	RoleDeveloper            AgentRole = "/developer"
	RoleQA                   AgentRole = "/qa"
	RoleArchitect            AgentRole = "/architect"
	RoleReviewer             AgentRole = "/reviewer"
	RolePlanner              AgentRole = "/planner"
	RoleUnknown              AgentRole = "/unknown"
)

// ParseAgentRole maps a persisted tag to a role, or RoleUnknown.
func ParseAgentRole(s string) AgentRole {
	switch AgentRole(s) {
	case RoleMarketResearcher, RoleBusinessAnalyst, RoleTechnicalAssessor,
		RoleOpportunityScorer, RoleDeploymentStrategist, RoleDeveloper,
		RoleQA, RoleArchitect, RoleReviewer, RolePlanner:
		return AgentRole(s)
	default:
		return RoleUnknown
	}
}

// OutputKind is the artifact kind a role produces by default.
type OutputKind string

const (
	OutputCodeEdit OutputKind = "/code_edit"
	OutputAnalysis OutputKind = "/analysis"
	OutputScoring  OutputKind = "/scoring"
	OutputPlan     OutputKind = "/plan"
	OutputNoOp     OutputKind = "/noop"
)

// Constraints is the free-form constraint map accepted alongside a command.
// Recognized keys are applied by config.ApplyConstraints; unknown keys are
// silently ignored.
type Constraints map[string]interface{}

// Bool reads a boolean constraint, tolerating absence.
func (c Constraints) Bool(key string) bool {
	v, ok := c[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// String reads a string constraint, tolerating absence.
func (c Constraints) String(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int reads an integer constraint, accepting JSON float64 spellings.
func (c Constraints) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Float reads a numeric constraint, accepting int spellings.
func (c Constraints) Float(key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Subtask is the unit of work a single worker executes. Priority partitions
// subtasks into phases; lower priority runs first, equal priorities run in
// parallel.
type Subtask struct {
	ID             string     `json:"id"`
	Role           AgentRole  `json:"agent_role"`
	Description    string     `json:"description"`
	RequiredTools  []string   `json:"required_tools,omitempty"`
	ExpectedOutput OutputKind `json:"expected_output_kind"`
	Priority       int        `json:"priority"`
	// TargetPath is set when the task edits a specific repository file.
	TargetPath string `json:"target_path,omitempty"`
}

// Clarification is an unresolved question raised during decomposition.
// A required clarification blocks execution unless skip_clarifications
// is set on the constraints.
type Clarification struct {
	Question string   `json:"question"`
	Context  string   `json:"context,omitempty"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// Decomposition is the orchestrator's plan for one command.
type Decomposition struct {
	Complexity        Complexity          `json:"complexity"`
	Subtasks          []Subtask           `json:"subtasks"`
	Dependencies      map[string][]string `json:"dependencies,omitempty"`
	Clarifications    []Clarification     `json:"clarifications,omitempty"`
	SuccessCriteria   []string            `json:"success_criteria,omitempty"`
	EstimatedDuration string              `json:"estimated_duration,omitempty"`
}

// Validate enforces the dependency invariant: for every subtask S with
// dependency D, priority(D) < priority(S). Called at construction.
func (d *Decomposition) Validate() error {
	prio := make(map[string]int, len(d.Subtasks))
	for _, st := range d.Subtasks {
		prio[st.ID] = st.Priority
	}
	for id, deps := range d.Dependencies {
		p, ok := prio[id]
		if !ok {
			return fmt.Errorf("dependency map references unknown subtask %q", id)
		}
		for _, dep := range deps {
			dp, ok := prio[dep]
			if !ok {
				return fmt.Errorf("subtask %q depends on unknown subtask %q", id, dep)
			}
			if dp >= p {
				return fmt.Errorf("subtask %q (priority %d) depends on %q (priority %d); dependency must run in an earlier phase", id, p, dep, dp)
			}
		}
	}
	return nil
}

// RequiredClarifications returns the clarifications that block execution.
func (d *Decomposition) RequiredClarifications() []Clarification {
	var out []Clarification
	for _, c := range d.Clarifications {
		if c.Required {
			out = append(out, c)
		}
	}
	return out
}

// ArtifactKind tags the Artifact union.
type ArtifactKind string

const (
	ArtifactCodeEdit ArtifactKind = "/code_edit"
	ArtifactAnalysis ArtifactKind = "/analysis"
	ArtifactScoring  ArtifactKind = "/scoring"
	ArtifactPlan     ArtifactKind = "/plan"
	ArtifactNoOp     ArtifactKind = "/noop"
)

// Artifact is the worker's product: exactly one variant is populated,
// selected by Kind.
type Artifact struct {
	Kind     ArtifactKind `json:"kind"`
	CodeEdit *CodeEdit    `json:"code_edit,omitempty"`
	Analysis *Analysis    `json:"analysis,omitempty"`
	Scoring  *Scoring     `json:"scoring,omitempty"`
	Plan     *Plan        `json:"plan,omitempty"`
	NoOp     *NoOp        `json:"noop,omitempty"`
}

// CodeEdit is a proposed full-content rewrite of one file.
type CodeEdit struct {
	TargetPath   string `json:"target_path"`
	OriginalHash string `json:"original_hash,omitempty"`
	NewContent   string `json:"new_content"`
	Rationale    string `json:"rationale,omitempty"`
}

// Analysis is free-text analysis with extracted structure.
type Analysis struct {
	Text     string   `json:"text"`
	Sources  []string `json:"sources,omitempty"`
	Insights []string `json:"insights,omitempty"`
}

// ScoredItem is one row of a Scoring artifact.
type ScoredItem struct {
	Name           string             `json:"name"`
	CriteriaScores map[string]float64 `json:"criteria_scores,omitempty"`
	Total          float64            `json:"total"`
	Grade          string             `json:"grade,omitempty"`
}

// Scoring ranks candidate items against criteria.
type Scoring struct {
	Items []ScoredItem `json:"items"`
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []string `json:"steps"`
}

// NoOp records why no artifact was produced.
type NoOp struct {
	Reason string `json:"reason"`
}

// ReviewDecision is the reviewer's verdict.
type ReviewDecision string

const (
	ReviewApprove        ReviewDecision = "/approve"
	ReviewRequestChanges ReviewDecision = "/request_changes"
	ReviewReject         ReviewDecision = "/reject"
)

// ReviewOutcome is the reviewer's verdict with confidence and rationale.
type ReviewOutcome struct {
	Decision             ReviewDecision `json:"decision"`
	Confidence           float64        `json:"confidence"`
	Reasoning            string         `json:"reasoning,omitempty"`
	Suggestions          []string       `json:"suggestions,omitempty"`
	SecurityConcerns     []string       `json:"security_concerns,omitempty"`
	MaintainabilityScore float64        `json:"maintainability_score"`
}

// FailureKind distinguishes why a subtask failed; the learning engine
// records rejections differently from change requests.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureArtifactParse   FailureKind = "/artifact_parse"
	FailureReviewRejected  FailureKind = "/review_rejected"
	FailureRevisionRequest FailureKind = "/revision_requested"
	FailureSafetyViolation FailureKind = "/safety_violation"
	FailureLLMUnavailable  FailureKind = "/llm_unavailable"
	FailureBudgetExceeded  FailureKind = "/budget_exceeded"
	FailureVCS             FailureKind = "/vcs_error"
	FailureApply           FailureKind = "/apply_error"
	FailureCancelled       FailureKind = "/cancelled"
)

// ExecutionRecord is one row per subtask completion.
type ExecutionRecord struct {
	SubtaskID    string         `json:"subtask_id"`
	Role         AgentRole      `json:"role"`
	ModelUsed    string         `json:"model_used,omitempty"`
	Success      bool           `json:"success"`
	Artifact     *Artifact      `json:"artifact,omitempty"`
	Error        string         `json:"error,omitempty"`
	FailureKind  FailureKind    `json:"failure_kind,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	Timestamp    time.Time      `json:"timestamp"`
	Duration     time.Duration  `json:"duration"`
	Cost         float64        `json:"cost"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Review       *ReviewOutcome `json:"review_outcome,omitempty"`
	VCSNote      string         `json:"vcs_note,omitempty"`
}

// OrchestrationResult is the outcome of one top-to-bottom run.
type OrchestrationResult struct {
	TaskID        string                     `json:"task_id"`
	Command       string                     `json:"command"`
	AgentsSpawned int                        `json:"agents_spawned"`
	ExecutionTime time.Duration              `json:"execution_time"`
	Success       bool                       `json:"success"`
	Degraded      bool                       `json:"degraded,omitempty"`
	Results       map[string]ExecutionRecord `json:"results"`
	FinalReport   string                     `json:"final_report,omitempty"`
	Errors        []string                   `json:"errors,omitempty"`
}

// SuccessRate returns the fraction of successful records, 0 when empty.
func (r *OrchestrationResult) SuccessRate() float64 {
	if len(r.Results) == 0 {
		return 0
	}
	ok := 0
	for _, rec := range r.Results {
		if rec.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(r.Results))
}
