// Package loop is the autonomous improvement cycle: scan the repository,
// score what it finds into opportunities, execute the safest high-value
// ones through the orchestrator, and fold the outcomes back into the
// learning engine. Every step between states re-checks the emergency stop.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"maestro/internal/config"
	"maestro/internal/ident"
	"maestro/internal/learning"
	"maestro/internal/logging"
	"maestro/internal/memory"
	"maestro/internal/orchestrator"
	"maestro/internal/safety"
	"maestro/internal/scanner"
	"maestro/internal/types"
)

// State of the loop.
type State string

const (
	StateIdle        State = "/idle"
	StateDiscovering State = "/discovering"
	StatePlanning    State = "/planning"
	StateExecuting   State = "/executing"
	StateLearning    State = "/learning"
)

// ErrStopped reports a cycle interrupted by the emergency stop.
var ErrStopped = errors.New("loop: stopped")

// typeWeights grade issue families by expected value.
var typeWeights = map[scanner.IssueKind]float64{
	scanner.KindSecurity:     1.0,
	scanner.KindPerformance:  0.8,
	scanner.KindBug:          0.7,
	scanner.KindQuality:      0.6,
	scanner.KindTestCoverage: 0.4,
	scanner.KindTodo:         0.3,
}

// severityMultipliers scale the weight by severity.
var severityMultipliers = map[scanner.Severity]float64{
	scanner.SeverityCritical: 1.0,
	scanner.SeverityHigh:     0.8,
	scanner.SeverityMedium:   0.6,
	scanner.SeverityLow:      0.4,
}

// safetyScores grade how safe a family is to change autonomously. TODOs
// are near-risk-free; security changes need the most care.
var safetyScores = map[scanner.IssueKind]float64{
	scanner.KindTodo:         0.9,
	scanner.KindTestCoverage: 0.8,
	scanner.KindQuality:      0.7,
	scanner.KindPerformance:  0.6,
	scanner.KindBug:          0.5,
	scanner.KindSecurity:     0.4,
}

// Opportunity is one scored candidate for autonomous work.
type Opportunity struct {
	ID          string        `json:"id"`
	Issue       scanner.Issue `json:"issue"`
	Priority    float64       `json:"priority"`
	SafetyScore float64       `json:"safety_score"`
	Command     string        `json:"command"`
}

// combined orders opportunities for selection.
func (o Opportunity) combined() float64 { return o.Priority * o.SafetyScore }

// CycleResult summarizes one cycle.
type CycleResult struct {
	CycleID       string        `json:"cycle_id"`
	Opportunities int           `json:"opportunities"`
	Selected      int           `json:"selected"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	RolledBack    int           `json:"rolled_back"`
	Duration      time.Duration `json:"duration"`
	Interrupted   bool          `json:"interrupted,omitempty"`
}

// Loop drives autonomous cycles.
type Loop struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	safety *safety.Controller
	store  *memory.Store
	learn  *learning.Engine
	clock  ident.Clock

	mu     sync.Mutex
	state  State
	paused bool
	cond   *sync.Cond
}

// New wires a loop.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, controller *safety.Controller,
	store *memory.Store, learn *learning.Engine, clock ident.Clock) *Loop {
	if clock == nil {
		clock = ident.RealClock{}
	}
	l := &Loop{
		cfg:    cfg,
		orch:   orch,
		safety: controller,
		store:  store,
		learn:  learn,
		clock:  clock,
		state:  StateIdle,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Pause holds the loop at the next state boundary.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	logging.Loop("paused")
}

// Resume releases a paused loop.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	l.cond.Broadcast()
	logging.Loop("resumed")
}

// transition moves to the next state, blocking while paused. Returns an
// error when the emergency stop or cancellation fires.
func (l *Loop) transition(ctx context.Context, next State) error {
	l.mu.Lock()
	for l.paused && ctx.Err() == nil && !l.safety.IsStopped() {
		l.cond.Wait()
	}
	l.state = next
	l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if l.safety.IsStopped() {
		return ErrStopped
	}
	logging.LoopDebug("state %s", next)
	return nil
}

// Run drives cycles on the configured interval until the context ends.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.cfg.Loop.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := l.RunCycle(ctx)
		if err != nil && !errors.Is(err, ErrStopped) {
			logging.LoopWarn("cycle failed: %v", err)
		}
		if res != nil {
			logging.Loop("cycle %s: %d/%d succeeded in %s",
				res.CycleID, res.Succeeded, res.Selected, res.Duration)
		}
		h := l.safety.HealthSnapshot(ctx)
		logging.LoopDebug("health: stopped=%v checkpoints=%d ops/h=%d clean=%v",
			h.EmergencyStopped, h.CheckpointsCount, h.OperationsLastHour, h.RepoClean)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one discover-plan-execute-learn pass.
func (l *Loop) RunCycle(ctx context.Context) (*CycleResult, error) {
	started := l.clock.Now()
	res := &CycleResult{CycleID: ident.New("cycle")}
	defer func() {
		l.mu.Lock()
		l.state = StateIdle
		l.mu.Unlock()
		res.Duration = l.clock.Now().Sub(started)
		l.remember(res)
	}()

	if err := l.transition(ctx, StateDiscovering); err != nil {
		res.Interrupted = true
		return res, err
	}
	opps, err := l.Discover()
	if err != nil {
		return res, err
	}
	res.Opportunities = len(opps)
	if len(opps) == 0 {
		logging.Loop("cycle %s: nothing to do", res.CycleID)
		return res, nil
	}

	if err := l.transition(ctx, StatePlanning); err != nil {
		res.Interrupted = true
		return res, err
	}
	selected := Select(opps, l.topK())
	res.Selected = len(selected)

	if err := l.transition(ctx, StateExecuting); err != nil {
		res.Interrupted = true
		return res, err
	}
	preCycle := len(l.safety.Checkpoints())

	// One checkpoint per plan: a critical failure rolls back only that
	// plan's work, never the plans executed before it.
	for _, opp := range selected {
		if l.safety.IsStopped() || ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		cp, err := l.safety.CreateCheckpoint(ctx, "plan "+opp.ID,
			map[string]string{"cycle": res.CycleID, "plan": opp.ID})
		if err != nil {
			logging.LoopWarn("plan checkpoint for %s failed: %v", opp.ID, err)
			res.Failed++
			continue
		}
		if l.execute(ctx, res.CycleID, opp, cp.ID, res) {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	if err := l.transition(ctx, StateLearning); err != nil {
		res.Interrupted = true
		return res, err
	}
	l.learn.UpdatePatterns()

	// A clean cycle folds its checkpoints down to the first plan's, which
	// survives as the cycle marker.
	if res.Failed == 0 && !res.Interrupted {
		l.safety.CoalesceCheckpoints(preCycle + 1)
	}
	return res, nil
}

// Discover scans the workspace and scores every issue into an opportunity,
// strongest combined score first. Scanning is read-only and idempotent.
func (l *Loop) Discover() ([]Opportunity, error) {
	result, err := scanner.Scan(l.cfg.Workspace, scanner.Config{IgnorePaths: l.cfg.Loop.IgnorePaths})
	if err != nil {
		return nil, fmt.Errorf("discovery scan failed: %w", err)
	}
	opps := make([]Opportunity, 0, len(result.Issues))
	for _, issue := range result.Issues {
		opps = append(opps, Opportunity{
			ID:          ident.New("opp"),
			Issue:       issue,
			Priority:    typeWeights[issue.Kind] * severityMultipliers[issue.Severity],
			SafetyScore: safetyScores[issue.Kind],
			Command:     commandFor(issue),
		})
	}
	sortOpportunities(opps)
	return opps, nil
}

// Select takes the top k opportunities by combined score.
func Select(opps []Opportunity, k int) []Opportunity {
	sortOpportunities(opps)
	if len(opps) > k {
		opps = opps[:k]
	}
	return opps
}

// sortOpportunities orders by combined score, then file and line for a
// stable tiebreak.
func sortOpportunities(opps []Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		ci, cj := opps[i].combined(), opps[j].combined()
		if ci != cj {
			return ci > cj
		}
		if opps[i].Issue.File != opps[j].Issue.File {
			return opps[i].Issue.File < opps[j].Issue.File
		}
		return opps[i].Issue.Line < opps[j].Issue.Line
	})
}

// execute runs one opportunity through the orchestrator and rolls back to
// that plan's checkpoint when a safety violation surfaces.
func (l *Loop) execute(ctx context.Context, cycleID string, opp Opportunity, checkpointID string, res *CycleResult) bool {
	constraints := types.Constraints{
		"target_path":         opp.Issue.File,
		"skip_clarifications": true,
		"cycle_id":            cycleID,
	}
	orchRes, err := l.orch.Orchestrate(ctx, opp.Command, constraints)
	if err != nil {
		logging.LoopWarn("opportunity %s aborted: %v", opp.ID, err)
		return false
	}
	if critical(orchRes) {
		if rbErr := l.safety.Rollback(ctx, checkpointID); rbErr != nil {
			logging.LoopWarn("rollback after %s failed: %v", opp.ID, rbErr)
		} else {
			res.RolledBack++
			logging.Loop("rolled back plan %s in cycle %s after safety violation", opp.ID, cycleID)
		}
		return false
	}
	return orchRes.Success
}

// critical reports whether any record failed on a safety violation.
func critical(res *types.OrchestrationResult) bool {
	for _, rec := range res.Results {
		if rec.FailureKind == types.FailureSafetyViolation {
			return true
		}
	}
	return false
}

// commandFor synthesizes the improvement command for an issue. Wording is
// chosen so the decomposition templates match it.
func commandFor(issue scanner.Issue) string {
	loc := fmt.Sprintf("%s:%d", issue.File, issue.Line)
	switch issue.Kind {
	case scanner.KindTodo:
		return fmt.Sprintf("fix the open TODO at %s", loc)
	case scanner.KindTestCoverage:
		return fmt.Sprintf("improve test coverage: %s", issue.Description)
	case scanner.KindSecurity:
		return fmt.Sprintf("fix the security issue (%s) at %s", issue.Description, loc)
	case scanner.KindPerformance:
		return fmt.Sprintf("optimize the %s at %s", issue.Description, loc)
	case scanner.KindBug:
		return fmt.Sprintf("fix the suspected bug (%s) at %s", issue.Description, loc)
	default:
		return fmt.Sprintf("improve code quality (%s) at %s", issue.Description, loc)
	}
}

func (l *Loop) topK() int {
	k := l.cfg.Loop.TopOpportunities
	if k <= 0 {
		k = 3
	}
	return k
}

// remember writes the cycle summary into memory.
func (l *Loop) remember(res *CycleResult) {
	if l.store == nil {
		return
	}
	l.store.Append(memory.Record{
		Content: fmt.Sprintf("cycle %s: %d opportunities, %d selected, %d succeeded, %d failed, %d rolled back in %s",
			res.CycleID, res.Opportunities, res.Selected, res.Succeeded, res.Failed, res.RolledBack, res.Duration),
		Summary:    fmt.Sprintf("autonomous cycle %s: %d/%d succeeded", res.CycleID, res.Succeeded, res.Selected),
		Tags:       []string{"autonomous_loop", res.CycleID},
		Type:       memory.TypeProgress,
		Importance: 0.6,
	})
}
