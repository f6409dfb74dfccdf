// Package orchestrator turns a command into a decomposition, runs it in
// priority phases over the worker pool, and aggregates the records into a
// result and report. The emergency stop is checked before any side effect;
// a required clarification blocks execution entirely.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"maestro/internal/config"
	"maestro/internal/ident"
	"maestro/internal/learning"
	"maestro/internal/logging"
	"maestro/internal/memory"
	"maestro/internal/report"
	"maestro/internal/safety"
	"maestro/internal/types"
	"maestro/internal/worker"
)

// ErrClarificationRequired aborts orchestration before any agent spawns.
var ErrClarificationRequired = errors.New("orchestrator: clarification required")

// ErrEmergencyStopped aborts orchestration at entry.
var ErrEmergencyStopped = errors.New("orchestrator: emergency stop active")

// EventType tags orchestrator lifecycle events.
type EventType string

const (
	EventDecomposed    EventType = "/decomposed"
	EventPhaseStarted  EventType = "/phase_started"
	EventPhaseFinished EventType = "/phase_finished"
	EventDegraded      EventType = "/degraded"
	EventCompleted     EventType = "/completed"
)

// Event is one lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Orchestrator coordinates decomposition, phased execution, and reporting.
type Orchestrator struct {
	cfg      *config.Config
	registry *TemplateRegistry
	pool     *worker.Pool
	safety   *safety.Controller
	store    *memory.Store
	learn    *learning.Engine
	clock    ident.Clock

	// Events receives lifecycle notifications; sends never block.
	Events chan Event
}

// New wires an orchestrator. store and learn may be nil.
func New(cfg *config.Config, registry *TemplateRegistry, pool *worker.Pool,
	controller *safety.Controller, store *memory.Store, learn *learning.Engine, clock ident.Clock) *Orchestrator {
	if registry == nil {
		registry = NewTemplateRegistry()
	}
	if clock == nil {
		clock = ident.RealClock{}
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		safety:   controller,
		store:    store,
		learn:    learn,
		clock:    clock,
		Events:   make(chan Event, 16),
	}
}

// Orchestrate runs one command end to end. On ErrClarificationRequired and
// ErrEmergencyStopped the returned result is still populated, with
// AgentsSpawned zero and no repository side effects.
func (o *Orchestrator) Orchestrate(ctx context.Context, command string, constraints types.Constraints) (*types.OrchestrationResult, error) {
	started := o.clock.Now()
	res := &types.OrchestrationResult{
		TaskID:  ident.New("task"),
		Command: command,
		Results: make(map[string]types.ExecutionRecord),
	}

	if o.safety != nil && o.safety.IsStopped() {
		res.Errors = append(res.Errors, "emergency stop active: "+o.safety.StopReason())
		res.ExecutionTime = o.clock.Now().Sub(started)
		return res, ErrEmergencyStopped
	}

	effective := o.cfg.ApplyConstraints(constraints)

	decomp, taskType, err := o.registry.Decompose(command, constraints)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		res.ExecutionTime = o.clock.Now().Sub(started)
		return res, err
	}
	o.emit(EventDecomposed, res.TaskID, fmt.Sprintf("%d subtasks via %s", len(decomp.Subtasks), taskType))

	if !constraints.Bool("skip_clarifications") {
		if required := decomp.RequiredClarifications(); len(required) > 0 {
			for _, c := range required {
				res.Errors = append(res.Errors, "clarification required: "+c.Question)
			}
			res.ExecutionTime = o.clock.Now().Sub(started)
			return res, ErrClarificationRequired
		}
	}

	// Phases execute in ascending priority; subtasks inside a phase run
	// concurrently through the pool.
	phases := groupByPriority(decomp.Subtasks)
	for i, phase := range phases {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, "cancelled at phase "+phaseLabel(phase))
			break
		}
		if o.safety != nil && o.safety.IsStopped() {
			res.Errors = append(res.Errors, "emergency stop during execution")
			res.Degraded = true
			break
		}

		o.emit(EventPhaseStarted, res.TaskID, fmt.Sprintf("phase %s: %d subtasks", phaseLabel(phase), len(phase)))
		records := o.pool.ExecuteAll(ctx, taskType, command, phase, constraints)
		res.AgentsSpawned += len(records)

		failed := 0
		for id, rec := range records {
			res.Results[id] = rec
			if !rec.Success {
				failed++
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", id, rec.Error))
			}
		}
		o.emit(EventPhaseFinished, res.TaskID, fmt.Sprintf("phase %s: %d/%d failed", phaseLabel(phase), failed, len(phase)))

		// More than half a phase failing poisons everything downstream.
		if failed*2 > len(phase) && i < len(phases)-1 {
			res.Degraded = true
			skipped := 0
			for _, later := range phases[i+1:] {
				skipped += len(later)
			}
			res.Errors = append(res.Errors,
				fmt.Sprintf("phase %s lost %d of %d subtasks; skipping %d downstream subtasks", phaseLabel(phase), failed, len(phase), skipped))
			o.emit(EventDegraded, res.TaskID, "downstream phases skipped")
			break
		}
	}

	res.ExecutionTime = o.clock.Now().Sub(started)
	res.Success = o.judge(res, effective)

	rep := report.FromResult("Orchestration "+res.TaskID, res)
	if o.learn != nil {
		// One query per role that ran, deduplicated by advice text.
		var roles []string
		seenRole := make(map[types.AgentRole]bool)
		for _, rec := range res.Results {
			if !seenRole[rec.Role] {
				seenRole[rec.Role] = true
				roles = append(roles, string(rec.Role))
			}
		}
		sort.Strings(roles)
		seen := make(map[string]bool)
		for _, role := range roles {
			for _, r := range o.learn.GetRecommendations(learning.ContextFor(taskType, types.AgentRole(role))) {
				if seen[r.Advice] {
					continue
				}
				seen[r.Advice] = true
				rep.Recommendations = append(rep.Recommendations, r.Advice)
			}
		}
	}
	res.FinalReport = rep.Markdown()

	o.persist(res, rep)
	o.remember(res)
	o.emit(EventCompleted, res.TaskID, fmt.Sprintf("success=%v rate=%.2f", res.Success, res.SuccessRate()))
	logging.Orchestrator("task %s finished: success=%v agents=%d time=%s",
		res.TaskID, res.Success, res.AgentsSpawned, res.ExecutionTime)
	return res, nil
}

// judge applies the success rule: rate at or above the threshold and no
// safety violation among the records.
func (o *Orchestrator) judge(res *types.OrchestrationResult, cfg *config.Config) bool {
	for _, rec := range res.Results {
		if rec.FailureKind == types.FailureSafetyViolation {
			return false
		}
	}
	return res.SuccessRate() >= cfg.Safety.SuccessThreshold
}

// groupByPriority buckets subtasks into phases, ascending. Subtasks inside
// a phase keep their declaration order so launch order is deterministic.
func groupByPriority(subtasks []types.Subtask) [][]types.Subtask {
	byPrio := make(map[int][]types.Subtask)
	var prios []int
	for _, st := range subtasks {
		if _, ok := byPrio[st.Priority]; !ok {
			prios = append(prios, st.Priority)
		}
		byPrio[st.Priority] = append(byPrio[st.Priority], st)
	}
	sort.Ints(prios)
	out := make([][]types.Subtask, 0, len(prios))
	for _, p := range prios {
		out = append(out, byPrio[p])
	}
	return out
}

func phaseLabel(phase []types.Subtask) string {
	if len(phase) == 0 {
		return "?"
	}
	return fmt.Sprintf("%d", phase[0].Priority)
}

// persist writes the run JSON and report under .maestro/runs/. Best effort;
// a full disk never fails the run.
func (o *Orchestrator) persist(res *types.OrchestrationResult, rep *report.Report) {
	dir := filepath.Join(o.cfg.Workspace, ".maestro", "runs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.OrchestratorWarn("run persistence unavailable: %v", err)
		return
	}
	if data, err := json.MarshalIndent(res, "", "  "); err == nil {
		path := filepath.Join(dir, res.TaskID+".json")
		if err := os.WriteFile(path, data, 0644); err != nil {
			logging.OrchestratorWarn("run persistence failed: %v", err)
		}
	}
	path := filepath.Join(dir, res.TaskID+".md")
	if err := os.WriteFile(path, []byte(rep.Markdown()), 0644); err != nil {
		logging.OrchestratorWarn("report persistence failed: %v", err)
	}
}

// remember writes the run summary into memory.
func (o *Orchestrator) remember(res *types.OrchestrationResult) {
	if o.store == nil {
		return
	}
	outcome := "succeeded"
	if !res.Success {
		outcome = "failed"
	}
	o.store.Append(memory.Record{
		Content: fmt.Sprintf("orchestration %s %s: %s (rate %.2f, %d agents, %s)",
			res.TaskID, outcome, res.Command, res.SuccessRate(), res.AgentsSpawned, res.ExecutionTime),
		Summary:    fmt.Sprintf("orchestration %s: %s", outcome, truncate(res.Command, 80)),
		Tags:       []string{"orchestration", res.TaskID},
		Type:       memory.TypeTask,
		Importance: 0.7,
	})
}

func (o *Orchestrator) emit(t EventType, taskID, msg string) {
	select {
	case o.Events <- Event{Type: t, TaskID: taskID, Message: msg, Timestamp: o.clock.Now()}:
	default:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
