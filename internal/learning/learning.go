// Package learning accumulates execution feedback into patterns. A pattern
// pairs a kind (success, failure, strategy) with the conditions under which
// it was observed; recommendations match those conditions against the
// context of an upcoming execution. History is a bounded FIFO; confidences
// drift with evidence and decay without it. The engine never blocks
// execution: recommendations are advisory prompt context.
package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"maestro/internal/ident"
	"maestro/internal/logging"
	"maestro/internal/types"
)

// Feedback is one execution outcome fed into the engine.
type Feedback struct {
	TaskType    string            `json:"task_type"`
	Role        types.AgentRole   `json:"role"`
	Success     bool              `json:"success"`
	FailureKind types.FailureKind `json:"failure_kind,omitempty"`
	Duration    time.Duration     `json:"duration"`
	Cost        float64           `json:"cost"`
	Timestamp   time.Time         `json:"timestamp"`
}

// PatternKind classifies what a pattern asserts.
type PatternKind string

const (
	// PatternSuccess: work under these conditions tends to complete.
	PatternSuccess PatternKind = "/success"
	// PatternFailure: work under these conditions tends to fail one way.
	PatternFailure PatternKind = "/failure"
	// PatternStrategy: plans produced under these conditions hold up.
	PatternStrategy PatternKind = "/strategy"
)

// Pattern is a learned association between execution conditions and an
// outcome tendency. Conditions are exact-match key/value pairs; Outcomes
// carries the observed numbers; Actions the advice attached to them.
type Pattern struct {
	ID          string             `json:"id"`
	Kind        PatternKind        `json:"kind"`
	Description string             `json:"description"`
	Confidence  float64            `json:"confidence"`
	Conditions  map[string]string  `json:"conditions"`
	Actions     map[string]string  `json:"actions,omitempty"`
	Outcomes    map[string]float64 `json:"outcomes,omitempty"`
	UsageCount  int                `json:"usage_count"`
	SuccessRate float64            `json:"success_rate"`
	AvgDuration time.Duration      `json:"avg_duration"`
	AvgCost     float64            `json:"avg_cost"`
	LastSeen    time.Time          `json:"last_seen"`
	// FailureKinds counts distinct failure modes observed under this pattern.
	FailureKinds map[types.FailureKind]int `json:"failure_kinds,omitempty"`
}

func (p *Pattern) key() string { return patternKey(p.Kind, p.Conditions) }

// patternKey canonicalizes kind plus conditions into a map key.
func patternKey(kind PatternKind, conds map[string]string) string {
	keys := make([]string, 0, len(conds))
	for k := range conds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(string(kind))
	for _, k := range keys {
		b.WriteString("|" + k + "=" + conds[k])
	}
	return b.String()
}

// score orders patterns for eviction and recommendation.
func (p *Pattern) score() float64 { return p.Confidence * p.SuccessRate }

// refreshOutcomes mirrors the moving averages into the outcomes map.
func (p *Pattern) refreshOutcomes() {
	p.Outcomes = map[string]float64{
		"success_rate":         p.SuccessRate,
		"avg_cost":             p.AvgCost,
		"avg_duration_seconds": p.AvgDuration.Seconds(),
	}
}

// Recommendation is advisory context for an upcoming execution.
type Recommendation struct {
	Pattern    Pattern `json:"pattern"`
	MatchScore float64 `json:"match_score"`
	Advice     string  `json:"advice"`
}

// Config tunes the engine.
type Config struct {
	MaxHistory    int     // feedback entries kept, default 800
	LearningRate  float64 // confidence step per update pass, default 0.05
	MinConfidence float64 // eviction floor, default 0.3
	MaxPatterns   int     // pattern cap, default 100
	MatchFloor    float64 // recommendation cutoff, default 0.7
	// Path persists patterns as JSON; empty disables persistence.
	Path string
}

// Engine is the feedback store. Safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	clock    ident.Clock
	history  []Feedback
	patterns map[string]*Pattern
}

// NewEngine creates an engine and loads persisted patterns when cfg.Path
// names an existing file. A corrupt file is ignored, not fatal.
func NewEngine(cfg Config, clock ident.Clock) *Engine {
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = 800
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.05
	}
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = 0.3
	}
	if cfg.MaxPatterns == 0 {
		cfg.MaxPatterns = 100
	}
	if cfg.MatchFloor == 0 {
		cfg.MatchFloor = 0.7
	}
	if clock == nil {
		clock = ident.RealClock{}
	}
	e := &Engine{cfg: cfg, clock: clock, patterns: make(map[string]*Pattern)}
	e.load()
	return e
}

// ContextFor builds the match context for an upcoming execution. The role
// key is omitted for RoleUnknown so task-level queries stay honest about
// what they know.
func ContextFor(taskType string, role types.AgentRole) map[string]string {
	ctx := map[string]string{"task_type": taskType}
	if role != "" && role != types.RoleUnknown {
		ctx["role"] = string(role)
	}
	return ctx
}

// contextOf derives the match context from a recorded outcome.
func contextOf(fb Feedback) map[string]string {
	ctx := ContextFor(fb.TaskType, fb.Role)
	if !fb.Success && fb.FailureKind != types.FailureNone {
		ctx["failure_kind"] = string(fb.FailureKind)
	}
	return ctx
}

// kindFor picks the pattern kind an outcome evidences. Successful plans
// from the planning roles count as strategy evidence.
func kindFor(fb Feedback) PatternKind {
	if !fb.Success {
		return PatternFailure
	}
	if fb.Role == types.RolePlanner || fb.Role == types.RoleDeploymentStrategist {
		return PatternStrategy
	}
	return PatternSuccess
}

// conditionsFor derives the conditions an outcome would mint under.
// Failure patterns additionally condition on the failure kind.
func conditionsFor(fb Feedback) map[string]string {
	conds := map[string]string{
		"task_type": fb.TaskType,
		"role":      string(fb.Role),
	}
	if !fb.Success && fb.FailureKind != types.FailureNone {
		conds["failure_kind"] = string(fb.FailureKind)
	}
	return conds
}

// conditionsMatch reports whether the context satisfies every condition.
func conditionsMatch(conds, ctx map[string]string) bool {
	if len(conds) == 0 {
		return false
	}
	for k, v := range conds {
		if ctx[k] != v {
			return false
		}
	}
	return true
}

// matchScore is the fraction of condition keys the context matches exactly.
func matchScore(conds, ctx map[string]string) float64 {
	if len(conds) == 0 {
		return 0
	}
	matched := 0
	for k, v := range conds {
		if ctx[k] == v {
			matched++
		}
	}
	return float64(matched) / float64(len(conds))
}

// Record appends feedback, folds it into every pattern whose conditions it
// satisfies, and mints a new pattern once a second similar outcome exists.
// Minted patterns start at confidence 0.6 with the observed success rate.
func (e *Engine) Record(fb Feedback) {
	if fb.Timestamp.IsZero() {
		fb.Timestamp = e.clock.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, fb)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}

	ctx := contextOf(fb)
	for _, p := range e.patterns {
		if !conditionsMatch(p.Conditions, ctx) {
			continue
		}
		p.UsageCount++
		// Moving average over usage count.
		n := float64(p.UsageCount)
		p.SuccessRate = p.SuccessRate*(n-1)/n + boolTo01(fb.Success)/n
		p.AvgDuration = time.Duration(float64(p.AvgDuration)*(n-1)/n + float64(fb.Duration)/n)
		p.AvgCost = p.AvgCost*(n-1)/n + fb.Cost/n
		p.LastSeen = fb.Timestamp
		if fb.FailureKind != types.FailureNone {
			if p.FailureKinds == nil {
				p.FailureKinds = make(map[types.FailureKind]int)
			}
			p.FailureKinds[fb.FailureKind]++
		}
		p.refreshOutcomes()
	}

	e.mintLocked(fb)
}

// mintLocked mints a pattern once the history holds a second outcome with
// the same kind and conditions.
func (e *Engine) mintLocked(fb Feedback) {
	kind := kindFor(fb)
	conds := conditionsFor(fb)
	key := patternKey(kind, conds)
	if _, ok := e.patterns[key]; ok {
		return
	}

	similar, succ := 0, 0
	var durSum time.Duration
	var costSum float64
	kinds := make(map[types.FailureKind]int)
	for _, h := range e.history {
		if patternKey(kindFor(h), conditionsFor(h)) != key {
			continue
		}
		similar++
		if h.Success {
			succ++
		}
		durSum += h.Duration
		costSum += h.Cost
		if h.FailureKind != types.FailureNone {
			kinds[h.FailureKind]++
		}
	}
	if similar < 2 {
		return
	}

	p := &Pattern{
		ID:          ident.New("pat"),
		Kind:        kind,
		Description: describe(kind, conds),
		Confidence:  0.6,
		Conditions:  conds,
		Actions:     actionsFor(kind),
		UsageCount:  similar,
		SuccessRate: float64(succ) / float64(similar),
		AvgDuration: durSum / time.Duration(similar),
		AvgCost:     costSum / float64(similar),
		LastSeen:    fb.Timestamp,
	}
	if len(kinds) > 0 {
		p.FailureKinds = kinds
	}
	p.refreshOutcomes()
	e.patterns[key] = p
	e.enforceCapLocked()
	logging.Learning("minted %s pattern %s: %s (%d occurrences, rate %.2f)",
		strings.TrimPrefix(string(kind), "/"), p.ID, p.Description, p.UsageCount, p.SuccessRate)
}

func describe(kind PatternKind, conds map[string]string) string {
	task := conds["task_type"]
	role := strings.TrimPrefix(conds["role"], "/")
	switch kind {
	case PatternFailure:
		if fk := strings.TrimPrefix(conds["failure_kind"], "/"); fk != "" {
			return fmt.Sprintf("%s tasks with role %s fail repeatedly (%s)", task, role, fk)
		}
		return fmt.Sprintf("%s tasks with role %s fail repeatedly", task, role)
	case PatternStrategy:
		return fmt.Sprintf("%s plans from role %s hold up", task, role)
	default:
		return fmt.Sprintf("%s tasks with role %s complete reliably", task, role)
	}
}

func actionsFor(kind PatternKind) map[string]string {
	if kind == PatternFailure {
		return map[string]string{"recommendation": "reduce change size or reassign the role"}
	}
	return map[string]string{"recommendation": "keep the current approach"}
}

// UpdatePatterns re-grades confidences against the recent evidence window:
// confirmed patterns gain a learning-rate step, contradicted ones lose it,
// patterns without fresh evidence decay, anything under the confidence
// floor is evicted, and the population is capped.
func (e *Engine) UpdatePatterns() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.clock.Now().Add(-7 * 24 * time.Hour)
	for key, p := range e.patterns {
		recent, succ := 0, 0
		for _, h := range e.history {
			if h.Timestamp.Before(cutoff) || !conditionsMatch(p.Conditions, contextOf(h)) {
				continue
			}
			recent++
			if h.Success {
				succ++
			}
		}
		switch {
		case recent == 0:
			// No fresh evidence: confidence decays.
			p.Confidence -= e.cfg.LearningRate / 2
		case p.Kind == PatternFailure:
			// Inverted for failure patterns: failing evidence confirms.
			rate := float64(succ) / float64(recent)
			switch {
			case rate < 0.3:
				p.Confidence += e.cfg.LearningRate
			case rate > 0.8:
				p.Confidence -= e.cfg.LearningRate
			}
		default:
			rate := float64(succ) / float64(recent)
			switch {
			case rate > 0.8:
				p.Confidence += e.cfg.LearningRate
			case rate < 0.3:
				p.Confidence -= e.cfg.LearningRate
			}
		}
		p.Confidence = clamp01(p.Confidence)
		if p.Confidence < e.cfg.MinConfidence {
			delete(e.patterns, key)
			logging.LearningDebug("evicted pattern %s (confidence %.2f)", p.ID, p.Confidence)
		}
	}
	e.enforceCapLocked()
	e.saveLocked()
}

// enforceCapLocked drops the weakest patterns above the population cap.
func (e *Engine) enforceCapLocked() {
	if len(e.patterns) <= e.cfg.MaxPatterns {
		return
	}
	all := make([]*Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score() > all[j].score() })
	for _, p := range all[e.cfg.MaxPatterns:] {
		delete(e.patterns, p.key())
	}
}

// GetRecommendations matches every pattern against an execution context:
// the match score is the fraction of the pattern's condition keys the
// context satisfies exactly. Patterns under the floor are dropped; the
// strongest three remain, ordered by confidence times success rate.
func (e *Engine) GetRecommendations(execCtx map[string]string) []Recommendation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var recs []Recommendation
	for _, p := range e.patterns {
		match := matchScore(p.Conditions, execCtx)
		if match < e.cfg.MatchFloor {
			continue
		}
		recs = append(recs, Recommendation{
			Pattern:    *p,
			MatchScore: match,
			Advice:     advice(p),
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		si, sj := recs[i].Pattern.score(), recs[j].Pattern.score()
		if si != sj {
			return si > sj
		}
		if recs[i].MatchScore != recs[j].MatchScore {
			return recs[i].MatchScore > recs[j].MatchScore
		}
		return recs[i].Pattern.ID < recs[j].Pattern.ID
	})
	if len(recs) > 3 {
		recs = recs[:3]
	}
	return recs
}

func advice(p *Pattern) string {
	switch {
	case p.Kind == PatternFailure:
		return fmt.Sprintf("%s; %s", p.Description, p.Actions["recommendation"])
	case p.SuccessRate >= 0.8:
		return fmt.Sprintf("%s (%.0f%% success); keep the current approach", p.Description, p.SuccessRate*100)
	case p.SuccessRate <= 0.3:
		if worst := dominantFailure(p); worst != types.FailureNone {
			return fmt.Sprintf("%s but mostly fails now (%s); consider smaller changes or a different role", p.Description, worst)
		}
		return fmt.Sprintf("%s but mostly fails now; consider smaller changes", p.Description)
	default:
		return fmt.Sprintf("%s (%.0f%% success)", p.Description, p.SuccessRate*100)
	}
}

func dominantFailure(p *Pattern) types.FailureKind {
	var best types.FailureKind
	max := 0
	for k, n := range p.FailureKinds {
		if n > max {
			best, max = k, n
		}
	}
	return best
}

// Patterns returns a snapshot sorted by score, strongest first.
func (e *Engine) Patterns() []Pattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].score(), out[j].score()
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HistoryLen reports the current feedback count.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// persisted is the on-disk shape.
type persisted struct {
	Patterns []Pattern `json:"patterns"`
	SavedAt  time.Time `json:"saved_at"`
}

func (e *Engine) load() {
	if e.cfg.Path == "" {
		return
	}
	data, err := os.ReadFile(e.cfg.Path)
	if err != nil {
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		logging.LearningDebug("ignoring corrupt pattern store: %v", err)
		return
	}
	for i := range p.Patterns {
		pat := p.Patterns[i]
		e.patterns[pat.key()] = &pat
	}
}

func (e *Engine) saveLocked() {
	if e.cfg.Path == "" {
		return
	}
	out := persisted{SavedAt: e.clock.Now()}
	for _, p := range e.patterns {
		out.Patterns = append(out.Patterns, *p)
	}
	sort.Slice(out.Patterns, func(i, j int) bool { return out.Patterns[i].ID < out.Patterns[j].ID })
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.cfg.Path), 0755); err != nil {
		return
	}
	if err := os.WriteFile(e.cfg.Path, data, 0644); err != nil {
		logging.LearningDebug("pattern save failed: %v", err)
	}
}

func boolTo01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
