// Package worker executes subtasks. A worker builds the role prompt,
// consults memory and learned patterns, calls the model chain, parses the
// artifact, passes code edits through the review gate, and applies approved
// edits behind a safety checkpoint. Every completion lands in memory.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"maestro/internal/config"
	"maestro/internal/ident"
	"maestro/internal/learning"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/memory"
	"maestro/internal/review"
	"maestro/internal/safety"
	"maestro/internal/types"
	"maestro/internal/vcs"
)

// maxFileContext bounds how much of a target file is inlined into a prompt.
const maxFileContext = 16 * 1024

// Worker executes one subtask at a time. Stateless between calls; safe to
// share across goroutines.
type Worker struct {
	cfg      *config.Config
	client   llm.Client
	store    *memory.Store
	reviewer *review.Reviewer
	safety   *safety.Controller
	vcs      vcs.Client
	learn    *learning.Engine
	clock    ident.Clock

	// OpenReviewRequests pushes approved code edits to a branch and opens a
	// host review request. Failures there are recorded as notes, never as
	// subtask failures.
	OpenReviewRequests bool
}

// New wires a worker. vcsClient and learn may be nil; the corresponding
// steps are skipped.
func New(cfg *config.Config, client llm.Client, store *memory.Store, reviewer *review.Reviewer,
	controller *safety.Controller, vcsClient vcs.Client, learn *learning.Engine, clock ident.Clock) *Worker {
	if clock == nil {
		clock = ident.RealClock{}
	}
	return &Worker{
		cfg:      cfg,
		client:   client,
		store:    store,
		reviewer: reviewer,
		safety:   controller,
		vcs:      vcsClient,
		learn:    learn,
		clock:    clock,
	}
}

// Execute runs one subtask to completion and returns its record. The record
// always carries cost and duration, success or not.
func (w *Worker) Execute(ctx context.Context, taskType, command string, st types.Subtask, constraints types.Constraints) types.ExecutionRecord {
	started := w.clock.Now()
	rec := types.ExecutionRecord{
		SubtaskID: st.ID,
		Role:      st.Role,
		StartedAt: started,
	}

	finish := func(rec types.ExecutionRecord) types.ExecutionRecord {
		rec.Timestamp = w.clock.Now()
		rec.Duration = rec.Timestamp.Sub(started)
		w.remember(taskType, st, constraints, rec)
		return rec
	}

	if err := ctx.Err(); err != nil {
		rec.Error = err.Error()
		rec.FailureKind = types.FailureCancelled
		return finish(rec)
	}

	profile, ok := types.ProfileFor(st.Role)
	if !ok {
		rec.Error = fmt.Sprintf("no profile for role %s", st.Role)
		rec.FailureKind = types.FailureArtifactParse
		return finish(rec)
	}

	chain := w.chainFor(st.Role, constraints.String("timeline"))
	userPrompt := w.buildPrompt(taskType, command, st)

	res, err := chain.Complete(ctx, profile.SystemPrompt, userPrompt)
	rec.Cost += res.Cost
	rec.ModelUsed = res.ModelUsed
	if err != nil {
		rec.Error = err.Error()
		if llm.Unavailable(err) {
			rec.FailureKind = types.FailureLLMUnavailable
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			rec.FailureKind = types.FailureCancelled
		} else {
			rec.FailureKind = types.FailureLLMUnavailable
		}
		return finish(rec)
	}

	artifact, err := parseArtifact(res.Text, st)
	if err != nil {
		rec.Error = err.Error()
		rec.FailureKind = types.FailureArtifactParse
		logging.WorkerError("subtask %s: %v", st.ID, err)
		return finish(rec)
	}
	rec.Artifact = artifact

	// Only code edits pass the review gate; analyses, scorings, and plans
	// are accepted as produced. One revision attempt on request_changes,
	// and only an approved edit mutates the repository.
	if artifact.Kind == types.ArtifactCodeEdit {
		outcome, reviewCost, err := w.reviewer.Review(ctx, st.Description, artifact)
		rec.Cost += reviewCost
		if err != nil {
			rec.Error = fmt.Sprintf("review call failed: %v", err)
			rec.FailureKind = types.FailureLLMUnavailable
			return finish(rec)
		}
		rec.Review = &outcome

		if outcome.Decision == types.ReviewRequestChanges {
			artifact, outcome, err = w.revise(ctx, chain, profile.SystemPrompt, userPrompt, st, artifact, outcome, &rec)
			if err != nil {
				rec.Error = err.Error()
				return finish(rec)
			}
			rec.Artifact = artifact
			rec.Review = &outcome
		}

		switch outcome.Decision {
		case types.ReviewReject:
			rec.Error = "reviewer rejected the artifact: " + outcome.Reasoning
			rec.FailureKind = types.FailureReviewRejected
			return finish(rec)
		case types.ReviewRequestChanges:
			rec.Error = "reviewer still requested changes after revision"
			rec.FailureKind = types.FailureRevisionRequest
			return finish(rec)
		}

		if err := w.applyEdit(ctx, st, artifact.CodeEdit, &rec); err != nil {
			rec.Error = err.Error()
			return finish(rec)
		}
	}

	rec.Success = true
	logging.Worker("subtask %s (%s) completed in %s, cost %.4f", st.ID, st.Role, w.clock.Now().Sub(started), rec.Cost)
	return finish(rec)
}

// chainFor builds the model chain matched to the role's tier.
func (w *Worker) chainFor(role types.AgentRole, timeline string) *llm.Chain {
	specs := w.cfg.ChainForRole(role, timeline)
	models := make([]llm.Model, len(specs))
	for i, s := range specs {
		models[i] = llm.Model{Name: s.Name, Reasoning: s.Reasoning}
	}
	return llm.NewChain(w.client, models, llm.ChainConfig{
		MaxTokens:       w.cfg.LLM.MaxTokens,
		Temperature:     w.cfg.LLM.Temperature,
		Timeout:         w.cfg.LLM.Timeout,
		CostPer1KTokens: w.cfg.LLM.CostPer1KTokens,
	})
}

// buildPrompt assembles the user prompt: objective, subtask, bounded file
// context, prior similar work, and learned advice.
func (w *Worker) buildPrompt(taskType, command string, st types.Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\nYour subtask: %s\n", command, st.Description)
	if st.ExpectedOutput != "" {
		fmt.Fprintf(&b, "Expected output kind: %s\n", strings.TrimPrefix(string(st.ExpectedOutput), "/"))
	}

	if st.TargetPath != "" {
		full := filepath.Join(w.cfg.Workspace, st.TargetPath)
		if data, err := os.ReadFile(full); err == nil {
			if len(data) > maxFileContext {
				data = data[:maxFileContext]
			}
			fmt.Fprintf(&b, "\nCurrent content of %s:\n```\n%s\n```\n", st.TargetPath, data)
		}
	}

	if w.store != nil {
		similar := w.store.FindSimilar(memory.ExtractKeywords(st.Description), 3)
		for _, rec := range similar {
			if rec.Summary != "" {
				fmt.Fprintf(&b, "\nPrior related work: %s\n", rec.Summary)
			}
		}
	}

	if w.learn != nil {
		for _, r := range w.learn.GetRecommendations(learning.ContextFor(taskType, st.Role)) {
			fmt.Fprintf(&b, "\nGuidance from past runs: %s\n", r.Advice)
		}
	}

	if st.ExpectedOutput == types.OutputCodeEdit {
		b.WriteString("\nRespond with the complete new file content in a single fenced code block.\n")
	} else {
		b.WriteString("\nRespond with a single JSON object matching the expected output kind.\n")
	}
	return b.String()
}

// revise re-prompts once with the reviewer's suggestions folded in.
func (w *Worker) revise(ctx context.Context, chain *llm.Chain, systemPrompt, userPrompt string,
	st types.Subtask, prior *types.Artifact, outcome types.ReviewOutcome, rec *types.ExecutionRecord) (*types.Artifact, types.ReviewOutcome, error) {

	var b strings.Builder
	b.WriteString(userPrompt)
	b.WriteString("\n\nA reviewer requested changes to your previous attempt:\n")
	if outcome.Reasoning != "" {
		fmt.Fprintf(&b, "- %s\n", outcome.Reasoning)
	}
	for _, s := range outcome.Suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	b.WriteString("\nProduce a corrected version.\n")

	res, err := chain.Complete(ctx, systemPrompt, b.String())
	rec.Cost += res.Cost
	if err != nil {
		rec.FailureKind = types.FailureLLMUnavailable
		return prior, outcome, fmt.Errorf("revision call failed: %w", err)
	}
	artifact, err := parseArtifact(res.Text, st)
	if err != nil {
		rec.FailureKind = types.FailureArtifactParse
		return prior, outcome, fmt.Errorf("revision artifact unparseable: %w", err)
	}
	next, cost, err := w.reviewer.Review(ctx, st.Description, artifact)
	rec.Cost += cost
	if err != nil {
		rec.FailureKind = types.FailureLLMUnavailable
		return prior, outcome, fmt.Errorf("revision review failed: %w", err)
	}
	return artifact, next, nil
}

// applyEdit validates, checkpoints, and writes an approved code edit, then
// optionally opens a host review request.
func (w *Worker) applyEdit(ctx context.Context, st types.Subtask, edit *types.CodeEdit, rec *types.ExecutionRecord) error {
	if edit == nil || edit.TargetPath == "" {
		rec.FailureKind = types.FailureArtifactParse
		return errors.New("code edit missing target path")
	}
	full := filepath.Join(w.cfg.Workspace, edit.TargetPath)
	old, _ := os.ReadFile(full)

	if edit.OriginalHash != "" {
		if h := hashBytes(old); h != edit.OriginalHash {
			rec.FailureKind = types.FailureApply
			return fmt.Errorf("target %s changed since the edit was drafted", edit.TargetPath)
		}
	}

	change := safety.ProposedChange{
		Description:  st.Description,
		Files:        []string{edit.TargetPath},
		LinesChanged: lineDelta(string(old), edit.NewContent),
		HasTests:     isTestPath(edit.TargetPath),
	}
	ok, violations := w.safety.Validate(ctx, change)
	if !ok {
		rec.FailureKind = types.FailureSafetyViolation
		return fmt.Errorf("safety refused the change: %s", summarize(violations))
	}

	cp, err := w.safety.CreateCheckpoint(ctx, "before "+st.Description, map[string]string{"subtask": st.ID})
	if err != nil {
		rec.FailureKind = types.FailureVCS
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	rec.CheckpointID = cp.ID

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		rec.FailureKind = types.FailureApply
		return fmt.Errorf("apply failed: %w", err)
	}
	if err := os.WriteFile(full, []byte(edit.NewContent), 0644); err != nil {
		// Restore the pre-edit bytes on a partial write.
		if len(old) > 0 {
			os.WriteFile(full, old, 0644)
		}
		rec.FailureKind = types.FailureApply
		return fmt.Errorf("apply failed: %w", err)
	}
	w.safety.RecordOperation()

	if w.OpenReviewRequests && w.vcs != nil {
		rec.VCSNote = w.openReviewRequest(ctx, st, edit)
	}
	return nil
}

// openReviewRequest pushes the edit to a branch and opens a host review
// request. Any failure becomes a note on the record.
func (w *Worker) openReviewRequest(ctx context.Context, st types.Subtask, edit *types.CodeEdit) string {
	branch := vcs.BranchName(string(st.Role), st.Description, w.clock.Now())
	if err := w.vcs.CreateBranch(ctx, branch); err != nil {
		return fmt.Sprintf("branch creation failed: %v", err)
	}
	if _, err := w.vcs.Commit(ctx, []string{edit.TargetPath}, st.Description); err != nil {
		return fmt.Sprintf("commit failed: %v", err)
	}
	if err := w.vcs.Push(ctx, branch); err != nil {
		return fmt.Sprintf("push failed: %v", err)
	}
	rr, err := w.vcs.OpenReviewRequest(ctx, branch, st.Description, edit.Rationale, map[string]string{"subtask": st.ID})
	if err != nil {
		return fmt.Sprintf("review request failed: %v", err)
	}
	logging.Worker("opened review request #%d for %s", rr.Number, st.ID)
	return rr.URL
}

// remember writes the completion into memory and the learning engine.
func (w *Worker) remember(taskType string, st types.Subtask, constraints types.Constraints, rec types.ExecutionRecord) {
	if w.store != nil {
		tags := []string{"worker", strings.TrimPrefix(string(st.Role), "/")}
		outcome := "success"
		if !rec.Success {
			outcome = "failure"
		}
		tags = append(tags, outcome)
		// Work done inside an autonomous cycle is tagged with the loop marker
		// and the cycle id so one cycle's records are queryable as a unit.
		if cid := constraints.String("cycle_id"); cid != "" {
			tags = append(tags, "autonomous_loop", cid)
		}
		payload, _ := json.Marshal(rec)
		w.store.Append(memory.Record{
			Content:    string(payload),
			Summary:    fmt.Sprintf("%s %s: %s", st.Role, outcome, st.Description),
			Tags:       tags,
			Type:       memory.TypeTask,
			Importance: importanceFor(rec),
		})
	}
	if w.learn != nil {
		w.learn.Record(learning.Feedback{
			TaskType:    taskType,
			Role:        st.Role,
			Success:     rec.Success,
			FailureKind: rec.FailureKind,
			Duration:    rec.Duration,
			Cost:        rec.Cost,
			Timestamp:   rec.Timestamp,
		})
	}
}

// importanceFor grades a record: failures are worth remembering more than
// routine successes.
func importanceFor(rec types.ExecutionRecord) float64 {
	if !rec.Success {
		return 0.8
	}
	if rec.Artifact != nil && rec.Artifact.Kind == types.ArtifactCodeEdit {
		return 0.6
	}
	return 0.4
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func isTestPath(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, "_test.go") ||
		strings.HasPrefix(base, "test_") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.")
}

func summarize(violations []safety.Violation) string {
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = fmt.Sprintf("%s (%s)", v.Kind, strings.TrimPrefix(string(v.Level), "/"))
	}
	return strings.Join(parts, ", ")
}

// lineDelta counts lines that differ between two texts: a cheap two-pass
// set-difference rather than a real diff, good enough for size gating.
func lineDelta(oldText, newText string) int {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")
	oldCount := make(map[string]int, len(oldLines))
	for _, l := range oldLines {
		oldCount[l]++
	}
	added := 0
	for _, l := range newLines {
		if oldCount[l] > 0 {
			oldCount[l]--
		} else {
			added++
		}
	}
	removed := 0
	for _, n := range oldCount {
		removed += n
	}
	if oldText == "" {
		return len(newLines)
	}
	delta := added + removed
	if delta == 0 && oldText != newText {
		delta = 1
	}
	return delta
}
