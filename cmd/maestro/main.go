// maestro is an autonomous multi-agent orchestration engine: it decomposes
// commands into role-typed subtasks, executes them through a bounded worker
// pool behind a review gate and safety controller, and can run unattended
// improvement cycles over a repository.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"maestro/internal/config"
	"maestro/internal/learning"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/loop"
	"maestro/internal/memory"
	"maestro/internal/orchestrator"
	"maestro/internal/review"
	"maestro/internal/safety"
	"maestro/internal/types"
	"maestro/internal/vcs"
	"maestro/internal/worker"
)

// Exit codes. Anything infrastructure-shaped starts at 10.
const (
	exitSuccess       = 0
	exitPartial       = 1
	exitClarification = 2
	exitSafety        = 3
	exitEmergency     = 4
	exitBudget        = 5
	exitInfra         = 10
)

func main() {
	godotenv.Load()
	os.Exit(run())
}

func run() int {
	var exitCode int
	root := &cobra.Command{
		Use:           "maestro",
		Short:         "autonomous multi-agent orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")

	root.AddCommand(runCmd(&exitCode))
	root.AddCommand(loopCmd(&exitCode))
	root.AddCommand(stopCmd(&exitCode))
	root.AddCommand(clearStopCmd(&exitCode))
	root.AddCommand(statusCmd(&exitCode))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if exitCode == 0 {
			exitCode = exitInfra
		}
	}
	return exitCode
}

// app bundles the wired components.
type app struct {
	cfg    *config.Config
	store  *memory.Store
	learn  *learning.Engine
	safety *safety.Controller
	orch   *orchestrator.Orchestrator
	loop   *loop.Loop
}

func (a *app) close() {
	a.safety.Close()
	a.store.Close()
	logging.CloseAll()
}

// buildApp wires the full stack for a workspace.
func buildApp(workspace string, openReviewRequests bool) (*app, error) {
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	if err := logging.Initialize(workspace); err != nil {
		return nil, fmt.Errorf("logging init failed: %w", err)
	}

	journalPath := cfg.Memory.JournalPath
	if journalPath == "" {
		journalPath = filepath.Join(workspace, ".maestro", "memory.ndjson")
	}
	archivePath := cfg.Memory.ArchivePath
	if archivePath == "" {
		archivePath = filepath.Join(workspace, ".maestro", "archive.db")
	}
	store, err := memory.NewStore(memory.Options{
		MaxRecords:      cfg.Memory.MaxRecords,
		JournalPath:     journalPath,
		JournalCapBytes: cfg.Memory.JournalCapBytes,
		ArchivePath:     archivePath,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	learn := learning.NewEngine(learning.Config{
		MaxHistory:    cfg.Learning.HistorySize,
		LearningRate:  cfg.Learning.LearningRate,
		MinConfidence: cfg.Learning.MinConfidence,
		MaxPatterns:   cfg.Learning.MaxPatterns,
		MatchFloor:    cfg.Learning.PatternMatchThreshold,
		Path:          filepath.Join(workspace, ".maestro", "patterns.json"),
	}, nil)

	git := vcs.NewGit(workspace, 30*time.Second, nil)
	controller, err := safety.NewController(git, nil, workspace, safety.Config{
		MaxChangeSize:        cfg.Safety.MaxChangeSize,
		MaxOperationsPerHour: cfg.Safety.MaxOperationsPerHour,
		RequireTests:         cfg.Safety.RequireTests,
		CriticalGlobs:        cfg.Safety.CriticalGlobs,
	})
	if err != nil {
		return nil, fmt.Errorf("safety controller init failed: %w", err)
	}
	if err := controller.WatchMarker(); err != nil {
		logging.BootError("stop marker watcher unavailable: %v", err)
	}

	client := llm.NewHTTPClient(os.Getenv("MAESTRO_API_BASE"), os.Getenv("MAESTRO_API_KEY"))
	reviewer := review.New(buildReviewChain(cfg, client), cfg.Review.AutoApproveThreshold)

	w := worker.New(cfg, client, store, reviewer, controller, git, learn, nil)
	w.OpenReviewRequests = openReviewRequests
	pool := worker.NewPool(w, cfg.Pool, nil)

	orch := orchestrator.New(cfg, nil, pool, controller, store, learn, nil)
	l := loop.New(cfg, orch, controller, store, learn, nil)

	logging.Boot("maestro ready in %s (workers=%d budget=%.2f)", workspace, cfg.Pool.MaxWorkers, cfg.Pool.BudgetLimit)
	return &app{cfg: cfg, store: store, learn: learn, safety: controller, orch: orch, loop: l}, nil
}

// buildReviewChain always uses the capable chain; the reviewer gates
// everything else.
func buildReviewChain(cfg *config.Config, client llm.Client) *llm.Chain {
	models := make([]llm.Model, len(cfg.LLM.CapableChain))
	for i, s := range cfg.LLM.CapableChain {
		models[i] = llm.Model{Name: s.Name, Reasoning: s.Reasoning}
	}
	return llm.NewChain(client, models, llm.ChainConfig{
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		Timeout:         cfg.LLM.Timeout,
		CostPer1KTokens: cfg.LLM.CostPer1KTokens,
	})
}

func runCmd(exitCode *int) *cobra.Command {
	var constraintPairs []string
	var openRR bool
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "orchestrate a single command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, _ := cmd.Flags().GetString("workspace")
			a, err := buildApp(ws, openRR)
			if err != nil {
				*exitCode = exitInfra
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			command := args[0]
			constraints := parseConstraints(constraintPairs)
			res, err := a.orch.Orchestrate(ctx, command, constraints)

			switch {
			case errors.Is(err, orchestrator.ErrClarificationRequired):
				for _, e := range res.Errors {
					fmt.Fprintln(os.Stderr, e)
				}
				*exitCode = exitClarification
				return nil
			case errors.Is(err, orchestrator.ErrEmergencyStopped):
				fmt.Fprintln(os.Stderr, "emergency stop active; run `maestro clear-stop` first")
				*exitCode = exitEmergency
				return nil
			case err != nil:
				*exitCode = exitInfra
				return err
			}

			fmt.Println(res.FinalReport)
			*exitCode = classify(res)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&constraintPairs, "constraint", "c", nil, "constraint as key=value (repeatable)")
	cmd.Flags().BoolVar(&openRR, "open-review-requests", false, "push approved edits and open host review requests")
	return cmd
}

// classify maps a finished result onto an exit code, most severe first.
func classify(res *types.OrchestrationResult) int {
	for _, rec := range res.Results {
		if rec.FailureKind == types.FailureSafetyViolation {
			return exitSafety
		}
	}
	for _, rec := range res.Results {
		if rec.FailureKind == types.FailureBudgetExceeded {
			return exitBudget
		}
	}
	if res.Success {
		return exitSuccess
	}
	return exitPartial
}

func loopCmd(exitCode *int) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "run autonomous improvement cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, _ := cmd.Flags().GetString("workspace")
			a, err := buildApp(ws, false)
			if err != nil {
				*exitCode = exitInfra
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			if once {
				res, err := a.loop.RunCycle(ctx)
				if errors.Is(err, loop.ErrStopped) {
					*exitCode = exitEmergency
					return nil
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					*exitCode = exitInfra
					return err
				}
				fmt.Printf("cycle %s: %d opportunities, %d selected, %d succeeded, %d failed\n",
					res.CycleID, res.Opportunities, res.Selected, res.Succeeded, res.Failed)
				if res.Failed > 0 {
					*exitCode = exitPartial
				}
				return nil
			}

			err = a.loop.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, loop.ErrStopped) {
				*exitCode = exitEmergency
				return nil
			}
			if err != nil {
				*exitCode = exitInfra
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func stopCmd(exitCode *int) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "activate the emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, _ := cmd.Flags().GetString("workspace")
			a, err := buildApp(ws, false)
			if err != nil {
				*exitCode = exitInfra
				return err
			}
			defer a.close()
			if err := a.safety.ActivateEmergencyStop(reason); err != nil {
				*exitCode = exitInfra
				return err
			}
			fmt.Println("emergency stop activated")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "stop reason")
	return cmd
}

func clearStopCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-stop",
		Short: "clear the emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, _ := cmd.Flags().GetString("workspace")
			a, err := buildApp(ws, false)
			if err != nil {
				*exitCode = exitInfra
				return err
			}
			defer a.close()
			if err := a.safety.ClearEmergencyStop("operator request"); err != nil {
				*exitCode = exitInfra
				return err
			}
			fmt.Println("emergency stop cleared")
			return nil
		},
	}
}

func statusCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print controller health and learned patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, _ := cmd.Flags().GetString("workspace")
			a, err := buildApp(ws, false)
			if err != nil {
				*exitCode = exitInfra
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			out := map[string]interface{}{
				"health":       a.safety.HealthSnapshot(ctx),
				"loop_state":   a.loop.State(),
				"memory_size":  a.store.Len(),
				"patterns":     a.learn.Patterns(),
				"max_workers":  a.cfg.Pool.MaxWorkers,
				"budget_limit": a.cfg.Pool.BudgetLimit,
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

// parseConstraints turns key=value pairs into a constraint map. Bare keys
// become boolean true; numeric values stay strings and are coerced by the
// typed accessors where relevant.
func parseConstraints(pairs []string) types.Constraints {
	if len(pairs) == 0 {
		return nil
	}
	c := make(types.Constraints, len(pairs))
	for _, p := range pairs {
		k, v, found := cutPair(p)
		if !found {
			c[k] = true
			continue
		}
		switch v {
		case "true":
			c[k] = true
		case "false":
			c[k] = false
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				c[k] = f
			} else {
				c[k] = v
			}
		}
	}
	return c
}

func cutPair(p string) (string, string, bool) {
	if i := strings.IndexByte(p, '='); i >= 0 {
		return p[:i], p[i+1:], true
	}
	return p, "", false
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
