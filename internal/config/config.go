// Package config holds maestro configuration: defaults, the workspace config
// file (.maestro/config.json), an optional user-level YAML overlay, env
// overrides, and the constraint-map application used at orchestrate time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all maestro configuration.
type Config struct {
	Workspace string `json:"-" yaml:"-"`

	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Pool     PoolConfig     `json:"pool" yaml:"pool"`
	Safety   SafetyConfig   `json:"safety" yaml:"safety"`
	Review   ReviewConfig   `json:"review" yaml:"review"`
	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	Learning LearningConfig `json:"learning" yaml:"learning"`
	Loop     LoopConfig     `json:"loop" yaml:"loop"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ModelSpec names one model in a fallback chain.
type ModelSpec struct {
	Name string `json:"name" yaml:"name"`
	// Reasoning models take max_completion_tokens and no custom temperature.
	Reasoning bool `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
}

// LLMConfig configures the fallback chains and call parameters.
type LLMConfig struct {
	// FastChain serves coding roles and urgent timelines.
	FastChain []ModelSpec `json:"fast_chain" yaml:"fast_chain"`
	// CapableChain serves planning and reviewer roles.
	CapableChain []ModelSpec `json:"capable_chain" yaml:"capable_chain"`

	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `json:"temperature" yaml:"temperature"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`

	// Cost per 1k tokens used when the oracle reports usage; byte-length
	// estimation applies otherwise.
	CostPer1KTokens float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	MaxWorkers       int           `json:"max_workers" yaml:"max_workers"`
	BudgetLimit      float64       `json:"budget_limit" yaml:"budget_limit"`
	ProgressInterval time.Duration `json:"progress_interval" yaml:"progress_interval"`
}

// SafetyConfig configures the safety controller.
type SafetyConfig struct {
	Level                string  `json:"level" yaml:"level"` // low, medium, high
	MaxChangeSize        int     `json:"max_change_size" yaml:"max_change_size"`
	MaxOperationsPerHour int     `json:"max_operations_per_hour" yaml:"max_operations_per_hour"`
	RequireTests         bool    `json:"require_tests" yaml:"require_tests"`
	SuccessThreshold     float64 `json:"success_threshold" yaml:"success_threshold"`
	// CriticalGlobs are treated as critical-file warnings when touched.
	CriticalGlobs []string `json:"critical_globs,omitempty" yaml:"critical_globs,omitempty"`
}

// ReviewConfig configures the reviewer gate.
type ReviewConfig struct {
	AutoApproveThreshold float64 `json:"auto_approve_threshold" yaml:"auto_approve_threshold"`
}

// MemoryConfig configures the memory store.
type MemoryConfig struct {
	MaxRecords  int    `json:"max_records" yaml:"max_records"`
	JournalPath string `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`
	ArchivePath string `json:"archive_path,omitempty" yaml:"archive_path,omitempty"`
	// JournalCapBytes triggers compaction of the NDJSON journal.
	JournalCapBytes int64 `json:"journal_cap_bytes" yaml:"journal_cap_bytes"`
}

// LearningConfig configures the feedback engine.
type LearningConfig struct {
	HistorySize           int     `json:"history_size" yaml:"history_size"`
	LearningRate          float64 `json:"learning_rate" yaml:"learning_rate"`
	MinConfidence         float64 `json:"min_confidence_threshold" yaml:"min_confidence_threshold"`
	MaxPatterns           int     `json:"max_patterns" yaml:"max_patterns"`
	PatternMatchThreshold float64 `json:"pattern_match_threshold" yaml:"pattern_match_threshold"`
}

// LoopConfig configures the autonomous loop.
type LoopConfig struct {
	ScanInterval     time.Duration `json:"scan_interval" yaml:"scan_interval"`
	TopOpportunities int           `json:"top_opportunities" yaml:"top_opportunities"`
	IgnorePaths      []string      `json:"ignore_paths,omitempty" yaml:"ignore_paths,omitempty"`
}

// LoggingConfig mirrors the logging package's expectations.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode" yaml:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty" yaml:"categories,omitempty"`
	Level      string          `json:"level" yaml:"level"`
	JSONFormat bool            `json:"json_format" yaml:"json_format"`
}

// Default returns the built-in configuration for a workspace.
func Default(workspace string) *Config {
	return &Config{
		Workspace: workspace,
		LLM: LLMConfig{
			FastChain: []ModelSpec{
				{Name: "swift-coder-1"},
				{Name: "swift-coder-mini"},
				{Name: "utility-general"},
			},
			CapableChain: []ModelSpec{
				{Name: "deep-planner-1", Reasoning: true},
				{Name: "swift-coder-1"},
				{Name: "utility-general"},
			},
			MaxTokens:       4096,
			Temperature:     0.2,
			Timeout:         60 * time.Second,
			CostPer1KTokens: 0.01,
		},
		Pool: PoolConfig{
			MaxWorkers:       5,
			BudgetLimit:      10.0,
			ProgressInterval: 5 * time.Second,
		},
		Safety: SafetyConfig{
			Level:                "medium",
			MaxChangeSize:        100,
			MaxOperationsPerHour: 60,
			SuccessThreshold:     0.8,
			CriticalGlobs: []string{
				"go.mod", "go.sum", "package.json", "package-lock.json",
				"Cargo.toml", "Cargo.lock", "requirements.txt", "Makefile",
				".git/*", ".env", ".env.*", "*.lock",
			},
		},
		Review: ReviewConfig{AutoApproveThreshold: 0.85},
		Memory: MemoryConfig{
			MaxRecords:      10000,
			JournalCapBytes: 32 << 20,
		},
		Learning: LearningConfig{
			HistorySize:           800,
			LearningRate:          0.05,
			MinConfidence:         0.3,
			MaxPatterns:           100,
			PatternMatchThreshold: 0.7,
		},
		Loop: LoopConfig{
			ScanInterval:     30 * time.Minute,
			TopOpportunities: 3,
			IgnorePaths:      []string{".git", ".maestro", "node_modules", "vendor"},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the effective configuration: defaults, then the workspace
// config file, then the user YAML overlay, then env overrides.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)

	path := filepath.Join(workspace, ".maestro", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".maestro.yaml")
		if data, err := os.ReadFile(userPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", userPath, err)
			}
		}
	}

	cfg.Workspace = workspace
	applyEnvOverrides(cfg)
	cfg.clampPool()
	return cfg, nil
}

// Save writes the workspace config file.
func (c *Config) Save() error {
	dir := filepath.Join(c.Workspace, ".maestro")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAESTRO_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxWorkers = n
		}
	}
	if v := os.Getenv("MAESTRO_BUDGET_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pool.BudgetLimit = f
		}
	}
	if v := os.Getenv("MAESTRO_SAFETY_LEVEL"); v != "" {
		cfg.Safety.Level = v
	}
	if v := os.Getenv("MAESTRO_DEBUG"); v == "1" || v == "true" {
		cfg.Logging.DebugMode = true
	}
}

// MaxWorkersHardCap bounds the pool semaphore regardless of configuration.
const MaxWorkersHardCap = 50

func (c *Config) clampPool() {
	if c.Pool.MaxWorkers < 1 {
		c.Pool.MaxWorkers = 1
	}
	if c.Pool.MaxWorkers > MaxWorkersHardCap {
		c.Pool.MaxWorkers = MaxWorkersHardCap
	}
}
