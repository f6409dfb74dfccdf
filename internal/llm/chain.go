package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maestro/internal/logging"
)

// Model describes one entry in a fallback chain.
type Model struct {
	Name string
	// Reasoning models take max_completion_tokens and omit custom temperature.
	Reasoning bool
}

// ChainConfig tunes a fallback chain.
type ChainConfig struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	// CostPer1KTokens prices reported usage. When the oracle reports no
	// usage, cost is estimated from byte length at ~4 bytes per token.
	CostPer1KTokens float64
}

// DefaultChainConfig returns the parameters used when a zero config is given.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		MaxTokens:       4096,
		Temperature:     0.2,
		Timeout:         60 * time.Second,
		CostPer1KTokens: 0.01,
	}
}

// Result is the outcome of one chain invocation.
type Result struct {
	Text      string
	ModelUsed string
	Cost      float64
}

// Chain tries an ordered list of models until one returns a non-empty body.
// A failing model is demoted for the current call only; the next call starts
// at the top again.
type Chain struct {
	client Client
	models []Model
	cfg    ChainConfig
}

// NewChain builds a fallback chain over client.
func NewChain(client Client, models []Model, cfg ChainConfig) *Chain {
	if cfg.MaxTokens == 0 {
		def := DefaultChainConfig()
		if cfg.Temperature == 0 {
			cfg.Temperature = def.Temperature
		}
		cfg.MaxTokens = def.MaxTokens
		if cfg.Timeout == 0 {
			cfg.Timeout = def.Timeout
		}
		if cfg.CostPer1KTokens == 0 {
			cfg.CostPer1KTokens = def.CostPer1KTokens
		}
	}
	return &Chain{client: client, models: models, cfg: cfg}
}

// Models exposes the chain order, primarily for logging and tests.
func (c *Chain) Models() []Model { return c.models }

// MaxCallCost is the admission-control bound on a single call's cost:
// a full completion at max_tokens plus a same-sized prompt.
func (c *Chain) MaxCallCost() float64 {
	return float64(2*c.cfg.MaxTokens) / 1000.0 * c.cfg.CostPer1KTokens
}

// Complete walks the chain until a model produces a non-empty body.
// Exhaustion returns the last error wrapped as ErrNotAvailable.
func (c *Chain) Complete(ctx context.Context, systemPrompt, userPrompt string) (Result, error) {
	if len(c.models) == 0 {
		return Result{}, fmt.Errorf("%w: empty chain", ErrNotAvailable)
	}

	var lastErr error
	for _, m := range c.models {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		params := Params{Timeout: c.cfg.Timeout}
		if m.Reasoning {
			params.MaxCompletionTokens = c.cfg.MaxTokens
		} else {
			params.MaxTokens = c.cfg.MaxTokens
			temp := c.cfg.Temperature
			params.Temperature = &temp
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		comp, err := c.client.Complete(callCtx, m.Name, systemPrompt, userPrompt, params)
		cancel()
		if err != nil {
			logging.APIWarn("model %s failed, demoting: %v", m.Name, err)
			lastErr = err
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			continue
		}
		if strings.TrimSpace(comp.Text) == "" {
			logging.APIWarn("model %s returned empty body, demoting", m.Name)
			lastErr = fmt.Errorf("%w: empty body from %s", ErrInvalidResponse, m.Name)
			continue
		}

		cost := c.cost(userPrompt, comp)
		logging.APIDebug("model %s completed: %d bytes, cost %.4f", m.Name, len(comp.Text), cost)
		return Result{Text: comp.Text, ModelUsed: m.Name, Cost: cost}, nil
	}

	return Result{}, fmt.Errorf("%w: chain exhausted: %v", ErrNotAvailable, lastErr)
}

// cost prices a completion from reported usage, falling back to a byte
// estimate at ~4 bytes per token.
func (c *Chain) cost(prompt string, comp Completion) float64 {
	if comp.Usage != nil {
		tokens := comp.Usage.PromptTokens + comp.Usage.CompletionTokens
		return float64(tokens) / 1000.0 * c.cfg.CostPer1KTokens
	}
	estTokens := (len(prompt) + len(comp.Text)) / 4
	return float64(estTokens) / 1000.0 * c.cfg.CostPer1KTokens
}
