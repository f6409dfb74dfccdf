// Package llm defines the oracle contract maestro consumes and the
// model-fallback chain built on top of it. The concrete vendor client is an
// external collaborator; anything implementing Client plugs in.
package llm

import (
	"context"
	"errors"
	"time"
)

// Params carries per-call parameters. Reasoning-class models take
// MaxCompletionTokens and ignore Temperature; general-class models take
// MaxTokens and a low temperature.
type Params struct {
	MaxTokens           int
	MaxCompletionTokens int
	Temperature         *float64
	ReasoningEffort     string
	Timeout             time.Duration
}

// Usage is the token accounting an oracle may report.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is one oracle answer.
type Completion struct {
	Text  string
	Usage *Usage
}

// Client is the LLM oracle contract. Implementations must honor context
// cancellation at the network layer.
type Client interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string, params Params) (Completion, error)
}

// Oracle error taxonomy. Implementations wrap these so the chain can
// classify failures without knowing the vendor.
var (
	ErrNotAvailable    = errors.New("llm: model not available")
	ErrTimeout         = errors.New("llm: request timed out")
	ErrRateLimited     = errors.New("llm: rate limited")
	ErrInvalidResponse = errors.New("llm: invalid response")
)

// Unavailable reports whether err is any oracle-side failure that should
// demote to the next model in the chain.
func Unavailable(err error) bool {
	return errors.Is(err, ErrNotAvailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInvalidResponse)
}
