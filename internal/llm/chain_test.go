package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// scriptedClient answers per model name.
type scriptedClient struct {
	responses map[string]Completion
	errs      map[string]error
	calls     []string
	gotParams map[string]Params
}

func (c *scriptedClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string, params Params) (Completion, error) {
	c.calls = append(c.calls, model)
	if c.gotParams == nil {
		c.gotParams = make(map[string]Params)
	}
	c.gotParams[model] = params
	if err := c.errs[model]; err != nil {
		return Completion{}, err
	}
	return c.responses[model], nil
}

func TestChainUsesFirstHealthyModel(t *testing.T) {
	client := &scriptedClient{
		responses: map[string]Completion{"primary": {Text: "answer"}},
	}
	chain := NewChain(client, []Model{{Name: "primary"}, {Name: "secondary"}}, ChainConfig{})

	res, err := chain.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.ModelUsed != "primary" {
		t.Errorf("ModelUsed = %q, want primary", res.ModelUsed)
	}
	if len(client.calls) != 1 {
		t.Errorf("calls = %v, want only primary", client.calls)
	}
}

func TestChainDemotesOnFailureAndEmptyBody(t *testing.T) {
	client := &scriptedClient{
		responses: map[string]Completion{
			"secondary": {Text: "   "},
			"tertiary":  {Text: "late but real"},
		},
		errs: map[string]error{"primary": fmt.Errorf("%w: down", ErrNotAvailable)},
	}
	chain := NewChain(client, []Model{{Name: "primary"}, {Name: "secondary"}, {Name: "tertiary"}}, ChainConfig{})

	res, err := chain.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.ModelUsed != "tertiary" {
		t.Errorf("ModelUsed = %q, want tertiary", res.ModelUsed)
	}
	want := []string{"primary", "secondary", "tertiary"}
	if strings.Join(client.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", client.calls, want)
	}
}

func TestChainExhaustionReportsUnavailable(t *testing.T) {
	client := &scriptedClient{
		errs: map[string]error{
			"a": fmt.Errorf("%w: down", ErrNotAvailable),
			"b": fmt.Errorf("%w: slow", ErrTimeout),
		},
	}
	chain := NewChain(client, []Model{{Name: "a"}, {Name: "b"}}, ChainConfig{})

	_, err := chain.Complete(context.Background(), "sys", "user")
	if !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("err = %v, want ErrNotAvailable", err)
	}
	if !Unavailable(err) {
		t.Error("chain exhaustion must classify as unavailable")
	}
}

func TestChainParamsByModelClass(t *testing.T) {
	client := &scriptedClient{
		responses: map[string]Completion{"thinker": {Text: "ok"}, "doer": {Text: "ok"}},
	}
	cfg := ChainConfig{MaxTokens: 2048, Temperature: 0.3}

	NewChain(client, []Model{{Name: "thinker", Reasoning: true}}, cfg).Complete(context.Background(), "s", "u")
	p := client.gotParams["thinker"]
	if p.MaxCompletionTokens != 2048 || p.MaxTokens != 0 || p.Temperature != nil {
		t.Errorf("reasoning params = %+v, want max_completion_tokens only", p)
	}

	NewChain(client, []Model{{Name: "doer"}}, cfg).Complete(context.Background(), "s", "u")
	p = client.gotParams["doer"]
	if p.MaxTokens != 2048 || p.Temperature == nil || *p.Temperature != 0.3 {
		t.Errorf("general params = %+v, want max_tokens and temperature", p)
	}
}

func TestChainCostFromUsageAndEstimate(t *testing.T) {
	cfg := ChainConfig{MaxTokens: 4096, Temperature: 0.2, CostPer1KTokens: 0.01}

	withUsage := &scriptedClient{responses: map[string]Completion{
		"m": {Text: "x", Usage: &Usage{PromptTokens: 700, CompletionTokens: 300}},
	}}
	res, err := NewChain(withUsage, []Model{{Name: "m"}}, cfg).Complete(context.Background(), "s", "u")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got, want := res.Cost, 0.01; got != want {
		t.Errorf("usage-based cost = %f, want %f", got, want)
	}

	noUsage := &scriptedClient{responses: map[string]Completion{
		"m": {Text: strings.Repeat("a", 4000)},
	}}
	res, err = NewChain(noUsage, []Model{{Name: "m"}}, cfg).Complete(context.Background(), "sys", strings.Repeat("b", 4000))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Cost <= 0 {
		t.Error("byte-length estimate must price the call above zero")
	}
	if res.Cost > NewChain(noUsage, []Model{{Name: "m"}}, cfg).MaxCallCost() {
		t.Errorf("estimated cost %f exceeds the per-call bound", res.Cost)
	}
}

func TestChainHonorsCancellation(t *testing.T) {
	client := &scriptedClient{responses: map[string]Completion{"m": {Text: "never"}}}
	chain := NewChain(client, []Model{{Name: "m"}}, ChainConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := chain.Complete(ctx, "sys", "user")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(client.calls) != 0 {
		t.Error("no model may be called after cancellation")
	}
}
