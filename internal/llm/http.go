package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maestro/internal/logging"
)

// HTTPClient speaks the de facto chat-completions wire format. The base URL
// and key come from the environment so the binary carries no credentials.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a client. An empty baseURL defaults to the public
// endpoint shape; the key may be empty for local inference servers.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64      `json:"temperature,omitempty"`
	ReasoningEffort     string        `json:"reasoning_effort,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string, params Params) (Completion, error) {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:           params.MaxTokens,
		MaxCompletionTokens: params.MaxCompletionTokens,
		Temperature:         params.Temperature,
		ReasoningEffort:     params.ReasoningEffort,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return Completion{}, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return Completion{}, fmt.Errorf("%w: %s", ErrRateLimited, model)
	default:
		logging.APIWarn("model %s returned %d: %s", model, resp.StatusCode, firstLine(string(data)))
		return Completion{}, fmt.Errorf("%w: status %d", ErrNotAvailable, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if parsed.Error != nil {
		return Completion{}, fmt.Errorf("%w: %s", ErrInvalidResponse, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}

	out := Completion{Text: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
