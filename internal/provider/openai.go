package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmespath-community/go-jmespath"

	"github.com/plangate/plangate/internal/plan"
)

// argumentsPath locates the function-call arguments in a chat completion.
const argumentsPath = "choices[0].message.function_call.arguments"

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 4 << 20

// OpenAI calls a chat-completions endpoint with a single forced function.
type OpenAI struct {
	baseURL string
	apiKey  string
	prompt  *Prompt
	client  *http.Client
}

// OpenAIOptions configures NewOpenAI.
type OpenAIOptions struct {
	BaseURL string        // Required: e.g. https://api.openai.com/v1
	APIKey  string        // Required: bearer token
	Model   string        // Optional: overrides the prompt's model
	Prompt  *Prompt       // Optional: defaults to DefaultPrompt()
	Timeout time.Duration // Optional: per-request HTTP timeout
	Client  *http.Client  // Optional: custom transport (tests)
}

// NewOpenAI builds an OpenAI provider.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("openai: base URL is required")
	}
	if opts.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	p := opts.Prompt
	if p == nil {
		var err error
		if p, err = DefaultPrompt(); err != nil {
			return nil, err
		}
	}
	if opts.Model != "" {
		cp := *p
		cp.Model = opts.Model
		p = &cp
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &OpenAI{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		prompt:  p,
		client:  client,
	}, nil
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model        string            `json:"model"`
	Messages     []Message         `json:"messages"`
	Functions    []chatFunction    `json:"functions"`
	FunctionCall map[string]string `json:"function_call"`
	Temperature  float64           `json:"temperature"`
}

// Generate sends the answers to the model and validates the returned plan.
// The caller bounds the call through ctx.
func (o *OpenAI) Generate(ctx context.Context, answers json.RawMessage) (*plan.Plan, error) {
	body, err := json.Marshal(chatRequest{
		Model:    o.prompt.Model,
		Messages: o.prompt.Render(answers),
		Functions: []chatFunction{{
			Name:        o.prompt.Function.Name,
			Description: o.prompt.Function.Description,
			Parameters:  plan.FunctionParameters(),
		}},
		FunctionCall: map[string]string{"name": o.prompt.Function.Name},
		Temperature:  o.prompt.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: non-2xx status: %d", ErrUpstream, resp.StatusCode)
	}

	args, err := o.extractArguments(raw)
	if err != nil {
		return nil, err
	}
	p, err := plan.Parse([]byte(args))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return p, nil
}

// extractArguments pulls the function-call arguments string out of a completion.
func (o *OpenAI) extractArguments(raw []byte) (string, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrUpstream, err)
	}
	v, err := jmespath.Search(argumentsPath, data)
	if err != nil {
		return "", fmt.Errorf("%w: search response: %w", ErrUpstream, err)
	}
	args, ok := v.(string)
	if !ok || strings.TrimSpace(args) == "" {
		return "", fmt.Errorf("%w: response has no function call arguments", ErrUpstream)
	}
	return args, nil
}
