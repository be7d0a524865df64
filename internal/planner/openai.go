package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/keel/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// ChatCompleter is the subset of the OpenAI SDK the planner uses, narrowed
// so tests can stub the wire.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIPlanner extracts plans from the OpenAI chat completions API by
// advertising a single submit_plan function and forcing the model to call it.
type OpenAIPlanner struct {
	client  ChatCompleter
	model   string
	pricing Pricing
	logger  *slog.Logger
}

// OpenAIOption configures an OpenAIPlanner.
type OpenAIOption func(*OpenAIPlanner)

// WithOpenAIModel overrides the model identifier.
func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIPlanner) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOpenAIPricing sets per-million-token rates for cost accounting.
func WithOpenAIPricing(pricing Pricing) OpenAIOption {
	return func(p *OpenAIPlanner) { p.pricing = pricing }
}

// WithOpenAILogger overrides the planner's logger.
func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(p *OpenAIPlanner) {
		if logger != nil {
			p.logger = logger.With("component", "planner.openai")
		}
	}
}

// NewOpenAIPlanner builds a planner over the default OpenAI HTTP client
// using the given API key.
func NewOpenAIPlanner(apiKey string, opts ...OpenAIOption) (*OpenAIPlanner, error) {
	if apiKey == "" {
		return nil, errors.New("planner: openai api key is required")
	}
	return NewOpenAIPlannerWithClient(openai.NewClient(apiKey), opts...)
}

// NewOpenAIPlannerWithClient builds a planner over an existing chat client.
// Tests inject stubs here.
func NewOpenAIPlannerWithClient(client ChatCompleter, opts ...OpenAIOption) (*OpenAIPlanner, error) {
	if client == nil {
		return nil, errors.New("planner: openai client is required")
	}
	p := &OpenAIPlanner{
		client: client,
		model:  defaultOpenAIModel,
		logger: slog.Default().With("component", "planner.openai"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Provider implements the Provider metrics label.
func (p *OpenAIPlanner) Provider() string { return "openai" }

// GeneratePlan issues one chat completion with tool choice pinned to
// submit_plan and decodes the function arguments as the plan.
func (p *OpenAIPlanner) GeneratePlan(ctx context.Context, req Request) (*Response, error) {
	if req.Task.Text == "" {
		return nil, ErrEmptyTask
	}
	schema, err := planJSONSchema()
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        submitPlanTool,
				Description: "Submit the final plan for the task. Call exactly once.",
				Parameters:  schema,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: submitPlanTool},
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("planner: openai chat completion: %w", err)
	}

	out := &Response{
		Usage: models.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
			CostUSD:      p.pricing.Cost(int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)),
			PlannerCalls: 1,
		},
	}

	for _, choice := range resp.Choices {
		for _, call := range choice.Message.ToolCalls {
			if call.Function.Name != submitPlanTool {
				continue
			}
			plan, err := decodePlanPayload([]byte(call.Function.Arguments))
			if err != nil {
				return nil, err
			}
			if err := NormalizePlan(&plan, req.Tools, req.Options.MaxSteps); err != nil {
				return nil, err
			}
			out.Plan = plan
			p.logger.Debug("plan received",
				"model", p.model,
				"steps", len(plan.Steps),
				"input_tokens", resp.Usage.PromptTokens,
				"output_tokens", resp.Usage.CompletionTokens)
			return out, nil
		}
	}
	return nil, ErrNoPlan
}
