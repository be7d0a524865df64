package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/keel/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 8192
)

// MessagesClient is the subset of the Anthropic SDK the planner uses,
// narrowed so tests can stub the wire.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Pricing converts token counts into dollars. Rates are per million tokens;
// zero rates yield zero cost.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the dollar cost of a token sample under these rates.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*p.InputPerMTok +
		float64(outputTokens)/1e6*p.OutputPerMTok
}

// AnthropicPlanner extracts plans from the Anthropic Messages API by
// advertising a single submit_plan tool and forcing the model to call it.
type AnthropicPlanner struct {
	client    MessagesClient
	model     string
	maxTokens int64
	pricing   Pricing
	logger    *slog.Logger
}

// AnthropicOption configures an AnthropicPlanner.
type AnthropicOption func(*AnthropicPlanner)

// WithAnthropicModel overrides the model identifier.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicPlanner) {
		if model != "" {
			p.model = model
		}
	}
}

// WithAnthropicMaxTokens overrides the response token ceiling.
func WithAnthropicMaxTokens(n int64) AnthropicOption {
	return func(p *AnthropicPlanner) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// WithAnthropicPricing sets per-million-token rates for cost accounting.
func WithAnthropicPricing(pricing Pricing) AnthropicOption {
	return func(p *AnthropicPlanner) { p.pricing = pricing }
}

// WithAnthropicLogger overrides the planner's logger.
func WithAnthropicLogger(logger *slog.Logger) AnthropicOption {
	return func(p *AnthropicPlanner) {
		if logger != nil {
			p.logger = logger.With("component", "planner.anthropic")
		}
	}
}

// NewAnthropicPlanner builds a planner over the default Anthropic HTTP
// client using the given API key.
func NewAnthropicPlanner(apiKey string, opts ...AnthropicOption) (*AnthropicPlanner, error) {
	if apiKey == "" {
		return nil, errors.New("planner: anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicPlannerWithClient(&client.Messages, opts...)
}

// NewAnthropicPlannerWithClient builds a planner over an existing messages
// client. Tests inject stubs here.
func NewAnthropicPlannerWithClient(client MessagesClient, opts ...AnthropicOption) (*AnthropicPlanner, error) {
	if client == nil {
		return nil, errors.New("planner: anthropic messages client is required")
	}
	p := &AnthropicPlanner{
		client:    client,
		model:     defaultAnthropicModel,
		maxTokens: defaultAnthropicMaxTokens,
		logger:    slog.Default().With("component", "planner.anthropic"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Provider implements the Provider metrics label.
func (p *AnthropicPlanner) Provider() string { return "anthropic" }

// GeneratePlan issues one non-streaming Messages call with tool choice
// pinned to submit_plan and decodes the tool input as the plan.
func (p *AnthropicPlanner) GeneratePlan(ctx context.Context, req Request) (*Response, error) {
	if req.Task.Text == "" {
		return nil, ErrEmptyTask
	}
	schema, err := planJSONSchema()
	if err != nil {
		return nil, err
	}

	tool := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{ExtraFields: schema}, submitPlanTool)
	if tool.OfTool != nil {
		tool.OfTool.Description = anthropic.String("Submit the final plan for the task. Call exactly once.")
	}

	params := anthropic.MessageNewParams{
		MaxTokens:  p.maxTokens,
		Model:      anthropic.Model(p.model),
		System:     []anthropic.TextBlockParam{{Text: buildSystemPrompt(req)}},
		Messages:   []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(buildUserPrompt(req)))},
		Tools:      []anthropic.ToolUnionParam{tool},
		ToolChoice: anthropic.ToolChoiceParamOfTool(submitPlanTool),
	}

	msg, err := p.client.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("planner: anthropic messages.new: %w", err)
	}
	if msg == nil {
		return nil, ErrNoPlan
	}

	resp := &Response{
		Usage: models.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
			CostUSD:      p.pricing.Cost(msg.Usage.InputTokens, msg.Usage.OutputTokens),
			PlannerCalls: 1,
		},
	}

	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != submitPlanTool {
			continue
		}
		plan, err := decodePlanPayload([]byte(block.Input))
		if err != nil {
			return nil, err
		}
		if err := NormalizePlan(&plan, req.Tools, req.Options.MaxSteps); err != nil {
			return nil, err
		}
		resp.Plan = plan
		p.logger.Debug("plan received",
			"model", p.model,
			"steps", len(plan.Steps),
			"input_tokens", msg.Usage.InputTokens,
			"output_tokens", msg.Usage.OutputTokens)
		return resp, nil
	}
	return nil, fmt.Errorf("%w: stop_reason=%s", ErrNoPlan, msg.StopReason)
}
