package llm

import (
	"context"

	"github.com/shopspring/decimal"
)

// Provider is the interface the runner drives. Implementations translate the
// conversation to a wire format, call the model, and return a ProviderError
// from the classify package on non-success responses.
type Provider interface {
	// Complete sends the conversation and returns the model's reply.
	Complete(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error)

	// Model returns the model identifier requests are sent to.
	Model() string
}

// Message is one conversation entry.
type Message struct {
	Role    Role
	Content string

	// ToolCalls are set on assistant messages that requested tools.
	ToolCalls []ToolCall

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string
}

// Role identifies the message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Response is the result of one completion.
type Response struct {
	Text      string
	ToolCalls []ToolCall

	InputTokens  int
	OutputTokens int

	// Cache token counts (Anthropic prompt caching)
	CacheCreationInputTokens int
	CacheReadInputTokens     int

	// Spend in USD
	Spend decimal.Decimal

	LatencyMs    int64
	FinishReason StopReason
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopReasonEnd     StopReason = "end_turn"
	StopReasonToolUse StopReason = "tool_use"
	StopReasonLength  StopReason = "max_tokens"
	StopReasonStop    StopReason = "stop_sequence"
)

// ToolSchema describes a tool for the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// DefaultContextWindow is used for models missing from the pricing table.
const DefaultContextWindow = 200000

type modelInfo struct {
	InputPer1M    decimal.Decimal
	OutputPer1M   decimal.Decimal
	ContextWindow int
}

func price(in, out string) modelInfo {
	return modelInfo{
		InputPer1M:    decimal.RequireFromString(in),
		OutputPer1M:   decimal.RequireFromString(out),
		ContextWindow: DefaultContextWindow,
	}
}

// Model pricing (USD per 1M tokens) and context windows.
var models = map[string]modelInfo{
	"claude-sonnet-4-20250514":   price("3.00", "15.00"),
	"claude-opus-4-20250514":     price("15.00", "75.00"),
	"claude-3-5-sonnet-20241022": price("3.00", "15.00"),
	"claude-3-5-haiku-20241022":  price("0.80", "4.00"),
	"claude-3-opus-20240229":     price("15.00", "75.00"),
	"claude-3-haiku-20240307":    price("0.25", "1.25"),
}

var (
	million        = decimal.NewFromInt(1_000_000)
	cacheWriteRate = decimal.RequireFromString("1.25")
	cacheReadRate  = decimal.RequireFromString("0.10")
)

// CalculateCost prices a request including prompt cache tokens. Cache
// writes cost 125% of the input price; cache reads cost 10%.
func CalculateCost(model string, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens int) decimal.Decimal {
	info, ok := models[model]
	if !ok {
		info = models[DefaultAnthropicModel]
	}
	perToken := func(n int, rate decimal.Decimal) decimal.Decimal {
		return decimal.NewFromInt(int64(n)).Mul(rate).Div(million)
	}
	return perToken(inputTokens, info.InputPer1M).
		Add(perToken(outputTokens, info.OutputPer1M)).
		Add(perToken(cacheCreationTokens, info.InputPer1M.Mul(cacheWriteRate))).
		Add(perToken(cacheReadTokens, info.InputPer1M.Mul(cacheReadRate)))
}

// ContextWindow returns the model's context window in tokens.
func ContextWindow(model string) int {
	if info, ok := models[model]; ok && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextWindow
}

// EstimateTokens approximates a token count as one token per four bytes.
func EstimateTokens(s string) int {
	return len(s) / 4
}
