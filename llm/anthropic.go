package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/everydev1618/threads/classify"
	"github.com/everydev1618/threads/internal/logging"
)

// AnthropicLLM is a Provider backed by the Anthropic Messages API.
type AnthropicLLM struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	model      string
	maxTokens  int
	logger     *zap.Logger
}

// AnthropicOption configures the Anthropic client.
type AnthropicOption func(*AnthropicLLM)

// WithAPIKey sets the API key.
func WithAPIKey(key string) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.apiKey = key
	}
}

// WithModel sets the model.
func WithModel(model string) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.model = model
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.httpClient = client
	}
}

// WithMaxTokens sets the per-response output token cap.
func WithMaxTokens(n int) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.maxTokens = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) AnthropicOption {
	return func(a *AnthropicLLM) {
		a.logger = logging.OrNop(l)
	}
}

// Default Anthropic configuration values
const (
	DefaultAnthropicTimeout   = 5 * time.Minute
	DefaultAnthropicModel     = "claude-sonnet-4-20250514"
	DefaultAnthropicBaseURL   = "https://api.anthropic.com"
	DefaultAnthropicMaxTokens = 8192
)

// NewAnthropic creates a new Anthropic provider.
func NewAnthropic(opts ...AnthropicOption) *AnthropicLLM {
	a := &AnthropicLLM{
		apiKey:  os.Getenv("ANTHROPIC_API_KEY"),
		baseURL: DefaultAnthropicBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultAnthropicTimeout,
		},
		model:     DefaultAnthropicModel,
		maxTokens: DefaultAnthropicMaxTokens,
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Model implements Provider.
func (a *AnthropicLLM) Model() string { return a.model }

// cacheControl marks a block for Anthropic prompt caching.
type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type anthropicRequest struct {
	Model     string          `json:"model"`
	Messages  []anthropicMsg  `json:"messages"`
	System    []systemBlock   `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens"`
	Tools     []anthropicTool `json:"tools,omitempty"`
}

type anthropicMsg struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicTool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	CacheControl *cacheControl  `json:"cache_control,omitempty"`
}

type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Provider.
func (a *AnthropicLLM) Complete(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	start := time.Now()
	req := a.buildRequest(messages, tools)

	resp, err := a.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return a.parseResponse(resp, time.Since(start)), nil
}

// buildRequest maps the conversation onto Messages API blocks. Assistant
// tool calls become tool_use blocks and consecutive tool messages are
// folded into one user message of tool_result blocks.
func (a *AnthropicLLM) buildRequest(messages []Message, tools []ToolSchema) *anthropicRequest {
	req := &anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
	}

	var out []anthropicMsg
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			req.System = []systemBlock{{
				Type:         "text",
				Text:         msg.Content,
				CacheControl: &cacheControl{Type: "ephemeral"},
			}}
		case RoleTool:
			block := contentBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}
			if n := len(out); n > 0 && out[n-1].Role == "user" && isToolResults(out[n-1].Content) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropicMsg{Role: "user", Content: []contentBlock{block}})
		case RoleAssistant:
			var blocks []contentBlock
			if msg.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			out = append(out, anthropicMsg{Role: "assistant", Content: blocks})
		default:
			out = append(out, anthropicMsg{Role: "user", Content: []contentBlock{{Type: "text", Text: msg.Content}}})
		}
	}
	req.Messages = out

	// Mark the last tool so the system + tools prefix is cached.
	for i, t := range tools {
		at := anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		if i == len(tools)-1 {
			at.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		req.Tools = append(req.Tools, at)
	}

	return req
}

func isToolResults(blocks []contentBlock) bool {
	for _, b := range blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(blocks) > 0
}

func (a *AnthropicLLM) createHTTPRequest(ctx context.Context, req *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	return httpReq, nil
}

// doRequest performs one call. Retrying is the runner's decision.
func (a *AnthropicLLM) doRequest(ctx context.Context, req *anthropicRequest) (*anthropicResponse, error) {
	httpReq, err := a.createHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, &classify.ProviderError{Provider: "anthropic", Message: "http request", Err: err}
	}
	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if err != nil {
		return nil, &classify.ProviderError{Provider: "anthropic", Message: "read response", Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		pe := &classify.ProviderError{
			Provider:   "anthropic",
			StatusCode: httpResp.StatusCode,
			Headers:    httpResp.Header.Clone(),
			Message:    string(body),
		}
		var ae anthropicError
		if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
			pe.Type = ae.Error.Type
			pe.Message = ae.Error.Message
		}
		a.logger.Debug("anthropic request failed",
			zap.Int("status", pe.StatusCode),
			zap.String("type", pe.Type),
			zap.String("retry_after", httpResp.Header.Get("retry-after")))
		return nil, pe
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func (a *AnthropicLLM) parseResponse(resp *anthropicResponse, latency time.Duration) *Response {
	result := &Response{
		InputTokens:              resp.Usage.InputTokens,
		OutputTokens:             resp.Usage.OutputTokens,
		CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		LatencyMs:                latency.Milliseconds(),
	}

	model := resp.Model
	if model == "" {
		model = a.model
	}
	result.Spend = CalculateCost(model, result.InputTokens, result.OutputTokens,
		result.CacheCreationInputTokens, result.CacheReadInputTokens)

	switch resp.StopReason {
	case "end_turn":
		result.FinishReason = StopReasonEnd
	case "tool_use":
		result.FinishReason = StopReasonToolUse
	case "max_tokens":
		result.FinishReason = StopReasonLength
	case "stop_sequence":
		result.FinishReason = StopReasonStop
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Text += block.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	return result
}
