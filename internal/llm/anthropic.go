package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/agentloop/internal/logger"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicClient streams completions through the official Anthropic SDK.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates an Anthropic client backed by the official SDK.
func NewAnthropicClient(key *APIKey, modelName, baseURL string) (*AnthropicClient, error) {
	var opts []option.RequestOption
	if err := key.WithValue(func(secret string) error {
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("anthropic client requires an API key")
		}
		opts = append(opts, option.WithAPIKey(secret))
		return nil
	}); err != nil {
		return nil, err
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *AnthropicClient) ModelName() string {
	return c.model
}

func (c *AnthropicClient) StreamChat(ctx context.Context, req *CompletionRequest, onChunk func(StreamChunk) error) (*CompletionResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			switch event.AsAny().(type) {
			case anthropic.ContentBlockStopEvent, anthropic.MessageStopEvent:
				// Stop events only re-encode finished blocks, which fails for
				// malformed tool input. The accumulated content is intact.
				logger.Debug("anthropic stream: %v", err)
			default:
				return nil, fmt.Errorf("anthropic stream: %w", err)
			}
		}

		deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		textDelta, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta)
		if !ok {
			continue
		}
		if err := emitDelta(onChunk, textDelta.Text); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	result := anthropicResponse(&message)
	if err := emitFinal(onChunk, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *AnthropicClient) buildParams(req *CompletionRequest) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic completion request cannot be nil")
	}

	systemBlocks, chatMessages := anthropicMessages(req.SystemPrompt, req.Messages)
	if len(chatMessages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic completion requires at least one user or assistant message")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  chatMessages,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, anthropicTool(tool))
	}
	return params, nil
}

func anthropicMessages(systemPrompt string, messages []*Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var systemBlocks []anthropic.TextBlockParam
	if sys := strings.TrimSpace(systemPrompt); sys != "" {
		systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: sys})
	}

	chatMessages := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case RoleSystem:
			if text := strings.TrimSpace(msg.Content); text != "" {
				systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: text})
			}
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			chatMessages = append(chatMessages, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			// Consecutive tool results are folded into one user turn.
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)
			if n := len(chatMessages); n > 0 && chatMessages[n-1].Role == anthropic.MessageParamRoleUser && isToolResultTurn(chatMessages[n-1]) {
				chatMessages[n-1].Content = append(chatMessages[n-1].Content, block)
				continue
			}
			chatMessages = append(chatMessages, anthropic.NewUserMessage(block))
		default:
			if msg.Content == "" {
				continue
			}
			chatMessages = append(chatMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	// A trailing assistant turn would be read as a prefill to continue.
	if n := len(chatMessages); n > 0 && chatMessages[n-1].Role == anthropic.MessageParamRoleAssistant {
		chatMessages = append(chatMessages, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}

	return systemBlocks, chatMessages
}

func isToolResultTurn(msg anthropic.MessageParam) bool {
	for _, block := range msg.Content {
		if block.OfToolResult == nil {
			return false
		}
	}
	return len(msg.Content) > 0
}

func anthropicTool(tool ToolSchema) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{
		Type: constant.Object("object"),
	}
	if props, ok := tool.Parameters["properties"]; ok {
		schema.Properties = props
	}
	if required := stringSlice(tool.Parameters["required"]); len(required) > 0 {
		schema.Required = required
	}

	param := &anthropic.ToolParam{
		Name:        tool.Name,
		InputSchema: schema,
		Type:        anthropic.ToolTypeCustom,
	}
	if desc := strings.TrimSpace(tool.Description); desc != "" {
		param.Description = anthropic.String(desc)
	}
	return anthropic.ToolUnionParam{OfTool: param}
}

func anthropicResponse(msg *anthropic.Message) *CompletionResponse {
	resp := &CompletionResponse{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, toolCallFromJSON(block.ID, block.Name, string(block.Input)))
		}
	}
	resp.Content = text.String()
	return resp
}

func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
