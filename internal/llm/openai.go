package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient streams completions through the OpenAI Responses API.
type OpenAIClient struct {
	model  string
	client *openai.Client
}

// NewOpenAIClient constructs a client that talks directly to the OpenAI API.
func NewOpenAIClient(key *APIKey, modelName, baseURL string) (*OpenAIClient, error) {
	model := strings.TrimSpace(modelName)
	if model == "" {
		model = "gpt-4.1-mini"
	}

	var opts []option.RequestOption
	if err := key.WithValue(func(secret string) error {
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("openai client requires an API key")
		}
		opts = append(opts, option.WithAPIKey(secret))
		return nil
	}); err != nil {
		return nil, err
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	apiClient := openai.NewClient(opts...)
	return &OpenAIClient{model: model, client: &apiClient}, nil
}

func (c *OpenAIClient) ModelName() string {
	return c.model
}

func (c *OpenAIClient) StreamChat(ctx context.Context, req *CompletionRequest, onChunk func(StreamChunk) error) (*CompletionResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		content   strings.Builder
		completed *responses.Response
	)
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "response.output_text.delta":
			delta := event.AsResponseOutputTextDelta().Delta
			content.WriteString(delta)
			if err := emitDelta(onChunk, delta); err != nil {
				return nil, err
			}
		case "response.completed":
			resp := event.AsResponseCompleted().Response
			completed = &resp
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	result := &CompletionResponse{Content: content.String()}
	if completed != nil {
		result.ToolCalls = openAIToolCalls(completed.Output)
		result.StopReason = string(completed.Status)
		result.Usage = Usage{
			InputTokens:  int(completed.Usage.InputTokens),
			OutputTokens: int(completed.Usage.OutputTokens),
		}
		if result.Content == "" {
			result.Content = completed.OutputText()
		}
	}

	if err := emitFinal(onChunk, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *OpenAIClient) buildParams(req *CompletionRequest) (responses.ResponseNewParams, error) {
	inputItems, err := openAIInput(req.Messages)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}
	if len(inputItems) == 0 {
		return responses.ResponseNewParams{}, fmt.Errorf("no messages provided")
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(c.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: inputItems,
		},
	}
	if req.SystemPrompt != "" {
		params.Instructions = openai.String(req.SystemPrompt)
	}
	if req.Temperature != 0 && !openAITemperatureUnsupported(c.model) {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, tool := range req.Tools {
		variant := responses.ToolParamOfFunction(tool.Name, tool.Parameters, false)
		if tool.Description != "" && variant.OfFunction != nil {
			variant.OfFunction.Description = openai.String(tool.Description)
		}
		params.Tools = append(params.Tools, variant)
	}
	return params, nil
}

func openAIInput(messages []*Message) (responses.ResponseInputParam, error) {
	input := make(responses.ResponseInputParam, 0, len(messages))

	for _, msg := range messages {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case RoleTool:
			if msg.ToolCallID == "" {
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(msg.ToolCallID, msg.Content))
		case RoleAssistant:
			if strings.TrimSpace(msg.Content) != "" {
				input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("encode arguments for %s: %w", tc.Name, err)
				}
				input = append(input, responses.ResponseInputItemParamOfFunctionCall(string(args), tc.ID, tc.Name))
			}
		case RoleSystem:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleSystem))
		default:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))
		}
	}

	return input, nil
}

func openAIToolCalls(items []responses.ResponseOutputItemUnion) []ToolCallRequest {
	var calls []ToolCallRequest
	for _, item := range items {
		if item.Type != "function_call" {
			continue
		}

		call := item.AsFunctionCall()
		identifier := call.CallID
		if identifier == "" {
			identifier = call.ID
		}
		calls = append(calls, toolCallFromJSON(identifier, call.Name, call.Arguments))
	}
	return calls
}

func openAITemperatureUnsupported(modelName string) bool {
	model := strings.ToLower(strings.TrimSpace(modelName))
	return strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") ||
		strings.HasPrefix(model, "gpt-5")
}
