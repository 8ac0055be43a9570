package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GoogleClient streams completions from Gemini through google.golang.org/genai.
type GoogleClient struct {
	modelName string
	client    *genai.Client
}

// NewGoogleClient creates a Google GenAI client for the provided model.
func NewGoogleClient(ctx context.Context, key *APIKey, modelName, baseURL string) (*GoogleClient, error) {
	cfg := &genai.ClientConfig{Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	var client *genai.Client
	err := key.WithValue(func(secret string) error {
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("google client requires an API key")
		}
		cfg.APIKey = secret
		var err error
		client, err = genai.NewClient(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}

	return &GoogleClient{
		modelName: normalizeGoogleModelName(modelName),
		client:    client,
	}, nil
}

func (c *GoogleClient) ModelName() string {
	return c.modelName
}

func (c *GoogleClient) StreamChat(ctx context.Context, req *CompletionRequest, onChunk func(StreamChunk) error) (*CompletionResponse, error) {
	contents := googleContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	resp := &CompletionResponse{}
	var text strings.Builder

	stream := c.client.Models.GenerateContentStream(ctx, c.modelName, contents, googleConfig(req))
	for result, err := range stream {
		if err != nil {
			return nil, fmt.Errorf("google genai stream: %w", err)
		}
		if result.UsageMetadata != nil {
			resp.Usage = Usage{
				InputTokens:  int(result.UsageMetadata.PromptTokenCount),
				OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
			}
		}
		if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
			continue
		}

		candidate := result.Candidates[0]
		if candidate.FinishReason != "" {
			resp.StopReason = string(candidate.FinishReason)
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(resp.ToolCalls)+1)
				}
				resp.ToolCalls = append(resp.ToolCalls, ToolCallRequest{
					ID:        id,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
				continue
			}
			if part.Text == "" || part.Thought {
				continue
			}
			text.WriteString(part.Text)
			if err := emitDelta(onChunk, part.Text); err != nil {
				return nil, err
			}
		}
	}

	resp.Content = text.String()
	if err := emitFinal(onChunk, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func googleContents(messages []*Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case RoleSystem:
			// System messages travel in the generation config.
			continue
		case RoleAssistant:
			parts := make([]*genai.Part, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				part := genai.NewPartFromFunctionCall(call.Name, call.Arguments)
				part.FunctionCall.ID = call.ID
				parts = append(parts, part)
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		case RoleTool:
			payload := make(map[string]any)
			if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
				payload = map[string]any{"output": msg.Content}
			}
			part := genai.NewPartFromFunctionResponse(msg.ToolName, payload)
			part.FunctionResponse.ID = msg.ToolCallID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			if msg.Content == "" {
				continue
			}
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents
}

func googleConfig(req *CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	system := req.SystemPrompt
	for _, msg := range req.Messages {
		if msg != nil && msg.Role == RoleSystem && msg.Content != "" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		}
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}
	return cfg
}

func normalizeGoogleModelName(modelName string) string {
	trimmed := strings.TrimSpace(modelName)
	if trimmed == "" {
		return "models/gemini-2.5-flash"
	}

	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "models/") || strings.HasPrefix(lowered, "publishers/") {
		return trimmed
	}
	return "models/" + trimmed
}
