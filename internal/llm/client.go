package llm

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message. Tool result messages must directly
// follow the assistant message whose ToolCalls they answer.
type Message struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewToolMessage creates a tool result message answering callID.
func NewToolMessage(callID, toolName, content string) *Message {
	msg := NewMessage(RoleTool, content)
	msg.ToolCallID = callID
	msg.ToolName = toolName
	return msg
}

// Clone returns a copy that shares no slices with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCallRequest, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = call.Clone()
		}
	}
	return &out
}

// ToolCallRequest is one structured tool invocation proposed by the model.
type ToolCallRequest struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	// ArgumentsError is set when the model's argument text did not decode.
	// Arguments is then empty and RawArguments holds the text as received.
	ArgumentsError string `json:"arguments_error,omitempty"`
	RawArguments   string `json:"raw_arguments,omitempty"`
}

// Clone copies the request with a shallow copy of its arguments.
func (c ToolCallRequest) Clone() ToolCallRequest {
	if c.Arguments == nil {
		return c
	}
	args := make(map[string]interface{}, len(c.Arguments))
	for k, v := range c.Arguments {
		args[k] = v
	}
	c.Arguments = args
	return c
}

// ToolSchema is the fixed shape tools are advertised to the model with.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages     []*Message   `json:"messages"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	Temperature  float64      `json:"temperature"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
}

// StreamChunk is one item of a streamed completion. Only the terminal chunk
// (Done) may carry ToolCalls.
type StreamChunk struct {
	ContentDelta string            `json:"content_delta,omitempty"`
	ToolCalls    []ToolCallRequest `json:"tool_calls,omitempty"`
	Done         bool              `json:"done"`
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	StopReason string            `json:"stop_reason"`
	Usage      Usage             `json:"usage"`
}

// Client is the interface for streaming LLM clients
type Client interface {
	// StreamChat streams content deltas through onChunk and returns the
	// assembled response. An error from onChunk aborts the stream.
	StreamChat(ctx context.Context, req *CompletionRequest, onChunk func(StreamChunk) error) (*CompletionResponse, error)
	// ModelName returns the model name
	ModelName() string
}

// emitFinal sends the terminal chunk carrying the tool calls.
func emitFinal(onChunk func(StreamChunk) error, resp *CompletionResponse) error {
	if onChunk == nil {
		return nil
	}
	return onChunk(StreamChunk{ToolCalls: resp.ToolCalls, Done: true})
}

func emitDelta(onChunk func(StreamChunk) error, delta string) error {
	if onChunk == nil || delta == "" {
		return nil
	}
	return onChunk(StreamChunk{ContentDelta: delta})
}
