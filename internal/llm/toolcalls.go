package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseArguments decodes a JSON argument object as emitted by providers.
// Empty input yields an empty map.
func ParseArguments(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// toolCallFromJSON builds a call from provider argument text. A decode
// failure is kept on the call so the invoker can answer it with a tool error
// instead of failing the whole response.
func toolCallFromJSON(id, name, raw string) ToolCallRequest {
	call := ToolCallRequest{ID: id, Name: name}
	args, err := ParseArguments(raw)
	if err != nil {
		call.Arguments = map[string]interface{}{}
		call.ArgumentsError = err.Error()
		call.RawArguments = raw
		return call
	}
	call.Arguments = args
	return call
}

// NormalizeToolCallIDs ensures every tool call has a stable identifier.
// Some providers occasionally omit call IDs, which breaks tool messages that
// must reference them.
func NormalizeToolCallIDs(calls []ToolCallRequest) []ToolCallRequest {
	seen := make(map[string]bool, len(calls))
	for i := range calls {
		id := strings.TrimSpace(calls[i].ID)
		if id == "" || seen[id] {
			id = fmt.Sprintf("call_%s_%d", sanitizeToolName(calls[i].Name), i+1)
		}
		seen[id] = true
		calls[i].ID = id
		if calls[i].Arguments == nil {
			calls[i].Arguments = map[string]interface{}{}
		}
	}
	return calls
}

func sanitizeToolName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "tool"
	}
	return out
}
