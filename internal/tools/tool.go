package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
)

// Spec represents the static specification of a tool (name, description,
// JSON schema parameters) as advertised to the model.
type Spec interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
}

// Handle is an executable tool. Execute may return any JSON-encodable value;
// a panic or an error is converted into a failed Result by the Invoker.
type Handle interface {
	Spec
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Kind classifies how a tool relates to the observed environment.
type Kind int

const (
	KindNeutral Kind = iota
	KindMutating
	KindObserving
)

func (k Kind) String() string {
	switch k {
	case KindMutating:
		return "mutating"
	case KindObserving:
		return "observing"
	default:
		return "neutral"
	}
}

// Classified lets a Handle override the default name-based classification.
type Classified interface {
	Kind() Kind
}

// Mutating lists tool names that change external state by default.
var Mutating = map[string]bool{
	"click":      true,
	"type":       true,
	"navigate":   true,
	"scroll":     true,
	"select":     true,
	"submit":     true,
	"press_key":  true,
	"write_file": true,
}

// Observing lists tool names that only observe external state by default.
var Observing = map[string]bool{
	ToolNameFetchPage: true,
	"screenshot":      true,
	"read_page":       true,
	"get_dom":         true,
	"extract":         true,
}

// ClassifyName applies the default classification to a bare tool name.
func ClassifyName(name string) Kind {
	switch {
	case Mutating[name]:
		return KindMutating
	case Observing[name]:
		return KindObserving
	default:
		return KindNeutral
	}
}

func classifyHandle(h Handle) Kind {
	if c, ok := h.(Classified); ok {
		return c.Kind()
	}
	return ClassifyName(h.Name())
}

// Func builds a Handle from a closure.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]interface{}
	ToolKind        Kind
	Fn              func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.ToolDescription }
func (f *Func) Kind() Kind {
	if f.ToolKind != KindNeutral {
		return f.ToolKind
	}
	return ClassifyName(f.ToolName)
}

func (f *Func) Parameters() map[string]interface{} {
	if f.Schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return f.Schema
}

func (f *Func) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f.Fn(ctx, args)
}

// ToolSchema converts a Spec into the shape sent to model providers.
func ToolSchema(s Spec) llm.ToolSchema {
	return llm.ToolSchema{
		Name:        s.Name(),
		Description: s.Description(),
		Parameters:  s.Parameters(),
	}
}

// Error kinds carried by ToolError and Result.ErrorType.
const (
	ErrKindNotFound         = "not_found"
	ErrKindInvalidArguments = "invalid_arguments"
	ErrKindTimeout          = "timeout"
	ErrKindCancelled        = "cancelled"
	ErrKindPanic            = "panic"
	ErrKindEmptyResult      = "empty_result"
	ErrKindExecution        = "execution"
)

// ToolError is a non-fatal tool failure surfaced to the model.
type ToolError struct {
	Tool    string
	Message string
	Kind    string
}

func (e *ToolError) Error() string {
	if e.Tool == "" {
		return e.Message
	}
	return e.Tool + ": " + e.Message
}

// Result is the outcome of one tool call. Exactly one of Result and Error is set.
type Result struct {
	ToolCallID string                 `json:"tool_call_id"`
	ToolName   string                 `json:"tool_name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorType  string                 `json:"error_type,omitempty"`
	Duration   time.Duration          `json:"duration"`
	// NotStarted marks calls skipped because the batch was cancelled first.
	NotStarted bool `json:"-"`
}

// OK reports whether the call produced a result.
func (r Result) OK() bool {
	return r.Error == ""
}

// Completed reports whether the call ran to an outcome that belongs in the
// history: it started and was not cut off by cancellation.
func (r Result) Completed() bool {
	return !r.NotStarted && r.ErrorType != ErrKindCancelled
}

// Content renders the result as the body of a tool message.
func (r Result) Content() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	switch v := r.Result.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	data, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Sprint(r.Result)
	}
	return string(data)
}

// isEmptyResult reports a missing result: nil, blank text or an empty
// collection. false and 0 are results.
func isEmptyResult(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// GetStringParam safely extracts a string parameter
func GetStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, ok := params[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}

// GetIntParam safely extracts an int parameter
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	val, ok := params[key]
	if !ok {
		return defaultValue
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetFloatParam safely extracts a float parameter
func GetFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	val, ok := params[key]
	if !ok {
		return defaultValue
	}
	switch v := val.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return defaultValue
}
