package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"golang.org/x/sync/errgroup"
)

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	// Builtins are resolved before the registry.
	Builtins       []Handle
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
	// MaxConcurrency limits parallel calls in a batch; zero means unlimited.
	MaxConcurrency int
}

// Invoker dispatches tool calls. It never returns an error to the caller:
// every failure is converted into a Result with ErrorType set.
type Invoker struct {
	registry       *Registry
	builtins       map[string]Handle
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	maxConcurrency int
}

// NewInvoker creates an invoker over registry.
func NewInvoker(registry *Registry, opts InvokerOptions) *Invoker {
	if registry == nil {
		registry = NewRegistry()
	}
	builtins := make(map[string]Handle, len(opts.Builtins))
	for _, h := range opts.Builtins {
		builtins[h.Name()] = h
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = consts.DefaultToolTimeout
	}
	return &Invoker{
		registry:       registry,
		builtins:       builtins,
		defaultTimeout: timeout,
		timeouts:       opts.Timeouts,
		maxConcurrency: opts.MaxConcurrency,
	}
}

// DefaultBuiltins returns the tools every agent can use.
func DefaultBuiltins(fetchMaxChars int) []Handle {
	return []Handle{NewWaitTool(), NewFetchPageTool(nil, fetchMaxChars)}
}

// Registry exposes the underlying registry.
func (inv *Invoker) Registry() *Registry {
	return inv.registry
}

func (inv *Invoker) resolve(name string) (Handle, bool) {
	if h, ok := inv.builtins[name]; ok {
		return h, true
	}
	return inv.registry.Resolve(name)
}

// Has reports whether name resolves to a tool.
func (inv *Invoker) Has(name string) bool {
	_, ok := inv.resolve(name)
	return ok
}

// Classify returns the kind of the named tool, falling back to the default
// name-based classification for unknown tools.
func (inv *Invoker) Classify(name string) Kind {
	if h, ok := inv.resolve(name); ok {
		return classifyHandle(h)
	}
	return ClassifyName(name)
}

// ListSchemas returns builtin and registered schemas matching filter.
func (inv *Invoker) ListSchemas(filter []string) []llm.ToolSchema {
	var out []llm.ToolSchema
	for name, h := range inv.builtins {
		if MatchFilter(filter, name) {
			out = append(out, ToolSchema(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	// builtins win over registry tools of the same name
	for _, schema := range inv.registry.ListSchemas(filter) {
		if _, builtin := inv.builtins[schema.Name]; !builtin {
			out = append(out, schema)
		}
	}
	return out
}

func (inv *Invoker) timeoutFor(name string) time.Duration {
	if d, ok := inv.timeouts[name]; ok && d > 0 {
		return d
	}
	return inv.defaultTimeout
}

type outcome struct {
	value interface{}
	err   error
}

// Invoke runs a single call with argument sanitization, a per-tool timeout
// and panic recovery.
func (inv *Invoker) Invoke(ctx context.Context, call llm.ToolCallRequest) Result {
	start := time.Now()
	res := Result{ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments}
	finish := func(err *ToolError) Result {
		res.Duration = time.Since(start)
		if err != nil {
			res.Result = nil
			res.Error = err.Error()
			res.ErrorType = err.Kind
		}
		return res
	}

	if ctx.Err() != nil {
		res.NotStarted = true
		return finish(&ToolError{Tool: call.Name, Message: "cancelled before start", Kind: ErrKindCancelled})
	}

	handle, ok := inv.resolve(call.Name)
	if !ok {
		return finish(&ToolError{Message: "tool not found: " + call.Name, Kind: ErrKindNotFound})
	}

	if call.ArgumentsError != "" {
		return finish(&ToolError{Tool: call.Name, Message: call.ArgumentsError, Kind: ErrKindInvalidArguments})
	}

	args, err := Sanitize(handle.Parameters(), call.Arguments)
	if err != nil {
		return finish(&ToolError{Tool: call.Name, Message: err.Error(), Kind: ErrKindInvalidArguments})
	}
	res.Arguments = args

	timeout := inv.timeoutFor(call.Name)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())
				done <- outcome{err: &ToolError{Tool: call.Name, Message: fmt.Sprintf("panic: %v", r), Kind: ErrKindPanic}}
			}
		}()
		value, err := handle.Execute(callCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return finish(classifyFailure(call.Name, out.err, ctx, timeout))
		}
		if isEmptyResult(out.value) {
			return finish(&ToolError{Tool: call.Name, Message: "tool returned neither a result nor an error", Kind: ErrKindEmptyResult})
		}
		res.Result = out.value
		return finish(nil)
	case <-callCtx.Done():
		// The goroutine may still be running; its late outcome is dropped.
		if ctx.Err() != nil {
			return finish(&ToolError{Tool: call.Name, Message: "cancelled", Kind: ErrKindCancelled})
		}
		return finish(&ToolError{Tool: call.Name, Message: fmt.Sprintf("timed out after %s", timeout), Kind: ErrKindTimeout})
	}
}

func classifyFailure(name string, err error, parent context.Context, timeout time.Duration) *ToolError {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		if toolErr.Tool == "" {
			toolErr.Tool = name
		}
		if toolErr.Kind == "" {
			toolErr.Kind = ErrKindExecution
		}
		return toolErr
	}
	switch {
	case parent.Err() != nil && errors.Is(err, context.Canceled):
		return &ToolError{Tool: name, Message: "cancelled", Kind: ErrKindCancelled}
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		return &ToolError{Tool: name, Message: fmt.Sprintf("timed out after %s", timeout), Kind: ErrKindTimeout}
	}
	return &ToolError{Tool: name, Message: err.Error(), Kind: ErrKindExecution}
}

// InvokeBatch runs calls concurrently and returns results in call order.
// Once ctx is cancelled, calls that have not been dispatched yet come back
// with NotStarted set; calls already in flight are cancelled through ctx.
func (inv *Invoker) InvokeBatch(ctx context.Context, calls []llm.ToolCallRequest) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	var g errgroup.Group
	if inv.maxConcurrency > 0 {
		g.SetLimit(inv.maxConcurrency)
	}
	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = notStarted(call)
			continue
		}
		g.Go(func() error {
			results[i] = inv.Invoke(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func notStarted(call llm.ToolCallRequest) Result {
	return Result{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		Error:      call.Name + ": cancelled before start",
		ErrorType:  ErrKindCancelled,
		NotStarted: true,
	}
}
