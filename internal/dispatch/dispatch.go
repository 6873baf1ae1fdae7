// Package dispatch implements the Tool Dispatcher: a bounded-concurrency
// executor that fans a batch of FunctionCall items out to tool
// implementations and appends their FunctionCallOutput items back to
// history in the exact order the model emitted the calls.
//
// Grounded on the teacher's internal/tools registry/result shape
// (tools/policy.go's PolicyEngine, tools/result.go's Result) generalized
// from providers.ToolDefinition to protocol.FunctionCall/FunctionCallOutput,
// and on the teacher's use of a bounded pool in internal/agent (fan-out,
// ordered collect) now expressed with golang.org/x/sync/semaphore instead
// of a hand-rolled channel pool.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// DefaultConcurrency is the default bounded pool size per spec §4.7.
const DefaultConcurrency = 6

// Tool is the capability every dispatchable variant implements: a name, a
// JSON Schema describing its arguments, and an invoke function.
type Tool interface {
	Name() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, call protocol.FunctionCall) (output string, isError bool, err error)
}

// Registry looks tools up by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Dispatcher fans FunctionCall batches out to a bounded worker pool,
// enforcing the approval pipeline before invoke and preserving call order
// on the way back. It implements the turn.Dispatcher interface.
type Dispatcher struct {
	Registry *Registry
	Approval *ApprovalEngine
	Validate bool // when true, validate arguments against each tool's schema before invoke

	sem *semaphore.Weighted
}

// New builds a Dispatcher with the given concurrency (DefaultConcurrency if n <= 0).
func New(registry *Registry, approval *ApprovalEngine, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		Registry: registry,
		Approval: approval,
		Validate: true,
		sem:      semaphore.NewWeighted(int64(concurrency)),
	}
}

// Dispatch runs calls concurrently (bounded by the pool) and returns their
// outputs in the same order calls were given, per spec's "any ordering
// mismatch breaks provider contracts" rule. A dispatcher-internal fault
// (e.g. failing to acquire the pool) surfaces as an error; a tool's own
// failure never does — it becomes the output text instead.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []protocol.FunctionCall) ([]protocol.FunctionCallOutput, error) {
	outputs := make([]protocol.FunctionCallOutput, len(calls))
	errs := make([]error, len(calls))

	done := make(chan int, len(calls))
	for i, call := range calls {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("dispatch: acquiring pool slot: %w", err)
		}
		go func(i int, call protocol.FunctionCall) {
			defer d.sem.Release(1)
			outputs[i], errs[i] = d.runOne(ctx, call)
			done <- i
		}(i, call)
	}
	for range calls {
		<-done
	}

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("dispatch: internal fault running call %s: %w", calls[i].CallID, err)
		}
	}
	return outputs, nil
}

// runOne resolves one call through approval, schema validation, and
// invoke. It never returns a non-nil error for a tool-level failure — that
// is folded into the output text, matching "a tool failure is not a turn
// failure".
func (d *Dispatcher) runOne(ctx context.Context, call protocol.FunctionCall) (protocol.FunctionCallOutput, error) {
	if d.Approval != nil {
		decision, reason := d.Approval.Decide(call)
		switch decision {
		case Denied:
			return protocol.FunctionCallOutput{CallID: call.CallID, Output: "command denied: " + reason, Success: boolPtr(false)}, nil
		case Abort:
			return protocol.FunctionCallOutput{}, fmt.Errorf("approval aborted the turn: %s", reason)
		}
	}

	tool, ok := d.Registry.Get(call.Name)
	if !ok {
		return protocol.FunctionCallOutput{CallID: call.CallID, Output: fmt.Sprintf("unknown tool %q", call.Name), Success: boolPtr(false)}, nil
	}

	if d.Validate {
		if err := validateArguments(tool.Schema(), call.Arguments); err != nil {
			return protocol.FunctionCallOutput{CallID: call.CallID, Output: "invalid arguments: " + err.Error(), Success: boolPtr(false)}, nil
		}
	}

	out, isError, err := tool.Invoke(ctx, call)
	if err != nil {
		slog.Warn("dispatch.tool_failed", "tool", call.Name, "call_id", call.CallID, "error", err)
		return protocol.FunctionCallOutput{CallID: call.CallID, Output: err.Error(), Success: boolPtr(false)}, nil
	}
	return protocol.FunctionCallOutput{CallID: call.CallID, Output: out, Success: boolPtr(!isError)}, nil
}

func boolPtr(b bool) *bool { return &b }
