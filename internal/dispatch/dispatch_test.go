package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

type echoTool struct {
	name    string
	schema  json.RawMessage
	delay   time.Duration
	inFlight *int32
	maxSeen  *int32
}

func (e *echoTool) Name() string            { return e.name }
func (e *echoTool) Schema() json.RawMessage { return e.schema }

func (e *echoTool) Invoke(ctx context.Context, call protocol.FunctionCall) (string, bool, error) {
	if e.inFlight != nil {
		n := atomic.AddInt32(e.inFlight, 1)
		defer atomic.AddInt32(e.inFlight, -1)
		if e.maxSeen != nil {
			for {
				cur := atomic.LoadInt32(e.maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(e.maxSeen, cur, n) {
					break
				}
			}
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return "echo:" + call.Name, false, nil
}

func TestDispatchPreservesCallOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "a", delay: 15 * time.Millisecond})
	reg.Register(&echoTool{name: "b"})
	reg.Register(&echoTool{name: "c"})
	d := New(reg, nil, 0)

	calls := []protocol.FunctionCall{
		{CallID: "1", Name: "a"},
		{CallID: "2", Name: "b"},
		{CallID: "3", Name: "c"},
	}
	outputs, err := d.Dispatch(context.Background(), calls)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i, want := range []string{"1", "2", "3"} {
		if outputs[i].CallID != want {
			t.Fatalf("output %d: want call_id %s, got %s", i, want, outputs[i].CallID)
		}
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	var inFlight, maxSeen int32
	reg := NewRegistry()
	for i := 0; i < 10; i++ {
		reg.Register(&echoTool{
			name:     fmt.Sprintf("tool%d", i),
			delay:    20 * time.Millisecond,
			inFlight: &inFlight,
			maxSeen:  &maxSeen,
		})
	}
	d := New(reg, nil, 3)

	var calls []protocol.FunctionCall
	for i := 0; i < 10; i++ {
		calls = append(calls, protocol.FunctionCall{CallID: fmt.Sprintf("c%d", i), Name: fmt.Sprintf("tool%d", i)})
	}
	if _, err := d.Dispatch(context.Background(), calls); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if maxSeen > 3 {
		t.Fatalf("expected at most 3 concurrent invokes, saw %d", maxSeen)
	}
}

func TestDispatchUnknownToolProducesErrorOutputNotTurnError(t *testing.T) {
	reg := NewRegistry()
	d := New(reg, nil, 0)

	outputs, err := d.Dispatch(context.Background(), []protocol.FunctionCall{{CallID: "1", Name: "ghost"}})
	if err != nil {
		t.Fatalf("expected no turn-level error, got %v", err)
	}
	if outputs[0].Success == nil || *outputs[0].Success {
		t.Fatalf("expected Success=false for unknown tool, got %#v", outputs[0])
	}
}

func TestDispatchInvalidArgumentsRejectedBeforeInvoke(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewShellExecTool("/tmp"))
	d := New(reg, nil, 0)

	outputs, err := d.Dispatch(context.Background(), []protocol.FunctionCall{
		{CallID: "1", Name: "shell", Arguments: []byte(`{}`)},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outputs[0].Success == nil || *outputs[0].Success {
		t.Fatal("expected missing required 'command' argument to fail schema validation")
	}
}

func TestApprovalDenyProducesOutputNotError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "shell"})
	approval := NewApprovalEngine("on-request", "workspace-write")
	d := New(reg, approval, 0)

	outputs, err := d.Dispatch(context.Background(), []protocol.FunctionCall{
		{CallID: "1", Name: "shell", Arguments: []byte(`{"command":"ls"}`)},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outputs[0].Success == nil || *outputs[0].Success {
		t.Fatal("expected denial (no Ask configured) to produce a failed output")
	}
}

func TestApprovalForSessionRemembersAcrossCalls(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "shell", schema: shellExecSchema})
	asked := 0
	approval := NewApprovalEngine("on-request", "workspace-write")
	approval.Ask = func(call protocol.FunctionCall) (Decision, bool) {
		asked++
		return ApprovedForSession, true
	}
	d := New(reg, approval, 0)

	for i := 0; i < 3; i++ {
		outputs, err := d.Dispatch(context.Background(), []protocol.FunctionCall{
			{CallID: fmt.Sprintf("%d", i), Name: "shell", Arguments: []byte(`{"command":"ls"}`)},
		})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if outputs[0].Success == nil || !*outputs[0].Success {
			t.Fatalf("call %d: expected success, got %#v", i, outputs[0])
		}
	}
	if asked != 1 {
		t.Fatalf("expected the approver to be asked exactly once, got %d", asked)
	}
}

func TestApprovalAbortSurfacesAsDispatchError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "shell"})
	approval := NewApprovalEngine("on-request", "workspace-write")
	approval.Ask = func(call protocol.FunctionCall) (Decision, bool) { return Abort, false }
	d := New(reg, approval, 0)

	_, err := d.Dispatch(context.Background(), []protocol.FunctionCall{
		{CallID: "1", Name: "shell", Arguments: []byte(`{"command":"ls"}`)},
	})
	if err == nil {
		t.Fatal("expected Abort to surface as a dispatch-level error")
	}
}

func TestShellExecDeniesDangerousPattern(t *testing.T) {
	tool := NewShellExecTool("/tmp")
	out, isError, err := tool.Invoke(context.Background(), protocol.FunctionCall{
		CallID: "1", Name: "shell", Arguments: []byte(`{"command":"rm -rf /"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !isError {
		t.Fatalf("expected dangerous command to be denied, got output %q", out)
	}
}

func TestShellExecRunsSimpleCommand(t *testing.T) {
	tool := NewShellExecTool("/tmp")
	out, isError, err := tool.Invoke(context.Background(), protocol.FunctionCall{
		CallID: "1", Name: "shell", Arguments: []byte(`{"command":"echo hello"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if isError {
		t.Fatalf("unexpected error output: %q", out)
	}
}
