package turn

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/compaction"
	"github.com/nextlevelbuilder/goclaw/internal/history"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

type fakeEvents struct {
	events []protocol.EventMsg
}

func (f *fakeEvents) Emit(e protocol.EventMsg) { f.events = append(f.events, e) }

func (f *fakeEvents) kinds() []protocol.EventKind {
	out := make([]protocol.EventKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

// scriptedStreamer replays a fixed sequence of responses, one per Stream
// call, so tests can drive specific state transitions deterministically.
type scriptedStreamer struct {
	responses []scriptedResponse
	call      int
}

type scriptedResponse struct {
	items  []protocol.ResponseItem
	result StreamResult
	err    error
}

func (s *scriptedStreamer) Stream(ctx context.Context, items []protocol.ResponseItem, onItem func(protocol.ResponseItem)) (StreamResult, error) {
	if s.call >= len(s.responses) {
		return StreamResult{}, nil
	}
	r := s.responses[s.call]
	s.call++
	if r.err != nil {
		return StreamResult{}, r.err
	}
	for _, it := range r.items {
		onItem(it)
	}
	return r.result, nil
}

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(ctx context.Context, calls []protocol.FunctionCall) ([]protocol.FunctionCallOutput, error) {
	out := make([]protocol.FunctionCallOutput, len(calls))
	for i, c := range calls {
		out[i] = protocol.FunctionCallOutput{CallID: c.CallID, Output: "ok:" + c.Name}
	}
	return out, nil
}

func TestRunSimpleTurnReachesIdle(t *testing.T) {
	h := history.New()
	_ = h.Append(protocol.TextMessage(protocol.RoleUser, "hello"))

	streamer := &scriptedStreamer{responses: []scriptedResponse{
		{items: []protocol.ResponseItem{protocol.TextMessage(protocol.RoleAssistant, "hi there")}, result: StreamResult{TotalTokens: 100}},
	}}
	events := &fakeEvents{}
	d := New(h, nil, streamer, echoDispatcher{}, events, "Summarize")

	if err := d.Run(context.Background(), "t1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != StateIdle {
		t.Fatalf("expected Idle, got %v", d.State())
	}
	if h.Len() != 2 {
		t.Fatalf("expected 2 history items, got %d", h.Len())
	}
}

func TestRunDispatchesToolsInOrder(t *testing.T) {
	h := history.New()
	_ = h.Append(protocol.TextMessage(protocol.RoleUser, "run a tool"))

	streamer := &scriptedStreamer{responses: []scriptedResponse{
		{items: []protocol.ResponseItem{
			protocol.FunctionCall{CallID: "c1", Name: "shell", Arguments: []byte(`{}`)},
			protocol.FunctionCall{CallID: "c2", Name: "read", Arguments: []byte(`{}`)},
		}, result: StreamResult{TotalTokens: 50}},
		{items: []protocol.ResponseItem{protocol.TextMessage(protocol.RoleAssistant, "done")}, result: StreamResult{TotalTokens: 60}},
	}}
	d := New(h, nil, streamer, echoDispatcher{}, &fakeEvents{}, "Summarize")

	if err := d.Run(context.Background(), "t2"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	items := h.Items()
	// user, call1, call2, output1, output2, assistant
	if len(items) != 6 {
		t.Fatalf("expected 6 items, got %d: %#v", len(items), items)
	}
	out1, ok := items[3].(protocol.FunctionCallOutput)
	if !ok || out1.CallID != "c1" {
		t.Fatalf("expected output for c1 first, got %#v", items[3])
	}
	out2, ok := items[4].(protocol.FunctionCallOutput)
	if !ok || out2.CallID != "c2" {
		t.Fatalf("expected output for c2 second, got %#v", items[4])
	}
}

func TestRunTriggersAutoCompactOnOverLimit(t *testing.T) {
	h := history.New()
	_ = h.Append(protocol.TextMessage(protocol.RoleUser, "first"))
	_ = h.Append(protocol.TextMessage(protocol.RoleAssistant, "first reply"))
	_ = h.Append(protocol.TextMessage(protocol.RoleUser, "second"))

	streamer := &scriptedStreamer{responses: []scriptedResponse{
		{items: []protocol.ResponseItem{protocol.TextMessage(protocol.RoleAssistant, "second reply")}, result: StreamResult{TotalTokens: 999999, OverLimit: true}},
		{items: []protocol.ResponseItem{protocol.TextMessage(protocol.RoleAssistant, "follow up")}, result: StreamResult{TotalTokens: 10}},
	}}
	comp := compaction.New(h, fakeSummarizer{}, nil, 200000, 190000)
	events := &fakeEvents{}
	d := New(h, comp, streamer, echoDispatcher{}, events, "Summarize")

	if err := d.Run(context.Background(), "t3"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != StateIdle {
		t.Fatalf("expected Idle after auto-compact settles, got %v", d.State())
	}
	foundCompaction := false
	for _, it := range h.Items() {
		if it.Kind() == protocol.KindCompaction {
			foundCompaction = true
		}
	}
	if !foundCompaction {
		t.Fatal("expected history to contain a Compaction marker after auto-compact")
	}
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, items []protocol.ResponseItem, prompt string) (string, []byte, error) {
	return "summary", nil, nil
}

func TestRunCancelledBeforeStreaming(t *testing.T) {
	h := history.New()
	_ = h.Append(protocol.TextMessage(protocol.RoleUser, "hello"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(h, nil, &scriptedStreamer{}, echoDispatcher{}, &fakeEvents{}, "Summarize")
	err := d.Run(ctx, "t4")
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if d.State() != StateCancelled {
		t.Fatalf("expected Cancelled state, got %v", d.State())
	}
}
