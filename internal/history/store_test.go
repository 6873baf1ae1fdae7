package history

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func TestAppendPairing(t *testing.T) {
	s := New()
	if err := s.Append(protocol.TextMessage(protocol.RoleUser, "hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := protocol.FunctionCall{CallID: "c1", Name: "shell", Arguments: []byte(`{}`)}
	if err := s.Append(call); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.PendingCalls(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected pending call c1, got %v", got)
	}
	if err := s.Append(protocol.FunctionCallOutput{CallID: "c1", Output: "ok"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.PendingCalls(); len(got) != 0 {
		t.Fatalf("expected no pending calls, got %v", got)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", s.Len())
	}
}

func TestAppendOrphanOutputRejected(t *testing.T) {
	s := New()
	err := s.Append(protocol.FunctionCallOutput{CallID: "missing", Output: "x"})
	if err == nil {
		t.Fatal("expected pairing error for orphan output")
	}
	pe, ok := err.(*PairingError)
	if !ok {
		t.Fatalf("expected *PairingError, got %T", err)
	}
	if pe.CallID != "missing" {
		t.Fatalf("expected CallID missing, got %q", pe.CallID)
	}
}

func TestCompactRejectsPendingCalls(t *testing.T) {
	s := New()
	_ = s.Append(protocol.FunctionCall{CallID: "c1", Name: "shell", Arguments: []byte(`{}`)})
	err := s.Compact(protocol.Compaction{Summary: "summary"})
	if err == nil {
		t.Fatal("expected error compacting with a pending call")
	}
}

func TestCompactPrefixKeepsSurvivors(t *testing.T) {
	s := New()
	_ = s.Append(protocol.TextMessage(protocol.RoleUser, "one"))
	_ = s.Append(protocol.TextMessage(protocol.RoleAssistant, "two"))
	_ = s.Append(protocol.TextMessage(protocol.RoleUser, "three"))

	if err := s.CompactPrefix(2, protocol.Compaction{Summary: "earlier turns summarized"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := s.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 items after compact, got %d", len(items))
	}
	if items[0].Kind() != protocol.KindCompaction {
		t.Fatalf("expected first item to be Compaction, got %v", items[0].Kind())
	}
	msg, ok := items[1].(protocol.Message)
	if !ok || msg.Text() != "three" {
		t.Fatalf("expected survivor message 'three', got %#v", items[1])
	}
}

func TestItemsReturnsCopy(t *testing.T) {
	s := New()
	_ = s.Append(protocol.TextMessage(protocol.RoleUser, "hi"))
	items := s.Items()
	items[0] = protocol.TextMessage(protocol.RoleUser, "tampered")
	if s.Items()[0].(protocol.Message).Text() != "hi" {
		t.Fatal("Items() leaked internal slice aliasing")
	}
}

func TestReplaceRederivesPending(t *testing.T) {
	s := New()
	_ = s.Append(protocol.TextMessage(protocol.RoleUser, "hi"))
	err := s.Replace([]protocol.ResponseItem{
		protocol.FunctionCall{CallID: "c2", Name: "read", Arguments: []byte(`{}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.PendingCalls(); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("expected pending call c2 after replace, got %v", got)
	}
}
