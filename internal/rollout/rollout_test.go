package rollout

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func TestWriteReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	meta := protocol.SessionMeta{ID: "sess-1", CreatedAt: time.Unix(0, 0).UTC(), CwdAtStart: "/work"}
	w, err := Create(path, meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ts := meta.CreatedAt
	if err := w.AppendResponseItem(protocol.TextMessage(protocol.RoleUser, "hello"), ts); err != nil {
		t.Fatalf("AppendResponseItem: %v", err)
	}
	call := protocol.FunctionCall{CallID: "c1", Name: "shell", Arguments: []byte(`{"cmd":"ls"}`)}
	if err := w.AppendResponseItem(call, ts); err != nil {
		t.Fatalf("AppendResponseItem call: %v", err)
	}
	if err := w.AppendResponseItem(protocol.FunctionCallOutput{CallID: "c1", Output: "file.go"}, ts); err != nil {
		t.Fatalf("AppendResponseItem output: %v", err)
	}
	snap := protocol.TurnContextSnap{Model: "claude", ContextWindow: 200000, AutoCompactLimit: 190000, Cwd: "/work"}
	if err := w.AppendTurnContext(snap, ts); err != nil {
		t.Fatalf("AppendTurnContext: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	resumed, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if resumed.SessionMeta.ID != "sess-1" {
		t.Fatalf("expected session id sess-1, got %q", resumed.SessionMeta.ID)
	}
	if resumed.History.Len() != 3 {
		t.Fatalf("expected 3 history items, got %d", resumed.History.Len())
	}
	if resumed.TurnContext == nil || resumed.TurnContext.Model != "claude" {
		t.Fatalf("expected resumed turn context model claude, got %#v", resumed.TurnContext)
	}
	if resumed.LineCount != 5 {
		t.Fatalf("expected 5 lines (meta+3 items+context), got %d", resumed.LineCount)
	}
}

func TestReplayAppliesCompaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	meta := protocol.SessionMeta{ID: "sess-2", CreatedAt: time.Unix(0, 0).UTC()}
	w, err := Create(path, meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ts := meta.CreatedAt
	_ = w.AppendResponseItem(protocol.TextMessage(protocol.RoleUser, "one"), ts)
	_ = w.AppendResponseItem(protocol.TextMessage(protocol.RoleAssistant, "two"), ts)
	if err := w.AppendCompacted("summary of the above", ts); err != nil {
		t.Fatalf("AppendCompacted: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	resumed, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if resumed.History.Len() != 1 {
		t.Fatalf("expected history collapsed to 1 item, got %d", resumed.History.Len())
	}
	items := resumed.History.Items()
	if items[0].Kind() != protocol.KindCompaction {
		t.Fatalf("expected Compaction item, got %v", items[0].Kind())
	}
}

func TestCreateFailsOnExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	meta := protocol.SessionMeta{ID: "sess-3", CreatedAt: time.Unix(0, 0).UTC()}
	w, err := Create(path, meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = w.Shutdown()

	if _, err := Create(path, meta); err == nil {
		t.Fatal("expected error creating rollout file that already exists")
	}
}
