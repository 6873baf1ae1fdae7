package protocol

import "time"

// RolloutItemKind discriminates the durable record kinds a RolloutLine
// can carry. The rollout is the sole durable state for a session: resuming
// replays lines in order to rebuild the History Store and the last
// TurnContext.
type RolloutItemKind string

const (
	RolloutSessionMeta RolloutItemKind = "session_meta"
	RolloutTurnContext RolloutItemKind = "turn_context"
	RolloutResponse    RolloutItemKind = "response_item"
	RolloutCompacted   RolloutItemKind = "compacted"
	RolloutEvent       RolloutItemKind = "event"
)

// SessionMeta opens a rollout file.
type SessionMeta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	CwdAtStart string   `json:"cwd_at_start"`
}

// CompactedRecord replaces a rollout's understanding of history with a
// summary, mirroring the Compaction ResponseItem for replay purposes.
type CompactedRecord struct {
	Message string `json:"message"`
}

// RolloutItem is the tagged payload of one RolloutLine.
type RolloutItem struct {
	Kind RolloutItemKind `json:"kind"`

	SessionMeta  *SessionMeta      `json:"session_meta,omitempty"`
	TurnContext  *TurnContextSnap  `json:"turn_context,omitempty"`
	ResponseItem ResponseItem      `json:"response_item,omitempty"`
	Compacted    *CompactedRecord  `json:"compacted,omitempty"`
	Event        *EventMsg         `json:"event,omitempty"`
}

// TurnContextSnap is the durable projection of a TurnContext: everything
// needed to resume, without re-running config resolution. Defined here
// (rather than in internal/config) so pkg/protocol has no dependency on
// the config package — the rollout format is a wire contract.
type TurnContextSnap struct {
	Model             string  `json:"model"`
	ContextWindow     int     `json:"context_window"`
	AutoCompactLimit  int     `json:"auto_compact_limit"`
	ApprovalPolicy    string  `json:"approval_policy"`
	SandboxPolicy     string  `json:"sandbox_policy"`
	Cwd               string  `json:"cwd"`
	ReasoningEffort   string  `json:"reasoning_effort,omitempty"`
	CompactionPrompt  string  `json:"compaction_prompt,omitempty"`
}

// RolloutLine is one JSONL record of the append-only session log.
type RolloutLine struct {
	Timestamp time.Time   `json:"timestamp"`
	Item      RolloutItem `json:"item"`
}
