// Package protocol defines the wire and history types shared between the
// turn runtime and its front-end/provider collaborators: the tagged
// ResponseItem history atom, the Op submission API, the EventMsg stream,
// and the RolloutLine durable log record.
package protocol

import "encoding/json"

// ItemKind discriminates ResponseItem variants. Every producer constructs
// one concrete kind and every consumer switches on it — no inheritance.
type ItemKind string

const (
	KindMessage              ItemKind = "message"
	KindReasoning            ItemKind = "reasoning"
	KindFunctionCall         ItemKind = "function_call"
	KindFunctionCallOutput   ItemKind = "function_call_output"
	KindLocalShellCall       ItemKind = "local_shell_call"
	KindLocalShellCallOutput ItemKind = "local_shell_call_output"
	KindCompaction           ItemKind = "compaction"
)

// Role identifies the speaker of a Message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
)

// ContentBlock is one piece of a Message's content (text or image).
type ContentBlock struct {
	Type     string `json:"type"` // "text" | "image"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64, present when Type == "image"
}

// ResponseItem is the atom of history and wire traffic. Its only method is
// Kind(); consumers type-switch on the concrete value to reach its fields.
// Implementations are value types so a History Store can
// hold them by value without aliasing surprises.
type ResponseItem interface {
	Kind() ItemKind
}

// Message is a user, assistant, or developer turn of plain content.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

func (Message) Kind() ItemKind { return KindMessage }

// TextMessage is a convenience constructor for a single text block.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

// Text concatenates all text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// Reasoning carries the model's private chain-of-thought summary plus an
// opaque encrypted blob the provider round-trips but never exposes.
// Reasoning items that precede the last user message are "frozen": they
// still count against input tokens on the next request.
type Reasoning struct {
	Summary          []string `json:"summary"`
	EncryptedContent []byte   `json:"encrypted_content,omitempty"`
}

func (Reasoning) Kind() ItemKind { return KindReasoning }

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (FunctionCall) Kind() ItemKind { return KindFunctionCall }

// FunctionCallOutput answers a FunctionCall by CallID. Success is nil when
// the tool that produced it didn't distinguish success from failure
// (pre-dispatch synthetic outputs); dispatcher-produced outputs always set it.
type FunctionCallOutput struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	Success *bool  `json:"success,omitempty"`
}

func (FunctionCallOutput) Kind() ItemKind { return KindFunctionCallOutput }

// LocalShellStatus is the lifecycle state of a LocalShellCall.
type LocalShellStatus string

const (
	ShellStatusInProgress LocalShellStatus = "in_progress"
	ShellStatusCompleted  LocalShellStatus = "completed"
	ShellStatusFailed     LocalShellStatus = "failed"
)

// LocalShellCall is the provider-native shell-tool call variant (as
// distinct from a generic FunctionCall named "exec" dispatched to our own
// ShellExec tool).
type LocalShellCall struct {
	CallID string           `json:"call_id"`
	Action string           `json:"action"`
	Status LocalShellStatus `json:"status"`
}

func (LocalShellCall) Kind() ItemKind { return KindLocalShellCall }

// LocalShellCallOutput is the output counterpart of LocalShellCall.
type LocalShellCallOutput struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func (LocalShellCallOutput) Kind() ItemKind { return KindLocalShellCallOutput }

// Compaction is an opaque provider-side compaction artifact that replaces
// a prefix of history. It is terminal: items preceding it are considered
// consolidated and must never be resent except via this marker.
type Compaction struct {
	EncryptedContent []byte `json:"encrypted_content,omitempty"`
	// Summary is the human-readable replacement text for local (non-remote)
	// compaction; empty when EncryptedContent carries a fully opaque
	// provider-side artifact instead.
	Summary string `json:"summary,omitempty"`
}

func (Compaction) Kind() ItemKind { return KindCompaction }

// wireItem is the envelope ResponseItem values serialize through so that
// a []ResponseItem round-trips through JSON (and therefore through the
// rollout JSONL log) without losing its concrete type.
type wireItem struct {
	Kind    ItemKind        `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalResponseItem encodes a ResponseItem with its kind tag.
func MarshalResponseItem(item ResponseItem) ([]byte, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireItem{Kind: item.Kind(), Payload: payload})
}

// UnmarshalResponseItem decodes a tagged ResponseItem produced by
// MarshalResponseItem.
func UnmarshalResponseItem(data []byte) (ResponseItem, error) {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Kind {
	case KindMessage:
		var m Message
		err := json.Unmarshal(w.Payload, &m)
		return m, err
	case KindReasoning:
		var r Reasoning
		err := json.Unmarshal(w.Payload, &r)
		return r, err
	case KindFunctionCall:
		var fc FunctionCall
		err := json.Unmarshal(w.Payload, &fc)
		return fc, err
	case KindFunctionCallOutput:
		var fo FunctionCallOutput
		err := json.Unmarshal(w.Payload, &fo)
		return fo, err
	case KindLocalShellCall:
		var lc LocalShellCall
		err := json.Unmarshal(w.Payload, &lc)
		return lc, err
	case KindLocalShellCallOutput:
		var lo LocalShellCallOutput
		err := json.Unmarshal(w.Payload, &lo)
		return lo, err
	case KindCompaction:
		var c Compaction
		err := json.Unmarshal(w.Payload, &c)
		return c, err
	default:
		return nil, &UnknownKindError{Kind: w.Kind}
	}
}

// UnknownKindError is returned when a wire item carries a kind tag this
// build doesn't recognize (e.g. a rollout written by a newer version).
type UnknownKindError struct {
	Kind ItemKind
}

func (e *UnknownKindError) Error() string {
	return "protocol: unknown response item kind " + string(e.Kind)
}
