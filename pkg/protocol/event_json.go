package protocol

import "encoding/json"

type eventMsgWire struct {
	Kind     EventKind          `json:"kind"`
	TurnID   string             `json:"turn_id,omitempty"`
	ItemKind TranscriptItemKind `json:"item_kind,omitempty"`
	Item     json.RawMessage    `json:"item,omitempty"`
	Message  string             `json:"message,omitempty"`
	Tokens   *TokenCountInfo    `json:"tokens,omitempty"`
}

// MarshalJSON tags the embedded ResponseItem interface.
func (e EventMsg) MarshalJSON() ([]byte, error) {
	w := eventMsgWire{
		Kind:     e.Kind,
		TurnID:   e.TurnID,
		ItemKind: e.ItemKind,
		Message:  e.Message,
		Tokens:   e.Tokens,
	}
	if e.Item != nil {
		raw, err := MarshalResponseItem(e.Item)
		if err != nil {
			return nil, err
		}
		w.Item = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON reconstructs the tagged ResponseItem interface.
func (e *EventMsg) UnmarshalJSON(data []byte) error {
	var w eventMsgWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind = w.Kind
	e.TurnID = w.TurnID
	e.ItemKind = w.ItemKind
	e.Message = w.Message
	e.Tokens = w.Tokens
	if len(w.Item) > 0 {
		item, err := UnmarshalResponseItem(w.Item)
		if err != nil {
			return err
		}
		e.Item = item
	}
	return nil
}

// itemListWire is a helper for (de)serializing []ResponseItem fields of Op
// payloads with kind tagging preserved.
type itemListWire []json.RawMessage

func marshalItems(items []ResponseItem) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		raw, err := MarshalResponseItem(it)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func unmarshalItems(raws []json.RawMessage) ([]ResponseItem, error) {
	out := make([]ResponseItem, 0, len(raws))
	for _, raw := range raws {
		item, err := UnmarshalResponseItem(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

type userInputOpWire struct {
	Items                 []json.RawMessage `json:"items"`
	FinalOutputJSONSchema map[string]any    `json:"final_output_json_schema,omitempty"`
}

func (u UserInputOp) MarshalJSON() ([]byte, error) {
	items, err := marshalItems(u.Items)
	if err != nil {
		return nil, err
	}
	return json.Marshal(userInputOpWire{Items: items, FinalOutputJSONSchema: u.FinalOutputJSONSchema})
}

func (u *UserInputOp) UnmarshalJSON(data []byte) error {
	var w userInputOpWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	items, err := unmarshalItems(w.Items)
	if err != nil {
		return err
	}
	u.Items = items
	u.FinalOutputJSONSchema = w.FinalOutputJSONSchema
	return nil
}

type userTurnOpWire struct {
	Items          []json.RawMessage `json:"items"`
	Cwd            string            `json:"cwd,omitempty"`
	ApprovalPolicy string            `json:"approval_policy,omitempty"`
	SandboxPolicy  string            `json:"sandbox_policy,omitempty"`
	Model          string            `json:"model,omitempty"`
	Effort         string            `json:"effort,omitempty"`
	Summary        string            `json:"summary,omitempty"`
}

func (u UserTurnOp) MarshalJSON() ([]byte, error) {
	items, err := marshalItems(u.Items)
	if err != nil {
		return nil, err
	}
	return json.Marshal(userTurnOpWire{
		Items: items, Cwd: u.Cwd, ApprovalPolicy: u.ApprovalPolicy,
		SandboxPolicy: u.SandboxPolicy, Model: u.Model, Effort: u.Effort, Summary: u.Summary,
	})
}

func (u *UserTurnOp) UnmarshalJSON(data []byte) error {
	var w userTurnOpWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	items, err := unmarshalItems(w.Items)
	if err != nil {
		return err
	}
	u.Items = items
	u.Cwd, u.ApprovalPolicy, u.SandboxPolicy = w.Cwd, w.ApprovalPolicy, w.SandboxPolicy
	u.Model, u.Effort, u.Summary = w.Model, w.Effort, w.Summary
	return nil
}
