package protocol

import "encoding/json"

// rolloutItemWire mirrors RolloutItem but carries ResponseItem as a raw
// tagged blob so it round-trips through the wireItem envelope.
type rolloutItemWire struct {
	Kind         RolloutItemKind  `json:"kind"`
	SessionMeta  *SessionMeta     `json:"session_meta,omitempty"`
	TurnContext  *TurnContextSnap `json:"turn_context,omitempty"`
	ResponseItem json.RawMessage  `json:"response_item,omitempty"`
	Compacted    *CompactedRecord `json:"compacted,omitempty"`
	Event        *EventMsg        `json:"event,omitempty"`
}

// MarshalJSON tags the embedded ResponseItem interface so it survives
// the round trip through JSONL.
func (r RolloutItem) MarshalJSON() ([]byte, error) {
	w := rolloutItemWire{
		Kind:        r.Kind,
		SessionMeta: r.SessionMeta,
		TurnContext: r.TurnContext,
		Compacted:   r.Compacted,
		Event:       r.Event,
	}
	if r.ResponseItem != nil {
		raw, err := MarshalResponseItem(r.ResponseItem)
		if err != nil {
			return nil, err
		}
		w.ResponseItem = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON reconstructs the tagged ResponseItem interface.
func (r *RolloutItem) UnmarshalJSON(data []byte) error {
	var w rolloutItemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Kind = w.Kind
	r.SessionMeta = w.SessionMeta
	r.TurnContext = w.TurnContext
	r.Compacted = w.Compacted
	r.Event = w.Event
	if len(w.ResponseItem) > 0 {
		item, err := UnmarshalResponseItem(w.ResponseItem)
		if err != nil {
			return err
		}
		r.ResponseItem = item
	}
	return nil
}
