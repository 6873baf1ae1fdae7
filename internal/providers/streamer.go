package providers

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/turn"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// contextExceededMarkers are substrings providers use in their error text
// to signal the request itself was too large for the model's context
// window — neither SDK client classifies errors beyond status code + body
// string, so the Streamer does the classification here instead.
var contextExceededMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"request too large",
}

func looksContextExceeded(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range contextExceededMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Streamer adapts a Provider to the turn.Streamer interface (satisfied
// structurally; internal/turn never imports internal/providers, per
// spec's Turn Driver <-> Tool Dispatcher message-passing boundary
// generalized to the Driver <-> Streamer boundary as well).
type Streamer struct {
	Provider      Provider
	Tools         []ToolDefinition
	ContextWindow int
}

// NewStreamer builds a Streamer over provider, advertising tools on every
// request.
func NewStreamer(provider Provider, tools []ToolDefinition, contextWindow int) *Streamer {
	return &Streamer{Provider: provider, Tools: tools, ContextWindow: contextWindow}
}

// Stream sends items as one Send call and reports each produced item via
// onItem as it is decoded from the response. It implements
// internal/turn.Streamer; despite the name, there is no token-by-token
// streaming here — both SDK providers return one complete response, and
// onItem fires once per decoded item rather than per chunk.
func (s *Streamer) Stream(ctx context.Context, items []protocol.ResponseItem, onItem func(protocol.ResponseItem)) (turn.StreamResult, error) {
	resp, err := s.Provider.Send(ctx, items, s.Tools, "", "")
	if err != nil {
		if looksContextExceeded(err) {
			return turn.StreamResult{ContextExceeded: true}, nil
		}
		return turn.StreamResult{}, err
	}

	for _, item := range resp.Items {
		onItem(item)
	}

	result := turn.StreamResult{}
	if resp.Usage != nil {
		result.TotalTokens = resp.Usage.TotalTokens
		if s.ContextWindow > 0 {
			result.OverLimit = resp.Usage.TotalTokens > int(float64(s.ContextWindow)*0.9)
		}
	}
	return result, nil
}
