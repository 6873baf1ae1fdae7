package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/compaction"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Compactor implements internal/compaction.Compactor by asking the
// underlying Provider to summarize a batch of items in one extra Send
// call, grounded on the same Provider.Send path Streamer uses for a
// regular turn but with a fixed system-style compaction prompt.
type Compactor struct {
	Provider Provider
	Model    string
}

// NewCompactor builds a Compactor over provider, optionally pinning a
// distinct (often cheaper) model for compaction calls.
func NewCompactor(provider Provider, model string) *Compactor {
	return &Compactor{Provider: provider, Model: model}
}

// Summarize asks the provider to produce a prose summary of items,
// returning it as-is (opaque is always nil — this path never preserves a
// provider-native opaque blob, unlike a RemoteCompactor).
func (c *Compactor) Summarize(ctx context.Context, items []protocol.ResponseItem, compactionPrompt string) (string, []byte, error) {
	resp, err := c.Provider.Send(ctx, items, nil, compactionPrompt, c.Model)
	if err != nil {
		if looksContextExceeded(err) {
			return "", nil, compaction.ErrContextLengthExceeded
		}
		return "", nil, fmt.Errorf("compactor: summarizing: %w", err)
	}

	var summary strings.Builder
	for _, it := range resp.Items {
		if msg, ok := it.(protocol.Message); ok {
			summary.WriteString(msg.Text())
		}
	}
	return summary.String(), nil, nil
}
