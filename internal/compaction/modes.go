package compaction

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Manual runs the user-triggered compaction mode: build a request from the
// current history plus a trailing user message containing compactionPrompt,
// let the assistant's reply become the summary, and splice it in as the
// new head of history. On context_length_exceeded it trims the oldest
// droppable item and retries.
func (e *Engine) Manual(ctx context.Context, turnID, compactionPrompt string) error {
	e.emitStarted(turnID)
	defer e.emitCompleted(turnID)

	items := freezeReasoning(e.Store.Items())

	summary, _, err := e.trimAndRetry(ctx, turnID, items, compactionPrompt, func(working []protocol.ResponseItem) (string, []byte, error) {
		return e.retryWithBackoff(ctx, func() (string, []byte, error) {
			return e.Compactor.Summarize(ctx, working, compactionPrompt)
		})
	})
	if err != nil {
		return fmt.Errorf("manual compaction: %w", err)
	}

	return e.Store.Compact(protocol.Compaction{Summary: summary})
}

// Auto runs the post-turn mode: triggered when the completed turn reports
// totalTokens over EffectiveLimit. It compacts only the prior-turn history
// (the survivors stay as the tail) before the next user message is
// processed. The summarization user message used for the compact request
// is never persisted to the History Store.
func (e *Engine) Auto(ctx context.Context, turnID string, totalTokens int, compactionPrompt string) (bool, error) {
	if totalTokens <= e.EffectiveLimit() {
		return false, nil
	}

	e.emitStarted(turnID)
	defer e.emitCompleted(turnID)

	items := freezeReasoning(e.Store.Items())
	keepTail := lastUserTailStart(items)

	toCompact := items[:keepTail]
	summary, _, err := e.trimAndRetry(ctx, turnID, toCompact, compactionPrompt, func(working []protocol.ResponseItem) (string, []byte, error) {
		return e.retryWithBackoff(ctx, func() (string, []byte, error) {
			return e.Compactor.Summarize(ctx, working, compactionPrompt)
		})
	})
	if err != nil {
		return false, fmt.Errorf("auto compaction: %w", err)
	}

	if err := e.Store.CompactPrefix(keepTail, protocol.Compaction{Summary: summary}); err != nil {
		return false, fmt.Errorf("auto compaction: %w", err)
	}
	return true, nil
}

// lastUserTailStart returns the index at which the most recent user
// message begins, so Auto can keep it (and everything after it) as the
// tail survivors while compacting everything before it.
func lastUserTailStart(items []protocol.ResponseItem) int {
	for i := len(items) - 1; i >= 0; i-- {
		if msg, ok := items[i].(protocol.Message); ok && msg.Role == protocol.RoleUser {
			return i
		}
	}
	return len(items)
}

// PreSampling runs the model-switch mode: the user's next turn targets a
// model with a smaller context window than the buffered history demands.
// The incoming `<model_switch>` update item is stripped from the compact
// request and must be restored by the caller in the follow-up request —
// callers get it back as the returned ResponseItem.
//
// This resolves the Open Question the source spec left open: the
// model-switch item is excluded from the compact request itself (not
// included-then-stripped from the summary), matching the exact request
// count pinned down by the end-to-end scenario the spec's compaction
// section describes.
func (e *Engine) PreSampling(ctx context.Context, turnID string, modelSwitch protocol.ResponseItem, compactionPrompt string) (protocol.ResponseItem, error) {
	e.emitStarted(turnID)
	defer e.emitCompleted(turnID)

	items := freezeReasoning(e.Store.Items())

	summary, _, err := e.trimAndRetry(ctx, turnID, items, compactionPrompt, func(working []protocol.ResponseItem) (string, []byte, error) {
		return e.retryWithBackoff(ctx, func() (string, []byte, error) {
			return e.Compactor.Summarize(ctx, working, compactionPrompt)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("pre-sampling compaction: %w", err)
	}

	if err := e.Store.Compact(protocol.Compaction{Summary: summary}); err != nil {
		return nil, fmt.Errorf("pre-sampling compaction: %w", err)
	}
	return modelSwitch, nil
}

// TryRemote delegates compaction to a provider's /compact endpoint if one
// is configured. Remote compaction runs at most once per user turn even if
// the completing turn already reported over-limit.
func (e *Engine) TryRemote(ctx context.Context, turnID string) (bool, error) {
	if e.Remote == nil || e.remoteCompactedThisTurn {
		return false, nil
	}
	e.emitStarted(turnID)
	defer e.emitCompleted(turnID)

	items := freezeReasoning(e.Store.Items())
	replacement, err := e.Remote.Compact(ctx, items)
	if err != nil {
		return false, fmt.Errorf("remote compaction: %w", err)
	}
	e.remoteCompactedThisTurn = true
	return true, e.Store.Replace(replacement)
}
