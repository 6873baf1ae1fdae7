// Package compaction implements the three compaction modes (manual, auto,
// pre-sampling) that keep a turn's history within its model's context
// window. All three share one shape: produce a new history
// H' = [pre_invariants..., Compaction(summary), tail] such that the next
// request fits.
//
// Grounded on the other_examples compactor shapes (threshold/keep-recent
// split) and the trim-and-retry loop semantics of
// original_source/codex-rs/core/tests/suite/compact.rs.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/history"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// ErrContextLengthExceeded is the sentinel a Compactor returns when the
// provider rejected the compact request itself as too large. The
// trim-and-retry loop owns recovery from this specific error only.
var ErrContextLengthExceeded = errors.New("compaction: context_length_exceeded")

// Compactor is the single capability all three modes share: given the
// items to summarize, produce the assistant's summary text plus an opaque
// blob a remote provider may want preserved verbatim (empty for local
// summarization).
type Compactor interface {
	Summarize(ctx context.Context, items []protocol.ResponseItem, compactionPrompt string) (summary string, opaque []byte, err error)
}

// RemoteCompactor is implemented by providers exposing a /compact
// endpoint: it replaces delegation to Summarize with sending the raw
// history and getting back a ready-made replacement item list.
type RemoteCompactor interface {
	Compact(ctx context.Context, items []protocol.ResponseItem) ([]protocol.ResponseItem, error)
}

// EventSink receives the lifecycle events a compaction run emits.
type EventSink interface {
	Emit(protocol.EventMsg)
}

// Engine runs all three compaction modes against one turn's History Store.
type Engine struct {
	Store    *history.Store
	Compactor Compactor
	Remote   RemoteCompactor
	Events   EventSink

	ContextWindow    int
	AutoCompactLimit int

	limiter *rate.Limiter

	// remoteCompactedThisTurn tracks the "runs at most once per user turn"
	// rule for the remote-compact path; reset by the turn driver when a
	// new user message starts a turn.
	remoteCompactedThisTurn bool
}

// New builds an Engine. Its limiter sets the stream-reconnect retry
// budget used between non-context-exceeded failures: one token every 2
// seconds, with a burst of 3.
func New(store *history.Store, compactor Compactor, events EventSink, contextWindow, autoCompactLimit int) *Engine {
	return &Engine{
		Store:            store,
		Compactor:        compactor,
		Events:           events,
		ContextWindow:    contextWindow,
		AutoCompactLimit: autoCompactLimit,
		limiter:          rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
}

// EffectiveLimit is min(AutoCompactLimit, 0.95*ContextWindow) per spec.
func (e *Engine) EffectiveLimit() int {
	ceiling := int(float64(e.ContextWindow) * 0.95)
	if e.AutoCompactLimit > 0 && e.AutoCompactLimit < ceiling {
		return e.AutoCompactLimit
	}
	return ceiling
}

// ResetTurn clears the remote-compact-once-per-turn flag; the turn driver
// calls this when a new user message begins a turn.
func (e *Engine) ResetTurn() {
	e.remoteCompactedThisTurn = false
}

func (e *Engine) emitStarted(turnID string) {
	if e.Events != nil {
		e.Events.Emit(protocol.EventMsg{Kind: protocol.EventItemStarted, TurnID: turnID, ItemKind: protocol.TranscriptContextCompaction})
	}
}

func (e *Engine) emitCompleted(turnID string) {
	if e.Events != nil {
		e.Events.Emit(protocol.EventMsg{Kind: protocol.EventItemCompleted, TurnID: turnID, ItemKind: protocol.TranscriptContextCompaction})
	}
}

func (e *Engine) emitBackground(turnID, message string) {
	if e.Events != nil {
		e.Events.Emit(protocol.EventMsg{Kind: protocol.EventBackground, TurnID: turnID, Message: message})
	}
}

func (e *Engine) emitWarning(turnID, message string) {
	if e.Events != nil {
		e.Events.Emit(protocol.EventMsg{Kind: protocol.EventWarning, TurnID: turnID, Message: message})
	}
}

// freezeReasoning strips encrypted-reasoning items that sit after the last
// user message (they do not count against the next request) while
// retaining those before it, per spec. Returns the filtered item list; the
// original slice is never mutated.
func freezeReasoning(items []protocol.ResponseItem) []protocol.ResponseItem {
	lastUser := -1
	for i, it := range items {
		if msg, ok := it.(protocol.Message); ok && msg.Role == protocol.RoleUser {
			lastUser = i
		}
	}
	if lastUser < 0 {
		return items
	}
	out := make([]protocol.ResponseItem, 0, len(items))
	for i, it := range items {
		if i > lastUser {
			if _, ok := it.(protocol.Reasoning); ok {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

// isInvariant reports whether item must never be dropped by the
// trim-and-retry loop: the opening session context and any already
// consolidated Compaction marker are invariant; everything else is
// droppable.
func isInvariant(item protocol.ResponseItem, index int) bool {
	if index == 0 {
		return true
	}
	return item.Kind() == protocol.KindCompaction
}

// trimAndRetry drops the oldest non-invariant item from items and retries
// fn until it succeeds, items are exhausted, or ctx is done. Used by
// Manual compaction on ErrContextLengthExceeded, matching
// core/tests/suite/compact.rs's trim loop.
func (e *Engine) trimAndRetry(ctx context.Context, turnID string, items []protocol.ResponseItem, prompt string, fn func([]protocol.ResponseItem) (string, []byte, error)) (string, []byte, error) {
	working := make([]protocol.ResponseItem, len(items))
	copy(working, items)

	for {
		summary, opaque, err := fn(working)
		if err == nil {
			return summary, opaque, nil
		}
		if !errors.Is(err, ErrContextLengthExceeded) {
			return "", nil, err
		}

		dropAt := -1
		for i, it := range working {
			if !isInvariant(it, i) {
				dropAt = i
				break
			}
		}
		if dropAt < 0 {
			return "", nil, fmt.Errorf("compaction: ran out of room in the model's context window")
		}
		working = append(working[:dropAt], working[dropAt+1:]...)
		e.emitBackground(turnID, "Trimmed 1 older thread item")
		e.emitWarning(turnID, "context length exceeded; trimming history and retrying compaction")

		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
	}
}

// retryWithBackoff retries fn once per stream-reconnect budget on non-
// context errors, matching spec's "retry once per stream-reconnect budget;
// on exhaustion, surface a task-level error without destroying history".
func (e *Engine) retryWithBackoff(ctx context.Context, fn func() (string, []byte, error)) (string, []byte, error) {
	summary, opaque, err := fn()
	if err == nil {
		return summary, opaque, nil
	}
	if errors.Is(err, ErrContextLengthExceeded) {
		return "", nil, err
	}
	if e.limiter != nil {
		if werr := e.limiter.Wait(ctx); werr != nil {
			return "", nil, werr
		}
	}
	return fn()
}
