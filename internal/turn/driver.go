package turn

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/compaction"
	"github.com/nextlevelbuilder/goclaw/internal/history"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/goclaw/internal/turn")

// StreamResult is what a Streamer reports once a model response finishes.
type StreamResult struct {
	TotalTokens int
	OverLimit   bool
	// ContextExceeded is set when the provider itself rejected the request
	// as too large for the model's context window.
	ContextExceeded bool
}

// Streamer sends the current history (plus any system/developer framing)
// to the model and emits produced items via onItem as they arrive,
// returning a StreamResult once the response completes.
type Streamer interface {
	Stream(ctx context.Context, items []protocol.ResponseItem, onItem func(protocol.ResponseItem)) (StreamResult, error)
}

// Dispatcher runs a batch of FunctionCall items and returns their outputs
// in the same order the calls were given, per the Tool Dispatcher's
// ordering contract.
type Dispatcher interface {
	Dispatch(ctx context.Context, calls []protocol.FunctionCall) ([]protocol.FunctionCallOutput, error)
}

// EventSink receives turn lifecycle events.
type EventSink interface {
	Emit(protocol.EventMsg)
}

// Driver runs turns against one History Store.
type Driver struct {
	History    *history.Store
	Compactor  *compaction.Engine
	Streamer   Streamer
	Dispatcher Dispatcher
	Events     EventSink

	CompactionPrompt string

	// PendingModelSwitch is set by the caller when the next turn targets a
	// model whose context window is smaller than the buffered history
	// demands. Run consumes it via PreSampling compaction before building
	// the first request of the turn, and appends it to the compacted
	// history right after the summary, so that request carries it — the tie-break that makes pre-sampling win over
	// auto-compact when both conditions hold, since auto-compact can only
	// fire after a request has actually been sent.
	PendingModelSwitch protocol.ResponseItem

	state State
}

// New builds a Driver, starting in Idle.
func New(h *history.Store, comp *compaction.Engine, streamer Streamer, dispatcher Dispatcher, events EventSink, compactionPrompt string) *Driver {
	return &Driver{
		History:          h,
		Compactor:        comp,
		Streamer:         streamer,
		Dispatcher:       dispatcher,
		Events:           events,
		CompactionPrompt: compactionPrompt,
		state:            StateIdle,
	}
}

// State reports the driver's current state.
func (d *Driver) State() State { return d.state }

func (d *Driver) emit(e protocol.EventMsg) {
	if d.Events != nil {
		d.Events.Emit(e)
	}
}

// ErrCancelled is returned by Run when ctx is cancelled mid-turn.
var ErrCancelled = errors.New("turn: cancelled")

// Run drives op.Items (already appended by the caller as the user's
// submission) through BuildingRequest/Streaming/DispatchingTools until the
// turn reaches Idle, Cancelled, or a terminal error. turnID groups every
// event this turn (and any nested compactions) emits.
func (d *Driver) Run(ctx context.Context, turnID string) error {
	if turnID == "" {
		turnID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "turn.Run", trace.WithAttributes(attribute.String("turn.id", turnID)))
	defer span.End()

	if d.Compactor != nil {
		d.Compactor.ResetTurn()
	}

	d.emit(protocol.EventMsg{Kind: protocol.EventTurnStarted, TurnID: turnID})

	if d.PendingModelSwitch != nil && d.Compactor != nil {
		d.state = StateCompacting
		restored, err := d.Compactor.PreSampling(ctx, turnID, d.PendingModelSwitch, d.CompactionPrompt)
		if err != nil {
			return fmt.Errorf("turn: pre-sampling compaction: %w", err)
		}
		d.PendingModelSwitch = nil
		if err := d.History.Append(restored); err != nil {
			return fmt.Errorf("turn: restoring model switch item: %w", err)
		}
	}

	d.state = StateBuildingRequest

	for {
		if err := ctx.Err(); err != nil {
			d.state = StateCancelled
			d.emit(protocol.EventMsg{Kind: protocol.EventError, TurnID: turnID, Message: ErrCancelled.Error()})
			return ErrCancelled
		}

		d.state = StateStreaming
		result, calls, err := d.streamOnce(ctx, turnID)
		if err != nil {
			if errors.Is(err, compaction.ErrContextLengthExceeded) {
				d.state = StateCompacting
				if cerr := d.runCompactTrimRetry(ctx, turnID); cerr != nil {
					return fmt.Errorf("turn: compacting after context_exceeded: %w", cerr)
				}
				d.state = StateBuildingRequest
				continue
			}
			d.state = StateCancelled
			d.emit(protocol.EventMsg{Kind: protocol.EventError, TurnID: turnID, Message: err.Error()})
			return fmt.Errorf("turn: streaming: %w", err)
		}

		if len(calls) > 0 {
			d.state = StateDispatchingTools
			if err := d.dispatchAndAppend(ctx, calls); err != nil {
				d.state = StateCancelled
				d.emit(protocol.EventMsg{Kind: protocol.EventError, TurnID: turnID, Message: err.Error()})
				return fmt.Errorf("turn: dispatching tools: %w", err)
			}
			d.state = StateBuildingRequest
			continue
		}

		if result.OverLimit && d.Compactor != nil {
			d.state = StateAutoCompacting
			if _, err := d.Compactor.Auto(ctx, turnID, result.TotalTokens, d.CompactionPrompt); err != nil {
				return fmt.Errorf("turn: auto-compacting: %w", err)
			}
			d.state = StateBuildingRequest
			continue
		}

		d.state = StateIdle
		d.emit(protocol.EventMsg{Kind: protocol.EventTurnComplete, TurnID: turnID})
		return nil
	}
}

func (d *Driver) streamOnce(ctx context.Context, turnID string) (StreamResult, []protocol.FunctionCall, error) {
	items := d.History.Items()

	var calls []protocol.FunctionCall
	onItem := func(item protocol.ResponseItem) {
		tk := transcriptKindFor(item)
		d.emit(protocol.EventMsg{Kind: protocol.EventItemStarted, TurnID: turnID, ItemKind: tk, Item: item})
		if err := d.History.Append(item); err != nil {
			// a pairing violation here is a provider-contract bug, not a
			// turn failure the user can act on; surface it as a warning
			// and keep going so the transcript still groups correctly.
			d.emit(protocol.EventMsg{Kind: protocol.EventWarning, TurnID: turnID, Message: err.Error()})
		}
		d.emit(protocol.EventMsg{Kind: protocol.EventItemCompleted, TurnID: turnID, ItemKind: tk, Item: item})
		if fc, ok := item.(protocol.FunctionCall); ok {
			calls = append(calls, fc)
		}
	}

	result, err := d.Streamer.Stream(ctx, items, onItem)
	if err != nil {
		return StreamResult{}, nil, err
	}
	if result.ContextExceeded {
		return result, nil, compaction.ErrContextLengthExceeded
	}
	d.emit(protocol.EventMsg{Kind: protocol.EventTokenCount, TurnID: turnID, Tokens: &protocol.TokenCountInfo{TotalTokens: result.TotalTokens}})
	return result, calls, nil
}

func (d *Driver) dispatchAndAppend(ctx context.Context, calls []protocol.FunctionCall) error {
	outputs, err := d.Dispatcher.Dispatch(ctx, calls)
	if err != nil {
		return err
	}
	if len(outputs) != len(calls) {
		return fmt.Errorf("dispatcher returned %d outputs for %d calls", len(outputs), len(calls))
	}
	for i, out := range outputs {
		if out.CallID != calls[i].CallID {
			return fmt.Errorf("dispatcher returned outputs out of order: want call_id %s at position %d, got %s", calls[i].CallID, i, out.CallID)
		}
		if err := d.History.Append(out); err != nil {
			return err
		}
	}
	return nil
}

// runCompactTrimRetry handles the generic "any -> context_exceeded ->
// Compacting(trim_retry)" transition: it runs a manual-shaped compaction
// over the current history so the next BuildingRequest fits.
func (d *Driver) runCompactTrimRetry(ctx context.Context, turnID string) error {
	if d.Compactor == nil {
		return fmt.Errorf("turn: context exceeded with no compaction engine configured")
	}
	return d.Compactor.Manual(ctx, turnID, d.CompactionPrompt)
}

func transcriptKindFor(item protocol.ResponseItem) protocol.TranscriptItemKind {
	switch item.(type) {
	case protocol.Message:
		return protocol.TranscriptAssistantMessage
	case protocol.Reasoning:
		return protocol.TranscriptReasoning
	case protocol.FunctionCall:
		return protocol.TranscriptFunctionCall
	case protocol.FunctionCallOutput:
		return protocol.TranscriptFunctionCallOutput
	case protocol.Compaction:
		return protocol.TranscriptContextCompaction
	default:
		return ""
	}
}
