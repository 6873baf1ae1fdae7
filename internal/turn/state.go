// Package turn implements the Turn Driver: the state machine that walks
// one user turn from submission through streaming, tool dispatch, and
// compaction back to Idle.
//
// Grounded on the teacher's internal/agent/loop_tracing.go span-per-call
// shape, generalized from its store.SpanData/tracing package to
// go.opentelemetry.io/otel directly, and on loop.go's iterate-until-done
// control flow generalized from providers.Message to protocol.ResponseItem.
package turn

// State is one node of the turn state machine.
type State string

const (
	StateIdle             State = "idle"
	StateBuildingRequest   State = "building_request"
	StateStreaming        State = "streaming"
	StateDispatchingTools State = "dispatching_tools"
	StateAutoCompacting   State = "auto_compacting"
	StateCompacting       State = "compacting"
	StateCancelled        State = "cancelled"
)
