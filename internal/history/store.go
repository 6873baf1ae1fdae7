// Package history holds the in-memory ordered conversation log the turn
// driver reads and appends to. It is the single source of truth for what
// goes into the next model request; the rollout package persists it, it
// does not own it.
package history

import (
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Store is an append-mostly ordered list of ResponseItem. It enforces one
// invariant across the whole log: every FunctionCall/LocalShellCall must
// have its matching output appended, somewhere later in the log, before
// any Compaction marker is appended. Replace/Compact never reorders
// survivors; they only truncate a prefix and splice in a summary item.
//
// Grounded on the teacher's loop_history.go history pipeline (trim/prune/
// sanitize over a flat slice under a single mutex), generalized from
// providers.Message to protocol.ResponseItem.
type Store struct {
	mu    sync.RWMutex
	items []protocol.ResponseItem

	// pending tracks call IDs awaiting their FunctionCallOutput /
	// LocalShellCallOutput, as an unordered set.
	pending map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{pending: make(map[string]struct{})}
}

// PairingError reports an attempt to append an output with no matching
// pending call, or a Compaction appended while calls are still pending.
type PairingError struct {
	CallID string
	Reason string
}

func (e *PairingError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("history: %s (call_id=%s)", e.Reason, e.CallID)
	}
	return "history: " + e.Reason
}

// Append adds one item to the end of the log, enforcing the call/output
// pairing invariant and Compaction terminality.
func (s *Store) Append(item protocol.ResponseItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(item)
}

func (s *Store) appendLocked(item protocol.ResponseItem) error {
	switch v := item.(type) {
	case protocol.FunctionCall:
		s.pending[v.CallID] = struct{}{}
	case protocol.LocalShellCall:
		s.pending[v.CallID] = struct{}{}
	case protocol.FunctionCallOutput:
		if _, ok := s.pending[v.CallID]; !ok {
			return &PairingError{CallID: v.CallID, Reason: "output with no pending call"}
		}
		delete(s.pending, v.CallID)
	case protocol.LocalShellCallOutput:
		if _, ok := s.pending[v.CallID]; !ok {
			return &PairingError{CallID: v.CallID, Reason: "output with no pending call"}
		}
		delete(s.pending, v.CallID)
	case protocol.Compaction:
		if len(s.pending) != 0 {
			return &PairingError{Reason: "compaction appended with calls still pending"}
		}
	}
	s.items = append(s.items, item)
	return nil
}

// AppendMany appends items one at a time, stopping and returning the first
// pairing error encountered. Items appended before the error remain in the
// log — callers that need all-or-nothing semantics should snapshot first.
func (s *Store) AppendMany(items []protocol.ResponseItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if err := s.appendLocked(it); err != nil {
			return err
		}
	}
	return nil
}

// Items returns a copy of the current log in order. Callers must not rely
// on aliasing into the Store's internal slice.
func (s *Store) Items() []protocol.ResponseItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.ResponseItem, len(s.items))
	copy(out, s.items)
	return out
}

// Len reports the current item count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// PendingCalls reports call IDs awaiting an output, for diagnostics and for
// the compaction engine's freeze check.
func (s *Store) PendingCalls() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}

// Replace discards every item and installs newItems as the new log,
// re-deriving the pending-call set from scratch. Used by Compact to splice
// in a summary item and by rollout replay to reconstruct state.
func (s *Store) Replace(newItems []protocol.ResponseItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.pending = make(map[string]struct{})
	for _, it := range newItems {
		if err := s.appendLocked(it); err != nil {
			return err
		}
	}
	return nil
}

// Compact replaces the entire log with a single Compaction item carrying
// the given summary. Pending calls must be empty — callers are expected to
// have frozen or dropped in-flight calls before invoking Compact (see
// internal/compaction).
func (s *Store) Compact(summary protocol.Compaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) != 0 {
		return &PairingError{Reason: "compact called with calls still pending"}
	}
	s.items = []protocol.ResponseItem{summary}
	return nil
}

// CompactPrefix replaces the first n items with a single Compaction item,
// keeping items[n:] as survivors. Used by auto-compaction's trim-and-retry
// loop, which compacts only the oldest portion of the log rather than the
// whole history. n must not split a pending call from its output.
func (s *Store) CompactPrefix(n int, summary protocol.Compaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > len(s.items) {
		return fmt.Errorf("history: CompactPrefix n=%d out of range len=%d", n, len(s.items))
	}
	survivors := s.items[n:]
	merged := make([]protocol.ResponseItem, 0, len(survivors)+1)
	merged = append(merged, summary)
	merged = append(merged, survivors...)

	s.items = nil
	s.pending = make(map[string]struct{})
	for _, it := range merged {
		if err := s.appendLocked(it); err != nil {
			s.items = nil
			s.pending = make(map[string]struct{})
			return err
		}
	}
	return nil
}
