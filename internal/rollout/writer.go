// Package rollout persists the append-only JSONL session log that is the
// sole durable record of a conversation. A Writer owns one file exclusively;
// a Reader replays a file to reconstruct a history.Store and the last
// TurnContextSnap for resume.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Writer serializes RolloutLines to a single JSONL file. All writes go
// through one goroutine's worth of mutex-held append so concurrent callers
// never interleave partial lines; ordering of Append calls is the ordering
// on disk.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// Create opens a new rollout file at path, failing if one already exists —
// a session ID collision is a programmer error, not something to silently
// overwrite.
func Create(path string, meta protocol.SessionMeta) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rollout: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rollout: create %s: %w", path, err)
	}
	w := &Writer{file: f, buf: bufio.NewWriter(f)}
	if err := w.append(protocol.RolloutLine{
		Timestamp: meta.CreatedAt,
		Item:      protocol.RolloutItem{Kind: protocol.RolloutSessionMeta, SessionMeta: &meta},
	}); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Open appends to an existing rollout file, for a process that crashed and
// is resuming without a clean Shutdown.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}
	return &Writer{file: f, buf: bufio.NewWriter(f)}, nil
}

// Append writes one line, newline-terminated, and flushes the buffered
// writer so a concurrent Reader started after this call observes it.
func (w *Writer) Append(item protocol.RolloutItem, ts time.Time) error {
	return w.append(protocol.RolloutLine{Timestamp: ts, Item: item})
}

func (w *Writer) append(line protocol.RolloutLine) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("rollout: marshal line: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("rollout: write line: %w", err)
	}
	return w.buf.Flush()
}

// AppendResponseItem is a convenience wrapper for the common case of
// persisting one ResponseItem as it is appended to the History Store.
func (w *Writer) AppendResponseItem(item protocol.ResponseItem, ts time.Time) error {
	return w.Append(protocol.RolloutItem{Kind: protocol.RolloutResponse, ResponseItem: item}, ts)
}

// AppendTurnContext records a snapshot taken whenever the ambient
// TurnContext changes, so resume does not need to re-run config resolution.
func (w *Writer) AppendTurnContext(snap protocol.TurnContextSnap, ts time.Time) error {
	return w.Append(protocol.RolloutItem{Kind: protocol.RolloutTurnContext, TurnContext: &snap}, ts)
}

// AppendCompacted records that the in-memory history was replaced with a
// summary, mirroring the Compaction ResponseItem for replay.
func (w *Writer) AppendCompacted(message string, ts time.Time) error {
	return w.Append(protocol.RolloutItem{Kind: protocol.RolloutCompacted, Compacted: &protocol.CompactedRecord{Message: message}}, ts)
}

// Shutdown flushes any buffered bytes, fsyncs the file to survive a crash,
// and closes it. Appends after Shutdown fail.
func (w *Writer) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("rollout: flush on shutdown: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("rollout: fsync on shutdown: %w", err)
	}
	return w.file.Close()
}
