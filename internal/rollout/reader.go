package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nextlevelbuilder/goclaw/internal/history"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Resumed is the state reconstructed by replaying a rollout file.
type Resumed struct {
	SessionMeta protocol.SessionMeta
	History     *history.Store
	TurnContext *protocol.TurnContextSnap
	LineCount   int
}

// Replay reads every line of the rollout file at path in order and rebuilds
// the History Store plus the most recent TurnContextSnap. A RolloutCompacted
// record resets the in-progress History Store to a single Compaction item,
// matching what Store.Compact does live.
func Replay(path string) (*Resumed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}
	defer f.Close()

	res := &Resumed{History: history.New()}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rl protocol.RolloutLine
		if err := json.Unmarshal(line, &rl); err != nil {
			return nil, fmt.Errorf("rollout: line %d: %w", res.LineCount+1, err)
		}
		res.LineCount++

		switch rl.Item.Kind {
		case protocol.RolloutSessionMeta:
			if rl.Item.SessionMeta != nil {
				res.SessionMeta = *rl.Item.SessionMeta
			}
		case protocol.RolloutTurnContext:
			res.TurnContext = rl.Item.TurnContext
		case protocol.RolloutResponse:
			if rl.Item.ResponseItem != nil {
				if err := res.History.Append(rl.Item.ResponseItem); err != nil {
					return nil, fmt.Errorf("rollout: line %d: %w", res.LineCount, err)
				}
			}
		case protocol.RolloutCompacted:
			if rl.Item.Compacted != nil {
				if err := res.History.Compact(protocol.Compaction{Summary: rl.Item.Compacted.Message}); err != nil {
					return nil, fmt.Errorf("rollout: line %d: %w", res.LineCount, err)
				}
			}
		case protocol.RolloutEvent:
			// events are not replayed into history; they are transcript
			// records for front-ends reattaching to a live session.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rollout: scan %s: %w", path, err)
	}
	return res, nil
}
