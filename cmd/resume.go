package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/rollout"
)

// resumeCmd replays a rollout file and prints its reconstructed history as
// JSON lines, the read-only counterpart to "run" — useful for inspecting
// what a session would resume into without actually submitting a turn.
func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <rollout-path>",
		Short: "Replay a rollout file and print its reconstructed history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resumed, err := rollout.Replay(args[0])
			if err != nil {
				return fmt.Errorf("replay rollout: %w", err)
			}
			for _, item := range resumed.History.Items() {
				b, err := json.Marshal(item)
				if err != nil {
					return fmt.Errorf("encode resumed item: %w", err)
				}
				fmt.Println(string(b))
			}
			return nil
		},
	}
}
