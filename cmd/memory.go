package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/memory"
)

func resolveMemoryDBPath() string {
	if v := os.Getenv("GOCLAW_MEMORY_DB"); v != "" {
		return v
	}
	return "memory.db"
}

// memoryCmd exposes operator-facing controls over the memory scheduler's
// SQLite-backed job queue, separate from the run/resume turn commands
// since clearing or sweeping memory isn't something a single turn does.
func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage the memory scheduler's job queue",
	}
	cmd.AddCommand(memoryMigrateCmd())
	cmd.AddCommand(memoryClearCmd())
	return cmd
}

func memoryMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the memory database's schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := memory.Open(resolveMemoryDBPath())
			if err != nil {
				return fmt.Errorf("open memory store: %w", err)
			}
			return store.Close()
		},
	}
}

func memoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all stage-1 outputs and memory jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := memory.Open(resolveMemoryDBPath())
			if err != nil {
				return fmt.Errorf("open memory store: %w", err)
			}
			defer store.Close()
			return store.ClearMemoryData()
		},
	}
}
