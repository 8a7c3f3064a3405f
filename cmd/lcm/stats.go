package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

var statsLimit int

var statsCmd = &cobra.Command{
	Use:   "stats <conversation-id>",
	Short: "Show context and compaction statistics for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, cleanup, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		conv := lcm.ConversationID(args[0])

		messages, err := rt.store.CountMessages(ctx, rt.store.Q(), conv)
		if err != nil {
			return err
		}
		items, err := rt.store.GetContextItems(ctx, rt.store.Q(), store.ContextItemQuery{ConversationID: conv})
		if err != nil {
			return err
		}

		summaries := 0
		for _, item := range items {
			if item.ItemType == lcm.ItemSummary {
				summaries++
			}
		}

		fmt.Printf("Conversation %s\n", conv)
		fmt.Printf("  canonical messages: %d\n", messages)
		fmt.Printf("  active items:       %d (%d summaries)\n", len(items), summaries)

		runs, err := rt.store.ListCompactionRuns(ctx, rt.store.Q(), conv, statsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("  no compaction runs")
			return nil
		}

		fmt.Println("\nCompaction runs:")
		for _, run := range runs {
			started := time.UnixMilli(run.StartedAtMs).UTC().Format(time.RFC3339)
			fmt.Printf("  %s %s %s in=%d out=%d\n", started, run.RunID, run.Status, run.InputItemCount, run.OutputItemCount)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsLimit, "limit", 10, "Maximum runs to show")
}
