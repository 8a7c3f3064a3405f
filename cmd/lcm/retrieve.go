package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/lcm/pkg/expansion"
	"github.com/openclaw/lcm/pkg/retrieval"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

var (
	grepMode         string
	grepScope        string
	grepConversation string
	grepLimit        int
)

var grepCmd = &cobra.Command{
	Use:   "grep <pattern>",
	Short: "Search messages and summaries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, cleanup, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := rt.retrieval.Grep(ctx, retrieval.GrepRequest{
			Query:          args[0],
			Mode:           store.SearchMode(grepMode),
			Scope:          retrieval.Scope(grepScope),
			ConversationID: lcm.ConversationID(grepConversation),
			Limit:          grepLimit,
		})
		if err != nil {
			return err
		}

		if len(result.Matches) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, m := range result.Matches {
			if m.Kind == "message" {
				fmt.Printf("message %s #%d %s: %s\n", m.ID, m.Ordinal, m.Role, m.Snippet)
			} else {
				fmt.Printf("summary %s %q: %s\n", m.ID, m.Title, m.Snippet)
			}
		}
		fmt.Printf("\n%d matches, %d rows scanned\n", len(result.Matches), result.ScannedCount)
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <id>",
	Short: "Describe a summary, context item, or artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, cleanup, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		desc, err := rt.retrieval.Describe(ctx, args[0], retrieval.Auth{})
		if err != nil {
			return err
		}
		if desc == nil {
			return fmt.Errorf("unknown id: %s", args[0])
		}

		if s := desc.Summary; s != nil {
			fmt.Printf("%s (%s) in %s\n", s.ID, s.ItemType, s.ConversationID)
			if s.Title != "" {
				fmt.Printf("title: %s\n", s.Title)
			}
			fmt.Printf("tokens: ~%d  tombstoned: %v\n", s.TokenEstimate, s.Tombstoned)
			if s.SourceMessageRange != nil {
				fmt.Printf("covers ordinals %d..%d\n", s.SourceMessageRange[0], s.SourceMessageRange[1])
			}
			fmt.Printf("parents: %v\nchildren: %v\n", s.Lineage.ParentIDs, s.Lineage.ChildIDs)
			return nil
		}

		f := desc.File
		fmt.Printf("%s (file) in %s\npath: %s\n", f.ID, f.ConversationID, f.Path)
		return nil
	},
}

var (
	expandDepth    int
	expandTokenCap int
	expandMessages bool
)

var expandCmd = &cobra.Command{
	Use:   "expand <summary-id>...",
	Short: "Expand summaries back into detail",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, cleanup, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		targets := make([]lcm.ItemID, len(args))
		for i, id := range args {
			targets[i] = lcm.ItemID(id)
		}

		result, err := rt.orch.Run(ctx, expansion.Request{
			TargetIDs:       targets,
			Depth:           expandDepth,
			TokenCap:        expandTokenCap,
			IncludeMessages: expandMessages,
			Strategy:        expansion.StrategyDirect,
		})
		if err != nil {
			return err
		}

		if result.Synthesis != "" {
			fmt.Println(result.Synthesis)
			fmt.Println()
		}
		fmt.Printf("cited: %v\n", result.CitedIDs)
		if len(result.NextSummaryIDs) > 0 {
			fmt.Printf("next: %v\n", result.NextSummaryIDs)
		}
		return nil
	},
}

func init() {
	grepCmd.Flags().StringVar(&grepMode, "mode", "full_text", "Search mode (full_text, regex)")
	grepCmd.Flags().StringVar(&grepScope, "scope", "both", "Search scope (messages, summaries, both)")
	grepCmd.Flags().StringVar(&grepConversation, "conversation", "", "Restrict to one conversation")
	grepCmd.Flags().IntVar(&grepLimit, "limit", 20, "Maximum matches")

	expandCmd.Flags().IntVar(&expandDepth, "depth", 2, "Traversal depth")
	expandCmd.Flags().IntVar(&expandTokenCap, "token-cap", 4000, "Token budget")
	expandCmd.Flags().BoolVar(&expandMessages, "messages", false, "Include canonical messages")
}
