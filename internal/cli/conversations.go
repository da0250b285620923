package cli

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/orchestration"
	"github.com/bizmatters/contract-studio/internal/store"
)

// newStore is replaced in tests
var newStore = func(cmd *cobra.Command) store.ConversationStore {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	return orchestration.NewAgentClient(getAgentURL(), logger)
}

func createConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Browse conversations stored by the agent backend",
	}

	cmd.AddCommand(createConversationsListCmd())
	cmd.AddCommand(createConversationsGetCmd())
	cmd.AddCommand(createConversationsDeleteCmd())

	return cmd
}

func createConversationsListCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := newStore(cmd).List(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list conversations: %w", err)
			}
			if limit > 0 && len(summaries) > limit {
				summaries = summaries[:limit]
			}

			if jsonOutput {
				if summaries == nil {
					summaries = []models.ConversationSummary{}
				}
				return printJSON(cmd.OutOrStdout(), models.ConversationList{Conversations: summaries})
			}

			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversations found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tUPDATED\tPREVIEW")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, s.UpdatedAt, models.Truncate(s.Preview, 40))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of conversations to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createConversationsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newStore(cmd).Load(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load conversation: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), models.ConversationEnvelope{Conversation: rec})
		},
	}
}

func createConversationsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newStore(cmd).Delete(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to delete conversation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
			return nil
		},
	}
}
