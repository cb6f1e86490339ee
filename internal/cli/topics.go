package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List topics available for chat",
	Long: `List the topics the backend can answer questions about.

Pass a topic id to other commands with --topic or KBCHAT_TOPIC_ID.

Examples:
  kbchat topics
  kbchat topics -v`,
	Args: cobra.NoArgs,
	RunE: runTopics,
}

func runTopics(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	topics, err := apiClient.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	if len(topics) == 0 {
		fmt.Println("No topics found.")
		return nil
	}

	fmt.Printf("Topics (%d):\n\n", len(topics))
	for _, t := range topics {
		selected := ""
		if t.ID == cfg.TopicID {
			selected = " [selected]"
		}
		fmt.Printf("- %d: %s%s\n", t.ID, t.Name, selected)
		if verbose && t.Description != "" {
			fmt.Printf("  %s\n", t.Description)
		}
	}

	return nil
}
