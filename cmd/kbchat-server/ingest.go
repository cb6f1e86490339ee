package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/raphaelgruber/kbchat/internal/service"
	"github.com/spf13/cobra"
)

var (
	ingestRecursive   bool
	ingestConcurrency int
	ingestDryRun      bool
	topicDescription  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <topic-name> <dir>",
	Short: "Load Markdown files into a topic",
	Long: `Split Markdown files into passages and store them as context items of
a topic. The topic is created if it does not exist. Re-ingesting a file
replaces the passages previously loaded from it.

Examples:
  kbchat-server ingest "Billing" ./docs/billing
  kbchat-server ingest "Ops" ./runbooks -r --concurrency 8
  kbchat-server ingest "Ops" ./runbooks -r --dry-run`,
	Args: cobra.ExactArgs(2),
	RunE: runIngest,
}

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Manage topics",
}

var topicAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopicAdd,
}

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List topics with their passage counts",
	Args:  cobra.NoArgs,
	RunE:  runTopicList,
}

func init() {
	ingestCmd.Flags().BoolVarP(&ingestRecursive, "recursive", "r", false, "process subdirectories")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 4, "parallel workers")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "parse and split without storing")
	ingestCmd.Flags().StringVarP(&topicDescription, "description", "d", "", "description for a newly created topic")

	topicAddCmd.Flags().StringVarP(&topicDescription, "description", "d", "", "topic description")
	topicCmd.AddCommand(topicAddCmd)
	topicCmd.AddCommand(topicListCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	name, dir := args[0], args[1]

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dbClient, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = dbClient.Close(context.Background()) }()

	ingest := service.NewIngestService(dbClient, logger)
	if !ingestDryRun {
		embedder, err := newEmbedder()
		if err != nil {
			return err
		}
		if embedder != nil {
			ingest.WithEmbedder(embedder)
		}
	}

	topic, err := ingest.EnsureTopic(ctx, name, topicDescription)
	if err != nil {
		return fmt.Errorf("ensure topic: %w", err)
	}

	result, err := ingest.IngestDirectory(ctx, topic.ID, dir, service.IngestOptions{
		Recursive:   ingestRecursive,
		Concurrency: ingestConcurrency,
		DryRun:      ingestDryRun,
	})
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if ingestDryRun {
		fmt.Println("Dry run: nothing was stored.")
	}
	fmt.Printf("Topic %d (%s)\n", topic.ID, topic.Name)
	fmt.Printf("  Files processed: %d\n", result.FilesProcessed)
	fmt.Printf("  Files skipped:   %d\n", result.FilesSkipped)
	fmt.Printf("  Items created:   %d\n", result.ItemsCreated)
	if result.ItemsReplaced > 0 {
		fmt.Printf("  Items replaced:  %d\n", result.ItemsReplaced)
	}
	if len(result.Errors) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("  • %s\n", e)
		}
	}
	return nil
}

func runTopicAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dbClient, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = dbClient.Close(context.Background()) }()

	topic, err := service.NewIngestService(dbClient, logger).EnsureTopic(ctx, args[0], topicDescription)
	if err != nil {
		return err
	}
	fmt.Printf("Topic %d: %s\n", topic.ID, topic.Name)
	return nil
}

func runTopicList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dbClient, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = dbClient.Close(context.Background()) }()

	topics, err := dbClient.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if len(topics) == 0 {
		fmt.Println("No topics found.")
		return nil
	}
	for _, t := range topics {
		n, err := dbClient.CountContextItems(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("count items: %w", err)
		}
		fmt.Printf("- %d: %s (%d passages)\n", t.ID, t.Name, n)
	}
	return nil
}
