// Package main provides the reference backend for kbchat: answer streaming,
// history and feedback over HTTP, plus ingestion of Markdown knowledge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/raphaelgruber/kbchat/internal/config"
	"github.com/raphaelgruber/kbchat/internal/db"
	"github.com/raphaelgruber/kbchat/internal/llm"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/server"
	"github.com/raphaelgruber/kbchat/internal/service"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func() error
	collector *metrics.Collector

	wipeDB bool
)

var rootCmd = &cobra.Command{
	Use:           "kbchat-server",
	Short:         "Reference knowledge-base backend for kbchat",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		collector = metrics.NewCollector()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&wipeDB, "wipe", false, "wipe all data from database on startup (testing only)")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(topicCmd)
}

func main() {
	// Optional .env in the working directory; real environment wins.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// connectDB connects to SurrealDB and applies the schema.
func connectDB(ctx context.Context) (*db.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	dbClient, err := db.NewClient(connectCtx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger, collector)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := dbClient.InitSchema(connectCtx); err != nil {
		_ = dbClient.Close(context.Background())
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return dbClient, nil
}

// newEmbedder returns nil when vector retrieval is disabled.
func newEmbedder() (*llm.Embedder, error) {
	if cfg.EmbedProvider == "" {
		return nil, nil
	}
	if cfg.EmbedDimension != db.EmbeddingDimension {
		return nil, fmt.Errorf("KBCHAT_EMBED_DIMENSION must be %d to match the vector index, got %d", db.EmbeddingDimension, cfg.EmbedDimension)
	}
	embedder, err := llm.NewEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	logger.Info("embedder initialized", "provider", cfg.EmbedProvider, "model", embedder.Model(), "dimension", embedder.Dimension())
	return embedder, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("kbchat-server starting",
		"version", version,
		"port", cfg.ServerPort,
		"surrealdb_url", cfg.SurrealDBURL,
		"llm_provider", cfg.LLMProvider,
		"llm_model", cfg.LLMModel,
	)

	dbClient, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := dbClient.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	if wipeDB || os.Getenv("KBCHAT_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			return fmt.Errorf("wipe database: %w", err)
		}
		logger.Warn("database wiped")
	}

	model, err := llm.NewModel(cfg)
	if err != nil {
		return fmt.Errorf("init model: %w", err)
	}
	logger.Info("llm initialized", "model", model.Model())

	rag := service.NewRAGService(dbClient, model, cfg.RetrievalLimit, logger, collector)
	embedder, err := newEmbedder()
	if err != nil {
		return err
	}
	if embedder != nil {
		rag.WithEmbedder(embedder)
	}

	srv := server.New(fmt.Sprintf(":%d", cfg.ServerPort), server.Deps{
		Topics:  dbClient,
		RAG:     rag,
		History: service.NewHistoryService(dbClient, logger),
		Pinger:  dbClient,
		Metrics: collector,
		Token:   cfg.ServerToken,
		Logger:  logger,
	})
	if cfg.ServerToken == "" {
		logger.Warn("KBCHAT_SERVER_TOKEN not set, API is unauthenticated")
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
