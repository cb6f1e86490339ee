// Package cli provides the command-line interface for kbchat.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/kbchat/internal/chat"
	"github.com/raphaelgruber/kbchat/internal/client"
	"github.com/raphaelgruber/kbchat/internal/config"
	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/session"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string
	topicID   int64
	token     string
	plain     bool

	// Global config, logger and backend client
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error
	apiClient  *client.Client
	clientStat *metrics.Collector
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kbchat",
	Short: "Chat with a knowledge base",
	Long: `kbchat asks questions against a knowledge-base backend and streams
grounded answers with citations.

Answers are persisted server-side per session so they can be rated with
feedback and exported later. The session id is kept in the state directory
and survives restarts.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()

		// Flags override environment
		flags := cmd.Flags()
		if flags.Changed("server") {
			cfg.ServerURL = serverURL
		}
		if flags.Changed("token") {
			cfg.Token = token
		}
		if flags.Changed("topic") {
			cfg.TopicID = topicID
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupQuietLogger(cfg.LogFile, level)
		slog.SetDefault(logger)

		clientStat = metrics.NewCollector()
		apiClient = client.New(cfg.ServerURL,
			client.WithToken(cfg.Token),
			client.WithTimeout(cfg.ClientTimeout),
			client.WithLogger(logger),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if verbose && clientStat != nil {
			snap := clientStat.Snapshot()
			for _, name := range snap.Names() {
				op := snap.Operations[name]
				logger.Debug("client stats", "op", name, "count", op.Count, "failures", op.Failures, "avg_ms", op.AvgTimeMs)
			}
		}
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend URL (default $KBCHAT_SERVER_URL)")
	rootCmd.PersistentFlags().Int64Var(&topicID, "topic", 0, "topic id to ask about (default $KBCHAT_TOPIC_ID)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default $KBCHAT_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "disable the interactive stream view")

	// Add subcommands
	rootCmd.AddCommand(topicsCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(usageCmd)
}

// sessionID returns the persisted session id, creating it on first use.
func sessionID() (string, error) {
	id, err := session.LoadOrCreateID(cfg.StateDir)
	if err != nil {
		return "", fmt.Errorf("load session id: %w", err)
	}
	return id, nil
}

// requireTopic returns the selected topic or an error explaining how to set one.
func requireTopic() (int64, error) {
	if cfg.TopicID <= 0 {
		return 0, fmt.Errorf("no topic selected: pass --topic or set KBCHAT_TOPIC_ID (see 'kbchat topics')")
	}
	return cfg.TopicID, nil
}

// newEngine creates a chat engine for the current session. Chunks are
// forwarded to whatever sink is active on router.
func newEngine(sessionID string, topic int64, router *sinkRouter) *chat.Engine {
	return chat.New(chat.Config{
		TopicID:   topic,
		SessionID: sessionID,
		Backend:   apiClient,
		Handlers:  router.handlers(),
		Logger:    logger,
		Metrics:   clientStat,
	})
}
