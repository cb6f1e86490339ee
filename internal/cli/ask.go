package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and stream the answer",
	Long: `Ask a single question in the selected topic and stream the answer.

The exchange is stored server-side under the current session, so it can be
rated afterwards with 'kbchat feedback'.

Examples:
  kbchat ask "How do I rotate the API key?" --topic 3
  KBCHAT_TOPIC_ID=3 kbchat ask "What is the refund policy?"
  kbchat ask "Summarize the onboarding steps" --plain > answer.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("question must not be empty")
	}

	topic, err := requireTopic()
	if err != nil {
		return err
	}
	sid, err := sessionID()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	router := &sinkRouter{}
	engine := newEngine(sid, topic, router)

	res := runExchange(ctx, engine, router, question)
	if res.Err != nil {
		return fmt.Errorf("answer failed: %w", res.Err)
	}
	return nil
}
