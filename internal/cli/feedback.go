package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/raphaelgruber/kbchat/internal/chat"
	"github.com/raphaelgruber/kbchat/internal/client"
	"github.com/spf13/cobra"
)

var (
	feedbackScore   int
	feedbackComment string
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <history-id>",
	Short: "Rate a stored answer",
	Long: `Set the feedback score (-1, 0 or 1) and an optional comment on a stored
answer. Submitting again replaces the previous feedback.

Examples:
  kbchat feedback 42 --score 1
  kbchat feedback 42 --score -1 --comment "cites the wrong policy"`,
	Args: cobra.ExactArgs(1),
	RunE: runFeedback,
}

func init() {
	feedbackCmd.Flags().IntVarP(&feedbackScore, "score", "s", 0, "score: -1 (bad), 0 (neutral) or 1 (good)")
	feedbackCmd.Flags().StringVarP(&feedbackComment, "comment", "c", "", "optional comment")
	_ = feedbackCmd.MarkFlagRequired("score")
}

func runFeedback(cmd *cobra.Command, args []string) error {
	historyID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || historyID <= 0 {
		return fmt.Errorf("invalid history id: %s", args[0])
	}

	engine := newEngine("", cfg.TopicID, &sinkRouter{})
	return rateHistory(context.Background(), os.Stdout, engine, historyID, feedbackScore, feedbackComment)
}

// rateHistory submits feedback for a stored answer and prints the values the
// backend kept.
func rateHistory(ctx context.Context, w io.Writer, engine *chat.Engine, historyID int64, score int, comment string) error {
	rec, err := engine.SubmitFeedbackForHistory(ctx, historyID, score, comment)
	if err != nil {
		return describeFeedbackError(historyID, err)
	}

	fmt.Fprintln(w, defaultTheme.successStyle().Render(fmt.Sprintf("✓ Feedback saved for #%d", rec.ID)))
	if rec.FeedbackScore != nil {
		fmt.Fprintf(w, "  Score:   %s\n", scoreLabel(*rec.FeedbackScore))
	}
	if rec.FeedbackComment != nil {
		fmt.Fprintf(w, "  Comment: %s\n", *rec.FeedbackComment)
	}
	return nil
}

// describeFeedbackError turns backend rejections into actionable messages.
func describeFeedbackError(historyID int64, err error) error {
	switch {
	case errors.Is(err, chat.ErrInvalidScore):
		return errors.New("score must be -1, 0 or 1")
	case errors.Is(err, chat.ErrFeedbackInFlight):
		return errors.New("feedback for this answer is still being saved")
	case client.IsStatus(err, http.StatusNotFound):
		return fmt.Errorf("history #%d not found", historyID)
	case client.IsStatus(err, http.StatusUnauthorized), client.IsStatus(err, http.StatusForbidden):
		return fmt.Errorf("not authorized to rate answers: pass --token or set KBCHAT_TOKEN")
	default:
		return err
	}
}

func scoreLabel(score int) string {
	switch score {
	case 1:
		return "good (+1)"
	case -1:
		return "bad (-1)"
	default:
		return "neutral (0)"
	}
}
