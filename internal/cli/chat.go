package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/raphaelgruber/kbchat/internal/chat"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat in the selected topic. Each line is sent as a
question; answers stream in as they are generated.

Commands:
  /good, /bad, /neutral   rate the last answer
  /comment <text>         comment on the last answer (keeps its score)
  /topic <id>             switch topic
  /clear                  clear the transcript
  /export <path>          write the transcript to a Markdown file
  /help                   show this help
  /quit                   leave

Examples:
  kbchat chat --topic 3`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

const chatHelp = `/good /bad /neutral   rate the last answer
/comment <text>       comment on the last answer
/topic <id>           switch topic
/clear                clear the transcript
/export <path>        write the transcript to Markdown
/quit                 leave`

// repl holds the state of one interactive chat.
type repl struct {
	engine *chat.Engine
	router *sinkRouter
	out    io.Writer
}

func runChat(cmd *cobra.Command, args []string) error {
	sid, err := sessionID()
	if err != nil {
		return err
	}

	r := &repl{router: &sinkRouter{}, out: os.Stdout}
	r.engine = newEngine(sid, cfg.TopicID, r.router)

	hint := defaultTheme.hintStyle()
	fmt.Fprintln(r.out, hint.Render(fmt.Sprintf("session %s, type /help for commands", sid)))
	if cfg.TopicID <= 0 {
		fmt.Fprintln(r.out, hint.Render("no topic selected: use /topic <id> (see 'kbchat topics')"))
	}

	prompt := defaultTheme.statusStyle().Render("> ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(r.out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(line)
			if err != nil {
				printError(r.out, err)
			}
			if quit {
				return nil
			}
			continue
		}

		r.ask(line)
	}
}

// ask runs one exchange. Ctrl+C cancels the exchange, not the REPL.
func (r *repl) ask(question string) {
	if r.engine.Topic() == 0 {
		printError(r.out, errors.New("no topic selected: use /topic <id>"))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res := runExchange(ctx, r.engine, r.router, question)
	if res.Err != nil {
		printError(r.out, res.Err)
	}
}

// command handles a slash command. It reports whether the REPL should exit.
func (r *repl) command(line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/good":
		return false, r.rate(1, nil)
	case "/bad":
		return false, r.rate(-1, nil)
	case "/neutral":
		return false, r.rate(0, nil)
	case "/comment":
		if arg == "" {
			return false, errors.New("usage: /comment <text>")
		}
		return false, r.rate(0, &arg)
	case "/topic":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return false, errors.New("usage: /topic <id>")
		}
		r.engine.SetTopic(id)
		fmt.Fprintln(r.out, defaultTheme.hintStyle().Render(fmt.Sprintf("topic %d selected", id)))
	case "/clear":
		r.engine.Clear()
		fmt.Fprintln(r.out, defaultTheme.hintStyle().Render("transcript cleared"))
	case "/export":
		if arg == "" {
			return false, errors.New("usage: /export <path>")
		}
		exchanges := exchangesFromTurns(r.engine.Store().Turns())
		if len(exchanges) == 0 {
			return false, errors.New("nothing to export")
		}
		if err := writeTranscript(arg, r.engine.SessionID(), r.engine.Topic(), exchanges); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Exported %d exchanges to %s\n", len(exchanges), arg)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// rate submits feedback on the last answer. A comment keeps the current score.
func (r *repl) rate(score int, comment *string) error {
	turn, ok := r.engine.Store().LastAssistantTurn()
	if !ok {
		return errors.New("no answer to rate yet")
	}
	if !turn.CanReceiveFeedback() {
		return errors.New("this answer was not stored, so it cannot be rated")
	}

	text := ""
	if comment != nil {
		text = *comment
		if turn.FeedbackScore != nil {
			score = *turn.FeedbackScore
		}
	} else if turn.FeedbackComment != nil {
		text = *turn.FeedbackComment
	}

	if err := r.engine.SubmitFeedback(context.Background(), turn.ID, score, text); err != nil {
		return describeFeedbackError(*turn.HistoryID, err)
	}

	updated, _ := r.engine.Store().Turn(turn.ID)
	msg := "✓ feedback saved"
	if updated.FeedbackScore != nil {
		msg += ": " + scoreLabel(*updated.FeedbackScore)
	}
	fmt.Fprintln(r.out, defaultTheme.successStyle().Render(msg))
	return nil
}
