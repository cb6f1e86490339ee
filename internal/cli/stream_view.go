package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/kbchat/internal/chat"
	"github.com/raphaelgruber/kbchat/internal/models"
	"golang.org/x/term"
)

// Theme holds the color scheme for answer output.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
	Cite    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
	Cite:    lipgloss.Color("#D7AF5F"), // amber
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) successStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) citeStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Cite)
}

// =============================================================================
// SINKS
// =============================================================================

// streamSink receives answer chunks while an exchange runs.
type streamSink interface {
	chunk(delta string)
}

// sinkRouter forwards engine callbacks to the active sink. The engine's
// handlers are fixed at construction, the sink changes per exchange.
type sinkRouter struct {
	mu  sync.Mutex
	cur streamSink
}

func (r *sinkRouter) set(s streamSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = s
}

func (r *sinkRouter) handlers() chat.Handlers {
	return chat.Handlers{
		OnChunk: func(_, delta string) {
			r.mu.Lock()
			s := r.cur
			r.mu.Unlock()
			if s != nil {
				s.chunk(delta)
			}
		},
		OnError: func(turnID string, err error) {
			logger.Debug("exchange failed", "turn_id", turnID, "error", err)
		},
		OnFeedbackError: func(turnID string, err error) {
			logger.Debug("feedback failed", "turn_id", turnID, "error", err)
		},
	}
}

// plainSink writes chunks straight to w.
type plainSink struct {
	w       io.Writer
	written bool
}

func (p *plainSink) chunk(delta string) {
	p.written = true
	fmt.Fprint(p.w, delta)
}

// teaSink forwards chunks into a running bubbletea program.
type teaSink struct {
	program *tea.Program
}

func (s teaSink) chunk(delta string) {
	s.program.Send(chunkMsg(delta))
}

// =============================================================================
// STREAM VIEW
// =============================================================================

// chunkMsg carries an answer delta.
type chunkMsg string

// resultMsg carries the finished exchange.
type resultMsg chat.Result

// streamModel is the bubbletea model for one streamed answer.
type streamModel struct {
	spinner  spinner.Model
	theme    Theme
	content  string
	result   *chat.Result
	quitting bool
}

func newStreamModel() streamModel {
	return streamModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		theme:   defaultTheme,
	}
}

// Init starts the spinner.
func (m streamModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages and returns the updated model.
func (m streamModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case chunkMsg:
		m.content += string(msg)
		return m, nil

	case resultMsg:
		res := chat.Result(msg)
		m.result = &res
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the in-progress answer. The final answer is printed after the
// program exits so that it stays in the scrollback.
func (m streamModel) View() tea.View {
	if m.result != nil || m.quitting {
		return tea.NewView("")
	}
	if m.content == "" {
		return tea.NewView(m.spinner.View() + " " + m.theme.statusStyle().Render("Thinking...") + "\n")
	}
	return tea.NewView(m.content + " " + m.spinner.View() + "\n")
}

// useTUI reports whether the interactive stream view should be used.
func useTUI() bool {
	return !plain && term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
}

// runExchange sends question through engine and renders the answer as it
// streams, then prints citations and the history id.
func runExchange(ctx context.Context, engine *chat.Engine, router *sinkRouter, question string) chat.Result {
	if !useTUI() {
		sink := &plainSink{w: os.Stdout}
		router.set(sink)
		defer router.set(nil)

		res := engine.SendMessage(ctx, question)
		if res.Sent {
			if !sink.written {
				fmt.Print(res.AssistantTurn.Content)
			}
			fmt.Println()
			printTurnFooter(os.Stdout, res.AssistantTurn)
		}
		return res
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newStreamModel(), tea.WithContext(ctx))
	router.set(teaSink{program: p})
	defer router.set(nil)

	resCh := make(chan chat.Result, 1)
	go func() {
		res := engine.SendMessage(ctx, question)
		resCh <- res
		p.Send(resultMsg(res))
	}()

	if _, err := p.Run(); err != nil {
		logger.Debug("stream view exited", "error", err)
	}
	// Stop the exchange if the view was closed early.
	cancel()
	res := <-resCh

	if res.Sent {
		fmt.Println(res.AssistantTurn.Content)
		printTurnFooter(os.Stdout, res.AssistantTurn)
	}
	return res
}

// printTurnFooter prints citations and the feedback hint for a closed turn.
func printTurnFooter(w io.Writer, turn models.Turn) {
	t := defaultTheme
	if len(turn.Citations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, t.citeStyle().Render("Sources:"))
		for i, c := range turn.Citations {
			fmt.Fprintf(w, "  [%d] %s %s\n", i+1, c.Title, t.hintStyle().Render(fmt.Sprintf("(%.2f)", c.Score)))
		}
	}
	if turn.HistoryID != nil {
		fmt.Fprintln(w, t.hintStyle().Render(fmt.Sprintf("history #%d: rate with /good, /bad or 'kbchat feedback %d --score 1'", *turn.HistoryID, *turn.HistoryID)))
	}
}

// printError prints err in the error style.
func printError(w io.Writer, err error) {
	fmt.Fprintln(w, defaultTheme.errorStyle().Render("✗ "+strings.TrimSpace(err.Error())))
}
