package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/kbchat/internal/models"
	"github.com/raphaelgruber/kbchat/internal/parser"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export the session's stored exchanges to Markdown",
	Long: `Export every exchange stored server-side for the current session to a
Markdown file. Session metadata is written as YAML frontmatter.

Examples:
  kbchat export ./session.md
  kbchat export ./backup/today.md`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	sid, err := sessionID()
	if err != nil {
		return err
	}

	records, err := apiClient.ListHistory(context.Background(), sid)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No exchanges stored for this session.")
		return nil
	}

	if err := writeTranscript(args[0], sid, cfg.TopicID, exchangesFromHistory(records)); err != nil {
		return err
	}
	fmt.Printf("Exported %d exchanges to %s\n", len(records), args[0])
	return nil
}

// transcriptMeta is the frontmatter of an exported transcript.
type transcriptMeta struct {
	SessionID  string `yaml:"session_id"`
	TopicID    int64  `yaml:"topic_id,omitempty"`
	ExportedAt string `yaml:"exported_at"`
	Exchanges  int    `yaml:"exchanges"`
}

// exchange is one question and its answer, from either source.
type exchange struct {
	Question  string
	Answer    string
	HistoryID *int64
	Score     *int
	Comment   *string
	Citations []models.Citation
	At        time.Time
}

func exchangesFromHistory(records []models.HistoryRecord) []exchange {
	out := make([]exchange, 0, len(records))
	for _, r := range records {
		id := r.ID
		out = append(out, exchange{
			Question:  r.Question,
			Answer:    r.Answer,
			HistoryID: &id,
			Score:     r.FeedbackScore,
			Comment:   r.FeedbackComment,
			At:        r.CreatedAt,
		})
	}
	return out
}

// exchangesFromTurns pairs each user turn with the assistant turn after it.
// A trailing unanswered question is kept with an empty answer.
func exchangesFromTurns(turns []models.Turn) []exchange {
	var out []exchange
	for i := 0; i < len(turns); i++ {
		if turns[i].Role != models.RoleUser {
			continue
		}
		ex := exchange{Question: turns[i].Content, At: turns[i].Timestamp}
		if i+1 < len(turns) && turns[i+1].Role == models.RoleAssistant {
			a := turns[i+1]
			ex.Answer = a.Content
			ex.HistoryID = a.HistoryID
			ex.Score = a.FeedbackScore
			ex.Comment = a.FeedbackComment
			ex.Citations = a.Citations
			i++
		}
		out = append(out, ex)
	}
	return out
}

// renderTranscript renders exchanges as Markdown sections.
func renderTranscript(exchanges []exchange) string {
	var b strings.Builder
	for i, ex := range exchanges {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s\n\n", ex.Question)
		if !ex.At.IsZero() {
			fmt.Fprintf(&b, "_%s_\n\n", ex.At.UTC().Format(time.RFC3339))
		}
		if ex.Answer != "" {
			b.WriteString(strings.TrimSpace(ex.Answer))
			b.WriteString("\n")
		}
		if len(ex.Citations) > 0 {
			b.WriteString("\n**Sources**\n\n")
			for j, c := range ex.Citations {
				fmt.Fprintf(&b, "%d. %s (score %.2f)\n", j+1, c.Title, c.Score)
			}
		}
		if ex.HistoryID != nil {
			line := fmt.Sprintf("\n> history #%d", *ex.HistoryID)
			if ex.Score != nil {
				line += ", feedback: " + scoreLabel(*ex.Score)
			}
			if ex.Comment != nil {
				line += fmt.Sprintf(", comment: %q", *ex.Comment)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// writeTranscript writes exchanges with YAML frontmatter to path.
func writeTranscript(path, sessionID string, topic int64, exchanges []exchange) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	meta := transcriptMeta{
		SessionID:  sessionID,
		TopicID:    topic,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Exchanges:  len(exchanges),
	}
	if err := parser.WriteFrontmatter(f, meta, renderTranscript(exchanges)); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return f.Close()
}
