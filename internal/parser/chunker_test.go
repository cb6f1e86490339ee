package parser

import (
	"bytes"
	"strings"
	"testing"
)

func TestSplit_EmptyAndShort(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantLen int
	}{
		{name: "completely empty", content: "", wantLen: 0},
		{name: "whitespace only", content: "   \n\n\t  ", wantLen: 0},
		{name: "frontmatter only", content: "---\ntitle: X\n---\n", wantLen: 0},
		{name: "headings only below threshold", content: "# Title\n\n## Section", wantLen: 1},
		{name: "heading with content", content: "# Title\n\nSome actual content here.", wantLen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passages := Split(Parse(tt.content), "fallback", DefaultSplitConfig())
			if len(passages) != tt.wantLen {
				t.Fatalf("Split() got %d passages, want %d", len(passages), tt.wantLen)
			}
			for i, p := range passages {
				if strings.TrimSpace(p.Content) == "" {
					t.Errorf("passage[%d] is empty", i)
				}
			}
		})
	}
}

func TestSplit_TitleFallback(t *testing.T) {
	passages := Split(Parse("plain text without headings"), "notes.md", DefaultSplitConfig())
	if len(passages) != 1 || passages[0].Title != "notes.md" {
		t.Fatalf("got %+v, want one passage titled notes.md", passages)
	}
}

func TestSplit_LongDocumentUsesHeadingPaths(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("# Runbook\n\nIntro paragraph for the runbook.\n\n")
	sb.WriteString("## Deploy\n\n" + strings.Repeat("Deploy with the pipeline. ", 30) + "\n\n")
	sb.WriteString("### Rollback\n\n" + strings.Repeat("Roll back by reverting. ", 30) + "\n\n")
	sb.WriteString("## Empty\n\n")
	sb.WriteString("## Monitoring\n\n" + strings.Repeat("Watch the dashboards. ", 30) + "\n")

	content := sb.String()
	if len(content) <= DefaultSplitConfig().Threshold {
		t.Fatalf("test content too short: %d chars", len(content))
	}

	passages := Split(Parse(content), "runbook.md", DefaultSplitConfig())

	titles := make(map[string]bool)
	for i, p := range passages {
		if p.Position != i {
			t.Errorf("passage[%d].Position = %d", i, p.Position)
		}
		if strings.TrimSpace(p.Content) == "" {
			t.Errorf("passage[%d] is empty", i)
		}
		if len(p.Content) > DefaultSplitConfig().MaxSize+DefaultSplitConfig().MinSize {
			t.Errorf("passage[%d] too large: %d", i, len(p.Content))
		}
		titles[p.Title] = true
	}

	for _, want := range []string{"Runbook", "Runbook > Deploy", "Runbook > Deploy > Rollback", "Runbook > Monitoring"} {
		if !titles[want] {
			t.Errorf("missing passage titled %q; got %v", want, titles)
		}
	}
	if titles["Runbook > Empty"] {
		t.Error("empty section should not produce a passage")
	}
}

func TestSplit_MergesTinySections(t *testing.T) {
	cfg := SplitConfig{Threshold: 10, TargetSize: 100, MinSize: 50, MaxSize: 200}
	doc := Parse("# Doc\n\n## A\n\n" + strings.Repeat("a", 60) + "\n\n## B\n\ntiny\n")

	passages := Split(doc, "", cfg)
	if len(passages) != 1 {
		t.Fatalf("got %d passages, want 1: %+v", len(passages), passages)
	}
	if !strings.HasSuffix(passages[0].Content, "tiny") {
		t.Errorf("tiny section not merged: %q", passages[0].Content)
	}
}

func TestPackSentences(t *testing.T) {
	text := "First sentence here. Second one follows! Is this third? Final words from the U.S. team."
	got := packSentences(text, 40)

	if len(got) < 2 {
		t.Fatalf("expected multiple passages, got %v", got)
	}
	for _, s := range got {
		if strings.HasPrefix(s, "team.") {
			t.Errorf("abbreviation split mid-sentence: %v", got)
		}
	}
	if strings.Join(got, " ") != text {
		t.Errorf("content lost: %q", strings.Join(got, " "))
	}
}

func TestParse_FrontmatterAndSections(t *testing.T) {
	content := "---\ntitle: Onboarding\ntags: [hr, setup]\n---\n" +
		"Welcome.\n\n# Onboarding\n\n## Laptop ##\n\nGet a laptop.\n\n```\n# not a heading\n```\n"

	doc := Parse(content)
	if doc.Title != "Onboarding" {
		t.Errorf("Title = %q", doc.Title)
	}
	if tags := doc.MetaStrings("tags"); len(tags) != 2 || tags[1] != "setup" {
		t.Errorf("tags = %v", tags)
	}
	if len(doc.Sections) != 3 {
		t.Fatalf("got %d sections, want 3: %+v", len(doc.Sections), doc.Sections)
	}
	if doc.Sections[0].Level != 0 || doc.Sections[0].Body != "Welcome." {
		t.Errorf("preamble = %+v", doc.Sections[0])
	}
	laptop := doc.Sections[2]
	if laptop.Heading != "Laptop" || laptop.Path() != "Onboarding > Laptop" {
		t.Errorf("laptop section = %+v", laptop)
	}
	if !strings.Contains(laptop.Body, "# not a heading") {
		t.Errorf("fenced heading should stay in body: %q", laptop.Body)
	}
}

func TestParse_InvalidFrontmatterIgnored(t *testing.T) {
	doc := Parse("---\ntitle: [unclosed\n---\n# Real\n")
	if len(doc.Meta) != 0 {
		t.Errorf("Meta = %v, want empty", doc.Meta)
	}
	if doc.Title != "Real" {
		t.Errorf("Title = %q", doc.Title)
	}
}

func TestWriteFrontmatterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	meta := map[string]any{"session_id": "abc", "turns": 2}
	if err := WriteFrontmatter(&buf, meta, "# Transcript\n"); err != nil {
		t.Fatalf("WriteFrontmatter() error = %v", err)
	}

	doc := Parse(buf.String())
	if doc.MetaString("session_id") != "abc" {
		t.Errorf("session_id = %q", doc.MetaString("session_id"))
	}
	if doc.Title != "Transcript" {
		t.Errorf("Title = %q", doc.Title)
	}
}
