package parser

import (
	"strings"
	"unicode"
)

// Passage is a retrievable unit of a document.
type Passage struct {
	Title    string
	Content  string
	Position int
}

// SplitConfig defines passage sizing.
type SplitConfig struct {
	// Threshold: documents up to this length stay a single passage
	Threshold int
	// TargetSize: sentence packing target when a paragraph is too long
	TargetSize int
	// MinSize: shorter sections merge into the previous passage
	MinSize int
	// MaxSize: longer sections are split at paragraphs, then sentences
	MaxSize int
}

// DefaultSplitConfig returns sensible defaults.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{
		Threshold:  1500,
		TargetSize: 750,
		MinSize:    200,
		MaxSize:    1000,
	}
}

// Split cuts a document into passages titled by heading path. fallbackTitle
// is used when the document has no title of its own.
func Split(doc *Document, fallbackTitle string, cfg SplitConfig) []Passage {
	title := doc.Title
	if title == "" {
		title = fallbackTitle
	}

	body := strings.TrimSpace(doc.Body)
	if body == "" {
		return nil
	}
	if len(body) <= cfg.Threshold {
		return []Passage{{Title: title, Content: body}}
	}

	var passages []Passage
	for _, s := range doc.Sections {
		if s.Body == "" {
			continue
		}
		sectionTitle := joinTitle(title, s.Trail)

		if len(s.Body) > cfg.MaxSize {
			passages = append(passages, titled(sectionTitle, packParagraphs(s.Body, cfg))...)
			continue
		}

		if len(s.Body) < cfg.MinSize && len(passages) > 0 {
			prev := &passages[len(passages)-1]
			if len(prev.Content)+len(s.Body) <= cfg.MaxSize {
				prev.Content += "\n\n" + s.Body
				continue
			}
		}
		passages = append(passages, Passage{Title: sectionTitle, Content: s.Body})
	}

	return number(passages)
}

// joinTitle prefixes the heading trail with the document title, skipping a
// leading h1 that repeats it.
func joinTitle(title string, trail []string) string {
	if len(trail) > 0 && trail[0] == title {
		trail = trail[1:]
	}
	if len(trail) == 0 {
		return title
	}
	if title == "" {
		return strings.Join(trail, " > ")
	}
	return title + " > " + strings.Join(trail, " > ")
}

func titled(title string, contents []string) []Passage {
	out := make([]Passage, 0, len(contents))
	for _, c := range contents {
		out = append(out, Passage{Title: title, Content: c})
	}
	return out
}

func number(passages []Passage) []Passage {
	for i := range passages {
		passages[i].Position = i
	}
	return passages
}

// packParagraphs groups paragraphs up to MaxSize. Paragraphs longer than
// MaxSize are split at sentence boundaries.
func packParagraphs(text string, cfg SplitConfig) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if len(para) > cfg.MaxSize {
			flush()
			out = append(out, packSentences(para, cfg.TargetSize)...)
			continue
		}

		if cur.Len() > 0 && cur.Len()+len(para)+2 > cfg.MaxSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()

	return out
}

func packSentences(text string, target int) []string {
	var out []string
	var cur strings.Builder

	for _, sentence := range splitSentences(text) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(sentence)+1 > target {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// splitSentences breaks after ., ! or ? followed by whitespace. A period
// right after a capital letter ("U.S.", "J. Doe") does not end a sentence.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && i > 0 && unicode.IsUpper(runes[i-1]) {
			continue
		}
		sentences = append(sentences, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		sentences = append(sentences, cur.String())
	}
	return sentences
}
