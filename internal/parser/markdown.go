// Package parser turns Markdown files into titled passages for retrieval and
// renders transcripts back to Markdown with YAML frontmatter.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.+?)(?:\s+#+)?\s*$`)
	firstH1Re  = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	fenceStart = "```"
)

// Document is a parsed Markdown file.
type Document struct {
	// Meta holds YAML frontmatter, empty when absent or invalid.
	Meta map[string]any

	// Title comes from frontmatter title/name or the first h1.
	Title string

	// Body is everything after the frontmatter.
	Body string

	Sections []Section
}

// Section is a heading and the text under it up to the next heading of any
// level. Text before the first heading is a Level 0 section with no heading.
type Section struct {
	Level   int
	Heading string
	// Trail is the chain of enclosing headings, outermost first.
	Trail []string
	Body  string
}

// Path joins the heading trail, e.g. "Setup > Install".
func (s Section) Path() string {
	return strings.Join(s.Trail, " > ")
}

// Parse splits frontmatter from content and indexes its sections.
func Parse(content string) *Document {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	meta, body := splitFrontmatter(content)

	return &Document{
		Meta:     meta,
		Title:    extractTitle(meta, body),
		Body:     body,
		Sections: parseSections(body),
	}
}

func splitFrontmatter(content string) (map[string]any, string) {
	meta := make(map[string]any)
	if !strings.HasPrefix(content, "---\n") {
		return meta, content
	}

	end := strings.Index(content[4:], "\n---")
	if end < 0 {
		return meta, content
	}

	raw := content[4 : 4+end]
	rest := content[4+end+4:]
	rest = strings.TrimPrefix(rest, "\n")

	if err := yaml.Unmarshal([]byte(raw), &meta); err != nil || meta == nil {
		meta = make(map[string]any)
	}
	return meta, rest
}

func extractTitle(meta map[string]any, body string) string {
	for _, key := range []string{"title", "name"} {
		if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if m := firstH1Re.FindStringSubmatch(body); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// parseSections walks body line by line. Headings inside fenced code blocks
// are treated as text.
func parseSections(body string) []Section {
	var sections []Section
	var trail []string
	var levels []int

	current := &Section{}
	var text strings.Builder
	inFence := false

	flush := func() {
		current.Body = strings.TrimSpace(text.String())
		if current.Heading != "" || current.Body != "" {
			sections = append(sections, *current)
		}
		text.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(strings.TrimSpace(line), fenceStart) {
			inFence = !inFence
		}

		m := headingRe.FindStringSubmatch(line)
		if inFence || m == nil {
			text.WriteString(line)
			text.WriteByte('\n')
			continue
		}

		flush()

		level := len(m[1])
		heading := strings.TrimSpace(m[2])
		for len(levels) > 0 && levels[len(levels)-1] >= level {
			trail = trail[:len(trail)-1]
			levels = levels[:len(levels)-1]
		}
		trail = append(trail, heading)
		levels = append(levels, level)

		current = &Section{
			Level:   level,
			Heading: heading,
			Trail:   append([]string(nil), trail...),
		}
	}
	flush()

	return sections
}

// MetaString returns a string frontmatter value or "".
func (d *Document) MetaString(key string) string {
	if v, ok := d.Meta[key].(string); ok {
		return v
	}
	return ""
}

// MetaStrings returns a list frontmatter value such as tags.
func (d *Document) MetaStrings(key string) []string {
	switch v := d.Meta[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// WriteFrontmatter writes meta as a YAML frontmatter block followed by body.
func WriteFrontmatter(w io.Writer, meta any, body string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode frontmatter: %w", err)
	}

	if _, err := fmt.Fprintf(w, "---\n%s---\n\n%s", buf.String(), body); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}
