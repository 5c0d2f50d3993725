// Package export renders a specification draft as JSON or Markdown.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

// DefaultTitle heads Markdown exports when no title is given
const DefaultTitle = "Project Specification"

const notSpecified = "_Not specified_"

// maxHeadingLevel is the deepest Markdown heading
const maxHeadingLevel = 6

// JSON renders the draft as 2-space indented JSON, preserving field order
func JSON(d models.Draft) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal draft: %w", err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to indent draft: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// Markdown renders the draft as a document titled title. Top-level fields
// become second level headings, nested objects go one level deeper.
func Markdown(d models.Draft, title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	var b strings.Builder
	b.WriteString("# " + title + "\n")

	if d.Kind == models.KindObject {
		writeMembers(&b, d.Members, 2)
	} else {
		writeValue(&b, d)
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func writeMembers(b *strings.Builder, members []models.Member, level int) {
	for _, m := range members {
		b.WriteString("\n" + heading(level) + " " + Humanize(m.Key) + "\n")
		if m.Value.Kind == models.KindObject {
			if len(m.Value.Members) == 0 {
				b.WriteString("\n" + notSpecified + "\n")
				continue
			}
			writeMembers(b, m.Value.Members, level+1)
			continue
		}
		writeValue(b, m.Value)
	}
}

func writeValue(b *strings.Builder, v models.Draft) {
	switch v.Kind {
	case models.KindString:
		text := strings.TrimSpace(v.Text)
		if text == "" {
			text = notSpecified
		}
		b.WriteString("\n" + text + "\n")
	case models.KindList:
		items := make([]string, 0, len(v.Items))
		for _, item := range v.Items {
			if s := strings.TrimSpace(item); s != "" {
				items = append(items, s)
			}
		}
		if len(items) == 0 {
			b.WriteString("\n" + notSpecified + "\n")
			return
		}
		b.WriteString("\n")
		for _, item := range items {
			b.WriteString("- " + item + "\n")
		}
	default:
		b.WriteString("\n" + notSpecified + "\n")
	}
}

func heading(level int) string {
	if level > maxHeadingLevel {
		level = maxHeadingLevel
	}
	return strings.Repeat("#", level)
}

// Humanize turns a field key into a heading: technicalStack and
// technical_stack both become "Technical stack"
func Humanize(key string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}

	runes := []rune(key)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && len(cur) > 0:
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				flush()
			}
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()

	if len(words) == 0 {
		return key
	}
	for i, w := range words {
		if isAcronym(w) {
			continue
		}
		words[i] = strings.ToLower(w)
	}
	first := []rune(words[0])
	first[0] = unicode.ToUpper(first[0])
	words[0] = string(first)
	return strings.Join(words, " ")
}

func isAcronym(w string) bool {
	if len([]rune(w)) < 2 {
		return false
	}
	for _, r := range w {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
