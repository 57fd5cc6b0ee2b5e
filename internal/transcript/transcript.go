// Package transcript renders thread message logs into bounded text for
// summarization, excerpts and queries.
package transcript

import (
	"fmt"
	"strings"

	"github.com/rcliao/support-memory/internal/model"
)

const (
	DefaultHead = 5
	DefaultTail = 15
)

// Options configures truncation.
type Options struct {
	Head int
	Tail int
}

// DefaultOptions returns default truncation options.
func DefaultOptions() Options {
	return Options{Head: DefaultHead, Tail: DefaultTail}
}

// Transcript is a rendered, possibly truncated message log.
type Transcript struct {
	Lines     []string
	Omitted   int
	Truncated bool
}

// Build keeps the first Head and last Tail messages. Anything between them is
// replaced by a single omission marker line.
func Build(msgs []model.Message, opts Options) Transcript {
	if opts.Head <= 0 && opts.Tail <= 0 {
		opts = DefaultOptions()
	}
	if len(msgs) <= opts.Head+opts.Tail {
		t := Transcript{Lines: make([]string, 0, len(msgs))}
		for _, m := range msgs {
			t.Lines = append(t.Lines, Line(m))
		}
		return t
	}

	omitted := len(msgs) - opts.Head - opts.Tail
	t := Transcript{Lines: make([]string, 0, opts.Head+opts.Tail+1), Omitted: omitted, Truncated: true}
	for _, m := range msgs[:opts.Head] {
		t.Lines = append(t.Lines, Line(m))
	}
	t.Lines = append(t.Lines, fmt.Sprintf("[... %d messages omitted ...]", omitted))
	for _, m := range msgs[len(msgs)-opts.Tail:] {
		t.Lines = append(t.Lines, Line(m))
	}
	return t
}

// Line renders one message as "author: text" with internal newlines flattened.
func Line(m model.Message) string {
	text := strings.Join(strings.Fields(m.Text), " ")
	if m.Author == "" {
		return text
	}
	return m.Author + ": " + text
}

// String returns the transcript joined by newlines.
func (t Transcript) String() string {
	return strings.Join(t.Lines, "\n")
}

// Excerpt returns a verbatim prefix of the transcript no longer than maxChars,
// cut on a line boundary. A first line longer than maxChars is cut on a rune boundary.
func (t Transcript) Excerpt(maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range t.Lines {
		need := len(l)
		if b.Len() > 0 {
			need++
		}
		if b.Len()+need > maxChars {
			if b.Len() == 0 {
				return cutRunes(l, maxChars)
			}
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l)
	}
	return b.String()
}

func cutRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	return s[:cut]
}

// Tail renders the last n messages, for in-thread queries.
func Tail(msgs []model.Message, n int) string {
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Text)
	}
	return strings.Join(lines, "\n")
}

// ByAuthor concatenates the text of every message written by author, in order.
func ByAuthor(msgs []model.Message, author string) string {
	var parts []string
	for _, m := range msgs {
		if m.Author == author {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Text concatenates all message bodies without authors.
func Text(msgs []model.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}
