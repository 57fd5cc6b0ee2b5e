package transcript

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/support-memory/internal/model"
)

func msgs(n int) []model.Message {
	out := make([]model.Message, n)
	for i := range out {
		out[i] = model.Message{MessageID: fmt.Sprint(i), Seq: i, Author: "u", Text: fmt.Sprintf("message %d", i)}
	}
	return out
}

func TestBuildShort(t *testing.T) {
	tr := Build(msgs(3), Options{Head: 2, Tail: 2})
	assert.False(t, tr.Truncated)
	assert.Equal(t, "u: message 0\nu: message 1\nu: message 2", tr.String())
}

func TestBuildHeadTail(t *testing.T) {
	tr := Build(msgs(30), DefaultOptions())
	require.True(t, tr.Truncated)
	assert.Equal(t, 10, tr.Omitted)
	require.Len(t, tr.Lines, 21)
	assert.Equal(t, "u: message 0", tr.Lines[0])
	assert.Equal(t, "u: message 4", tr.Lines[4])
	assert.Contains(t, tr.Lines[5], "10 messages omitted")
	assert.Equal(t, "u: message 15", tr.Lines[6])
	assert.Equal(t, "u: message 29", tr.Lines[20])

	// Deterministic.
	assert.Equal(t, tr.String(), Build(msgs(30), DefaultOptions()).String())
}

func TestLineFlattensNewlines(t *testing.T) {
	assert.Equal(t, "bob: a b", Line(model.Message{Author: "bob", Text: "a\n\n b"}))
}

func TestExcerpt(t *testing.T) {
	tr := Transcript{Lines: []string{"aaaa", "bbbb", "cccc"}}
	assert.Equal(t, "aaaa\nbbbb", tr.Excerpt(10))
	assert.Equal(t, "aaaa\nbbbb\ncccc", tr.Excerpt(100))
	assert.Equal(t, "aa", tr.Excerpt(2))
	assert.Equal(t, "", tr.Excerpt(0))

	long := Transcript{Lines: []string{strings.Repeat("é", 10)}}
	ex := long.Excerpt(5)
	assert.LessOrEqual(t, len(ex), 5)
	assert.Equal(t, "éé", ex)
}

func TestTailAndByAuthor(t *testing.T) {
	m := []model.Message{
		{Author: "rep", Text: "pump is hot"},
		{Author: "eng", Text: "check fluid"},
		{Author: "rep", Text: "alarm code H12"},
	}
	assert.Equal(t, "check fluid\nalarm code H12", Tail(m, 2))
	assert.Equal(t, "pump is hot\nalarm code H12", ByAuthor(m, "rep"))
	assert.Equal(t, "pump is hot\ncheck fluid\nalarm code H12", Text(m))
}
