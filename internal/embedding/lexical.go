package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

const (
	DefaultLexicalDims = 1024
	lexicalPrefixLen   = 5
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"but": true, "by": true, "for": true, "from": true, "has": true, "have": true, "in": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "were": true, "with": true, "we": true,
	"i": true, "you": true, "our": true, "after": true, "then": true,
}

// Lexical is a deterministic, offline embedder using the hashing trick over
// word prefixes. Words sharing their first five letters ("overheat",
// "overheating") land in the same bucket. It needs no model server and is the
// default provider.
type Lexical struct {
	dims int
}

// NewLexical creates a lexical embedder. dims <= 0 uses DefaultLexicalDims.
func NewLexical(dims int) *Lexical {
	if dims <= 0 {
		dims = DefaultLexicalDims
	}
	return &Lexical{dims: dims}
}

func (l *Lexical) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make(Vector, l.dims)
	for _, tok := range Tokens(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		// High bit picks the sign.
		if sum&(1<<31) != 0 {
			v[sum%uint32(l.dims)] -= 1
		} else {
			v[sum%uint32(l.dims)] += 1
		}
	}
	return Normalize(v), nil
}

func (l *Lexical) Dims() int { return l.dims }

func (l *Lexical) Name() string { return fmt.Sprintf("lexical:%d", l.dims) }

// Tokens lowercases text, splits on anything that is not a letter or digit,
// drops stop words and truncates each word to its prefix.
func Tokens(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, w := range words {
		if stopWords[w] {
			continue
		}
		if r := []rune(w); len(r) > lexicalPrefixLen {
			w = string(r[:lexicalPrefixLen])
		}
		out = append(out, w)
	}
	return out
}
