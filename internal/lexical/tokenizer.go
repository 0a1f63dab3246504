// Package lexical provides the per-source BM25 index used for keyword
// retrieval alongside the vector index.
//
// Indexes are derived structures: built lazily from the currently stored
// chunks on first query, cached in memory, and dropped on invalidation
// after a sync. They never outlive the persisted chunks as a source of
// truth, they only lag until the next invalidation.
package lexical

import (
	"strings"
	"unicode"
)

// cjk reports whether r belongs to a script written without word
// separators. Tokens from these runs are emitted as unigrams and bigrams
// instead of whitespace-delimited words.
func cjk(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}

// Tokenize lowercases text and splits it into scoring terms. Latin letter
// and digit runs become single tokens; CJK runs emit every rune plus every
// adjacent pair, which approximates word segmentation well enough for
// frequency ranking without a dictionary.
func Tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var run []rune

	flushWord := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	flushRun := func() {
		for i, r := range run {
			tokens = append(tokens, string(r))
			if i+1 < len(run) {
				tokens = append(tokens, string(run[i:i+2]))
			}
		}
		run = run[:0]
	}

	for _, r := range text {
		switch {
		case cjk(r):
			flushWord()
			run = append(run, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushRun()
			word.WriteRune(unicode.ToLower(r))
		default:
			flushWord()
			flushRun()
		}
	}
	flushWord()
	flushRun()
	return tokens
}
