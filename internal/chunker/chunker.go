// Package chunker splits raw text into embedding-sized passages.
//
// Four strategies are supported. Fixed is a deterministic sliding window;
// paragraph and sentence follow semantic boundaries and fall back to fixed
// for oversized units; smart picks a strategy from the text's shape.
// Sizes are measured in runes so CJK and Latin text chunk consistently.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy selects how text is split.
type Strategy string

const (
	StrategyFixed     Strategy = "fixed"
	StrategyParagraph Strategy = "paragraph"
	StrategySentence  Strategy = "sentence"
	StrategySmart     Strategy = "smart"
)

// Sentinel errors.
var (
	ErrUnknownStrategy = errors.New("unknown chunking strategy")
	ErrInvalidOptions  = errors.New("invalid chunking options")
)

// Options bound chunk size and overlap, both in runes.
type Options struct {
	Size    int
	Overlap int
}

// DefaultOptions matches the stored defaults for new data sources.
func DefaultOptions() Options {
	return Options{Size: 512, Overlap: 64}
}

func (o Options) validate() error {
	if o.Size < 1 {
		return fmt.Errorf("%w: size=%d", ErrInvalidOptions, o.Size)
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		return fmt.Errorf("%w: overlap=%d must be in [0, size)", ErrInvalidOptions, o.Overlap)
	}
	return nil
}

// Split chunks text with the given strategy. Empty or whitespace-only input
// yields an empty list. Every returned chunk is non-empty.
func Split(text string, strategy Strategy, opts Options) ([]string, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	switch strategy {
	case StrategyFixed:
		return splitFixed(text, opts), nil
	case StrategyParagraph:
		return splitParagraph(text, opts), nil
	case StrategySentence:
		return splitSentence(text, opts), nil
	case StrategySmart:
		return splitSmart(text, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// splitFixed slides a window of Size runes advancing by Size-Overlap.
// The final window may be shorter. Removing the leading Overlap runes of
// every chunk after the first reconstructs the input exactly.
func splitFixed(text string, opts Options) []string {
	runes := []rune(text)
	if len(runes) <= opts.Size {
		return []string{text}
	}

	step := opts.Size - opts.Overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + opts.Size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// splitParagraph merges consecutive paragraphs up to Size. A paragraph
// longer than Size flushes the buffer and is force-split via fixed.
func splitParagraph(text string, opts Options) []string {
	paras := paragraphs(text)

	var chunks []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, p := range paras {
		pLen := len([]rune(p))
		if pLen > opts.Size {
			flush()
			chunks = append(chunks, splitFixed(p, opts)...)
			continue
		}
		// +2 accounts for the blank-line join.
		if bufLen > 0 && bufLen+2+pLen > opts.Size {
			flush()
		}
		if bufLen > 0 {
			buf.WriteString("\n\n")
			bufLen += 2
		}
		buf.WriteString(p)
		bufLen += pLen
	}
	flush()
	return chunks
}

// splitSentence merges sentences up to Size, then applies trailing overlap:
// each chunk (except the last) gets the next chunk's leading Overlap runes
// appended, so context straddling a boundary appears in both chunks.
func splitSentence(text string, opts Options) []string {
	sents := sentences(text)

	var chunks []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, s := range sents {
		sLen := len([]rune(s))
		if sLen > opts.Size {
			flush()
			chunks = append(chunks, splitFixed(s, opts)...)
			continue
		}
		// +1 accounts for the space join.
		if bufLen > 0 && bufLen+1+sLen > opts.Size {
			flush()
		}
		if bufLen > 0 {
			buf.WriteByte(' ')
			bufLen++
		}
		buf.WriteString(s)
		bufLen += sLen
	}
	flush()

	if opts.Overlap > 0 {
		for i := 0; i < len(chunks)-1; i++ {
			next := []rune(chunks[i+1])
			n := opts.Overlap
			if n > len(next) {
				n = len(next)
			}
			chunks[i] += string(next[:n])
		}
	}
	return chunks
}

// splitSmart picks a strategy from the text's shape: three or more
// paragraphs delegate to paragraph, five or more sentences to sentence,
// everything else to fixed. Pure function of the input.
func splitSmart(text string, opts Options) []string {
	if len(paragraphs(text)) >= 3 {
		return splitParagraph(text, opts)
	}
	if len(sentences(text)) >= 5 {
		return splitSentence(text, opts)
	}
	return splitFixed(text, opts)
}

// paragraphs splits on blank-line boundaries and drops empty entries.
func paragraphs(text string) []string {
	var paras []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			paras = append(paras, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, strings.TrimRight(line, " \t"))
	}
	flush()
	return paras
}

// terminator reports whether r ends a sentence, covering Latin and CJK
// punctuation.
func terminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '。', '！', '？', '…', '；':
		return true
	}
	return false
}

// sentences splits text after runs of sentence-ending punctuation.
// Consecutive terminators ("?!", "。。") stay with the sentence they end.
// Trailing text without a terminator forms a final sentence.
func sentences(text string) []string {
	runes := []rune(text)
	var sents []string
	start := 0
	i := 0
	for i < len(runes) {
		if terminator(runes[i]) {
			for i+1 < len(runes) && terminator(runes[i+1]) {
				i++
			}
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				sents = append(sents, s)
			}
			start = i + 1
		}
		i++
	}
	if start < len(runes) {
		s := strings.TrimSpace(string(runes[start:]))
		if s != "" {
			sents = append(sents, s)
		}
	}
	return sents
}
