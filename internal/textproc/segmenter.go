package textproc

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxSectionRunes bounds sections produced by the sentence-run fallback.
const DefaultMaxSectionRunes = 200

var zeroWidth = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\ufeff", "",
)

// Normalize applies NFC, unifies line endings, trims every line and drops blank lines.
// Paragraphs in the result are separated by a single "\n".
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = zeroWidth.Replace(text)

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Segmenter splits article bodies into ordered sections.
type Segmenter struct {
	maxRunes int
}

// NewSegmenter builds a segmenter; non-positive maxRunes falls back to the default.
func NewSegmenter(maxRunes int) *Segmenter {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxSectionRunes
	}
	return &Segmenter{maxRunes: maxRunes}
}

// Segment returns the sections of text. Whitespace-only input yields nil.
// Paragraphs longer than the limit are regrouped from whole sentences.
func (s *Segmenter) Segment(text string) []string {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	var sections []string
	for _, paragraph := range strings.Split(normalized, "\n") {
		if utf8.RuneCountInString(paragraph) <= s.maxRunes {
			sections = append(sections, paragraph)
			continue
		}
		sections = append(sections, s.sentenceRuns(paragraph)...)
	}
	return sections
}

// sentenceRuns packs consecutive sentences into runs of at most maxRunes.
// A sentence longer than the limit becomes its own run.
func (s *Segmenter) sentenceRuns(paragraph string) []string {
	var (
		runs    []string
		current strings.Builder
		size    int
	)
	for _, sentence := range Sentences(paragraph) {
		n := utf8.RuneCountInString(sentence)
		if size > 0 && size+n > s.maxRunes {
			runs = append(runs, current.String())
			current.Reset()
			size = 0
		}
		current.WriteString(sentence)
		size += n
	}
	if size > 0 {
		runs = append(runs, current.String())
	}
	return runs
}

// Sentences splits text after 。！？!? and any closing quotes that follow.
// Joining the result reproduces text exactly.
func Sentences(text string) []string {
	if text == "" {
		return nil
	}

	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && (isTerminator(runes[end]) || isClosingQuote(runes[end])) {
			end++
		}
		out = append(out, string(runes[start:end]))
		start = end
		i = end - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// SentenceBoundaries returns [start, end) rune offsets of each sentence.
func SentenceBoundaries(text string) [][2]int {
	var (
		bounds [][2]int
		offset int
	)
	for _, sentence := range Sentences(text) {
		n := utf8.RuneCountInString(sentence)
		bounds = append(bounds, [2]int{offset, offset + n})
		offset += n
	}
	return bounds
}

func isTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?':
		return true
	}
	return false
}

func isClosingQuote(r rune) bool {
	switch r {
	case '」', '』', '”', '’', '）', ')', '"':
		return true
	}
	return false
}
